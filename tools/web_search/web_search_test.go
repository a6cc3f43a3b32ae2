package web_search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mohammad-safakhou/researcher/tools/web_search/brave"
	"github.com/mohammad-safakhou/researcher/tools/web_search/models"
	"github.com/mohammad-safakhou/researcher/tools/web_search/serper"
)

type failingSearcher struct{}

func (failingSearcher) Discover(context.Context, string, int, []string, int) ([]models.Result, error) {
	return nil, errors.New("quota exceeded")
}

type slowSearcher struct{}

func (slowSearcher) Discover(ctx context.Context, _ string, _ int, _ []string, _ int) ([]models.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSafeSwallowsErrors(t *testing.T) {
	s := NewSafe(failingSearcher{}, 0, nil)
	res := s.Search(context.Background(), "q", 3)
	if res == nil || len(res) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", res)
	}
	s = NewSafe(slowSearcher{}, 10*time.Millisecond, nil)
	if res := s.Search(context.Background(), "q", 3); len(res) != 0 {
		t.Fatalf("expected empty list on timeout")
	}
}

func TestBraveDiscover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "key" {
			t.Errorf("missing token")
		}
		if r.URL.Query().Get("freshness") != "pw" {
			t.Errorf("freshness = %q", r.URL.Query().Get("freshness"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"web": map[string]any{"results": []map[string]string{
			{"title": "A", "url": "https://www.a.com/x", "description": "first"},
			{"title": "B", "url": "https://b.org", "description": "second"},
			{"title": "C", "url": "https://c.net", "description": "third"},
		}}})
	}))
	defer srv.Close()

	res, err := brave.Search{ApiKey: "key", Endpoint: srv.URL}.Discover(context.Background(), "go", 2, nil, 5)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(res) != 2 || res[0].Source != "a.com" || res[1].Rank != 2 {
		t.Fatalf("unexpected results %+v", res)
	}
}

func TestSerperDiscover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["q"] != "go (site:go.dev)" {
			t.Errorf("query = %v", body["q"])
		}
		_, _ = w.Write([]byte(`{"organic":[{"title":"Go","link":"https://go.dev","snippet":"lang"}]}`))
	}))
	defer srv.Close()

	res, err := serper.Search{ApiKey: "k", Endpoint: srv.URL}.Discover(context.Background(), "go", 5, []string{"go.dev"}, 0)
	if err != nil || len(res) != 1 || res[0].URL != "https://go.dev" {
		t.Fatalf("unexpected %+v err=%v", res, err)
	}
}

func TestNewWebSearcher(t *testing.T) {
	if _, err := NewWebSearcher("bing", "k", time.Second); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
	if _, err := NewWebSearcher(BraveProvider, "k", time.Second); err != nil {
		t.Fatalf("brave: %v", err)
	}
}
