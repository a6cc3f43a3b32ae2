package serper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDiscoverPostsQuery(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("X-API-KEY") != "k" {
			t.Errorf("unexpected request %s key=%q", r.Method, r.Header.Get("X-API-KEY"))
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte(`{"organic":[
			{"title":"<b>Grid</b> storage","link":"https://example.com/grid","snippet":"Capacity &amp; cost"},
			"not-an-object",
			{"title":"Other","link":"https://example.org/x","snippet":"x"}
		]}`))
	}))
	defer srv.Close()

	s := Search{ApiKey: "k", Endpoint: srv.URL, Client: srv.Client()}
	res, err := s.Discover(context.Background(), "grid storage", 5, nil, 30)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if payload["tbs"] != "qdr:m" || payload["q"] != "grid storage" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res))
	}
	if res[0].Title != "Grid storage" || res[0].Snippet != "Capacity & cost" {
		t.Fatalf("markup not stripped: %+v", res[0])
	}
}
