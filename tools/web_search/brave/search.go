package brave

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/tools/web_search/models"
	"github.com/mohammad-safakhou/researcher/utils"
)

const defaultEndpoint = "https://api.search.brave.com/res/v1/web/search"

type Search struct {
	ApiKey   string
	Endpoint string
	Client   *http.Client
}

// freshness maps a recency window in days to Brave's freshness codes.
func freshness(days int) string {
	switch {
	case days <= 0:
		return ""
	case days <= 1:
		return "pd"
	case days <= 7:
		return "pw"
	case days <= 31:
		return "pm"
	default:
		return "py"
	}
}

func (s Search) Discover(ctx context.Context, q string, k int, sites []string, recency int) ([]models.Result, error) {
	// https://api.search.brave.com/app/documentation/web-search
	if len(sites) > 0 {
		clauses := make([]string, len(sites))
		for i, site := range sites {
			clauses[i] = "site:" + site
		}
		q = fmt.Sprintf("%s (%s)", q, strings.Join(clauses, " OR "))
	}
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	url := fmt.Sprintf("%s?q=%s&count=%d", endpoint, utils.UrlQuery(q), k)
	if f := freshness(recency); f != "" {
		url += "&freshness=" + f
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.ApiKey)
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave search status %d", resp.StatusCode)
	}
	var raw struct {
		Web struct {
			Results []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Snippet string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	var out []models.Result
	for i, r := range raw.Web.Results {
		if i >= k {
			break
		}
		out = append(out, models.Result{Title: helpers.PlainText(r.Title), URL: r.URL, Snippet: helpers.PlainText(r.Snippet), Source: utils.Host(r.URL), Rank: i + 1})
	}
	return out, nil
}
