package serper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/tools/web_search/models"
	"github.com/mohammad-safakhou/researcher/utils"
)

const defaultEndpoint = "https://google.serper.dev/search"

type Search struct {
	ApiKey   string
	Endpoint string
	Client   *http.Client
}

// tbs maps a recency window in days to Google's qdr filter.
func tbs(days int) string {
	switch {
	case days <= 0:
		return ""
	case days <= 1:
		return "qdr:d"
	case days <= 7:
		return "qdr:w"
	case days <= 31:
		return "qdr:m"
	default:
		return "qdr:y"
	}
}

func (s Search) Discover(ctx context.Context, q string, k int, sites []string, recency int) ([]models.Result, error) {
	// https://serper.dev/ docs
	if len(sites) > 0 {
		clauses := make([]string, len(sites))
		for i, site := range sites {
			clauses[i] = "site:" + site
		}
		q = fmt.Sprintf("%s (%s)", q, strings.Join(clauses, " OR "))
	}
	payload := map[string]any{"q": q, "num": k}
	if t := tbs(recency); t != "" {
		payload["tbs"] = t
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.ApiKey)
	req.Header.Set("Content-Type", "application/json")
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
		return nil, fmt.Errorf("serper status %d", resp.StatusCode)
	}
	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	var out []models.Result
	if items, ok := raw["organic"].([]any); ok {
		for i, it := range items {
			if i >= k {
				break
			}
			m, ok := it.(map[string]any)
			if !ok {
				continue
			}
			link := utils.Str(m["link"])
			out = append(out, models.Result{
				Title: helpers.PlainText(utils.Str(m["title"])), URL: link, Snippet: helpers.PlainText(utils.Str(m["snippet"])),
				Source: utils.Host(link), Rank: i + 1,
			})
		}
	}
	return out, nil
}
