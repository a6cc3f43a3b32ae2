package web_search

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/mohammad-safakhou/researcher/tools/web_search/brave"
	"github.com/mohammad-safakhou/researcher/tools/web_search/models"
	"github.com/mohammad-safakhou/researcher/tools/web_search/serper"
)

type WebSearcher interface {
	Discover(ctx context.Context, q string, k int, sites []string, recency int) ([]models.Result, error)
}

type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

type Error struct{ msg string }

func (e *Error) Error() string { return e.msg }

var ErrUnsupportedProvider = &Error{"unsupported provider"}

func NewWebSearcher(provider Provider, apiKey string, timeout time.Duration) (WebSearcher, error) {
	client := &http.Client{Timeout: timeout}
	switch provider {
	case SerperProvider:
		return serper.Search{ApiKey: apiKey, Client: client}, nil
	case BraveProvider:
		return brave.Search{ApiKey: apiKey, Client: client}, nil
	default:
		return nil, ErrUnsupportedProvider
	}
}

// Safe wraps a searcher so that failures and timeouts degrade to an empty result list.
type Safe struct {
	inner   WebSearcher
	timeout time.Duration
	logger  *log.Logger
}

func NewSafe(inner WebSearcher, timeout time.Duration, logger *log.Logger) *Safe {
	if logger == nil {
		logger = log.New(log.Writer(), "[SEARCH] ", log.LstdFlags)
	}
	return &Safe{inner: inner, timeout: timeout, logger: logger}
}

// Search never returns an error; it yields an empty list when the provider fails.
func (s *Safe) Search(ctx context.Context, q string, k int) []models.Result {
	res, _ := s.Discover(ctx, q, k, nil, 0)
	return res
}

func (s *Safe) Discover(ctx context.Context, q string, k int, sites []string, recency int) ([]models.Result, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	res, err := s.inner.Discover(ctx, q, k, sites, recency)
	if err != nil {
		s.logger.Printf("search %q failed: %v", q, err)
		return []models.Result{}, nil
	}
	if res == nil {
		res = []models.Result{}
	}
	return res, nil
}
