package web_fetch

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/researcher/tools/web_fetch/chromedp"
	"github.com/mohammad-safakhou/researcher/tools/web_fetch/models"
)

const (
	DefaultTimeout   = 15 * time.Second
	MaxCharsDefault  = 20000
	DefaultUserAgent = "ResearcherBot/1.0 (+https://github.com/mohammad-safakhou/researcher)"
)

// WebFetcher renders pages in a browser. Exec degrades to an empty result instead of failing on timeouts.
type WebFetcher interface {
	Exec(ctx context.Context, url string) (models.Result, error)
	Screenshot(ctx context.Context, url string) ([]byte, error)
	ExtractStructured(ctx context.Context, url string, selectors map[string]string) (map[string]string, error)
}

type FetcherType string

const (
	ChromedpFetcherType FetcherType = "chromedp"
)

type Error struct{ msg string }

func (e *Error) Error() string { return e.msg }

var ErrUnsupportedFetcher = &Error{"unsupported fetcher type"}

func NewWebFetcher(fetcherType FetcherType, timeout time.Duration, maxChars int, userAgent string) (WebFetcher, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxChars <= 0 {
		maxChars = MaxCharsDefault
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	switch fetcherType {
	case ChromedpFetcherType:
		return &chromedp.Fetch{Timeout: timeout, MaxChars: maxChars, UserAgent: userAgent}, nil
	default:
		return nil, ErrUnsupportedFetcher
	}
}
