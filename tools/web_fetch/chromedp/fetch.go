package chromedp

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
	"github.com/mohammad-safakhou/researcher/tools/web_fetch/models"
	"github.com/mohammad-safakhou/researcher/utils"
)

var ErrInvalidURL = errors.New("invalid url")

type Fetch struct {
	Timeout   time.Duration
	MaxChars  int // maximum characters of article text
	UserAgent string
}

// Exec renders url and extracts the readable article. Browser failures yield a degraded result, not an error.
func (f Fetch) Exec(ctx context.Context, url string) (models.Result, error) {
	if strings.TrimSpace(url) == "" {
		return models.Result{}, ErrInvalidURL
	}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()
	t0 := time.Now()

	html, err := f.run(ctx, url, func(html *string) chromedp.Action {
		return chromedp.OuterHTML("html", html, chromedp.ByQuery)
	})
	if err != nil {
		return models.Result{URL: url, Status: 599, RenderMS: elapsedMS(t0)}, nil
	}
	res := Readable(html, url, f.MaxChars)
	res.RenderMS = elapsedMS(t0)
	return res, nil
}

// Screenshot captures a full-page PNG.
func (f Fetch) Screenshot(ctx context.Context, url string) ([]byte, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrInvalidURL
	}
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	var buf []byte
	bctx, done := f.browser(ctx)
	defer done()
	err := chromedp.Run(bctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.FullScreenshot(&buf, 90),
	)
	if err != nil {
		return nil, fmt.Errorf("screenshot %s: %w", url, err)
	}
	return buf, nil
}

// ExtractStructured returns the inner text of the first element matching each named selector.
// Missing elements map to an empty string.
func (f Fetch) ExtractStructured(ctx context.Context, url string, selectors map[string]string) (map[string]string, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrInvalidURL
	}
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	out := make(map[string]string, len(selectors))
	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	values := make(map[string]*string, len(selectors))
	for name, sel := range selectors {
		v := new(string)
		values[name] = v
		actions = append(actions, chromedp.Evaluate(selectorScript(sel), v))
	}
	bctx, done := f.browser(ctx)
	defer done()
	if err := chromedp.Run(bctx, actions...); err != nil {
		return nil, fmt.Errorf("extract %s: %w", url, err)
	}
	for name, v := range values {
		out[name] = strings.TrimSpace(*v)
	}
	return out, nil
}

func selectorScript(sel string) string {
	q, _ := json.Marshal(sel)
	return fmt.Sprintf(`(() => { const el = document.querySelector(%s); return el ? el.innerText : ""; })()`, q)
}

// Readable runs readability over raw HTML.
func Readable(html, rawURL string, maxChars int) models.Result {
	sum := sha1.Sum([]byte(html))
	res := models.Result{URL: rawURL, Status: 200, HTMLHash: hex.EncodeToString(sum[:])}
	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(rawURL))
	if err != nil {
		return res
	}
	text := strings.TrimSpace(article.TextContent)
	if maxChars > 0 {
		text = utils.Truncate(text, maxChars)
	}
	res.Title = strings.TrimSpace(article.Title)
	res.Byline = strings.TrimSpace(article.Byline)
	res.SiteName = article.SiteName
	if article.PublishedTime != nil {
		res.PublishedAt = article.PublishedTime.Format(time.RFC3339)
	}
	res.Text = text
	res.TopImage = article.Image
	return res
}

func (f Fetch) browser(ctx context.Context) (context.Context, func()) {
	ua := f.UserAgent
	if ua == "" {
		ua = "ResearcherBot/1.0"
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(ua),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	bctx, cancelBrowser := chromedp.NewContext(actx)
	return bctx, func() {
		cancelBrowser()
		cancelAlloc()
	}
}

func (f Fetch) run(ctx context.Context, url string, capture func(*string) chromedp.Action) (string, error) {
	bctx, done := f.browser(ctx)
	defer done()
	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		capture(&html),
	)
	return html, err
}

func elapsedMS(t0 time.Time) int { return int(time.Since(t0) / time.Millisecond) }

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
