package tools

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/evidence"
	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/internal/llm"
	fetchmodels "github.com/mohammad-safakhou/researcher/tools/web_fetch/models"
	searchmodels "github.com/mohammad-safakhou/researcher/tools/web_search/models"
	"github.com/mohammad-safakhou/researcher/utils"
	"golang.org/x/sync/errgroup"
)

const (
	SearchWeb         = "searchWeb"
	ExtractContent    = "extractContent"
	CompareSources    = "compareSources"
	FactCheck         = "factCheck"
	Visualize         = "visualize"
	SummarizeFindings = "summarizeFindings"
)

// Searcher never fails; provider errors surface as an empty list.
type Searcher interface {
	Search(ctx context.Context, q string, k int) []searchmodels.Result
}

// Fetcher renders pages.
type Fetcher interface {
	Exec(ctx context.Context, url string) (fetchmodels.Result, error)
	Screenshot(ctx context.Context, url string) ([]byte, error)
	ExtractStructured(ctx context.Context, url string, selectors map[string]string) (map[string]string, error)
}

// Deps are the collaborators shared by the built-in tools.
type Deps struct {
	Searcher   Searcher
	Fetcher    Fetcher
	Oracle     llm.Oracle
	DataDir    string
	MaxResults int
	MaxChars   int
	Policy     config.CrawlPolicyConfig
	Logger     *log.Logger
}

func (d Deps) permit(url string) error {
	if !d.Policy.Permits(url) {
		return fmt.Errorf("%w: %s", ErrBlockedURL, url)
	}
	return nil
}

// Builtins returns the standard research tool set.
func Builtins(d Deps) []Tool {
	if d.MaxResults <= 0 {
		d.MaxResults = 5
	}
	if d.MaxChars <= 0 {
		d.MaxChars = 4000
	}
	if d.Logger == nil {
		d.Logger = log.New(log.Writer(), "[TOOLS] ", log.LstdFlags)
	}
	return []Tool{
		{
			Card: Card{Name: SearchWeb, Description: "Search the web for pages relevant to a query.",
				Params: map[string]string{"query": "search query", "num_results": "optional number of results"}, SideEffects: []string{"network"}},
			Schema:  searchWebSchema,
			Handler: d.searchWeb,
		},
		{
			Card: Card{Name: ExtractContent, Description: "Open a web page and extract its readable text, or specific elements by CSS selector.",
				Params: map[string]string{"url": "page URL", "selectors": "optional map of name to CSS selector"}, SideEffects: []string{"network"}},
			Schema:  pageSchema,
			Handler: d.extractContent,
		},
		{
			Card: Card{Name: CompareSources, Description: "Fetch several pages and compare what they say.",
				Params: map[string]string{"urls": "two or more page URLs", "focus": "optional aspect to compare"}, SideEffects: []string{"network"}},
			Schema:  compareSourcesSchema,
			Handler: d.compareSources,
		},
		{
			Card: Card{Name: FactCheck, Description: "Verify a specific claim against independent sources.",
				Params: map[string]string{"claim": "the statement to verify"}, SideEffects: []string{"network"}},
			Schema:  factCheckSchema,
			Handler: d.factCheck,
		},
		{
			Card: Card{Name: Visualize, Description: "Capture a screenshot of a page, useful for charts and tables.",
				Params: map[string]string{"url": "page URL"}, SideEffects: []string{"network", "filesystem"}},
			Schema:  pageSchema,
			Handler: d.visualize,
		},
		{
			Card: Card{Name: SummarizeFindings, Description: "Summarize the findings collected so far.",
				Params: map[string]string{"focus": "optional aspect to emphasize"}},
			Schema:  focusSchema,
			Handler: d.summarizeFindings,
		},
	}
}

// flexInt accepts 3 or "3".
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		var fl float64
		if err := json.Unmarshal([]byte(s), &fl); err != nil {
			return fmt.Errorf("not a number: %s", s)
		}
		n = int(fl)
	}
	*f = flexInt(n)
	return nil
}

func (d Deps) searchWeb(ctx context.Context, _ Session, p Params) (Result, error) {
	var in struct {
		Query      string  `json:"query"`
		NumResults flexInt `json:"num_results"`
	}
	if err := decode(p, &in); err != nil {
		return Result{}, err
	}
	in.Query = strings.TrimSpace(in.Query)
	if in.Query == "" {
		return Result{}, fmt.Errorf("%w: query required", ErrInvalidParams)
	}
	k := int(in.NumResults)
	if k <= 0 || k > 20 {
		k = d.MaxResults
	}
	results := d.Searcher.Search(ctx, in.Query, k)
	return Result{Key: "Search: " + in.Query, Value: results, Text: renderResults(in.Query, results)}, nil
}

func renderResults(q string, results []searchmodels.Result) string {
	if len(results) == 0 {
		return fmt.Sprintf("No search results for %q.", q)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for %q:\n", q)
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s (%s)\n   %s\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return b.String()
}

func (d Deps) extractContent(ctx context.Context, s Session, p Params) (Result, error) {
	var in struct {
		URL       string            `json:"url"`
		Selectors map[string]string `json:"selectors"`
	}
	if err := decode(p, &in); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(in.URL) == "" {
		return Result{}, fmt.Errorf("%w: url required", ErrInvalidParams)
	}
	if err := d.permit(in.URL); err != nil {
		return Result{}, err
	}
	key := "Content: " + in.URL
	if len(in.Selectors) > 0 {
		fields, err := d.Fetcher.ExtractStructured(ctx, in.URL, in.Selectors)
		if err != nil {
			return Result{}, err
		}
		names := make([]string, 0, len(fields))
		for n := range fields {
			names = append(names, n)
		}
		sort.Strings(names)
		var b strings.Builder
		fmt.Fprintf(&b, "Extracted fields from %s:\n", in.URL)
		for _, n := range names {
			fmt.Fprintf(&b, "- %s: %s\n", n, utils.Truncate(fields[n], 500))
		}
		return Result{Key: key, Value: fields, Text: b.String()}, nil
	}

	page, err := d.Fetcher.Exec(ctx, in.URL)
	if err != nil {
		return Result{}, err
	}
	if page.Empty() {
		return Result{Value: page, Text: fmt.Sprintf("No readable content could be extracted from %s.", in.URL)}, nil
	}
	d.index(s, page)
	text := utils.Truncate(page.Text, d.MaxChars)
	return Result{
		Key:   key,
		Value: map[string]interface{}{"url": page.URL, "title": page.Title, "byline": page.Byline, "published_at": page.PublishedAt, "text": text},
		Text:  fmt.Sprintf("%s (%s)\n\n%s", page.Title, page.URL, text),
	}, nil
}

func (d Deps) index(s Session, page fetchmodels.Result) {
	if s == nil || s.Evidence() == nil {
		return
	}
	if _, err := s.Evidence().AddDocument(page.URL, page.Title, page.Text); err != nil {
		d.Logger.Printf("index %s: %v", page.URL, err)
	}
}

type sourceExtract struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

func (d Deps) compareSources(ctx context.Context, s Session, p Params) (Result, error) {
	var in struct {
		URLs  []string `json:"urls"`
		Focus string   `json:"focus"`
	}
	if err := decode(p, &in); err != nil {
		return Result{}, err
	}
	in.URLs = helpers.DedupeURLs(in.URLs)
	if len(in.URLs) < 2 {
		return Result{}, fmt.Errorf("%w: at least two distinct urls required", ErrInvalidParams)
	}
	for _, u := range in.URLs {
		if err := d.permit(u); err != nil {
			return Result{}, err
		}
	}

	pages := make([]fetchmodels.Result, len(in.URLs))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range in.URLs {
		g.Go(func() error {
			page, err := d.Fetcher.Exec(gctx, u)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", u, err)
			}
			pages[i] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var sources []sourceExtract
	var b strings.Builder
	for _, page := range pages {
		if page.Empty() {
			continue
		}
		d.index(s, page)
		text := utils.Truncate(page.Text, d.MaxChars/len(pages))
		sources = append(sources, sourceExtract{URL: page.URL, Title: page.Title, Text: text})
		fmt.Fprintf(&b, "SOURCE %s (%s):\n%s\n\n", page.Title, page.URL, text)
	}
	if len(sources) < 2 {
		return Result{Value: sources, Text: "Not enough readable sources to compare."}, nil
	}
	focus := in.Focus
	if focus == "" && s != nil {
		focus = s.Topic()
	}
	prompt := fmt.Sprintf(`Compare the following sources with respect to %q.
Point out where they agree, where they disagree and which claims only one source makes.

%s`, focus, b.String())
	analysis, err := d.Oracle.Generate(ctx, prompt)
	if err != nil {
		return Result{}, err
	}
	hosts := make([]string, len(sources))
	for i, src := range sources {
		hosts[i] = utils.Host(src.URL)
	}
	return Result{
		Key:   "Comparison: " + strings.Join(hosts, " vs "),
		Value: map[string]interface{}{"sources": sources, "focus": focus, "analysis": analysis},
		Text:  analysis,
	}, nil
}

// Verdict is the outcome of a fact check.
type Verdict struct {
	Claim      string                `json:"claim"`
	Verdict    string                `json:"verdict"`
	Confidence float64               `json:"confidence"`
	Reasoning  string                `json:"reasoning"`
	Sources    []searchmodels.Result `json:"sources"`
	Evidence   []evidence.Hit        `json:"evidence,omitempty"`
}

const verdictSchema = `{"verdict": "supported | refuted | uncertain", "confidence": 0.0-1.0, "reasoning": "short explanation"}`

func (d Deps) factCheck(ctx context.Context, s Session, p Params) (Result, error) {
	var in struct {
		Claim string `json:"claim"`
	}
	if err := decode(p, &in); err != nil {
		return Result{}, err
	}
	claim := strings.TrimSpace(in.Claim)
	if claim == "" {
		return Result{}, fmt.Errorf("%w: claim required", ErrInvalidParams)
	}

	queries := []string{claim, claim + " evidence", claim + " debunked OR criticism"}
	batches := make([][]searchmodels.Result, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			batches[i] = d.Searcher.Search(gctx, q, 3)
			return nil
		})
	}
	_ = g.Wait()

	seen := map[string]bool{}
	var sources []searchmodels.Result
	for _, batch := range batches {
		for _, r := range batch {
			key, err := helpers.CanonicalURL(r.URL)
			if err != nil {
				key = r.URL
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			sources = append(sources, r)
		}
	}
	var hits []evidence.Hit
	if s != nil && s.Evidence() != nil {
		var err error
		if hits, err = s.Evidence().Search(claim, 3); err != nil {
			d.Logger.Printf("evidence lookup: %v", err)
		}
	}

	var b strings.Builder
	for _, r := range sources {
		fmt.Fprintf(&b, "- %s (%s): %s\n", r.Title, r.URL, r.Snippet)
	}
	for _, h := range hits {
		fmt.Fprintf(&b, "- [extracted] %s (%s): %s\n", h.Title, h.URL, h.Snippet)
	}
	prompt := fmt.Sprintf("Assess whether this claim is supported by the evidence below.\n\nCLAIM: %s\n\nEVIDENCE:\n%s", claim, b.String())
	v := Verdict{Claim: claim, Sources: sources, Evidence: hits}
	if err := d.Oracle.GenerateStructured(ctx, prompt, verdictSchema, &v); err != nil {
		if !errors.Is(err, llm.ErrNoStructuredOutput) {
			return Result{}, err
		}
		v.Verdict, v.Reasoning = "uncertain", "the verdict could not be parsed"
	}
	v.Claim, v.Sources, v.Evidence = claim, sources, hits
	text := fmt.Sprintf("Fact check of %q: %s (confidence %.2f). %s\nSources consulted: %d", claim, v.Verdict, v.Confidence, v.Reasoning, len(sources))
	return Result{Key: "Fact check: " + claim, Value: v, Text: text}, nil
}

func (d Deps) visualize(ctx context.Context, _ Session, p Params) (Result, error) {
	var in struct {
		URL string `json:"url"`
	}
	if err := decode(p, &in); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(in.URL) == "" {
		return Result{}, fmt.Errorf("%w: url required", ErrInvalidParams)
	}
	if err := d.permit(in.URL); err != nil {
		return Result{}, err
	}
	img, err := d.Fetcher.Screenshot(ctx, in.URL)
	if err != nil {
		return Result{}, err
	}
	if len(img) == 0 {
		return Result{Text: fmt.Sprintf("No screenshot could be captured for %s.", in.URL)}, nil
	}
	dir := filepath.Join(d.DataDir, "screenshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create screenshot dir: %w", err)
	}
	sum := sha1.Sum([]byte(in.URL))
	path := filepath.Join(dir, hex.EncodeToString(sum[:8])+".png")
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return Result{}, fmt.Errorf("write screenshot: %w", err)
	}
	return Result{
		Key:   "Screenshot: " + in.URL,
		Value: map[string]interface{}{"url": in.URL, "path": path, "bytes": len(img)},
		Text:  fmt.Sprintf("Captured a %d byte screenshot of %s at %s.", len(img), in.URL, path),
	}, nil
}

func (d Deps) summarizeFindings(ctx context.Context, s Session, p Params) (Result, error) {
	var in struct {
		Focus string `json:"focus"`
	}
	if err := decode(p, &in); err != nil {
		return Result{}, err
	}
	focus := strings.TrimSpace(in.Focus)
	if focus == "" {
		focus = "overall"
	}
	var findings map[string]interface{}
	topic := ""
	if s != nil {
		findings = s.Findings()
		topic = s.Topic()
	}
	if len(findings) == 0 {
		return Result{Text: "No findings collected yet."}, nil
	}
	doc, err := json.MarshalIndent(findings, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("marshal findings: %w", err)
	}
	prompt := fmt.Sprintf("Summarize the research findings on %q so far, focusing on: %s.\nList open questions at the end.\n\nFINDINGS:\n%s",
		topic, focus, utils.Truncate(string(doc), d.MaxChars*2))
	summary, err := d.Oracle.Generate(ctx, prompt)
	if err != nil {
		return Result{}, err
	}
	return Result{Key: "Summary: " + focus, Value: summary, Text: summary}, nil
}
