package tools

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/evidence"
	"github.com/mohammad-safakhou/researcher/internal/llm"
	fetchmodels "github.com/mohammad-safakhou/researcher/tools/web_fetch/models"
	searchmodels "github.com/mohammad-safakhou/researcher/tools/web_search/models"
)

type stubSearcher struct {
	mu      sync.Mutex
	queries []string
}

func (s *stubSearcher) Search(_ context.Context, q string, k int) []searchmodels.Result {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()
	out := []searchmodels.Result{
		{Title: "R1 " + q, URL: "https://one.example/" + q, Snippet: "first"},
		{Title: "R2 " + q, URL: "https://shared.example", Snippet: "second"},
	}
	if k < len(out) {
		out = out[:k]
	}
	return out
}

type stubFetcher struct {
	pages map[string]string
	shot  []byte
}

func (f *stubFetcher) Exec(_ context.Context, url string) (fetchmodels.Result, error) {
	text, ok := f.pages[url]
	if !ok {
		return fetchmodels.Result{URL: url, Status: 599}, nil
	}
	return fetchmodels.Result{URL: url, Title: "Title " + url, Text: text, Status: 200}, nil
}

func (f *stubFetcher) Screenshot(context.Context, string) ([]byte, error) { return f.shot, nil }

func (f *stubFetcher) ExtractStructured(_ context.Context, _ string, sel map[string]string) (map[string]string, error) {
	out := map[string]string{}
	for k := range sel {
		out[k] = "value-" + k
	}
	return out, nil
}

type stubOracle struct {
	text       string
	structured string
	err        error
	prompts    []string
}

func (o *stubOracle) Generate(_ context.Context, prompt string) (string, error) {
	o.prompts = append(o.prompts, prompt)
	return o.text, o.err
}

func (o *stubOracle) GenerateStructured(_ context.Context, prompt, _ string, out interface{}) error {
	o.prompts = append(o.prompts, prompt)
	if o.err != nil {
		return o.err
	}
	return llm.DecodeJSON(o.structured, out)
}

type stubSession struct {
	topic    string
	findings map[string]interface{}
	idx      *evidence.Index
}

func (s stubSession) Topic() string                    { return s.topic }
func (s stubSession) Findings() map[string]interface{} { return s.findings }
func (s stubSession) Evidence() *evidence.Index        { return s.idx }

func newSession(t *testing.T) stubSession {
	t.Helper()
	idx, err := evidence.NewIndex()
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return stubSession{topic: "battery tech", findings: map[string]interface{}{}, idx: idx}
}

func newRegistry(t *testing.T, d Deps) *Registry {
	t.Helper()
	reg, err := NewRegistry(Builtins(d)...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func TestRegistryLookup(t *testing.T) {
	reg := newRegistry(t, Deps{Searcher: &stubSearcher{}})
	cards := reg.Cards()
	if len(cards) != 6 || cards[0].Name != SearchWeb || cards[0].Checksum == "" {
		t.Fatalf("unexpected cards %+v", cards)
	}
	cards[0].Params["query"] = "mutated"
	if reg.Cards()[0].Params["query"] == "mutated" {
		t.Fatalf("cards must be copies")
	}
	if _, err := reg.Invoke(context.Background(), "teleport", newSession(t), nil); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	noop := func(context.Context, Session, Params) (Result, error) { return Result{}, nil }
	if _, err := NewRegistry(Tool{Card: Card{Name: "a"}, Handler: noop}, Tool{Card: Card{Name: "a"}, Handler: noop}); err == nil {
		t.Fatalf("duplicate tool should be rejected")
	}
}

func TestSearchWeb(t *testing.T) {
	s := &stubSearcher{}
	reg := newRegistry(t, Deps{Searcher: s, MaxResults: 5})
	res, err := reg.Invoke(context.Background(), SearchWeb, newSession(t), Params{"query": "X", "num_results": "2"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	results, ok := res.Value.([]searchmodels.Result)
	if res.Key != "Search: X" || !ok || len(results) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := reg.Invoke(context.Background(), SearchWeb, newSession(t), Params{}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
}

func TestExtractContentIndexesEvidence(t *testing.T) {
	f := &stubFetcher{pages: map[string]string{"https://a.example": "Lithium prices fell sharply in 2024."}}
	reg := newRegistry(t, Deps{Fetcher: f})
	sess := newSession(t)

	res, err := reg.Invoke(context.Background(), ExtractContent, sess, Params{"url": "https://a.example"})
	if err != nil || res.Key != "Content: https://a.example" {
		t.Fatalf("extract: %+v err=%v", res, err)
	}
	if sess.idx.Documents() != 1 {
		t.Fatalf("page should be indexed")
	}

	res, err = reg.Invoke(context.Background(), ExtractContent, sess, Params{"url": "https://missing.example"})
	if err != nil || res.Key != "" {
		t.Fatalf("empty page should degrade without a finding: %+v err=%v", res, err)
	}

	res, err = reg.Invoke(context.Background(), ExtractContent, sess, Params{"url": "https://a.example", "selectors": map[string]interface{}{"price": ".price"}})
	if err != nil || !strings.Contains(res.Text, "value-price") {
		t.Fatalf("structured extract: %+v err=%v", res, err)
	}
}

func TestCrawlPolicyBlocksPageTools(t *testing.T) {
	f := &stubFetcher{pages: map[string]string{"https://a.example": "text"}, shot: []byte("png")}
	policy := config.CrawlPolicyConfig{Disallow: []string{"blocked.example"}}
	reg := newRegistry(t, Deps{Fetcher: f, Policy: policy, DataDir: t.TempDir()})
	sess := newSession(t)

	calls := []struct {
		tool string
		p    Params
	}{
		{ExtractContent, Params{"url": "https://www.blocked.example/page"}},
		{Visualize, Params{"url": "https://blocked.example"}},
		{CompareSources, Params{"urls": []interface{}{"https://a.example", "https://news.blocked.example"}}},
	}
	for _, c := range calls {
		if _, err := reg.Invoke(context.Background(), c.tool, sess, c.p); !errors.Is(err, ErrBlockedURL) {
			t.Fatalf("%s: expected ErrBlockedURL, got %v", c.tool, err)
		}
	}
	if _, err := reg.Invoke(context.Background(), ExtractContent, sess, Params{"url": "https://a.example"}); err != nil {
		t.Fatalf("permitted host should pass: %v", err)
	}
}

func TestCompareSources(t *testing.T) {
	f := &stubFetcher{pages: map[string]string{
		"https://a.example/x": "Source A says yes.",
		"https://b.example/y": "Source B says no.",
	}}
	o := &stubOracle{text: "They disagree."}
	reg := newRegistry(t, Deps{Fetcher: f, Oracle: o})
	res, err := reg.Invoke(context.Background(), CompareSources, newSession(t), Params{"urls": []string{"https://a.example/x", "https://b.example/y"}})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if res.Key != "Comparison: a.example vs b.example" || res.Text != "They disagree." {
		t.Fatalf("unexpected %+v", res)
	}
	if !strings.Contains(o.prompts[0], "Source A says yes.") || !strings.Contains(o.prompts[0], "battery tech") {
		t.Fatalf("prompt missing sources or topic: %s", o.prompts[0])
	}
	if _, err := reg.Invoke(context.Background(), CompareSources, newSession(t), Params{"urls": []string{"https://a.example/x"}}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
}

func TestFactCheckFansOutAndJoins(t *testing.T) {
	s := &stubSearcher{}
	o := &stubOracle{structured: `{"verdict":"supported","confidence":0.9,"reasoning":"multiple sources agree"}`}
	reg := newRegistry(t, Deps{Searcher: s, Oracle: o})
	res, err := reg.Invoke(context.Background(), FactCheck, newSession(t), Params{"claim": "cats purr"})
	if err != nil {
		t.Fatalf("fact check: %v", err)
	}
	if len(s.queries) != 3 {
		t.Fatalf("expected 3 sub-searches, got %v", s.queries)
	}
	v := res.Value.(Verdict)
	if v.Verdict != "supported" || v.Claim != "cats purr" {
		t.Fatalf("unexpected verdict %+v", v)
	}
	// three batches share one URL
	if len(v.Sources) != 4 {
		t.Fatalf("expected deduplicated sources, got %d", len(v.Sources))
	}

	o.structured = "no idea"
	res, err = reg.Invoke(context.Background(), FactCheck, newSession(t), Params{"claim": "cats purr"})
	if err != nil || res.Value.(Verdict).Verdict != "uncertain" {
		t.Fatalf("unparsable verdict should degrade to uncertain: %+v err=%v", res, err)
	}
}

func TestVisualizeWritesScreenshot(t *testing.T) {
	dir := t.TempDir()
	reg := newRegistry(t, Deps{Fetcher: &stubFetcher{shot: []byte("png")}, DataDir: dir})
	res, err := reg.Invoke(context.Background(), Visualize, newSession(t), Params{"url": "https://a.example"})
	if err != nil {
		t.Fatalf("visualize: %v", err)
	}
	path := res.Value.(map[string]interface{})["path"].(string)
	if b, err := os.ReadFile(path); err != nil || string(b) != "png" {
		t.Fatalf("screenshot not written: %v", err)
	}
}

func TestSummarizeFindings(t *testing.T) {
	o := &stubOracle{text: "summary"}
	reg := newRegistry(t, Deps{Oracle: o})
	sess := newSession(t)
	res, err := reg.Invoke(context.Background(), SummarizeFindings, sess, nil)
	if err != nil || res.Key != "" {
		t.Fatalf("empty findings: %+v err=%v", res, err)
	}
	sess.findings["Search: a"] = []string{"x"}
	res, err = reg.Invoke(context.Background(), SummarizeFindings, sess, Params{"focus": "costs"})
	if err != nil || res.Key != "Summary: costs" || res.Text != "summary" {
		t.Fatalf("unexpected %+v err=%v", res, err)
	}
}

func TestSchemaRejectsMalformedParams(t *testing.T) {
	f := &stubFetcher{pages: map[string]string{"https://a.example": "text"}}
	reg := newRegistry(t, Deps{Searcher: &stubSearcher{}, Fetcher: f})
	cases := []struct {
		tool string
		p    Params
	}{
		{ExtractContent, Params{"url": 42}},
		{ExtractContent, Params{"url": "https://a.example", "selectors": map[string]interface{}{"price": 3}}},
		{CompareSources, Params{"urls": "https://a.example"}},
		{FactCheck, Params{"claim": ""}},
	}
	for _, c := range cases {
		if _, err := reg.Invoke(context.Background(), c.tool, newSession(t), c.p); !errors.Is(err, ErrInvalidParams) {
			t.Fatalf("%s %v: expected ErrInvalidParams, got %v", c.tool, c.p, err)
		}
	}
	if _, err := NewRegistry(Tool{Card: Card{Name: "bad"}, Schema: `{"type": 5}`, Handler: func(context.Context, Session, Params) (Result, error) { return Result{}, nil }}); err == nil {
		t.Fatalf("expected invalid schema to be rejected")
	}
}
