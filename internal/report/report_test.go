package report

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/llm"
	"github.com/mohammad-safakhou/researcher/internal/research/state"
)

type stubOracle struct {
	structured string
	err        error
	prompt     string
}

func (o *stubOracle) Generate(context.Context, string) (string, error) { return "", errors.New("unused") }

func (o *stubOracle) GenerateStructured(_ context.Context, prompt, _ string, out interface{}) error {
	o.prompt = prompt
	if o.err != nil {
		return o.err
	}
	return llm.DecodeJSON(o.structured, out)
}

var fixed = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleInput() Input {
	c := 0.8
	return Input{
		SessionID: "s1",
		Topic:     "Solid state batteries",
		Findings: []Finding{
			{Key: "Search: solid state", Value: []map[string]string{{"title": "A", "url": "https://a.example"}}},
			{Key: "Summary: overall", Value: "Costs are falling."},
		},
		ReasoningTrace: []state.Thought{
			{ID: "r", Kind: state.KindThought, Content: "Research topic: Solid state batteries"},
			{ID: "o", Kind: state.KindObservation, Content: "[searchWeb] A", Confidence: &c},
		},
		ToolUsage: map[string]int{"searchWeb": 2, "extractContent": 1},
	}
}

func TestGenerateUsesSynthesizedSections(t *testing.T) {
	o := &stubOracle{structured: `{"sections":[{"title":"Overview","content":"Batteries are improving.","sources":["https://a.example"]},{"title":"","content":"dropped"}]}`}
	g := NewGenerator(o, WithClock(func() time.Time { return fixed }))
	r, err := g.Generate(context.Background(), sampleInput())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(r.Sections) != 1 || r.Sections[0].Title != "Overview" {
		t.Fatalf("unexpected sections %+v", r.Sections)
	}
	if !strings.Contains(o.prompt, "## Search: solid state") {
		t.Fatalf("findings not flattened into the prompt: %s", o.prompt)
	}
	for _, want := range []string{"# Research Report: Solid state batteries", "## Overview", "| searchWeb | 2 |", "**observation** (0.80)", "2025-03-01T12:00:00Z"} {
		if !strings.Contains(r.Markdown, want) {
			t.Fatalf("markdown missing %q:\n%s", want, r.Markdown)
		}
	}
}

func TestGenerateFallsBackToFindings(t *testing.T) {
	g := NewGenerator(&stubOracle{err: errors.New("quota")})
	r, err := g.Generate(context.Background(), sampleInput())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(r.Sections) != 2 || r.Sections[0].Title != "Search: solid state" {
		t.Fatalf("expected one section per finding, got %+v", r.Sections)
	}
	if len(r.Sections[0].Sources) != 1 || r.Sections[0].Sources[0] != "https://a.example" {
		t.Fatalf("sources not extracted: %+v", r.Sections[0])
	}
	if r.Sections[1].Content != "Costs are falling." {
		t.Fatalf("string findings should be used verbatim")
	}

	empty := NewGenerator(nil)
	r, err = empty.Generate(context.Background(), Input{Topic: "nothing"})
	if err != nil || len(r.Sections) != 1 {
		t.Fatalf("empty findings should still produce a report: %+v err=%v", r, err)
	}
	if _, err := empty.Generate(context.Background(), Input{}); err == nil {
		t.Fatalf("missing topic should fail")
	}
}

type failingSink struct{ calls int }

func (s *failingSink) Save(context.Context, Report) (string, error) {
	s.calls++
	return "", errors.New("disk full")
}

func TestGenerateSurvivesSinkFailure(t *testing.T) {
	sink := &failingSink{}
	g := NewGenerator(nil, WithSink(sink))
	r, err := g.Generate(context.Background(), sampleInput())
	if err != nil {
		t.Fatalf("a failed save should not fail the report: %v", err)
	}
	if sink.calls != 1 {
		t.Fatalf("expected one save attempt, got %d", sink.calls)
	}
	if r.Path != "" || !strings.Contains(r.Markdown, "Solid state batteries") || len(r.Sections) == 0 {
		t.Fatalf("expected an unsaved but complete report, got path=%q sections=%d", r.Path, len(r.Sections))
	}
}

func TestFileSinkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(nil, WithSink(FileSink{Dir: dir}), WithClock(func() time.Time { return fixed }))
	r, err := g.Generate(context.Background(), sampleInput())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasSuffix(r.Path, "solid-state-batteries-s1.md") {
		t.Fatalf("unexpected path %s", r.Path)
	}
	b, err := os.ReadFile(r.Path)
	if err != nil || string(b) != r.Markdown {
		t.Fatalf("markdown not written: %v", err)
	}
	loaded, err := FileSink{Dir: dir}.Load(r.Path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Topic != r.Topic || len(loaded.Sections) != len(r.Sections) || loaded.ToolUsage["searchWeb"] != 2 {
		t.Fatalf("sidecar mismatch %+v", loaded)
	}
}

func TestOrderedFindings(t *testing.T) {
	got := OrderedFindings([]string{"b", "a", "missing"}, map[string]interface{}{"a": 1, "b": 2, "c": 3})
	if len(got) != 3 || got[0].Key != "b" || got[1].Key != "a" || got[2].Key != "c" {
		t.Fatalf("unexpected order %+v", got)
	}
}

func TestSourcesOfCollapsesDuplicates(t *testing.T) {
	got := sourcesOf(map[string]interface{}{
		"results": []interface{}{
			map[string]interface{}{"url": "https://b.example/x?utm_source=feed"},
			map[string]interface{}{"URL": "https://b.example/x"},
			map[string]interface{}{"url": "https://a.example"},
		},
	})
	if len(got) != 2 || got[0] != "https://a.example" {
		t.Fatalf("unexpected sources %v", got)
	}
}
