package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/internal/llm"
	"github.com/mohammad-safakhou/researcher/internal/research/state"
	"github.com/mohammad-safakhou/researcher/utils"
)

const sectionsSchema = `{"sections":[{"title":"string","content":"markdown string","sources":["url"]}]}`

// Finding is one labelled entry of the collected information.
type Finding struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// Section is a titled block of the final report.
type Section struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Sources []string `json:"sources,omitempty"`
}

// Report is what the renderer consumes and the archive stores.
type Report struct {
	SessionID      string          `json:"session_id"`
	Topic          string          `json:"topic"`
	Sections       []Section       `json:"sections"`
	ReasoningTrace []state.Thought `json:"reasoning_trace"`
	ToolUsage      map[string]int  `json:"tool_usage"`
	GeneratedAt    time.Time       `json:"generated_at"`
	Markdown       string          `json:"markdown"`
	Path           string          `json:"path,omitempty"`
}

// Input carries everything a session hands over when it finishes.
type Input struct {
	SessionID      string
	Topic          string
	Findings       []Finding
	ReasoningTrace []state.Thought
	ToolUsage      map[string]int
}

// Sink persists a rendered report and returns its location.
type Sink interface {
	Save(ctx context.Context, r Report) (string, error)
}

// Generator turns collected findings into a rendered report.
type Generator struct {
	oracle llm.Oracle
	sink   Sink
	logger *log.Logger
	now    func() time.Time
}

type Option func(*Generator)

func WithSink(s Sink) Option { return func(g *Generator) { g.sink = s } }

func WithLogger(l *log.Logger) Option { return func(g *Generator) { g.logger = l } }

func WithClock(now func() time.Time) Option { return func(g *Generator) { g.now = now } }

// NewGenerator builds a generator. A nil oracle skips synthesis and derives sections from the findings.
func NewGenerator(oracle llm.Oracle, opts ...Option) *Generator {
	g := &Generator{
		oracle: oracle,
		logger: log.New(log.Writer(), "[REPORT] ", log.LstdFlags),
		now:    time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Generate synthesizes sections, renders markdown and persists the result when a sink is set.
// A failed save is logged and leaves Path empty.
func (g *Generator) Generate(ctx context.Context, in Input) (Report, error) {
	if strings.TrimSpace(in.Topic) == "" {
		return Report{}, errors.New("report: topic required")
	}
	sections, err := g.synthesize(ctx, in)
	if err != nil {
		g.logger.Printf("synthesis failed, using findings directly: %v", err)
		sections = FallbackSections(in.Findings)
	}
	r := Report{
		SessionID:      in.SessionID,
		Topic:          in.Topic,
		Sections:       sections,
		ReasoningTrace: in.ReasoningTrace,
		ToolUsage:      in.ToolUsage,
		GeneratedAt:    g.now().UTC(),
	}
	r.Markdown = Render(r)
	if g.sink != nil {
		path, err := g.sink.Save(ctx, r)
		if err != nil {
			g.logger.Printf("save report for %s: %v", r.SessionID, err)
		} else {
			r.Path = path
		}
	}
	return r, nil
}

func (g *Generator) synthesize(ctx context.Context, in Input) ([]Section, error) {
	if g.oracle == nil {
		return nil, errors.New("no synthesis model configured")
	}
	if len(in.Findings) == 0 {
		return nil, errors.New("nothing collected")
	}
	prompt := fmt.Sprintf(`You are writing the final report of a research session.
TOPIC: %s
FINDINGS:
%s
Organize the findings into 3 to 6 sections: an overview first, then the key themes, then open questions.
Cite source URLs where the findings include them.`, in.Topic, Flatten(in.Findings))

	var out struct {
		Sections []Section `json:"sections"`
	}
	if err := g.oracle.GenerateStructured(ctx, prompt, sectionsSchema, &out); err != nil {
		return nil, err
	}
	var sections []Section
	for _, s := range out.Sections {
		if strings.TrimSpace(s.Title) == "" || strings.TrimSpace(s.Content) == "" {
			continue
		}
		sections = append(sections, s)
	}
	if len(sections) == 0 {
		return nil, llm.ErrNoStructuredOutput
	}
	return sections, nil
}

// Flatten renders findings into one document, one labelled block per finding.
func Flatten(findings []Finding) string {
	var b strings.Builder
	for _, f := range findings {
		fmt.Fprintf(&b, "## %s\n%s\n\n", f.Key, utils.Truncate(valueText(f.Value), 3000))
	}
	return strings.TrimSpace(b.String())
}

// FallbackSections builds one section per finding, grouped in collection order.
func FallbackSections(findings []Finding) []Section {
	if len(findings) == 0 {
		return []Section{{Title: "Summary", Content: "No information was collected for this topic."}}
	}
	out := make([]Section, 0, len(findings))
	for _, f := range findings {
		out = append(out, Section{
			Title:   f.Key,
			Content: valueText(f.Value),
			Sources: sourcesOf(f.Value),
		})
	}
	return out
}

// OrderedFindings pairs keys with values, keeping the key order.
func OrderedFindings(keys []string, values map[string]interface{}) []Finding {
	out := make([]Finding, 0, len(values))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if v, ok := values[k]; ok && !seen[k] {
			out = append(out, Finding{Key: k, Value: v})
			seen[k] = true
		}
	}
	var rest []string
	for k := range values {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		out = append(out, Finding{Key: k, Value: values[k]})
	}
	return out
}

func valueText(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// sourcesOf pulls "url" fields out of a finding serialized as JSON.
func sourcesOf(v interface{}) []string {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var generic interface{}
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil
	}
	var out []string
	var walk func(x interface{})
	walk = func(x interface{}) {
		switch t := x.(type) {
		case map[string]interface{}:
			for k, val := range t {
				if u, ok := val.(string); ok && strings.EqualFold(k, "url") && u != "" {
					out = append(out, u)
					continue
				}
				walk(val)
			}
		case []interface{}:
			for _, it := range t {
				walk(it)
			}
		}
	}
	walk(generic)
	sort.Strings(out)
	return helpers.DedupeURLs(out)
}
