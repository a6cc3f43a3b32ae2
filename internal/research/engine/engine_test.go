package engine

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/evidence"
	"github.com/mohammad-safakhou/researcher/internal/llm"
	"github.com/mohammad-safakhou/researcher/internal/research/state"
	"github.com/mohammad-safakhou/researcher/internal/research/tools"
	searchmodels "github.com/mohammad-safakhou/researcher/tools/web_search/models"
)

type fixedRand float64

func (f fixedRand) Float64() float64 { return float64(f) }

// scriptedOracle answers path, tool and evaluation prompts from canned text.
type scriptedOracle struct {
	paths      string
	tool       string
	evaluation string
	pathsErr   error
	evalErr    error
	calls      int
}

func (o *scriptedOracle) Generate(context.Context, string) (string, error) {
	o.calls++
	return o.evaluation, o.evalErr
}

func (o *scriptedOracle) GenerateStructured(_ context.Context, _ string, schema string, out interface{}) error {
	o.calls++
	switch schema {
	case pathsSchema:
		if o.pathsErr != nil {
			return o.pathsErr
		}
		return llm.DecodeJSON(o.paths, out)
	case toolSchema:
		return llm.DecodeJSON(o.tool, out)
	}
	return llm.ErrNoStructuredOutput
}

type countingSearcher struct {
	queries []string
	n       int
}

func (s *countingSearcher) Search(_ context.Context, q string, k int) []searchmodels.Result {
	s.queries = append(s.queries, q)
	out := make([]searchmodels.Result, 0, s.n)
	for i := 0; i < s.n; i++ {
		out = append(out, searchmodels.Result{Title: "result", URL: "https://example.com/" + q, Snippet: "about " + q, Rank: i + 1})
	}
	return out
}

func newState(t *testing.T, topic string) *state.Manager {
	t.Helper()
	m := state.NewManager()
	if err := m.InitSession(topic); err != nil {
		t.Fatalf("init: %v", err)
	}
	return m
}

func newEngine(t *testing.T, st *state.Manager, reg *tools.Registry, o llm.Oracle, r RandSource) *Engine {
	t.Helper()
	idx, err := evidence.NewIndex()
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return New(st, reg, o, Config{}, WithRand(r), WithEvidence(idx))
}

func builtinRegistry(t *testing.T, s tools.Searcher) *tools.Registry {
	t.Helper()
	reg, err := tools.NewRegistry(tools.Builtins(tools.Deps{Searcher: s})...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func TestPolicyBoundaries(t *testing.T) {
	p := DefaultPolicy()
	draws := []float64{0, 0.25, 0.5, 0.69, 0.7, 0.99}
	for _, r := range draws {
		if got := p.Decide(0.70, fixedRand(r)); got != ActionContinue {
			t.Fatalf("score 0.70 draw %v: got %s", r, got)
		}
		if got := p.Decide(0.39, fixedRand(r)); got == ActionContinue {
			t.Fatalf("score 0.39 draw %v must not continue", r)
		}
		if got := p.Decide(0.40, fixedRand(r)); got == ActionBacktrack {
			t.Fatalf("score 0.40 draw %v must not backtrack", r)
		}
	}
	if got := p.Decide(0.5, fixedRand(0.69)); got != ActionContinue {
		t.Fatalf("mid score under 0.7 draw should continue, got %s", got)
	}
	if got := p.Decide(0.5, fixedRand(0.7)); got != ActionExploreNew {
		t.Fatalf("mid score at 0.7 draw should explore, got %s", got)
	}
	if got := p.Decide(0.1, fixedRand(0.49)); got != ActionBacktrack {
		t.Fatalf("low score under 0.5 draw should backtrack, got %s", got)
	}
	if got := p.Decide(0.1, fixedRand(0.5)); got != ActionExploreNew {
		t.Fatalf("low score at 0.5 draw should explore, got %s", got)
	}
}

func TestPolicyFromConfigHonoursZeroProbabilities(t *testing.T) {
	rc := config.ResearchConfig{Policy: config.PolicyConfig{
		MidContinueProb:  config.Probability(0),
		LowBacktrackProb: config.Probability(0),
	}}.Normalize()
	p := PolicyFromConfig(rc.Policy)
	if p.LowBacktrackProb != 0 || p.MidContinueProb != 0 {
		t.Fatalf("explicit zero probabilities replaced by defaults: %+v", p)
	}
	for _, r := range []float64{0, 0.1, 0.5, 0.99} {
		if got := p.Decide(0.1, fixedRand(r)); got == ActionBacktrack {
			t.Fatalf("backtrack probability 0 still backtracked at draw %v", r)
		}
		if got := p.Decide(0.5, fixedRand(r)); got == ActionContinue {
			t.Fatalf("mid continue probability 0 still continued at draw %v", r)
		}
	}

	unset := PolicyFromConfig(config.ResearchConfig{}.Normalize().Policy)
	if unset != DefaultPolicy() {
		t.Fatalf("unset policy should use defaults, got %+v", unset)
	}
}

func TestParseScore(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"0.8", 0.8, true},
		{"8/10", 0.8, true},
		{"80%", 0.8, true},
		{"score: 0.8", 0.8, true},
		{"Score = 7", 0.7, true},
		{"I'd rate it 1.7", 0.17, true},
		{"150%", 1, true},
		{"12/10", 1, true},
		{"no idea", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseScore(tc.in)
		if ok != tc.ok || math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("ParseScore(%q) = %v,%v want %v,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestPromiseConfidence(t *testing.T) {
	if PromiseConfidence("HIGH") != 0.8 || PromiseConfidence("medium") != 0.5 || PromiseConfidence("low") != 0.3 {
		t.Fatalf("unexpected promise mapping")
	}
	if PromiseConfidence("stellar") != 0.3 {
		t.Fatalf("unknown promise should map to low")
	}
}

func TestEndToEndSingleCycle(t *testing.T) {
	st := newState(t, "X")
	searcher := &countingSearcher{n: 2}
	o := &scriptedOracle{
		paths:      `{"paths":[{"content":"Look up X","rationale":"baseline","promise":"high"}]}`,
		tool:       `{"tool":"searchWeb","params":{"query":"X"}}`,
		evaluation: "8/10",
	}
	e := newEngine(t, st, builtinRegistry(t, searcher), o, fixedRand(0.99))

	res := e.ExecuteCycle(context.Background(), CycleContext{Cycle: 1})
	if res.Failed || math.Abs(res.Score-0.8) > 1e-9 || res.NextAction != ActionContinue {
		t.Fatalf("unexpected result %+v", res)
	}
	if results, ok := res.Result.([]searchmodels.Result); !ok || len(results) != 2 {
		t.Fatalf("raw tool output not returned: %#v", res.Result)
	}

	s := st.GetState()
	if len(s.Nodes) != 3 {
		t.Fatalf("expected root + thought + observation, got %d nodes", len(s.Nodes))
	}
	thought, obs := s.Thoughts[1], s.Thoughts[2]
	if thought.Kind != state.KindThought || thought.ParentID != s.RootID {
		t.Fatalf("unexpected thought %+v", thought)
	}
	if obs.Kind != state.KindObservation || obs.ParentID != thought.ID || math.Abs(*obs.Confidence-0.8) > 1e-9 {
		t.Fatalf("unexpected observation %+v", obs)
	}
	if len(s.CollectedInfo) != 1 {
		t.Fatalf("expected one finding, got %v", s.CollectedInfo)
	}
	if _, ok := s.CollectedInfo["Search: X"]; !ok {
		t.Fatalf("finding should be keyed by the query, got %v", s.CollectedInfo)
	}
	node, _ := s.Node(thought.ID)
	if !node.Explored || node.Confidence != 1.0 {
		t.Fatalf("selected path should be explored and nudged up, got %+v", node)
	}
	if s.CurrentNodeID != thought.ID {
		t.Fatalf("cursor should rest on the selected path")
	}
	if e.ToolUsage()[tools.SearchWeb] != 1 {
		t.Fatalf("usage not counted: %v", e.ToolUsage())
	}
	if len(searcher.queries) != 1 || searcher.queries[0] != "X" {
		t.Fatalf("unexpected searches %v", searcher.queries)
	}
}

func TestCandidatesAreSiblingsAndBestIsSelected(t *testing.T) {
	st := newState(t, "topic")
	o := &scriptedOracle{
		paths: `{"paths":[
			{"content":"a","promise":"medium"},
			{"content":"b","promise":"high"},
			{"content":"c","promise":"high"},
			{"content":"d","promise":"high"}]}`,
		tool:       `{"tool":"searchWeb","params":{"query":"b"}}`,
		evaluation: "0.9",
	}
	e := newEngine(t, st, builtinRegistry(t, &countingSearcher{n: 1}), o, fixedRand(0))
	e.ExecuteCycle(context.Background(), CycleContext{Cycle: 1})

	s := st.GetState()
	root, _ := s.Node(s.RootID)
	if len(root.Children) != 3 {
		t.Fatalf("expected 3 sibling candidates capped at the configured count, got %d", len(root.Children))
	}
	b, _ := s.Thought(root.Children[1])
	if s.CurrentNodeID != b.ID {
		t.Fatalf("first of the highest-confidence candidates should be selected")
	}
	bn, _ := s.Node(b.ID)
	if len(bn.Children) != 1 {
		t.Fatalf("observation should hang under the selected path")
	}
}

func TestToolSelectionFallsBackToTopicSearch(t *testing.T) {
	st := newState(t, "fusion energy")
	searcher := &countingSearcher{n: 1}
	o := &scriptedOracle{
		paths:      `{"paths":[{"content":"a","promise":"low"}]}`,
		tool:       `{"tool":"teleport","params":{}}`,
		evaluation: "0.2",
	}
	e := newEngine(t, st, builtinRegistry(t, searcher), o, fixedRand(0.1))
	res := e.ExecuteCycle(context.Background(), CycleContext{Cycle: 1})
	if res.Failed || res.Tool != tools.SearchWeb {
		t.Fatalf("expected fallback search, got %+v", res)
	}
	if searcher.queries[0] != "fusion energy" {
		t.Fatalf("fallback should search the topic, got %v", searcher.queries)
	}
	if res.NextAction != ActionBacktrack {
		t.Fatalf("low score with low draw should backtrack, got %s", res.NextAction)
	}

	o.tool = "not json"
	res = e.ExecuteCycle(context.Background(), CycleContext{Cycle: 2})
	if res.Failed || res.Tool != tools.SearchWeb {
		t.Fatalf("unparsable selection should fall back, got %+v", res)
	}

	o.tool = `{"tool":"searchWeb","params":{"num_results":3}}`
	res = e.ExecuteCycle(context.Background(), CycleContext{Cycle: 3})
	if res.Failed || res.Tool != tools.SearchWeb || searcher.queries[len(searcher.queries)-1] != "fusion energy" {
		t.Fatalf("params missing the query should fall back to the topic, got %+v %v", res, searcher.queries)
	}
}

func TestDispatcherFailureIsContained(t *testing.T) {
	st := newState(t, "topic")
	broken := tools.Tool{
		Card: tools.Card{Name: tools.SearchWeb, Description: "always fails"},
		Handler: func(context.Context, tools.Session, tools.Params) (tools.Result, error) {
			return tools.Result{}, errors.New("provider exploded")
		},
	}
	reg, err := tools.NewRegistry(broken)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	o := &scriptedOracle{
		paths: `{"paths":[{"content":"a","promise":"high"}]}`,
		tool:  `{"tool":"searchWeb","params":{"query":"a"}}`,
	}
	e := newEngine(t, st, reg, o, fixedRand(0))
	before := len(st.GetState().Thoughts)

	res := e.ExecuteCycle(context.Background(), CycleContext{Cycle: 1})
	if !res.Failed || res.Score != 0.1 || res.NextAction != ActionExploreNew {
		t.Fatalf("unexpected result %+v", res)
	}
	payload, ok := res.Result.(map[string]interface{})
	if !ok || payload["error"] == nil {
		t.Fatalf("expected error payload, got %#v", res.Result)
	}

	s := st.GetState()
	added := s.Thoughts[before:]
	var observations []state.Thought
	for _, th := range added {
		if th.Kind == state.KindObservation {
			observations = append(observations, th)
		}
	}
	if len(observations) != 1 || *observations[0].Confidence != 0.1 {
		t.Fatalf("expected exactly one 0.1 observation, got %+v", observations)
	}
	if len(added) != 2 {
		t.Fatalf("expected the candidate plus one error observation, got %d thoughts", len(added))
	}
	node, _ := s.Node(added[0].ID)
	if !node.Explored || math.Abs(node.Confidence-0.6) > 1e-9 {
		t.Fatalf("failed path should be explored and nudged down, got %+v", node)
	}
	if e.ToolUsage()[tools.SearchWeb] != 1 {
		t.Fatalf("failed invocation should still count")
	}
}

func TestOracleFailuresAreContained(t *testing.T) {
	st := newState(t, "topic")
	o := &scriptedOracle{pathsErr: errors.New("quota exceeded")}
	e := newEngine(t, st, builtinRegistry(t, &countingSearcher{n: 1}), o, fixedRand(0))

	res := e.ExecuteCycle(context.Background(), CycleContext{Cycle: 1})
	if !res.Failed || res.Score != 0.1 || res.NextAction != ActionExploreNew {
		t.Fatalf("unexpected result %+v", res)
	}
	s := st.GetState()
	if len(s.Thoughts) != 2 || s.Thoughts[1].Kind != state.KindObservation || s.Thoughts[1].ParentID != s.RootID {
		t.Fatalf("expected one error observation under the root, got %+v", s.Thoughts)
	}

	o.pathsErr = nil
	o.paths = `{"paths":[]}`
	if res := e.ExecuteCycle(context.Background(), CycleContext{Cycle: 2}); !res.Failed {
		t.Fatalf("no candidates must fail the cycle")
	}
}

func TestEvaluationFailurePatchesObservation(t *testing.T) {
	st := newState(t, "topic")
	o := &scriptedOracle{
		paths:   `{"paths":[{"content":"a","promise":"medium"}]}`,
		tool:    `{"tool":"searchWeb","params":{"query":"a"}}`,
		evalErr: errors.New("timeout"),
	}
	e := newEngine(t, st, builtinRegistry(t, &countingSearcher{n: 2}), o, fixedRand(0))
	res := e.ExecuteCycle(context.Background(), CycleContext{Cycle: 1})
	if !res.Failed {
		t.Fatalf("expected failure")
	}
	s := st.GetState()
	if len(s.Thoughts) != 3 {
		t.Fatalf("expected root, candidate and a single observation, got %d", len(s.Thoughts))
	}
	obs := s.Thoughts[2]
	if obs.Kind != state.KindObservation || obs.Confidence == nil || *obs.Confidence != 0.1 {
		t.Fatalf("observation should be patched to 0.1, got %+v", obs)
	}
	if _, ok := s.CollectedInfo["Search: a"]; !ok {
		t.Fatalf("finding from the successful tool call should be kept")
	}
}

func TestCheckSufficiency(t *testing.T) {
	cases := map[string]bool{
		"sufficient, the report can be written": true,
		"Insufficient: pricing data is missing":  false,
		"Yes.":                                   true,
		"No, more sources needed":                false,
		"maybe":                                  false,
	}
	for reply, want := range cases {
		st := newState(t, "topic")
		e := newEngine(t, st, builtinRegistry(t, &countingSearcher{}), &scriptedOracle{evaluation: reply}, fixedRand(0))
		got, err := e.CheckSufficiency(context.Background())
		if err != nil || got != want {
			t.Fatalf("%q: got %v err=%v, want %v", reply, got, err, want)
		}
	}
}
