package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/evidence"
	"github.com/mohammad-safakhou/researcher/internal/llm"
	"github.com/mohammad-safakhou/researcher/internal/research/state"
	"github.com/mohammad-safakhou/researcher/internal/research/tools"
	"github.com/mohammad-safakhou/researcher/internal/telemetry"
	"github.com/mohammad-safakhou/researcher/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var engineTracer = otel.Tracer("github.com/mohammad-safakhou/researcher/internal/research/engine")

var errNoCandidates = errors.New("no candidate paths generated")

const failureConfidence = 0.1

var promiseConfidence = map[string]float64{
	"high":   0.8,
	"medium": 0.5,
	"low":    0.3,
}

// CycleContext describes the cycle being run.
type CycleContext struct {
	Cycle int
}

// CycleResult is returned by every cycle, including failed ones.
type CycleResult struct {
	Result     interface{} `json:"result"`
	Score      float64     `json:"score"`
	NextAction Action      `json:"next_action"`
	Tool       string      `json:"tool,omitempty"`
	Failed     bool        `json:"failed"`
}

// Config holds the engine's tunables.
type Config struct {
	Candidates      int
	MaxResultLength int
	Policy          Policy
}

// Engine runs reasoning cycles for one research session.
type Engine struct {
	state      *state.Manager
	registry   *tools.Registry
	reasoning  llm.Oracle
	evaluation llm.Oracle
	evidence   *evidence.Index
	cfg        Config
	rand       RandSource
	metrics    *telemetry.Metrics
	logger     *log.Logger

	mu    sync.Mutex
	usage map[string]int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRand pins the random source used by the policy.
func WithRand(r RandSource) Option {
	return func(e *Engine) { e.rand = r }
}

// WithEvaluationOracle routes scoring and sufficiency checks to a separate model.
func WithEvaluationOracle(o llm.Oracle) Option {
	return func(e *Engine) { e.evaluation = o }
}

func WithEvidence(idx *evidence.Index) Option {
	return func(e *Engine) { e.evidence = idx }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func New(st *state.Manager, reg *tools.Registry, reasoning llm.Oracle, cfg Config, opts ...Option) *Engine {
	if cfg.Candidates <= 0 {
		cfg.Candidates = 3
	}
	if cfg.MaxResultLength <= 0 {
		cfg.MaxResultLength = 4000
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	e := &Engine{
		state:     st,
		registry:  reg,
		reasoning: reasoning,
		cfg:       cfg,
		usage:     make(map[string]int),
		logger:    log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
	}
	for _, o := range opts {
		o(e)
	}
	if e.evaluation == nil {
		e.evaluation = reasoning
	}
	if e.rand == nil {
		e.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return e
}

// ToolUsage returns invocation counts per tool.
func (e *Engine) ToolUsage() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.usage))
	for k, v := range e.usage {
		out[k] = v
	}
	return out
}

func (e *Engine) countUsage(tool string) {
	e.mu.Lock()
	e.usage[tool]++
	e.mu.Unlock()
}

// cycleRun tracks what a cycle has produced so a failure can be recorded against it.
type cycleRun struct {
	anchor   string
	selected *state.Thought
	obsID    string
	tool     string
}

// ExecuteCycle runs generate, select, act, observe, score, update and decide.
// Failures never escape: they are recorded as a low-confidence observation and
// reported as a 0.1 score with explore_new.
func (e *Engine) ExecuteCycle(ctx context.Context, cc CycleContext) CycleResult {
	ctx, span := engineTracer.Start(ctx, "research.cycle", trace.WithAttributes(attribute.Int("research.cycle", cc.Cycle)))
	defer span.End()

	run := &cycleRun{anchor: e.state.CurrentNodeID()}
	res, err := e.runCycle(ctx, cc, run)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		res = e.fail(cc, run, err)
	}
	span.SetAttributes(
		attribute.Float64("research.score", res.Score),
		attribute.String("research.next_action", string(res.NextAction)),
		attribute.String("research.tool", res.Tool),
	)
	e.metrics.ObserveCycle(res.Score, string(res.NextAction))
	return res
}

func (e *Engine) runCycle(ctx context.Context, cc CycleContext, run *cycleRun) (CycleResult, error) {
	span := trace.SpanFromContext(ctx)
	topic := e.state.Topic()

	e.state.UpdateStatus(state.StatusThinking, "Generating candidate paths",
		fmt.Sprintf("Cycle %d: generating %d candidate paths", cc.Cycle, e.cfg.Candidates))
	span.AddEvent("generate_paths")
	candidates, err := e.generatePaths(ctx, topic, run.anchor)
	if err != nil {
		return CycleResult{}, err
	}

	best := selectBest(candidates)
	run.selected = &best
	if !e.state.NavigateToNode(best.ID) {
		return CycleResult{}, fmt.Errorf("selected path %s not found", best.ID)
	}
	e.state.UpdateStatus(state.StatusThinking, "Selecting tool",
		fmt.Sprintf("Cycle %d: selected path %q", cc.Cycle, utils.Truncate(best.Content, 120)))
	span.AddEvent("select_tool")
	tool, params := e.selectTool(ctx, topic, best)
	run.tool = tool

	e.state.UpdateStatus(state.StatusActing, "Running "+tool, fmt.Sprintf("Cycle %d: invoking %s", cc.Cycle, tool))
	span.AddEvent("act", trace.WithAttributes(attribute.String("research.tool", tool)))
	e.countUsage(tool)
	out, err := e.registry.Invoke(ctx, tool, sessionView{e}, params)
	e.metrics.ObserveTool(tool, err)
	if err != nil {
		return CycleResult{}, fmt.Errorf("tool %s: %w", tool, err)
	}
	if out.Key != "" {
		e.state.StoreInfo(out.Key, out.Value)
	}

	e.state.UpdateStatus(state.StatusObserving, "Evaluating result", fmt.Sprintf("Cycle %d: evaluating %s result", cc.Cycle, tool))
	span.AddEvent("observe")
	rendered := utils.Truncate(out.Text, e.cfg.MaxResultLength)
	obs, err := e.state.AddThought(state.KindObservation, fmt.Sprintf("[%s] %s", tool, rendered), nil)
	if err != nil {
		return CycleResult{}, err
	}
	run.obsID = obs.ID
	score, err := e.evaluate(ctx, topic, best, tool, rendered)
	if err != nil {
		return CycleResult{}, err
	}
	if err := e.state.SetThoughtConfidence(obs.ID, score); err != nil {
		return CycleResult{}, err
	}

	e.state.NavigateToNode(best.ID)
	e.state.MarkCurrentNodeExplored(score >= 0.5)
	action := e.cfg.Policy.Decide(score, e.rand)
	e.state.UpdateStatus(state.StatusObserving, "Cycle complete",
		fmt.Sprintf("Cycle %d: %s scored %.2f, next action %s", cc.Cycle, tool, score, action))
	e.logger.Printf("cycle %d: tool=%s score=%.2f next=%s", cc.Cycle, tool, score, action)

	return CycleResult{Result: out.Value, Score: score, NextAction: action, Tool: tool}, nil
}

func (e *Engine) fail(cc CycleContext, run *cycleRun, cause error) CycleResult {
	msg := cause.Error()
	e.logger.Printf("cycle %d failed: %s", cc.Cycle, msg)
	if run.obsID != "" {
		// the observation exists but was never scored
		if err := e.state.SetThoughtConfidence(run.obsID, failureConfidence); err != nil {
			e.logger.Printf("cycle %d: patch observation: %v", cc.Cycle, err)
		}
	} else {
		if run.selected != nil {
			e.state.NavigateToNode(run.selected.ID)
		} else {
			e.state.NavigateToNode(run.anchor)
		}
		conf := failureConfidence
		if _, err := e.state.AddThought(state.KindObservation, "Error: "+msg, &conf); err != nil {
			e.logger.Printf("cycle %d: record failure: %v", cc.Cycle, err)
		}
	}
	if run.selected != nil {
		e.state.NavigateToNode(run.selected.ID)
		e.state.MarkCurrentNodeExplored(false)
	}
	e.state.UpdateStatus(state.StatusObserving, "Cycle failed", fmt.Sprintf("Cycle %d failed: %s", cc.Cycle, msg))
	return CycleResult{
		Result:     map[string]interface{}{"error": msg},
		Score:      failureConfidence,
		NextAction: ActionExploreNew,
		Tool:       run.tool,
		Failed:     true,
	}
}

type candidatePath struct {
	Content   string `json:"content"`
	Rationale string `json:"rationale"`
	Promise   string `json:"promise"`
}

// generatePaths records each candidate as a sibling under anchor and leaves the cursor on anchor.
func (e *Engine) generatePaths(ctx context.Context, topic, anchor string) ([]state.Thought, error) {
	var out struct {
		Paths []candidatePath `json:"paths"`
	}
	keys := e.state.InfoKeys()
	prompt := pathsPrompt(topic, e.cfg.Candidates, e.state.PathToCurrent(), keys)
	if err := e.reasoning.GenerateStructured(ctx, prompt, pathsSchema, &out); err != nil {
		return nil, fmt.Errorf("generate paths: %w", err)
	}
	var recorded []state.Thought
	for _, p := range out.Paths {
		if len(recorded) == e.cfg.Candidates {
			break
		}
		content := strings.TrimSpace(p.Content)
		if content == "" {
			continue
		}
		if p.Rationale != "" {
			content = fmt.Sprintf("%s\nRationale: %s", content, strings.TrimSpace(p.Rationale))
		}
		conf := PromiseConfidence(p.Promise)
		e.state.NavigateToNode(anchor)
		th, err := e.state.AddThought(state.KindThought, content, &conf)
		if err != nil {
			return nil, err
		}
		recorded = append(recorded, th)
	}
	e.state.NavigateToNode(anchor)
	if len(recorded) == 0 {
		return nil, errNoCandidates
	}
	return recorded, nil
}

// PromiseConfidence maps a promise level to an initial confidence. Unknown levels count as low.
func PromiseConfidence(promise string) float64 {
	if c, ok := promiseConfidence[strings.ToLower(strings.TrimSpace(promise))]; ok {
		return c
	}
	return promiseConfidence["low"]
}

// selectBest returns the highest-confidence candidate; the first one wins ties.
func selectBest(candidates []state.Thought) state.Thought {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.ConfidenceOr(0) > best.ConfidenceOr(0) {
			best = c
		}
	}
	return best
}

type toolChoice struct {
	Tool   string                 `json:"tool"`
	Params map[string]interface{} `json:"params"`
	Reason string                 `json:"reason"`
}

// selectTool asks the model for a tool and falls back to searching the topic on any failure.
func (e *Engine) selectTool(ctx context.Context, topic string, path state.Thought) (string, tools.Params) {
	var choice toolChoice
	err := e.reasoning.GenerateStructured(ctx, toolPrompt(topic, path, e.registry.Cards()), toolSchema, &choice)
	switch {
	case err != nil:
		e.logger.Printf("tool selection failed, searching topic: %v", err)
	case !e.registry.Has(choice.Tool):
		e.logger.Printf("tool selection returned unknown tool %q, searching topic", choice.Tool)
	default:
		if err := e.registry.Validate(choice.Tool, tools.Params(choice.Params)); err != nil {
			e.logger.Printf("tool selection params rejected, searching topic: %v", err)
			break
		}
		return choice.Tool, tools.Params(choice.Params)
	}
	return tools.SearchWeb, tools.Params{"query": topic}
}

func (e *Engine) evaluate(ctx context.Context, topic string, path state.Thought, tool, result string) (float64, error) {
	reply, err := e.evaluation.Generate(ctx, evaluationPrompt(topic, path, tool, result))
	if err != nil {
		return 0, fmt.Errorf("evaluate result: %w", err)
	}
	score, ok := ParseScore(reply)
	if !ok {
		return 0, fmt.Errorf("evaluate result: no score in %q", utils.Truncate(reply, 80))
	}
	return score, nil
}

// CheckSufficiency asks whether the collected findings are enough for a report.
func (e *Engine) CheckSufficiency(ctx context.Context) (bool, error) {
	s := e.state.GetState()
	reply, err := e.evaluation.Generate(ctx, sufficiencyPrompt(s.Topic, s.CollectedInfo, e.state.InfoKeys()))
	if err != nil {
		return false, fmt.Errorf("sufficiency check: %w", err)
	}
	return parseSufficient(reply), nil
}

func parseSufficient(reply string) bool {
	r := strings.ToLower(strings.TrimSpace(reply))
	switch {
	case strings.Contains(r, "insufficient"), strings.Contains(r, "not sufficient"), strings.HasPrefix(r, "no"):
		return false
	case strings.Contains(r, "sufficient"), strings.HasPrefix(r, "yes"):
		return true
	}
	return false
}

// sessionView exposes the session to tools without handing out the state manager.
type sessionView struct{ e *Engine }

func (v sessionView) Topic() string { return v.e.state.Topic() }

func (v sessionView) Findings() map[string]interface{} { return v.e.state.GetState().CollectedInfo }

func (v sessionView) Evidence() *evidence.Index { return v.e.evidence }
