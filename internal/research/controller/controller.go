package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/budget"
	"github.com/mohammad-safakhou/researcher/internal/report"
	"github.com/mohammad-safakhou/researcher/internal/research/engine"
	"github.com/mohammad-safakhou/researcher/internal/research/state"
	"github.com/mohammad-safakhou/researcher/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var controllerTracer = otel.Tracer("github.com/mohammad-safakhou/researcher/internal/research/controller")

// Stop reasons.
const (
	StopSufficient = "sufficient"
	StopMaxCycles  = "max_cycles"
	StopCancelled  = "cancelled"
	StopBudget     = "budget"
)

// Cycler runs reasoning cycles. *engine.Engine satisfies it.
type Cycler interface {
	ExecuteCycle(ctx context.Context, cc engine.CycleContext) engine.CycleResult
	CheckSufficiency(ctx context.Context) (bool, error)
	ToolUsage() map[string]int
}

// Reporter turns a finished session into a report. *report.Generator satisfies it.
type Reporter interface {
	Generate(ctx context.Context, in report.Input) (report.Report, error)
}

// Checkpointer stores interim snapshots.
type Checkpointer interface {
	Save(ctx context.Context, snap state.Snapshot) error
}

// Archiver stores the finished session and its report.
type Archiver interface {
	Archive(ctx context.Context, snap state.Snapshot, rep *report.Report) error
}

// Config bounds the research loop.
type Config struct {
	MaxCycles      int
	MinCycles      int
	ScoreThreshold float64
	CycleTimeout   time.Duration
	Budget         budget.Config
}

func ConfigFrom(rc config.ResearchConfig) Config {
	rc = rc.Normalize()
	return Config{
		MaxCycles:      rc.MaxCycles,
		MinCycles:      rc.MinCycles,
		ScoreThreshold: rc.ScoreThreshold,
		CycleTimeout:   rc.CycleTimeout,
		Budget:         budget.Config{MaxToolCalls: rc.Budget.MaxToolCalls, MaxDuration: rc.Budget.MaxDuration},
	}
}

// Outcome summarizes a finished run.
type Outcome struct {
	SessionID string         `json:"session_id"`
	Cycles    int            `json:"cycles"`
	Failed    int            `json:"failed_cycles"`
	LastScore float64        `json:"last_score"`
	Stopped   string         `json:"stopped"`
	Report    *report.Report `json:"report,omitempty"`
}

// Controller drives one session's cycles until it terminates, then hands off to reporting.
type Controller struct {
	state       *state.Manager
	engine      Cycler
	reporter    Reporter
	checkpoints Checkpointer
	archive     Archiver
	metrics     *telemetry.Metrics
	logger      *log.Logger
	cfg         Config
}

type Option func(*Controller)

func WithCheckpointer(cp Checkpointer) Option { return func(c *Controller) { c.checkpoints = cp } }

func WithArchiver(a Archiver) Option { return func(c *Controller) { c.archive = a } }

func WithMetrics(m *telemetry.Metrics) Option { return func(c *Controller) { c.metrics = m } }

func WithLogger(l *log.Logger) Option { return func(c *Controller) { c.logger = l } }

func New(st *state.Manager, eng Cycler, rep Reporter, cfg Config, opts ...Option) *Controller {
	if cfg.MaxCycles <= 0 {
		cfg.MaxCycles = 10
	}
	if cfg.MinCycles <= 0 {
		cfg.MinCycles = 5
	}
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = 0.8
	}
	c := &Controller{
		state:    st,
		engine:   eng,
		reporter: rep,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[CONTROLLER] ", log.LstdFlags),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run executes cycles until the loop terminates and then produces the report.
// Only a missing session or a failed report surface as errors; cycle failures are absorbed by the engine.
func (c *Controller) Run(ctx context.Context) (out Outcome, err error) {
	topic := c.state.Topic()
	if topic == "" {
		return Outcome{}, state.ErrSessionNotStarted
	}
	out.SessionID = c.state.SessionID()

	ctx, span := controllerTracer.Start(ctx, "research.session")
	span.SetAttributes(attribute.String("research.session_id", out.SessionID), attribute.String("research.topic", topic))
	defer func() {
		span.SetAttributes(attribute.Int("research.cycles", out.Cycles), attribute.String("research.stopped", out.Stopped))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.metrics.ObserveSession("error")
		} else {
			c.metrics.ObserveSession(out.Stopped)
		}
		span.End()
	}()

	c.state.UpdateStatus(state.StatusThinking, "Starting research", fmt.Sprintf("Researching %q for up to %d cycles", topic, c.cfg.MaxCycles))
	c.logger.Printf("session %s: researching %q", out.SessionID, topic)

	var monitor *budget.Monitor
	if !c.cfg.Budget.Unlimited() {
		monitor = budget.NewMonitor(c.cfg.Budget)
	}
	for cycle := 1; cycle <= c.cfg.MaxCycles; cycle++ {
		if ctx.Err() != nil {
			out.Stopped = StopCancelled
			break
		}
		res := c.runCycle(ctx, cycle)
		out.Cycles = cycle
		out.LastScore = res.Score
		if res.Failed {
			out.Failed++
		}

		if c.shouldStop(ctx, cycle, res.Score) {
			out.Stopped = StopSufficient
			c.checkpoint(ctx)
			break
		}
		if monitor != nil {
			if err := monitor.Record(totalCalls(c.engine.ToolUsage())); err != nil {
				c.logger.Printf("session %s: %v", out.SessionID, err)
				out.Stopped = StopBudget
				c.checkpoint(ctx)
				break
			}
		}
		c.apply(res.NextAction)
		c.checkpoint(ctx)
	}
	if out.Stopped == "" {
		out.Stopped = StopMaxCycles
	}
	c.logger.Printf("session %s: stopped after %d cycles (%s), last score %.2f", out.SessionID, out.Cycles, out.Stopped, out.LastScore)

	// the report is still written when the caller has gone away
	finishCtx := context.WithoutCancel(ctx)
	rep, err := c.finish(finishCtx, out)
	if err != nil {
		c.state.UpdateStatus(state.StatusIdle, "Report failed", err.Error())
		c.checkpoint(finishCtx)
		return out, err
	}
	out.Report = &rep
	return out, nil
}

func totalCalls(usage map[string]int) int {
	n := 0
	for _, v := range usage {
		n += v
	}
	return n
}

func (c *Controller) runCycle(ctx context.Context, cycle int) engine.CycleResult {
	cctx := ctx
	if c.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, c.cfg.CycleTimeout)
		defer cancel()
	}
	return c.engine.ExecuteCycle(cctx, engine.CycleContext{Cycle: cycle})
}

// shouldStop needs both a strong cycle past the minimum and a positive sufficiency judgement.
func (c *Controller) shouldStop(ctx context.Context, cycle int, score float64) bool {
	if cycle <= c.cfg.MinCycles || score <= c.cfg.ScoreThreshold {
		return false
	}
	ok, err := c.engine.CheckSufficiency(ctx)
	if err != nil {
		c.logger.Printf("cycle %d: sufficiency check failed, continuing: %v", cycle, err)
		return false
	}
	c.state.UpdateStatus(state.StatusObserving, "Sufficiency check", fmt.Sprintf("Cycle %d: sufficient=%t", cycle, ok))
	return ok
}

// apply moves the cursor according to the engine's decision.
func (c *Controller) apply(action engine.Action) {
	switch action {
	case engine.ActionBacktrack:
		target, ok := c.state.BacktrackTarget()
		if !ok || !c.state.NavigateToNode(target) {
			c.state.NavigateToNode(c.state.RootID())
		}
	case engine.ActionExploreNew:
		c.state.NavigateToNode(c.state.RootID())
	}
}

func (c *Controller) finish(ctx context.Context, out Outcome) (report.Report, error) {
	if c.reporter == nil {
		return report.Report{}, errors.New("no report generator configured")
	}
	c.state.UpdateStatus(state.StatusReporting, "Generating report", fmt.Sprintf("Writing report after %d cycles", out.Cycles))
	snap := c.state.GetState()
	rep, err := c.reporter.Generate(ctx, report.Input{
		SessionID:      snap.SessionID,
		Topic:          snap.Topic,
		Findings:       report.OrderedFindings(snap.InfoKeys, snap.CollectedInfo),
		ReasoningTrace: snap.Thoughts,
		ToolUsage:      c.engine.ToolUsage(),
	})
	if err != nil {
		return report.Report{}, fmt.Errorf("generate report: %w", err)
	}
	c.state.SetFinalReport(rep.Markdown)
	c.state.UpdateStatus(state.StatusIdle, "Research complete", fmt.Sprintf("Report ready (%d sections)", len(rep.Sections)))
	c.checkpoint(ctx)
	if c.archive != nil {
		if err := c.archive.Archive(ctx, c.state.GetState(), &rep); err != nil {
			c.logger.Printf("session %s: archive failed: %v", snap.SessionID, err)
		}
	}
	return rep, nil
}

func (c *Controller) checkpoint(ctx context.Context) {
	if c.checkpoints == nil {
		return
	}
	if err := c.checkpoints.Save(ctx, c.state.GetState()); err != nil {
		c.logger.Printf("checkpoint failed: %v", err)
	}
}
