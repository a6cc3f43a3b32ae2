package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/checkpoint"
	"github.com/mohammad-safakhou/researcher/internal/evidence"
	"github.com/mohammad-safakhou/researcher/internal/llm"
	"github.com/mohammad-safakhou/researcher/internal/report"
	"github.com/mohammad-safakhou/researcher/internal/research/controller"
	"github.com/mohammad-safakhou/researcher/internal/research/engine"
	"github.com/mohammad-safakhou/researcher/internal/research/state"
	"github.com/mohammad-safakhou/researcher/internal/research/tools"
	"github.com/mohammad-safakhou/researcher/internal/store"
	"github.com/mohammad-safakhou/researcher/internal/telemetry"
	"github.com/mohammad-safakhou/researcher/tools/web_fetch"
	"github.com/mohammad-safakhou/researcher/tools/web_search"
	"github.com/redis/go-redis/v9"
)

// ErrUnknownSession is returned when a session id is neither live nor persisted.
var ErrUnknownSession = errors.New("unknown research session")

// Runtime owns the process-wide collaborators and builds one engine and controller per session.
type Runtime struct {
	Loop        config.ResearchConfig
	Metrics     *telemetry.Metrics
	Registry    *tools.Registry
	Reasoning   llm.Oracle
	Evaluation  llm.Oracle
	Reports     *report.Generator
	Checkpoints *checkpoint.Store
	Archive     *store.Store
	Redis       *redis.Client
	Logger      *log.Logger
	// KeepFinished bounds how many finished sessions stay in memory. Older ones
	// are only reachable through the checkpoint store or the archive.
	KeepFinished int

	telemetry *telemetry.Telemetry
	closers   []func() error

	mu       sync.Mutex
	live     map[string]*Session
	finished []string
}

const defaultKeepFinished = 16

// New wires the runtime from configuration. Redis and Postgres are optional.
// Anything started before a failure is released again.
func New(ctx context.Context, cfg *config.Config) (_ *Runtime, err error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	tel, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	rt := &Runtime{
		Loop:      cfg.Research.Normalize(),
		Metrics:   tel.Metrics(),
		Logger:    defaultLogger,
		telemetry: tel,
	}
	defer func() {
		if err != nil {
			rt.Close(ctx)
		}
	}()

	router, err := llm.NewRouter(ctx, cfg.LLM, llm.WithMetrics(rt.Metrics), llm.WithDebug(cfg.General.Debug))
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	reasoning, err := router.For(llm.StageReasoning)
	if err != nil {
		return nil, err
	}
	evaluation, err := router.For(llm.StageEvaluation)
	if err != nil {
		return nil, err
	}
	synthesis, err := router.For(llm.StageSynthesis)
	if err != nil {
		return nil, err
	}
	rt.Reasoning, rt.Evaluation = reasoning, evaluation

	ws := cfg.Sources.WebSearch
	inner, err := web_search.NewWebSearcher(web_search.Provider(ws.Provider), ws.APIKey(), ws.Timeout)
	if err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}
	fetcher, err := web_fetch.NewWebFetcher(web_fetch.ChromedpFetcherType, cfg.Fetch.Timeout, cfg.Fetch.MaxChars, cfg.Fetch.UserAgent)
	if err != nil {
		return nil, fmt.Errorf("web fetch: %w", err)
	}
	rt.Registry, err = tools.NewRegistry(tools.Builtins(tools.Deps{
		Searcher:   web_search.NewSafe(inner, ws.Timeout, nil),
		Fetcher:    fetcher,
		Oracle:     reasoning,
		DataDir:    cfg.Storage.File.DataDir,
		MaxResults: ws.MaxResults,
		MaxChars:   rt.Loop.MaxResultLength,
		Policy:     cfg.Fetch.Policy,
	})...)
	if err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}

	rt.Reports = report.NewGenerator(synthesis, report.WithSink(report.FileSink{Dir: cfg.Storage.File.ReportDir}))

	if cfg.Storage.Redis.Enabled() {
		rdb, err := checkpoint.Conn(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		rt.Redis = rdb
		rt.Checkpoints = checkpoint.NewStore(rdb, cfg.Storage.Redis.SessionTTL)
		rt.closers = append(rt.closers, rdb.Close)
	}
	if cfg.Storage.Postgres.Enabled() {
		st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		rt.Archive = st
		rt.closers = append(rt.closers, st.Close)
	}
	return rt, nil
}

// Session is one research run with its own state, evidence index and controller.
type Session struct {
	ID      string
	Topic   string
	State   *state.Manager
	Started time.Time

	ctrl     *controller.Controller
	evidence *evidence.Index
	retire   func()
	done     chan struct{}
	outcome  controller.Outcome
	err      error
}

// NewSession initializes a session and registers it as live.
func (rt *Runtime) NewSession(topic string) (*Session, error) {
	st := state.NewManager()
	if err := st.InitSession(topic); err != nil {
		return nil, err
	}
	idx, err := evidence.NewIndex()
	if err != nil {
		return nil, fmt.Errorf("evidence index: %w", err)
	}
	rc := rt.Loop.Normalize()
	engOpts := []engine.Option{engine.WithEvidence(idx), engine.WithMetrics(rt.Metrics)}
	if rt.Evaluation != nil {
		engOpts = append(engOpts, engine.WithEvaluationOracle(rt.Evaluation))
	}
	eng := engine.New(st, rt.Registry, rt.Reasoning, engine.Config{
		Candidates:      rc.Candidates,
		MaxResultLength: rc.MaxResultLength,
		Policy:          engine.PolicyFromConfig(rc.Policy),
	}, engOpts...)

	ctrlOpts := []controller.Option{controller.WithMetrics(rt.Metrics)}
	// typed nil pointers must not reach the interfaces
	if rt.Checkpoints != nil {
		ctrlOpts = append(ctrlOpts, controller.WithCheckpointer(rt.Checkpoints))
	}
	if rt.Archive != nil {
		ctrlOpts = append(ctrlOpts, controller.WithArchiver(rt.Archive))
	}
	s := &Session{
		ID:       st.SessionID(),
		Topic:    st.Topic(),
		State:    st,
		Started:  time.Now().UTC(),
		ctrl:     controller.New(st, eng, rt.Reports, controller.ConfigFrom(rc), ctrlOpts...),
		evidence: idx,
		done:     make(chan struct{}),
	}
	s.retire = func() { rt.retire(s.ID) }
	rt.mu.Lock()
	if rt.live == nil {
		rt.live = make(map[string]*Session)
	}
	rt.live[s.ID] = s
	rt.mu.Unlock()
	return s, nil
}

// Run drives the session to completion. It may be called once.
func (s *Session) Run(ctx context.Context) (controller.Outcome, error) {
	defer func() {
		if s.retire != nil {
			s.retire()
		}
	}()
	defer close(s.done)
	defer func() {
		if err := s.evidence.Close(); err != nil {
			defaultLogger.Printf("close evidence index for %s: %v", s.ID, err)
		}
	}()
	s.outcome, s.err = s.ctrl.Run(ctx)
	return s.outcome, s.err
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result returns the outcome and reports whether Run has returned.
func (s *Session) Result() (controller.Outcome, bool) {
	select {
	case <-s.done:
		return s.outcome, true
	default:
		return controller.Outcome{}, false
	}
}

// Err is the error Run returned, nil while the session is still running.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// retire marks a session finished and drops the oldest finished sessions beyond KeepFinished.
func (rt *Runtime) retire(id string) {
	keep := rt.KeepFinished
	if keep <= 0 {
		keep = defaultKeepFinished
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.finished = append(rt.finished, id)
	for len(rt.finished) > keep {
		delete(rt.live, rt.finished[0])
		rt.finished = rt.finished[1:]
	}
}

// Research runs a session for topic in the foreground.
func (rt *Runtime) Research(ctx context.Context, topic string) (controller.Outcome, error) {
	s, err := rt.NewSession(topic)
	if err != nil {
		return controller.Outcome{}, err
	}
	return s.Run(ctx)
}

// Start launches a session in the background; ctx bounds its lifetime.
func (rt *Runtime) Start(ctx context.Context, topic string) (*Session, error) {
	s, err := rt.NewSession(topic)
	if err != nil {
		return nil, err
	}
	go func() {
		out, err := s.Run(ctx)
		if err != nil {
			rt.logger().Printf("session %s failed: %v", s.ID, err)
			return
		}
		rt.logger().Printf("session %s finished after %d cycles (%s)", s.ID, out.Cycles, out.Stopped)
	}()
	return s, nil
}

// Live returns the in-process sessions, running and recently finished, most recent first.
func (rt *Runtime) Live() []*Session {
	rt.mu.Lock()
	out := make([]*Session, 0, len(rt.live))
	for _, s := range rt.live {
		out = append(out, s)
	}
	rt.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	return out
}

func (rt *Runtime) lookup(id string) (*Session, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	s, ok := rt.live[id]
	return s, ok
}

// Snapshot returns a session's state from memory, then the checkpoint store, then the archive.
func (rt *Runtime) Snapshot(ctx context.Context, id string) (state.Snapshot, error) {
	if s, ok := rt.lookup(id); ok {
		return s.State.GetState(), nil
	}
	if rt.Checkpoints != nil {
		snap, err := rt.Checkpoints.Load(ctx, id)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, checkpoint.ErrNotFound) {
			rt.logger().Printf("checkpoint lookup %s: %v", id, err)
		}
	}
	if rt.Archive != nil {
		snap, ok, err := rt.Archive.GetSession(ctx, id)
		if err != nil {
			return state.Snapshot{}, err
		}
		if ok {
			return snap, nil
		}
	}
	return state.Snapshot{}, ErrUnknownSession
}

// Report returns a finished session's report from memory or the archive.
func (rt *Runtime) Report(ctx context.Context, id string) (report.Report, error) {
	if s, ok := rt.lookup(id); ok {
		if out, done := s.Result(); done && out.Report != nil {
			return *out.Report, nil
		}
	}
	if rt.Archive != nil {
		r, ok, err := rt.Archive.GetReport(ctx, id)
		if err != nil {
			return report.Report{}, err
		}
		if ok {
			return r, nil
		}
	}
	return report.Report{}, ErrUnknownSession
}

// Sessions lists live, checkpointed and archived sessions, most recently updated first.
func (rt *Runtime) Sessions(ctx context.Context, limit int) ([]store.SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	seen := make(map[string]bool)
	var out []store.SessionSummary
	add := func(sum store.SessionSummary) {
		if seen[sum.ID] {
			return
		}
		seen[sum.ID] = true
		out = append(out, sum)
	}
	for _, s := range rt.Live() {
		add(summarize(s.State.GetState()))
	}
	if rt.Checkpoints != nil {
		ids, err := rt.Checkpoints.List(ctx, limit)
		if err != nil {
			rt.logger().Printf("list checkpoints: %v", err)
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			snap, err := rt.Checkpoints.Load(ctx, id)
			if err != nil {
				continue
			}
			add(summarize(snap))
		}
	}
	if rt.Archive != nil {
		archived, err := rt.Archive.ListSessions(ctx, limit)
		if err != nil {
			return nil, err
		}
		for _, sum := range archived {
			add(sum)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func summarize(s state.Snapshot) store.SessionSummary {
	return store.SessionSummary{
		ID:        s.SessionID,
		Topic:     s.Topic,
		Status:    s.Status,
		Thoughts:  len(s.Thoughts),
		HasReport: s.FinalReport != "",
		StartedAt: s.StartedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// Tools lists the registered tool cards.
func (rt *Runtime) Tools() []tools.Card {
	if rt.Registry == nil {
		return nil
	}
	return rt.Registry.Cards()
}

// Telemetry is nil for runtimes not built by New.
func (rt *Runtime) Telemetry() *telemetry.Telemetry { return rt.telemetry }

// Close releases connections and flushes telemetry.
func (rt *Runtime) Close(ctx context.Context) {
	for _, c := range rt.closers {
		if err := c(); err != nil {
			rt.logger().Printf("close: %v", err)
		}
	}
	rt.closers = nil
	if rt.telemetry != nil {
		if err := rt.telemetry.Shutdown(ctx); err != nil {
			rt.logger().Printf("telemetry shutdown: %v", err)
		}
	}
}

var defaultLogger = log.New(log.Writer(), "[RUNTIME] ", log.LstdFlags)

func (rt *Runtime) logger() *log.Logger {
	if rt.Logger == nil {
		return defaultLogger
	}
	return rt.Logger
}
