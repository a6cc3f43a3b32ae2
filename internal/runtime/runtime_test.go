package runtime

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/checkpoint"
	"github.com/mohammad-safakhou/researcher/internal/report"
	"github.com/mohammad-safakhou/researcher/internal/research/controller"
	"github.com/mohammad-safakhou/researcher/internal/research/state"
	"github.com/mohammad-safakhou/researcher/internal/research/tools"
	searchmodels "github.com/mohammad-safakhou/researcher/tools/web_search/models"
	"github.com/redis/go-redis/v9"
)

type offlineOracle struct{}

func (offlineOracle) Generate(context.Context, string) (string, error) {
	return "", errors.New("offline")
}

func (offlineOracle) GenerateStructured(context.Context, string, string, interface{}) error {
	return errors.New("offline")
}

type emptySearcher struct{}

func (emptySearcher) Search(context.Context, string, int) []searchmodels.Result { return nil }

func newTestRuntime(t *testing.T, cp *checkpoint.Store) *Runtime {
	t.Helper()
	reg, err := tools.NewRegistry(tools.Builtins(tools.Deps{Searcher: emptySearcher{}})...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return &Runtime{
		Loop:        config.ResearchConfig{MaxCycles: 2, MinCycles: 1},
		Registry:    reg,
		Reasoning:   offlineOracle{},
		Reports:     report.NewGenerator(nil, report.WithSink(report.FileSink{Dir: t.TempDir()})),
		Checkpoints: cp,
	}
}

func TestResearchSurvivesOfflineOracle(t *testing.T) {
	rt := newTestRuntime(t, nil)
	out, err := rt.Research(context.Background(), "heat pumps")
	if err != nil {
		t.Fatalf("research: %v", err)
	}
	if out.Cycles != 2 || out.Failed != 2 || out.Stopped != controller.StopMaxCycles {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Report == nil || out.Report.Path == "" {
		t.Fatalf("fallback report should still be written")
	}
	if _, err := os.Stat(out.Report.Path); err != nil {
		t.Fatalf("report file: %v", err)
	}

	snap, err := rt.Snapshot(context.Background(), out.SessionID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Status != state.StatusIdle || !strings.Contains(snap.FinalReport, "heat pumps") {
		t.Fatalf("unexpected snapshot %s %q", snap.Status, snap.FinalReport)
	}
	rep, err := rt.Report(context.Background(), out.SessionID)
	if err != nil || rep.Topic != "heat pumps" {
		t.Fatalf("report lookup: %+v err=%v", rep, err)
	}
	if _, err := rt.Snapshot(context.Background(), "missing"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestSnapshotFallsBackToCheckpoint(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	cp := checkpoint.NewStore(rdb, 0)

	first := newTestRuntime(t, cp)
	out, err := first.Research(context.Background(), "grid storage")
	if err != nil {
		t.Fatalf("research: %v", err)
	}

	// a second process sees the session only through redis
	second := newTestRuntime(t, cp)
	snap, err := second.Snapshot(context.Background(), out.SessionID)
	if err != nil {
		t.Fatalf("snapshot via checkpoint: %v", err)
	}
	if snap.Topic != "grid storage" || snap.FinalReport == "" {
		t.Fatalf("checkpoint should hold the finished session, got %+v", snap)
	}
	if _, err := second.Report(context.Background(), out.SessionID); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("reports are only archived in postgres, got %v", err)
	}

	if _, err := second.Research(context.Background(), "wave power"); err != nil {
		t.Fatalf("second research: %v", err)
	}
	list, err := second.Sessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected the live and the checkpointed session once each, got %+v", list)
	}
	for _, sum := range list {
		if !sum.HasReport || sum.Thoughts == 0 {
			t.Fatalf("unexpected summary %+v", sum)
		}
	}
}

func TestStartRunsInBackground(t *testing.T) {
	rt := newTestRuntime(t, nil)
	s, err := rt.Start(context.Background(), "tidal energy")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-s.Done()
	out, done := s.Result()
	if !done || s.Err() != nil || out.Report == nil {
		t.Fatalf("background session should finish with a report: %+v err=%v", out, s.Err())
	}
	if live := rt.Live(); len(live) != 1 || live[0].ID != s.ID {
		t.Fatalf("session should be listed as live")
	}
	if len(rt.Tools()) != 6 {
		t.Fatalf("expected the built-in tool cards, got %d", len(rt.Tools()))
	}
}

func TestNewSessionRejectsEmptyTopic(t *testing.T) {
	rt := newTestRuntime(t, nil)
	if _, err := rt.NewSession("   "); err == nil {
		t.Fatalf("expected an error for an empty topic")
	}
}

func TestNewReleasesTelemetryOnFailure(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	cfg := &config.Config{
		LLM: config.LLMConfig{
			Providers: map[string]config.LLMProvider{"main": {Type: "openai", APIKey: "sk-test"}},
			Routing:   config.LLMRoutingConfig{Fallback: "main:absent-model"},
		},
		Sources:   config.SourcesConfig{WebSearch: config.WebSearchConfig{Provider: "brave", BraveAPIKey: "b-test"}},
		Research:  config.ResearchConfig{}.Normalize(),
		Telemetry: config.TelemetryConfig{Enabled: true, MetricsPort: port},
	}
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatalf("expected an error for an unrouted model")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			ln.Close()
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics port still bound after failed New: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestFinishedSessionsAreEvicted(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	rt := newTestRuntime(t, checkpoint.NewStore(rdb, 0))
	rt.KeepFinished = 1
	var ids []string
	for _, topic := range []string{"geothermal", "hydrogen", "small reactors"} {
		out, err := rt.Research(context.Background(), topic)
		if err != nil {
			t.Fatalf("research %q: %v", topic, err)
		}
		ids = append(ids, out.SessionID)
	}

	live := rt.Live()
	if len(live) != 1 || live[0].ID != ids[2] {
		t.Fatalf("only the latest finished session should stay in memory, got %d", len(live))
	}
	snap, err := rt.Snapshot(context.Background(), ids[0])
	if err != nil || snap.Topic != "geothermal" {
		t.Fatalf("evicted session should load from its checkpoint: %+v err=%v", snap.Topic, err)
	}
	list, err := rt.Sessions(context.Background(), 10)
	if err != nil || len(list) != 3 {
		t.Fatalf("expected three sessions, got %d err=%v", len(list), err)
	}
}
