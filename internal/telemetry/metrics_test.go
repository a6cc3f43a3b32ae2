package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/researcher/config"
)

func TestMetricsExposition(t *testing.T) {
	tel, err := Setup(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	m := tel.Metrics()
	m.ObserveCycle(0.8, "continue")
	m.ObserveTool("searchWeb", nil)
	m.ObserveTool("searchWeb", errors.New("boom"))
	m.ObserveOracle("openai", "reasoning", 120*time.Millisecond, nil)
	m.ObserveSession("completed")

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	for _, want := range []string{
		`researcher_cycles_total{next_action="continue"} 1`,
		`researcher_tool_calls_total{outcome="error",tool="searchWeb"} 1`,
		`researcher_oracle_calls_total{backend="openai",outcome="ok",stage="reasoning"} 1`,
		`researcher_sessions_total{outcome="completed"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in exposition:\n%s", want, out)
		}
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCycle(1, "continue")
	m.ObserveTool("x", nil)
	m.ObserveOracle("x", "y", time.Second, nil)
	m.ObserveSession("failed")
}
