package budget

import (
	"fmt"
	"sync"
	"time"
)

// Monitor tracks actual usage against configured limits during a session.
type Monitor struct {
	config    Config
	calls     int
	startTime time.Time
	now       func() time.Time
	mu        sync.Mutex
}

// NewMonitor starts tracking usage at the current time.
func NewMonitor(cfg Config) *Monitor {
	return NewMonitorWithClock(cfg, time.Now)
}

func NewMonitorWithClock(cfg Config, now func() time.Time) *Monitor {
	return &Monitor{config: cfg, startTime: now(), now: now}
}

// Record sets the total number of tool calls so far and reports a breach of any limit.
func (m *Monitor) Record(totalCalls int) error {
	m.mu.Lock()
	m.calls = totalCalls
	m.mu.Unlock()
	if err := m.checkCalls(); err != nil {
		return err
	}
	return m.CheckTime()
}

func (m *Monitor) checkCalls() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.MaxToolCalls > 0 && m.calls >= m.config.MaxToolCalls {
		return ErrExceeded{
			Kind:  "tool_calls",
			Usage: fmt.Sprintf("%d calls", m.calls),
			Limit: fmt.Sprintf("%d calls", m.config.MaxToolCalls),
		}
	}
	return nil
}

// CheckTime verifies elapsed time against the configured limit.
func (m *Monitor) CheckTime() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.MaxDuration <= 0 {
		return nil
	}
	elapsed := m.now().Sub(m.startTime)
	if elapsed >= m.config.MaxDuration {
		return ErrExceeded{
			Kind:  "time",
			Usage: elapsed.Round(time.Second).String(),
			Limit: m.config.MaxDuration.String(),
		}
	}
	return nil
}

// Usage returns the accumulated metrics.
func (m *Monitor) Usage() (calls int, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls, m.now().Sub(m.startTime)
}
