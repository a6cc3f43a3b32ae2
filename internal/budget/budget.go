package budget

import (
	"fmt"
	"time"
)

// Config defines guardrails for one research session. Zero values mean unlimited.
type Config struct {
	MaxToolCalls int
	MaxDuration  time.Duration
}

// Validate ensures the budget values are sane before use.
func (c Config) Validate() error {
	if c.MaxToolCalls < 0 {
		return fmt.Errorf("max_tool_calls cannot be negative")
	}
	if c.MaxDuration < 0 {
		return fmt.Errorf("max_duration cannot be negative")
	}
	return nil
}

// Unlimited reports whether no limit is set.
func (c Config) Unlimited() bool { return c.MaxToolCalls == 0 && c.MaxDuration == 0 }

// ErrExceeded is returned when usage surpasses configured limits.
type ErrExceeded struct {
	Kind  string
	Usage string
	Limit string
}

func (e ErrExceeded) Error() string {
	return fmt.Sprintf("budget %s exceeded: usage=%s limit=%s", e.Kind, e.Usage, e.Limit)
}
