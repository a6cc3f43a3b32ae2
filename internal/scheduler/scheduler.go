package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/mohammad-safakhou/researcher/config"
	"github.com/redis/go-redis/v9"
)

const lockPrefix = "sched:lock:"

// Runner executes one research session for a topic.
type Runner func(ctx context.Context, topic string) error

// History reports when a topic was last researched. *store.Store satisfies it.
type History interface {
	LatestRunTime(ctx context.Context, topic string) (*time.Time, error)
}

// Scheduler fires recurring research topics on their cron schedule.
type Scheduler struct {
	Schedules []config.ScheduleConfig
	Run       Runner
	History   History
	Rdb       *redis.Client
	Interval  time.Duration
	LockTTL   time.Duration
	Logger    *log.Logger
	Now       func() time.Time

	mu      sync.Mutex
	lastRun map[string]time.Time
	wg      sync.WaitGroup
}

// Start ticks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.defaults()
	ticker := time.NewTicker(s.Interval)
	go func() {
		defer ticker.Stop()
		s.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Tick launches every due topic that is not locked elsewhere and returns the launched topics.
func (s *Scheduler) Tick(ctx context.Context) []string {
	s.defaults()
	var fired []string
	for _, sc := range s.Schedules {
		last := s.last(ctx, sc.Topic)
		if !IsDue(sc.Cron, last, s.Now()) {
			continue
		}
		// distributed lock to avoid duplicate runs
		lockKey := lockPrefix + sc.Topic
		if s.Rdb != nil {
			ok, err := s.Rdb.SetNX(ctx, lockKey, "1", s.LockTTL).Result()
			if err != nil {
				s.Logger.Printf("lock %s: %v", sc.Topic, err)
				continue
			}
			if !ok {
				continue
			}
		}
		s.mu.Lock()
		s.lastRun[sc.Topic] = s.Now()
		s.mu.Unlock()
		fired = append(fired, sc.Topic)

		s.wg.Add(1)
		go func(topic string) {
			defer s.wg.Done()
			if s.Rdb != nil {
				defer s.Rdb.Del(context.WithoutCancel(ctx), lockKey)
			}
			s.Logger.Printf("running scheduled research %q", topic)
			if err := s.Run(ctx, topic); err != nil {
				s.Logger.Printf("scheduled research %q failed: %v", topic, err)
			}
		}(sc.Topic)
	}
	return fired
}

// Wait blocks until launched runs finish.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) last(ctx context.Context, topic string) *time.Time {
	s.mu.Lock()
	local, ok := s.lastRun[topic]
	s.mu.Unlock()
	var latest *time.Time
	if ok {
		latest = &local
	}
	if s.History != nil {
		t, err := s.History.LatestRunTime(ctx, topic)
		if err != nil {
			s.Logger.Printf("last run of %q: %v", topic, err)
		} else if t != nil && (latest == nil || t.After(*latest)) {
			latest = t
		}
	}
	return latest
}

func (s *Scheduler) defaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		s.lastRun = make(map[string]time.Time)
	}
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	if s.LockTTL <= 0 {
		s.LockTTL = 30 * time.Minute
	}
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	if s.Now == nil {
		s.Now = time.Now
	}
}

// IsDue reports whether a topic with cronSpec should run at now given its last run.
// Supports "@daily", "@hourly" and cron expressions; an invalid expression is treated as daily.
func IsDue(cronSpec string, last *time.Time, now time.Time) bool {
	if last == nil {
		return true
	}
	switch cronSpec {
	case "@daily":
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		return now.Sub(*last) >= time.Hour
	}
	expr, err := cronexpr.Parse(cronSpec)
	if err != nil {
		return now.Sub(*last) >= 24*time.Hour
	}
	next := expr.Next(*last)
	return !next.IsZero() && !next.After(now)
}
