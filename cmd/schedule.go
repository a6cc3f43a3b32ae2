package main

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/runtime"
	"github.com/mohammad-safakhou/researcher/internal/scheduler"
	"github.com/spf13/cobra"
)

func scheduleCMD() *cobra.Command {
	var schedule = &cobra.Command{
		Use:   "schedule",
		Short: "Run configured recurring research until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := runtime.SignalContext(context.Background(), "schedule")
			defer cancel()

			cfg, rt, err := loadRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())
			if len(cfg.Schedules) == 0 {
				return fmt.Errorf("no schedules configured")
			}
			sched := newScheduler(cfg, rt)
			sched.Start(ctx)
			<-ctx.Done()
			sched.Wait()
			return nil
		},
	}
	return schedule
}

func newScheduler(cfg *config.Config, rt *runtime.Runtime) *scheduler.Scheduler {
	s := &scheduler.Scheduler{
		Schedules: cfg.Schedules,
		Rdb:       rt.Redis,
		Run: func(ctx context.Context, topic string) error {
			_, err := rt.Research(ctx, topic)
			return err
		},
	}
	if rt.Archive != nil {
		s.History = rt.Archive
	}
	return s
}
