package main

import (
	"context"

	"github.com/mohammad-safakhou/researcher/internal/runtime"
	srv "github.com/mohammad-safakhou/researcher/internal/server"
	"github.com/spf13/cobra"
)

func serveCMD() *cobra.Command {
	var serveAddr string
	var withSchedules bool
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := runtime.SignalContext(context.Background(), "serve")
			defer cancel()

			cfg, rt, err := loadRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			secret, err := runtime.LoadJWTSecret(cfg)
			if err != nil {
				return err
			}
			if serveAddr == "" {
				serveAddr = cfg.Server.Address
			}
			if withSchedules && len(cfg.Schedules) > 0 {
				sched := newScheduler(cfg, rt)
				sched.Start(ctx)
				defer sched.Wait()
			}
			e := srv.New(rt, srv.Options{Secret: secret, Metrics: rt.Telemetry().Handler(), Background: ctx})
			return srv.Run(ctx, e, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default server.address)")
	serve.Flags().BoolVar(&withSchedules, "schedule", false, "also run configured schedules")
	return serve
}
