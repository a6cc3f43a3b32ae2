package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/runtime"
	"github.com/spf13/cobra"
)

var cfgPath string

func main() {
	var root = &cobra.Command{
		Use:          "researcher",
		Short:        "Autonomous web research agent",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", getenv("RESEARCHER_CONFIG", ""), "config file (default is ./config/config.json)")

	root.AddCommand(researchCMD(), serveCMD(), migrateCMD(), scheduleCMD(), tokenCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadRuntime(ctx context.Context) (*config.Config, *runtime.Runtime, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init runtime: %w", err)
	}
	return cfg, rt, nil
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
