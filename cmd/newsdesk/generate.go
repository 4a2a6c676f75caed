package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/citypulse/newsdesk/config"
	srv "github.com/citypulse/newsdesk/internal/server"
	"github.com/citypulse/newsdesk/models"
)

func generateCMD() *cobra.Command {
	var cfgPath string
	var generate = &cobra.Command{
		Use:   "generate [channel-key]",
		Short: "Run one synthesis cycle for a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx := context.Background()

			sched, err := srv.BuildScheduler(ctx, cfg, nil)
			if err != nil {
				return err
			}
			for _, ch := range cfg.Channels {
				if ch.Key == args[0] {
					return sched.RunCycle(ctx, ch, models.TriggerManual)
				}
			}
			return fmt.Errorf("unknown channel: %s", args[0])
		},
	}
	generate.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return generate
}
