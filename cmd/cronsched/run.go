package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cronsched/internal/app"
)

func newRunCmd() *cobra.Command {
	var (
		cfgPath     string
		stopTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			if err := a.Start(cmd.Context()); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}

			reason := app.StopAppStop
			select {
			case sig := <-sigs:
				reason = app.ReasonForSignal(sig)
			case <-a.Done():
				if a.Err() != nil {
					reason = app.StopFatalError
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := a.Stop(ctx, reason); err != nil {
				return err
			}
			return a.Err()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", defaultConfig, "path to config (yaml or json)")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "how long running jobs may take to finish on shutdown")
	return cmd
}
