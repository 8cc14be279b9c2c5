package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"cronsched/internal/config"
	"cronsched/internal/handlers"
	"cronsched/internal/job"
)

func newValidateCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a config file without running it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry := job.NewRegistry()
			if err := handlers.Register(registry, handlers.Deps{}); err != nil {
				return err
			}
			cfgm := config.NewConfigManager(cfgPath)
			cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
				return config.ValidateHandlers(c, registry.Refs())
			})
			cfg, err := cfgm.Load(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d identities, %d jobs)\n", cfgPath, len(cfg.Identities), len(cfg.Jobs))
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", defaultConfig, "path to config (yaml or json)")
	return cmd
}
