package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"cronsched/internal/config"
	"cronsched/internal/storage"
	logx "cronsched/pkg/logx"
)

func newHistoryCmd() *cobra.Command {
	var (
		cfgPath string
		jobID   string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs from the run report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(cfgPath).Parse()
			if err != nil {
				return err
			}
			sc, err := cfg.Storage.ToStorage()
			if err != nil {
				return err
			}
			store, err := storage.Open(sc, logx.Nop())
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("run report is disabled in this config")
			}
			defer store.Close()

			runs, err := store.RecentRuns(cmd.Context(), jobID, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tJOB\tOUTCOME\tTOOK\tDETAIL")
			for _, r := range runs {
				detail := r.Result
				if r.Error != "" {
					detail = r.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.StartedAt.Format(time.RFC3339), r.JobID, r.Outcome, r.Took.Round(time.Millisecond), detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", defaultConfig, "path to config (yaml or json)")
	cmd.Flags().StringVar(&jobID, "job", "", "only show runs of this job id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs; 0 shows all")
	return cmd
}
