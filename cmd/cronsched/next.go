package main

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"cronsched/internal/trigger"
)

func newNextCmd() *cobra.Command {
	var (
		count int
		tz    string
	)
	cmd := &cobra.Command{
		Use:   "next <expression>",
		Short: "Preview fire times of a cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := time.Local
			if tz != "" {
				var err error
				if loc, err = time.LoadLocation(tz); err != nil {
					return errors.Wrap(err, "--tz")
				}
			}
			if count < 1 {
				return errors.Newf("--count must be at least 1, got %d", count)
			}
			t, err := trigger.ParseInLocation(args[0], loc)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			now := time.Now().In(loc)
			if prev := t.Prev(now); !prev.IsZero() {
				fmt.Fprintln(out, "previous:", prev.Format(time.RFC3339))
			}
			next := t.NextN(now, count)
			if len(next) == 0 {
				fmt.Fprintln(out, "never fires again")
				return nil
			}
			for _, ts := range next {
				fmt.Fprintln(out, "next:    ", ts.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of upcoming fire times")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA time zone (default: local)")
	return cmd
}
