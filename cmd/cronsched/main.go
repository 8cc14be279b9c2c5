package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfig = "./cronsched.yaml"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cronsched",
		Short: "Cron-driven job scheduler",
		Long: `cronsched runs configured jobs on seconds-first cron schedules:

  second minute hour day-of-month month day-of-week [year]

Day-of-week numbers are 0-6 with Sunday = 0 (Quartz uses 1 for Sunday);
prefer names such as MON-FRI when porting Quartz expressions.

Examples:
  cronsched run --config ./cronsched.yaml
  cronsched validate --config ./cronsched.yaml
  cronsched next "0 0 12 ? * MON-FRI" --count 5 --tz Europe/Berlin
  cronsched history --config ./cronsched.yaml --job nightly-report`,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newValidateCmd(), newNextCmd(), newHistoryCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
