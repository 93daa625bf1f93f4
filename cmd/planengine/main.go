// Package main is the plan engine command line: it runs the queue worker and
// reconciliation monitor, and exposes the lifecycle operations for operators.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	useMemory  bool
	dsn        string
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "planengine",
		Short:         "Ternary referral compensation plan engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "YAML config file (default $PLAN_ENGINE_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&flags.useMemory, "use-memory", false, "Use in-memory storage instead of PostgreSQL")
	rootCmd.PersistentFlags().StringVar(&flags.dsn, "dsn", "", "PostgreSQL connection string (overrides config)")

	rootCmd.AddCommand(serveCmd(flags))
	rootCmd.AddCommand(migrateCmd(flags))
	rootCmd.AddCommand(bootstrapCmd(flags))
	rootCmd.AddCommand(accountCmd(flags))
	rootCmd.AddCommand(purchaseCmd(flags))
	rootCmd.AddCommand(statsCmd(flags))
	rootCmd.AddCommand(routeCmd(flags))
	rootCmd.AddCommand(sweepCmd(flags))
	rootCmd.AddCommand(drainCmd(flags))
	rootCmd.AddCommand(verifyCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
