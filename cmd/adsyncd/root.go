// Package main is adsyncd's entry point: a cobra+viper CLI wiring
// config, logging, metrics, the directory store, the sync pipeline, DC
// locator/watchdog, and the ops HTTP surface into one long-running
// process, matching the teacher's cli/root.go layering and main.go's
// Execute-then-exit shape.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/evalgo/adsyncd/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "adsyncd",
	Short: "mirrors a directory service's entity graph into an in-memory, snapshot-backed store",
	Long: `adsyncd bulk-loads and then incrementally mirrors a directory service
(users, groups, computers, and foreign security principals) into an
in-memory entity graph with transitive group-membership queries, backed
by a crash-recovery snapshot file and, optionally, a SQL or graph export
sink for reporting.`,
}

func init() {
	cobra.OnInitialize(initViperConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/adsyncd.yaml or ./adsyncd.yaml)")
}

func initViperConfig() {
	v := viper.GetViper()
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	if err := config.InitFile(v, cfgFile, home); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
