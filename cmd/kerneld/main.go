package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ocapkernel/kernel/internal/config"
)

var (
	pgDSN      string
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kerneld",
		Short: "ocapkernel object-capability message-routing kernel",
		Long:  "Run the ocap kernel's crank loop, or inspect and administer a kernel's persisted state, via the daemon/reset/inspect commands",
	}

	rootCmd.PersistentFlags().StringVar(&pgDSN, "pg-dsn", "", "Postgres DSN")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(inspectCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig applies the layered config precedence shared by every
// subcommand: defaults, then --config file, then KERNEL_* environment
// overrides, then the --pg-dsn flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)
	if cmd.Flags().Changed("pg-dsn") {
		cfg.Store.DSN = pgDSN
		cfg.Store.Backend = "postgres"
	}
	return cfg, nil
}
