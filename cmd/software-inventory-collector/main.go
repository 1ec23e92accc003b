package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/canonical/software-inventory-collector/internal/collector"
	"github.com/canonical/software-inventory-collector/internal/config"
	"github.com/canonical/software-inventory-collector/internal/logging"
)

var (
	version = "0.1.0"

	cfgFile   string
	dryRun    bool
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "software-inventory-collector",
	Short: "Collect software inventory from a Juju deployment",
	Long: `software-inventory-collector pulls dpkg, snap and kernel inventory from
software-inventory-exporter units and status and bundle documents from the
Juju controller, and writes one tarball per model into the collection
directory.`,
	Run: func(cmd *cobra.Command, args []string) {
		runCollection()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("software-inventory-collector v%s\n", version)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file (default is "+config.DefaultPath+")")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate configuration and connectivity without collecting")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error (default from config)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "", "log format: text or json (default from config)")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCollection() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags win over the config file.
	if logLevel != "" {
		cfg.Settings.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.Settings.LogFormat = logFormat
	}
	logging.Init(cfg.Settings.LogFormat, cfg.Settings.LogLevel, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := collector.New(cfg).Run(ctx, dryRun); err != nil {
		fmt.Fprintf(os.Stderr, "Collection failed: %v\n", err)
		os.Exit(1)
	}
}
