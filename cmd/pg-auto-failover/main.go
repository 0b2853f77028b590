package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcbachmann/pg-auto-failover/pkg/api"
	"github.com/marcbachmann/pg-auto-failover/pkg/clock"
	"github.com/marcbachmann/pg-auto-failover/pkg/config"
	"github.com/marcbachmann/pg-auto-failover/pkg/events"
	"github.com/marcbachmann/pg-auto-failover/pkg/log"
	"github.com/marcbachmann/pg-auto-failover/pkg/monitor"
	"github.com/marcbachmann/pg-auto-failover/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pg-auto-failover",
	Short: "Automated failover monitor for PostgreSQL replication groups",
	Long: `pg-auto-failover is the monitor side of an automated high-availability
setup for PostgreSQL. It tracks the nodes of each replication group,
assigns goal states through a failover state machine, and publishes
every transition on notification channels for observers.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pg-auto-failover version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      logLevel,
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the failover monitor",
	Long: `Run the monitor: open the node catalog, start the out-of-band health
prober and serve the agent-facing API until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Listen = listen
		}
		if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
			cfg.DataDir = dataDir
		}

		return runMonitor(cfg)
	},
}

func init() {
	runCmd.Flags().String("config", "", "Path to the monitor config file")
	runCmd.Flags().String("listen", "", "Address of the agent-facing API")
	runCmd.Flags().String("data-dir", "", "Directory holding the catalog database")
}

func runMonitor(cfg config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	catalog, err := storage.NewBoltCatalog(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer catalog.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	m := monitor.New(cfg, catalog, broker, clock.System())

	prober := monitor.NewProber(m)
	prober.Start()
	defer prober.Stop()

	server := api.NewServer(m, broker)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Listen)
	}()

	log.Info("Monitor started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Infof("Received signal %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(ctx)
}
