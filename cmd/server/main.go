package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rufus800/challawa-np/internal/config"
	"github.com/rufus800/challawa-np/internal/server"
	"github.com/rufus800/challawa-np/pkg/logger"
)

// Set with -ldflags "-X main.Version=... -X main.BuildDate=..."
var (
	Version   = "dev"
	BuildDate = "unknown"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "challawa-monitor",
	Short: "Challawa pump station monitor",
	Long: `Polls the pump station PLC, records every trip in the event store
and streams live unit state to dashboards over WebSocket.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitor (default command)",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "challawa-monitor %s (built %s, %s)\n", Version, BuildDate, runtime.Version())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml or ./config/config.yaml)")
	rootCmd.AddCommand(serveCmd, versionCmd, newReportCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Init()
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if cfg.Log.Dir != "" {
		if err := logger.EnableFileLogging(cfg.Log.Dir, "challawa"); err != nil {
			logger.Warnf("File logging disabled: %v", err)
		}
	}
	defer logger.Sync()

	displayBanner()

	logger.Infof("Configuration loaded: PLC %s rack %d slot %d, DB%d, %d units, poll %dms",
		cfg.PLCAddress, cfg.PLCRack, cfg.PLCSlot, cfg.DBNumber, cfg.UnitCount, cfg.PollIntervalMs)

	srv, err := server.NewServer(cfg, Version)
	if err != nil {
		logger.Error("Failed to create server", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("Monitor stopped with an error", err)
		return err
	}

	logger.Info("Monitor stopped")
	return nil
}

func displayBanner() {
	banner := `
  ___ _         _ _
 / __| |_  __ _| | |__ ___ __ ____ _
| (__| ' \/ _' | | / _' \ V  V / _' |
 \___|_||_\__,_|_|_\__,_|\_/\_/\__,_|   PUMP STATION MONITOR
`
	fmt.Println(banner)
	fmt.Printf("Version %s, starting at %s\n\n", Version, time.Now().Format("2006-01-02 15:04:05"))
}
