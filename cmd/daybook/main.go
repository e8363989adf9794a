package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/daybook/internal/client"
	"github.com/TheMichaelB/daybook/internal/config"
	"github.com/TheMichaelB/daybook/internal/events"
)

var (
	cfgFile     string
	jsonOutput  bool
	offlineMode bool
	logLevel    string

	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

var rootCmd = &cobra.Command{
	Use:   "daybook",
	Short: "Local-first tasks, notes and habits",
	Long: `Daybook keeps your planner data on this device and syncs it with your
account when you are signed in. Changes made offline are queued and sent
when the connection comes back.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if apiClient != nil {
			if err := apiClient.Close(); err != nil {
				logger.WithError(err).Warn("Close failed")
			}
		}
		if logger != nil {
			_ = logger.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file (default searches ./daybook.*, ~/.config/daybook)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Print machine readable output")
	rootCmd.PersistentFlags().BoolVar(&offlineMode, "offline", false,
		"Do not contact the remote; writes are queued")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override the configured log level")
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	events.SetDefault(logger)
	cmd.SetContext(events.WithLogger(cmd.Context(), logger))

	var opts []client.Option
	if offlineMode {
		opts = append(opts, client.WithOffline())
	}
	apiClient, err = client.New(cmd.Context(), cfg, logger, opts...)
	if err != nil {
		return fmt.Errorf("open client: %w", err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !jsonOutput {
			printError("%v", err)
		}
		os.Exit(1)
	}
}

// Output helpers

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printSuccess(format string, args ...interface{}) {
	color.New(color.FgGreen).Fprintf(os.Stdout, format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	color.New(color.FgCyan).Fprintf(os.Stdout, format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	color.New(color.FgYellow).Fprintf(os.Stderr, format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}
