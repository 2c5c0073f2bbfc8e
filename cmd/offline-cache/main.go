package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/always-cache/offline-cache/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// CLI flags
	configFilenameFlag string
	verbosityTraceFlag bool

	// this is set by goreleaser
	version string
)

func init() {
	if version == "" {
		version = "DEV"
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "offline-cache",
		Short:         "Offline cache and deferred sync in front of a web app",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flags.String("origin", "", "Origin URL to proxy to (overrides config)")
	flags.String("queue-db", "", "Queue DB file name (use 'memory' for in-memory db)")
	flags.String("sync-endpoint", "", "Endpoint records are delivered to (default <origin>/api/entries)")
	flags.String("log-file", "", "Log file to use (in addition to stdout)")
	flags.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")

	root.AddCommand(newServeCmd(), newEntriesCmd(), newSyncCmd())
	return root
}

// loadConfig reads the config file and environment, then applies the flags
// that were set explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configFilenameFlag)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	overrides := map[string]*string{
		"origin":        &cfg.Origin,
		"host":          &cfg.OriginHost,
		"db":            &cfg.DB,
		"queue-db":      &cfg.QueueDB,
		"sync-endpoint": &cfg.Sync.Endpoint,
		"log-file":      &cfg.LogFile,
		"cache-version": &cfg.Version,
	}
	for name, dst := range overrides {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			continue
		}
		if *dst, err = flags.GetString(name); err != nil {
			return cfg, err
		}
	}
	if flags.Lookup("port") != nil && flags.Changed("port") {
		if cfg.Port, err = flags.GetInt("port"); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// setupLogging logs to stdout and, if configured, to a log file as well.
func setupLogging(cfg config.Config) (zerolog.Logger, error) {
	logLevel := zerolog.DebugLevel
	if cfg.LogLevel != "" {
		level, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			return log.Logger, fmt.Errorf("log level: %w", err)
		}
		logLevel = level
	}
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if cfg.LogFile != "" {
		logFileOutput, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return log.Logger, fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return log.Logger, nil
}
