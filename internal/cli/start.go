package cli

import (
	"fmt"

	"github.com/harun/beacon/internal/config"
	"github.com/harun/beacon/internal/daemon"
	"github.com/harun/beacon/internal/logger"
	"github.com/spf13/cobra"
)

var startPretty bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Beacon daemon service",
	Long: `Start the Beacon daemon service in the foreground.
The daemon recovers any session a previous run left behind, accepts events on
its ingest server and uploads them until it receives SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&startPretty, "pretty", true, "human-readable console logs")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := pidFilePath(cfg)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	for _, problem := range config.NewValidator().ValidateConfig(cfg) {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", problem)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    startPretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.WatchConfig(config.NewLoader(cfgFile).GetConfigPath()); err != nil {
		log.Warn().Err(err).Msg("Config hot reload disabled")
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	d.Wait()
	return nil
}
