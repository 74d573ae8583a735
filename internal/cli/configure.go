package cli

import (
	"fmt"
	"os"

	"github.com/harun/beacon/internal/config"
	"github.com/spf13/cobra"
)

var (
	configureEndpoint    string
	configureCompression string
	configureSchedule    string
	configureDriver      string
	configureForce       bool
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a configuration file",
	Long: `Write a Beacon configuration file with defaults for every setting
not given on the command line. An existing file is only replaced with --force.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&configureEndpoint, "endpoint", "", "collector URL events are uploaded to")
	configureCmd.Flags().StringVar(&configureCompression, "compression", "", "upload body encoding (none, gzip, zstd)")
	configureCmd.Flags().StringVar(&configureSchedule, "schedule", "", "cron expression for scheduled flushes")
	configureCmd.Flags().StringVar(&configureDriver, "storage", "", "durable storage driver (sqlite, memory)")
	configureCmd.Flags().BoolVar(&configureForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()

	if _, err := os.Stat(configPath); err == nil && !configureForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", configPath)
	}

	cfg := config.DefaultConfig()
	if configureEndpoint != "" {
		cfg.Upload.Endpoint = configureEndpoint
	}
	if configureCompression != "" {
		cfg.Upload.Compression = configureCompression
	}
	if configureSchedule != "" {
		cfg.Flush.Schedule = configureSchedule
	}
	if configureDriver != "" {
		cfg.Storage.Driver = configureDriver
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Save configuration
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", configPath)
	if cfg.Upload.Endpoint == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "Set upload.endpoint before starting, uploads fail without it.")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "You can now start Beacon with: beacon start")

	return nil
}
