package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/parasshah10/mcphub/internal/config"
	"github.com/parasshah10/mcphub/internal/logs"
	"github.com/parasshah10/mcphub/internal/server"
)

var version = "v1.0.0" // injected by -ldflags during build

const (
	exitOK          = 0
	exitConfigError = 1
	exitBindError   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := &cobra.Command{
		Use:           "mcphub",
		Short:         "MCPHub - a multiplexing gateway for Model Context Protocol servers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServer,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("settings", "s", "", "Settings file path (default: MCPHUB_SETTING_PATH, then mcp_settings.json)")
	flags.StringP("data-dir", "d", "", "Data directory path (default: ~/.mcphub)")
	flags.StringP("listen", "l", ":3000", "Listen address")
	flags.String("base-path", "", "Base path prefix for all HTTP routes")
	flags.String("name-separator", config.DefaultNameSeparator, "Separator between server and tool names")
	flags.Duration("request-timeout", 0, "Default per-request timeout (0 = 60s)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-to-file", true, "Enable logging to file")
	flags.String("log-dir", "", "Custom log directory path")

	if err := viper.BindPFlags(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfigError
	}
	viper.SetEnvPrefix("MCPHUB")
	viper.AutomaticEnv()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, server.ErrBindFailed) {
			return exitBindError
		}
		return exitConfigError
	}
	return exitOK
}

func runServer(cmd *cobra.Command, _ []string) error {
	runtime, err := buildRuntimeConfig()
	if err != nil {
		return err
	}

	logger, err := logs.SetupLogger(runtime.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting MCPHub",
		zap.String("version", version),
		zap.String("listen", runtime.Listen),
		zap.String("settings", config.ResolveSettingsPath(runtime.SettingsPath)))

	hub, err := server.New(runtime, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return hub.Start(ctx)
}

// buildRuntimeConfig layers defaults, flags/viper, and environment
// variables in that order.
func buildRuntimeConfig() (*config.RuntimeConfig, error) {
	runtime := config.DefaultRuntimeConfig()

	runtime.SettingsPath = viper.GetString("settings")
	runtime.DataDir = viper.GetString("data-dir")
	runtime.Listen = viper.GetString("listen")
	runtime.BasePath = viper.GetString("base-path")
	runtime.NameSeparator = viper.GetString("name-separator")
	if timeout := viper.GetDuration("request-timeout"); timeout > 0 {
		runtime.RequestTimeout = timeout
	}

	runtime.Logging.Level = viper.GetString("log-level")
	runtime.Logging.EnableFile = viper.GetBool("log-to-file")
	if dir := viper.GetString("log-dir"); dir != "" {
		runtime.Logging.LogDir = dir
	}

	if err := runtime.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := runtime.Validate(); err != nil {
		return nil, err
	}
	return runtime, nil
}
