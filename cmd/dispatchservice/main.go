// --- File: cmd/dispatchservice/main.go ---
package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-dispatch-service/dispatchservice/config"
)

//go:embed local.yaml
var configFile []byte

func main() {
	logger := newLogger()
	slog.SetDefault(logger)

	// A local .env is optional; deployed environments set variables directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("Failed to load .env file", "err", err)
	}

	root := &cobra.Command{
		Use:          "dispatchservice",
		Short:        "Multi-account push dispatch service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), logger)
		},
	}
	root.AddCommand(serveCommand(logger), keygenCommand(), accountsCommand(logger))

	if err := root.ExecuteContext(context.Background()); err != nil {
		logger.Error("Command failed", "err", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-dispatch-service")
}

// loadConfig maps the embedded yaml and applies environment overrides.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded yaml config: %w", err)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		return nil, err
	}
	return config.UpdateConfigWithEnvOverrides(baseCfg, logger)
}
