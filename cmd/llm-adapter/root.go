package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/upb/llm-adapter/app"
	"github.com/upb/llm-adapter/config"
	"github.com/upb/llm-adapter/internal/observability"
	"go.uber.org/zap"
)

const version = "0.1.0"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "llm-adapter",
		Short:         "Multi-provider LLM completion adapter",
		Long:          "llm-adapter routes chat completions and embeddings across OpenAI, Anthropic and Gemini with ordered fallback.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newCompleteCmd())
	root.AddCommand(newEmbedCmd())
	return root
}

// initLogger builds the process logger from the observability config
func initLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	return observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
}

// bootstrap loads configuration and wires dependencies for one command
func bootstrap(ctx context.Context) (*app.Dependencies, error) {
	cfg, err := config.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := initLogger(cfg.Observability)
	if err != nil {
		return nil, err
	}

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return deps, nil
}
