package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
	"github.com/upb/llm-adapter/services/providers"
)

type embedOptions struct {
	provider string
	model    string
}

func newEmbedCmd() *cobra.Command {
	opts := &embedOptions{}
	cmd := &cobra.Command{
		Use:   "embed [text...]",
		Short: "Compute one embedding per argument and print them as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer deps.Close(context.Background())

			return runEmbed(cmd.Context(), deps.Router, opts, args, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.provider, "provider", "p", "", "Provider to try first (openai, gemini)")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Embedding model override")
	return cmd
}

type embedder interface {
	Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error)
}

func runEmbed(ctx context.Context, svc embedder, opts *embedOptions, inputs []string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, err := withProvider(ctx, opts.provider)
	if err != nil {
		return err
	}

	resp, err := svc.Embed(ctx, &providers.EmbeddingRequest{
		Model: opts.model,
		Input: inputs,
		User:  cliCaller,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
