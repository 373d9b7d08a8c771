package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/upb/llm-adapter/services/providers"
	"github.com/upb/llm-adapter/services/routing"
)

// cliCaller attributes CLI usage in the ledger
const cliCaller = "cli"

type completeOptions struct {
	system    string
	provider  string
	model     string
	maxTokens int
	stream    bool
}

func newCompleteCmd() *cobra.Command {
	opts := &completeOptions{}
	cmd := &cobra.Command{
		Use:   "complete [prompt...]",
		Short: "Send one chat completion and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer deps.Close(context.Background())

			return runComplete(cmd.Context(), deps.Router, opts, strings.Join(args, " "), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.system, "system", "s", "", "System prompt")
	cmd.Flags().StringVarP(&opts.provider, "provider", "p", "", "Provider to try first (openai, anthropic, gemini)")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model override")
	cmd.Flags().IntVar(&opts.maxTokens, "max-tokens", 0, "Maximum tokens to generate")
	cmd.Flags().BoolVar(&opts.stream, "stream", false, "Print tokens as they arrive")
	return cmd
}

// completer is the subset of the routing service the command needs
type completer interface {
	Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error)
	Stream(ctx context.Context, req *providers.CompletionRequest) (providers.ChunkStream, error)
}

func runComplete(ctx context.Context, svc completer, opts *completeOptions, prompt string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, err := withProvider(ctx, opts.provider)
	if err != nil {
		return err
	}

	req := &providers.CompletionRequest{
		Model:  opts.model,
		Stream: opts.stream,
		User:   cliCaller,
	}
	if opts.system != "" {
		req.Messages = append(req.Messages, providers.Message{Role: providers.RoleSystem, Content: opts.system})
	}
	req.Messages = append(req.Messages, providers.Message{Role: providers.RoleUser, Content: prompt})
	if opts.maxTokens > 0 {
		req.MaxTokens = &opts.maxTokens
	}

	if opts.stream {
		return streamTo(ctx, svc, req, out)
	}

	resp, err := svc.Complete(ctx, req)
	if err != nil {
		return err
	}
	if len(resp.Choices) == 0 {
		return errors.New("provider returned no choices")
	}

	msg := resp.Choices[0].Message
	if text := msg.Text(); text != "" {
		fmt.Fprintln(out, text)
	}
	if calls := msg.AllToolCalls(); len(calls) > 0 {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(calls)
	}
	return nil
}

func streamTo(ctx context.Context, svc completer, req *providers.CompletionRequest, out io.Writer) error {
	stream, err := svc.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(out)
			return nil
		}
		if err != nil {
			fmt.Fprintln(out)
			return err
		}
		for _, ch := range chunk.Choices {
			fmt.Fprint(out, ch.Delta.Text())
		}
	}
}

func withProvider(ctx context.Context, raw string) (context.Context, error) {
	if raw == "" {
		return ctx, nil
	}
	tag := providers.ProviderTag(strings.ToLower(strings.TrimSpace(raw)))
	if !tag.Valid() {
		return nil, fmt.Errorf("unknown provider %q", raw)
	}
	return routing.WithPreferredProvider(ctx, tag), nil
}
