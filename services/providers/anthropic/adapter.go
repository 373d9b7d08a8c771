package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/upb/llm-adapter/services/providers"
	"github.com/upb/llm-adapter/services/tokens"
	"go.uber.org/zap"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultModel     = "claude-3-5-sonnet-latest"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// AnthropicAdapter implements the Provider interface for the Anthropic messages API
type AnthropicAdapter struct {
	config providers.ProviderConfig
	client *providers.Client
	logger *zap.Logger
}

// NewAnthropicAdapter creates a new Anthropic adapter
func NewAnthropicAdapter(config providers.ProviderConfig, limiter providers.Limiter, logger *zap.Logger) *AnthropicAdapter {
	config.Provider = providers.ProviderAnthropic
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultModel
	}

	headers := func(h http.Header) {
		h.Set("x-api-key", config.APIKey)
		h.Set("anthropic-version", apiVersion)
	}

	client := providers.NewClient(config, limiter, headers, logger)
	return &AnthropicAdapter{
		config: config,
		client: client,
		logger: client.Logger(),
	}
}

// Name returns the provider name
func (a *AnthropicAdapter) Name() providers.ProviderTag {
	return providers.ProviderAnthropic
}

// Complete performs a messages request
func (a *AnthropicAdapter) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	payload, err := a.prepare(req, false)
	if err != nil {
		return nil, err
	}

	release, err := a.client.Acquire(ctx, tokens.EstimateRequest(req))
	if err != nil {
		return nil, err
	}
	defer release()

	var resp messageResponse
	if err := a.client.PostJSON(ctx, "/messages", payload, &resp); err != nil {
		return nil, err
	}

	return a.convertToUnifiedResponse(&resp), nil
}

// Stream performs a streaming messages request
func (a *AnthropicAdapter) Stream(ctx context.Context, req *providers.CompletionRequest) (providers.ChunkStream, error) {
	payload, err := a.prepare(req, true)
	if err != nil {
		return nil, err
	}

	release, err := a.client.Acquire(ctx, tokens.EstimateRequest(req))
	if err != nil {
		return nil, err
	}

	body, err := a.client.OpenStream(ctx, "/messages", payload)
	if err != nil {
		release()
		return nil, err
	}

	decoder := &streamDecoder{provider: a.Name(), created: time.Now()}
	return providers.NewEventStream(a.Name(), body, decoder.decode, release), nil
}

// Embed is not offered by Anthropic
func (a *AnthropicAdapter) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	return nil, providers.NewUnsupportedError(a.Name(), "embeddings")
}

func (a *AnthropicAdapter) prepare(req *providers.CompletionRequest, stream bool) (*messageRequest, error) {
	if err := req.Validate(); err != nil {
		return nil, providers.NewInvalidRequestError(a.Name(), err)
	}
	payload, err := a.buildMessageRequest(req, stream)
	if err != nil {
		return nil, providers.NewInvalidRequestError(a.Name(), err)
	}
	return payload, nil
}

// buildMessageRequest converts unified request to Anthropic format. System
// messages move to the top-level system field and consecutive turns of the
// same role are merged.
func (a *AnthropicAdapter) buildMessageRequest(req *providers.CompletionRequest, stream bool) (*messageRequest, error) {
	out := &messageRequest{
		Model:         req.ModelOr(a.config.DefaultModel),
		MaxTokens:     defaultMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.Stop,
		Stream:        stream,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		out.MaxTokens = *req.MaxTokens
	}
	if req.User != "" {
		out.Metadata = &metadata{UserID: req.User}
	}

	var systemParts []string
	for _, msg := range req.Messages {
		if msg.Role == providers.RoleSystem {
			if text := msg.Text(); strings.TrimSpace(text) != "" {
				systemParts = append(systemParts, text)
			}
			continue
		}

		role, blocks, err := convertMessage(msg)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}

		if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == role {
			out.Messages[n-1].Content = append(out.Messages[n-1].Content, blocks...)
			continue
		}
		out.Messages = append(out.Messages, message{Role: role, Content: blocks})
	}
	if len(out.Messages) == 0 {
		return nil, fmt.Errorf("at least one non-system message is required")
	}
	out.System = strings.Join(systemParts, "\n\n")

	if len(req.Tools) > 0 && (req.ToolChoice == nil || req.ToolChoice.Mode != providers.ToolChoiceNone) {
		for _, tool := range req.Tools {
			schema := tool.Parameters
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			out.Tools = append(out.Tools, toolDef{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: schema,
			})
		}
		out.ToolChoice = convertToolChoice(req.ToolChoice)
	}

	return out, nil
}

// convertMessage maps a non-system message to a role and content blocks.
// Tool-role messages are sent as user turns carrying tool_result blocks.
func convertMessage(msg providers.Message) (string, []contentBlock, error) {
	role := "user"
	if msg.Role == providers.RoleAssistant {
		role = "assistant"
	}

	var blocks []contentBlock

	if msg.Role == providers.RoleTool && msg.ToolCallID != "" {
		blocks = append(blocks, contentBlock{
			Type:      "tool_result",
			ToolUseID: msg.ToolCallID,
			Content:   msg.Text(),
		})
		return role, blocks, nil
	}

	if msg.Parts == nil {
		if msg.Content != "" {
			blocks = append(blocks, contentBlock{Type: "text", Text: msg.Content})
		}
	}

	for _, p := range msg.Parts {
		switch p.Type {
		case providers.PartText:
			blocks = append(blocks, contentBlock{Type: "text", Text: p.Text})
		case providers.PartImage:
			src, err := convertImage(p.ImageURL)
			if err != nil {
				return "", nil, err
			}
			blocks = append(blocks, contentBlock{Type: "image", Source: src})
		case providers.PartToolResult:
			if p.ToolResult != nil {
				blocks = append(blocks, contentBlock{
					Type:      "tool_result",
					ToolUseID: p.ToolResult.ToolCallID,
					Content:   p.ToolResult.Content,
					IsError:   p.ToolResult.IsError,
				})
			}
		case providers.PartToolCall:
			// collected by AllToolCalls below
		default:
			return "", nil, providers.UnsupportedPart(providers.ProviderAnthropic, p.Type)
		}
	}

	for _, call := range msg.AllToolCalls() {
		args := strings.TrimSpace(call.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			return "", nil, fmt.Errorf("tool call %s has invalid JSON arguments", call.ID)
		}
		blocks = append(blocks, contentBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: json.RawMessage(args),
		})
	}

	return role, blocks, nil
}

// convertImage sends data URIs as inline base64 without the URI prefix and
// hosted images as URL sources
func convertImage(url string) (*imageSource, error) {
	if providers.IsDataURI(url) {
		mediaType, data, err := providers.ParseDataURI(url)
		if err != nil {
			return nil, err
		}
		return &imageSource{Type: "base64", MediaType: mediaType, Data: data}, nil
	}
	return &imageSource{Type: "url", URL: url}, nil
}

// convertToolChoice maps the unified policy to Anthropic's vocabulary.
// "none" is handled by omitting tools entirely.
func convertToolChoice(choice *providers.ToolChoice) *toolChoice {
	if choice == nil {
		return nil
	}
	switch choice.Mode {
	case providers.ToolChoiceRequired:
		return &toolChoice{Type: "any"}
	case providers.ToolChoiceFunction:
		return &toolChoice{Type: "tool", Name: choice.Function}
	default:
		return &toolChoice{Type: "auto"}
	}
}

// convertToUnifiedResponse converts an Anthropic response to unified format
func (a *AnthropicAdapter) convertToUnifiedResponse(resp *messageResponse) *providers.CompletionResponse {
	msg := providers.Message{Role: providers.RoleAssistant}

	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: providers.FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}
	msg.Content = text.String()

	return &providers.CompletionResponse{
		ID:       resp.ID,
		Created:  time.Now(),
		Model:    resp.Model,
		Provider: a.Name(),
		Choices: []providers.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: normalizeStopReason(resp.StopReason),
		}},
		Usage: &providers.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence", "pause_turn":
		return providers.FinishStop
	case "max_tokens":
		return providers.FinishLength
	case "tool_use":
		return providers.FinishToolCalls
	case "refusal":
		return providers.FinishContentFilter
	default:
		return reason
	}
}

// streamDecoder carries message_start state across the events of one stream
type streamDecoder struct {
	provider    providers.ProviderTag
	created     time.Time
	id          string
	model       string
	inputTokens int
}

func (d *streamDecoder) chunk(choice providers.ChunkChoice) *providers.StreamChunk {
	return &providers.StreamChunk{
		ID:       d.id,
		Created:  d.created,
		Model:    d.model,
		Provider: d.provider,
		Choices:  []providers.ChunkChoice{choice},
	}
}

func (d *streamDecoder) decode(ev providers.Event) (*providers.StreamChunk, bool, error) {
	var e streamEvent
	if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
		return nil, false, providers.NewNormalizedError(d.provider, providers.ErrorKindServerError, "malformed stream event", 0, false, err)
	}

	switch e.Type {
	case "message_start":
		if e.Message != nil {
			d.id = e.Message.ID
			d.model = e.Message.Model
			d.inputTokens = e.Message.Usage.InputTokens
		}
		return nil, false, nil

	case "content_block_start":
		if e.ContentBlock == nil || e.ContentBlock.Type != "tool_use" {
			return nil, false, nil
		}
		return d.chunk(providers.ChunkChoice{Delta: providers.Message{
			Role: providers.RoleAssistant,
			ToolCalls: []providers.ToolCall{{
				Index:    e.Index,
				ID:       e.ContentBlock.ID,
				Type:     "function",
				Function: providers.FunctionCall{Name: e.ContentBlock.Name},
			}},
		}}), false, nil

	case "content_block_delta":
		if e.Delta == nil {
			return nil, false, nil
		}
		switch e.Delta.Type {
		case "text_delta":
			return d.chunk(providers.ChunkChoice{Delta: providers.Message{
				Role:    providers.RoleAssistant,
				Content: e.Delta.Text,
			}}), false, nil
		case "input_json_delta":
			return d.chunk(providers.ChunkChoice{Delta: providers.Message{
				Role: providers.RoleAssistant,
				ToolCalls: []providers.ToolCall{{
					Index:    e.Index,
					Function: providers.FunctionCall{Arguments: e.Delta.PartialJSON},
				}},
			}}), false, nil
		}
		return nil, false, nil

	case "message_delta":
		if e.Delta == nil || e.Delta.StopReason == "" {
			return nil, false, nil
		}
		c := d.chunk(providers.ChunkChoice{
			Delta:        providers.Message{Role: providers.RoleAssistant},
			FinishReason: normalizeStopReason(e.Delta.StopReason),
		})
		if e.Usage != nil {
			c.Usage = &providers.Usage{
				PromptTokens:     d.inputTokens,
				CompletionTokens: e.Usage.OutputTokens,
				TotalTokens:      d.inputTokens + e.Usage.OutputTokens,
			}
		}
		return c, false, nil

	case "message_stop":
		return nil, true, nil

	case "error":
		return nil, false, d.streamError(e.Error, ev.Data)
	}

	// ping, content_block_stop and unknown event types
	return nil, false, nil
}

func (d *streamDecoder) streamError(apiErr *apiError, raw string) error {
	kind, retryable := providers.ErrorKindServerError, true
	message := "stream error"
	if apiErr != nil {
		message = apiErr.Message
		switch apiErr.Type {
		case "rate_limit_error":
			kind = providers.ErrorKindRateLimit
		case "authentication_error":
			kind, retryable = providers.ErrorKindAuthentication, false
		case "invalid_request_error", "permission_error", "not_found_error", "request_too_large":
			kind, retryable = providers.ErrorKindInvalidRequest, false
		}
	}
	e := providers.NewNormalizedError(d.provider, kind, message, 0, retryable, nil)
	e.Raw = json.RawMessage(raw)
	return e
}

var _ providers.Provider = (*AnthropicAdapter)(nil)
