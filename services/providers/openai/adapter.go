package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/upb/llm-adapter/services/providers"
	"github.com/upb/llm-adapter/services/tokens"
	"go.uber.org/zap"
)

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultModel          = "gpt-4o-mini"
	defaultEmbeddingModel = "text-embedding-3-small"
)

// OpenAIAdapter implements the Provider interface for OpenAI
type OpenAIAdapter struct {
	config providers.ProviderConfig
	client *providers.Client
	logger *zap.Logger
}

// NewOpenAIAdapter creates a new OpenAI adapter
func NewOpenAIAdapter(config providers.ProviderConfig, limiter providers.Limiter, logger *zap.Logger) *OpenAIAdapter {
	config.Provider = providers.ProviderOpenAI
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultModel
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = defaultEmbeddingModel
	}

	headers := func(h http.Header) {
		h.Set("Authorization", "Bearer "+config.APIKey)
		if config.OrgID != "" {
			h.Set("OpenAI-Organization", config.OrgID)
		}
	}

	client := providers.NewClient(config, limiter, headers, logger)
	return &OpenAIAdapter{
		config: config,
		client: client,
		logger: client.Logger(),
	}
}

// Name returns the provider name
func (a *OpenAIAdapter) Name() providers.ProviderTag {
	return providers.ProviderOpenAI
}

// Complete performs a chat completion request
func (a *OpenAIAdapter) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, providers.NewInvalidRequestError(a.Name(), err)
	}

	payload, err := a.buildChatRequest(req, false)
	if err != nil {
		return nil, err
	}

	release, err := a.client.Acquire(ctx, tokens.EstimateRequest(req))
	if err != nil {
		return nil, err
	}
	defer release()

	var resp chatResponse
	if err := a.client.PostJSON(ctx, "/chat/completions", payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, providers.NewNormalizedError(a.Name(), providers.ErrorKindServerError, "response contained no choices", 0, true, nil)
	}

	return a.convertToUnifiedResponse(&resp), nil
}

// Stream performs a streaming chat completion request
func (a *OpenAIAdapter) Stream(ctx context.Context, req *providers.CompletionRequest) (providers.ChunkStream, error) {
	if err := req.Validate(); err != nil {
		return nil, providers.NewInvalidRequestError(a.Name(), err)
	}

	payload, err := a.buildChatRequest(req, true)
	if err != nil {
		return nil, err
	}

	release, err := a.client.Acquire(ctx, tokens.EstimateRequest(req))
	if err != nil {
		return nil, err
	}

	body, err := a.client.OpenStream(ctx, "/chat/completions", payload)
	if err != nil {
		release()
		return nil, err
	}

	return providers.NewEventStream(a.Name(), body, a.decodeChunk, release), nil
}

// Embed computes embeddings via the embeddings endpoint
func (a *OpenAIAdapter) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, providers.NewInvalidRequestError(a.Name(), err)
	}

	release, err := a.client.Acquire(ctx, tokens.EstimateEmbedding(req))
	if err != nil {
		return nil, err
	}
	defer release()

	payload := embeddingRequest{
		Model: req.Model,
		Input: req.Input,
		User:  req.User,
	}
	if payload.Model == "" {
		payload.Model = a.config.EmbeddingModel
	}

	var resp embeddingResponse
	if err := a.client.PostJSON(ctx, "/embeddings", payload, &resp); err != nil {
		return nil, err
	}

	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := &providers.EmbeddingResponse{
		Model:      resp.Model,
		Provider:   a.Name(),
		Embeddings: make([][]float64, len(resp.Data)),
	}
	for i, d := range resp.Data {
		out.Embeddings[i] = d.Embedding
	}
	if resp.Usage != nil {
		out.Usage = &providers.Usage{
			PromptTokens: resp.Usage.PromptTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// buildChatRequest converts unified request to OpenAI format
func (a *OpenAIAdapter) buildChatRequest(req *providers.CompletionRequest, stream bool) (*chatRequest, error) {
	out := &chatRequest{
		Model:            req.ModelOr(a.config.DefaultModel),
		Stream:           stream,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		Stop:             req.Stop,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		User:             req.User,
	}

	for _, msg := range req.Messages {
		converted, err := convertMessage(msg)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, converted...)
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, toolDef{
			Type: "function",
			Function: functionDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	if len(out.Tools) > 0 {
		out.ToolChoice = convertToolChoice(req.ToolChoice)
	}

	return out, nil
}

// convertMessage maps one unified message. Tool result parts become
// separate tool-role messages.
func convertMessage(msg providers.Message) ([]chatMessage, error) {
	base := chatMessage{
		Role:       string(msg.Role),
		Name:       msg.Name,
		ToolCallID: msg.ToolCallID,
	}

	if msg.Parts == nil {
		base.Content = msg.Content
		base.ToolCalls = convertToolCalls(msg.ToolCalls)
		return []chatMessage{base}, nil
	}

	var (
		parts   []contentPart
		results []chatMessage
	)
	for _, p := range msg.Parts {
		switch p.Type {
		case providers.PartText:
			parts = append(parts, contentPart{Type: "text", Text: p.Text})
		case providers.PartImage:
			// hosted URLs and data URIs are both accepted verbatim
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: p.ImageURL}})
		case providers.PartToolResult:
			if p.ToolResult != nil {
				results = append(results, chatMessage{
					Role:       string(providers.RoleTool),
					Content:    p.ToolResult.Content,
					ToolCallID: p.ToolResult.ToolCallID,
				})
			}
		case providers.PartToolCall:
			// collected by AllToolCalls below
		default:
			return nil, providers.UnsupportedPart(providers.ProviderOpenAI, p.Type)
		}
	}

	base.ToolCalls = convertToolCalls(msg.AllToolCalls())

	var out []chatMessage
	if len(parts) > 0 || len(base.ToolCalls) > 0 {
		if len(parts) > 0 {
			base.Content = parts
		}
		out = append(out, base)
	}
	return append(out, results...), nil
}

func convertToolCalls(calls []providers.ToolCall) []toolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]toolCall, len(calls))
	for i, c := range calls {
		out[i] = toolCall{
			ID:   c.ID,
			Type: "function",
			Function: functionCall{
				Name:      c.Function.Name,
				Arguments: c.Function.Arguments,
			},
		}
	}
	return out
}

// convertToolChoice maps the unified policy to OpenAI's vocabulary
func convertToolChoice(choice *providers.ToolChoice) any {
	if choice == nil {
		return nil
	}
	switch choice.Mode {
	case providers.ToolChoiceNone:
		return "none"
	case providers.ToolChoiceRequired:
		return "required"
	case providers.ToolChoiceFunction:
		return map[string]any{
			"type":     "function",
			"function": map[string]string{"name": choice.Function},
		}
	default:
		return "auto"
	}
}

// convertToUnifiedResponse converts OpenAI response to unified format
func (a *OpenAIAdapter) convertToUnifiedResponse(resp *chatResponse) *providers.CompletionResponse {
	out := &providers.CompletionResponse{
		ID:       resp.ID,
		Created:  time.Unix(resp.Created, 0),
		Model:    resp.Model,
		Provider: a.Name(),
		Choices:  make([]providers.Choice, len(resp.Choices)),
	}

	for i, choice := range resp.Choices {
		msg := providers.Message{
			Role:      providers.RoleAssistant,
			ToolCalls: fromToolCalls(choice.Message.ToolCalls),
		}
		if choice.Message.Content != nil {
			msg.Content = *choice.Message.Content
		}
		out.Choices[i] = providers.Choice{
			Index:        choice.Index,
			Message:      msg,
			FinishReason: normalizeFinishReason(choice.FinishReason),
		}
	}

	if resp.Usage != nil {
		out.Usage = &providers.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out
}

// decodeChunk translates one SSE data payload into a unified chunk
func (a *OpenAIAdapter) decodeChunk(ev providers.Event) (*providers.StreamChunk, bool, error) {
	if ev.Data == "[DONE]" {
		return nil, true, nil
	}

	var chunk streamChunk
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return nil, false, providers.NewNormalizedError(a.Name(), providers.ErrorKindServerError, "malformed stream event", 0, false, err)
	}
	if chunk.Error != nil {
		e := providers.NewNormalizedError(a.Name(), providers.ErrorKindServerError, chunk.Error.Message, 0, true, nil)
		e.Raw = json.RawMessage(ev.Data)
		return nil, false, e
	}
	if len(chunk.Choices) == 0 && chunk.Usage == nil {
		return nil, false, nil
	}

	out := &providers.StreamChunk{
		ID:       chunk.ID,
		Created:  time.Unix(chunk.Created, 0),
		Model:    chunk.Model,
		Provider: a.Name(),
		Choices:  make([]providers.ChunkChoice, len(chunk.Choices)),
	}
	for i, c := range chunk.Choices {
		delta := providers.Message{
			Role:      providers.Role(c.Delta.Role),
			Content:   c.Delta.Content,
			ToolCalls: fromToolCalls(c.Delta.ToolCalls),
		}
		cc := providers.ChunkChoice{Index: c.Index, Delta: delta}
		if c.FinishReason != nil {
			cc.FinishReason = normalizeFinishReason(*c.FinishReason)
		}
		out.Choices[i] = cc
	}
	if chunk.Usage != nil {
		out.Usage = &providers.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	return out, false, nil
}

func fromToolCalls(calls []toolCall) []providers.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]providers.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = providers.ToolCall{
			Index: c.Index,
			ID:    c.ID,
			Type:  "function",
			Function: providers.FunctionCall{
				Name:      c.Function.Name,
				Arguments: c.Function.Arguments,
			},
		}
	}
	return out
}

func normalizeFinishReason(reason string) string {
	if reason == "function_call" {
		return providers.FinishToolCalls
	}
	return reason
}

var _ providers.Provider = (*OpenAIAdapter)(nil)
