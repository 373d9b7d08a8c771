package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-adapter/services/providers"
	"github.com/upb/llm-adapter/services/tokens"
	"go.uber.org/zap"
)

const (
	defaultBaseURL        = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel          = "gemini-1.5-flash"
	defaultEmbeddingModel = "text-embedding-004"
)

// GeminiAdapter implements the Provider interface for the Gemini API
type GeminiAdapter struct {
	config providers.ProviderConfig
	client *providers.Client
	logger *zap.Logger
}

// NewGeminiAdapter creates a new Gemini adapter
func NewGeminiAdapter(config providers.ProviderConfig, limiter providers.Limiter, logger *zap.Logger) *GeminiAdapter {
	config.Provider = providers.ProviderGemini
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
		h.Set("x-goog-api-key", config.APIKey)
	}

	client := providers.NewClient(config, limiter, headers, logger)
	return &GeminiAdapter{
		config: config,
		client: client,
		logger: client.Logger(),
	}
}

// Name returns the provider name
func (a *GeminiAdapter) Name() providers.ProviderTag {
	return providers.ProviderGemini
}

// Complete performs a generateContent request
func (a *GeminiAdapter) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	payload, model, err := a.prepare(req)
	if err != nil {
		return nil, err
	}

	release, err := a.client.Acquire(ctx, tokens.EstimateRequest(req))
	if err != nil {
		return nil, err
	}
	defer release()

	var resp generateResponse
	if err := a.client.PostJSON(ctx, modelPath(model)+":generateContent", payload, &resp); err != nil {
		return nil, err
	}

	out := a.convertToUnifiedResponse(&resp, model)
	if len(out.Choices) == 0 {
		return nil, providers.NewNormalizedError(a.Name(), providers.ErrorKindServerError, "response contained no candidates", 0, true, nil)
	}
	return out, nil
}

// Stream performs a streamGenerateContent request over SSE
func (a *GeminiAdapter) Stream(ctx context.Context, req *providers.CompletionRequest) (providers.ChunkStream, error) {
	payload, model, err := a.prepare(req)
	if err != nil {
		return nil, err
	}

	release, err := a.client.Acquire(ctx, tokens.EstimateRequest(req))
	if err != nil {
		return nil, err
	}

	body, err := a.client.OpenStream(ctx, modelPath(model)+":streamGenerateContent?alt=sse", payload)
	if err != nil {
		release()
		return nil, err
	}

	decoder := &streamDecoder{
		provider: a.Name(),
		id:       uuid.NewString(),
		model:    model,
		created:  time.Now(),
	}
	return providers.NewEventStream(a.Name(), body, decoder.decode, release), nil
}

// Embed computes embeddings via batchEmbedContents
func (a *GeminiAdapter) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, providers.NewInvalidRequestError(a.Name(), err)
	}

	model := req.Model
	if model == "" {
		model = a.config.EmbeddingModel
	}

	payload := batchEmbedRequest{Requests: make([]embedRequest, len(req.Input))}
	for i, in := range req.Input {
		payload.Requests[i] = embedRequest{
			Model:   "models/" + strings.TrimPrefix(model, "models/"),
			Content: content{Parts: []part{{Text: in}}},
		}
	}

	release, err := a.client.Acquire(ctx, tokens.EstimateEmbedding(req))
	if err != nil {
		return nil, err
	}
	defer release()

	var resp batchEmbedResponse
	if err := a.client.PostJSON(ctx, modelPath(model)+":batchEmbedContents", payload, &resp); err != nil {
		return nil, err
	}

	out := &providers.EmbeddingResponse{
		Model:      model,
		Provider:   a.Name(),
		Embeddings: make([][]float64, len(resp.Embeddings)),
	}
	for i, e := range resp.Embeddings {
		out.Embeddings[i] = e.Values
	}
	return out, nil
}

func (a *GeminiAdapter) prepare(req *providers.CompletionRequest) (*generateRequest, string, error) {
	if err := req.Validate(); err != nil {
		return nil, "", providers.NewInvalidRequestError(a.Name(), err)
	}
	payload, err := a.buildGenerateRequest(req)
	if err != nil {
		return nil, "", providers.NewInvalidRequestError(a.Name(), err)
	}
	return payload, strings.TrimPrefix(req.ModelOr(a.config.DefaultModel), "models/"), nil
}

func modelPath(model string) string {
	return "/models/" + strings.TrimPrefix(model, "models/")
}

// buildGenerateRequest converts unified request to Gemini format
func (a *GeminiAdapter) buildGenerateRequest(req *providers.CompletionRequest) (*generateRequest, error) {
	out := &generateRequest{}

	gen := &generationConfig{
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		TopK:             req.TopK,
		StopSequences:    req.Stop,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		gen.MaxOutputTokens = req.MaxTokens
	}
	if !gen.empty() {
		out.GenerationConfig = gen
	}

	// functionResponse parts are keyed by name, not call id
	callNames := make(map[string]string)
	for _, msg := range req.Messages {
		for _, call := range msg.AllToolCalls() {
			callNames[call.ID] = call.Function.Name
		}
	}

	var systemParts []part
	for _, msg := range req.Messages {
		if msg.Role == providers.RoleSystem {
			if text := msg.Text(); strings.TrimSpace(text) != "" {
				systemParts = append(systemParts, part{Text: text})
			}
			continue
		}

		role, parts, err := convertMessage(msg, callNames)
		if err != nil {
			return nil, err
		}
		if len(parts) == 0 {
			continue
		}

		if n := len(out.Contents); n > 0 && out.Contents[n-1].Role == role {
			out.Contents[n-1].Parts = append(out.Contents[n-1].Parts, parts...)
			continue
		}
		out.Contents = append(out.Contents, content{Role: role, Parts: parts})
	}
	if len(out.Contents) == 0 {
		return nil, fmt.Errorf("at least one non-system message is required")
	}
	if len(systemParts) > 0 {
		out.SystemInstruction = &content{Parts: systemParts}
	}

	if len(req.Tools) > 0 {
		decls := make([]functionDeclaration, len(req.Tools))
		for i, tool := range req.Tools {
			decls[i] = functionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			}
		}
		out.Tools = []toolDef{{FunctionDeclarations: decls}}
		out.ToolConfig = convertToolChoice(req.ToolChoice)
	}

	return out, nil
}

// convertMessage maps a non-system message to a Gemini role and parts
func convertMessage(msg providers.Message, callNames map[string]string) (string, []part, error) {
	role := "user"
	if msg.Role == providers.RoleAssistant {
		role = "model"
	}

	var parts []part

	if msg.Role == providers.RoleTool && msg.ToolCallID != "" {
		parts = append(parts, functionResponsePart(callNames, msg.ToolCallID, msg.Text()))
		return role, parts, nil
	}

	if msg.Parts == nil && msg.Content != "" {
		parts = append(parts, part{Text: msg.Content})
	}

	for _, p := range msg.Parts {
		switch p.Type {
		case providers.PartText:
			parts = append(parts, part{Text: p.Text})
		case providers.PartImage:
			img, err := convertImage(p.ImageURL)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, img)
		case providers.PartToolResult:
			if p.ToolResult != nil {
				parts = append(parts, functionResponsePart(callNames, p.ToolResult.ToolCallID, p.ToolResult.Content))
			}
		case providers.PartToolCall:
			// collected by AllToolCalls below
		default:
			return "", nil, providers.UnsupportedPart(providers.ProviderGemini, p.Type)
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
		parts = append(parts, part{FunctionCall: &functionCall{
			Name: call.Function.Name,
			Args: json.RawMessage(args),
		}})
	}

	return role, parts, nil
}

func functionResponsePart(callNames map[string]string, callID, result string) part {
	name := callNames[callID]
	if name == "" {
		name = callID
	}
	return part{FunctionResponse: &functionResponse{
		Name:     name,
		Response: map[string]any{"content": result},
	}}
}

// convertImage sends data URIs as inlineData without the URI prefix and
// hosted images as fileData references
func convertImage(url string) (part, error) {
	if providers.IsDataURI(url) {
		mediaType, data, err := providers.ParseDataURI(url)
		if err != nil {
			return part{}, err
		}
		return part{InlineData: &blob{MimeType: mediaType, Data: data}}, nil
	}
	return part{FileData: &fileData{MimeType: providers.GuessImageMediaType(url), FileURI: url}}, nil
}

// convertToolChoice maps the unified policy to a function calling mode
func convertToolChoice(choice *providers.ToolChoice) *toolConfig {
	if choice == nil {
		return nil
	}
	cfg := functionCallingConfig{Mode: "AUTO"}
	switch choice.Mode {
	case providers.ToolChoiceNone:
		cfg.Mode = "NONE"
	case providers.ToolChoiceRequired:
		cfg.Mode = "ANY"
	case providers.ToolChoiceFunction:
		cfg.Mode = "ANY"
		cfg.AllowedFunctionNames = []string{choice.Function}
	}
	return &toolConfig{FunctionCallingConfig: cfg}
}

// convertToUnifiedResponse converts a Gemini response to unified format
func (a *GeminiAdapter) convertToUnifiedResponse(resp *generateResponse, model string) *providers.CompletionResponse {
	out := &providers.CompletionResponse{
		ID:       resp.ResponseID,
		Created:  time.Now(),
		Model:    model,
		Provider: a.Name(),
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}

	for i, cand := range resp.Candidates {
		msg, reason := convertCandidate(cand)
		out.Choices = append(out.Choices, providers.Choice{
			Index:        i,
			Message:      msg,
			FinishReason: reason,
		})
	}

	// a blocked prompt yields no candidates
	if len(out.Choices) == 0 && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		out.Choices = append(out.Choices, providers.Choice{
			Message:      providers.Message{Role: providers.RoleAssistant},
			FinishReason: providers.FinishContentFilter,
		})
	}

	if resp.UsageMetadata != nil {
		out.Usage = &providers.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return out
}

func convertCandidate(cand candidate) (providers.Message, string) {
	msg := providers.Message{Role: providers.RoleAssistant}

	var text strings.Builder
	for _, p := range cand.Content.Parts {
		if p.FunctionCall != nil {
			args := string(p.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			id := p.FunctionCall.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{
				Index:    len(msg.ToolCalls),
				ID:       id,
				Type:     "function",
				Function: providers.FunctionCall{Name: p.FunctionCall.Name, Arguments: args},
			})
			continue
		}
		text.WriteString(p.Text)
	}
	msg.Content = text.String()

	reason := normalizeFinishReason(cand.FinishReason)
	if len(msg.ToolCalls) > 0 && reason != "" {
		reason = providers.FinishToolCalls
	}
	return msg, reason
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "":
		return ""
	case "STOP":
		return providers.FinishStop
	case "MAX_TOKENS":
		return providers.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return providers.FinishContentFilter
	default:
		return providers.FinishStop
	}
}

// streamDecoder stamps one id on every chunk of a stream
type streamDecoder struct {
	provider providers.ProviderTag
	id       string
	model    string
	created  time.Time
}

func (d *streamDecoder) decode(ev providers.Event) (*providers.StreamChunk, bool, error) {
	var resp generateResponse
	if err := json.Unmarshal([]byte(ev.Data), &resp); err != nil {
		return nil, false, providers.NewNormalizedError(d.provider, providers.ErrorKindServerError, "malformed stream event", 0, false, err)
	}
	if resp.Error != nil {
		kind, retryable := providers.ClassifyStatus(resp.Error.Code)
		e := providers.NewNormalizedError(d.provider, kind, resp.Error.Message, resp.Error.Code, retryable, nil)
		e.Raw = json.RawMessage(ev.Data)
		return nil, false, e
	}

	model := d.model
	if resp.ModelVersion != "" {
		model = resp.ModelVersion
	}
	chunk := &providers.StreamChunk{
		ID:       d.id,
		Created:  d.created,
		Model:    model,
		Provider: d.provider,
	}

	for i, cand := range resp.Candidates {
		msg, reason := convertCandidate(cand)
		chunk.Choices = append(chunk.Choices, providers.ChunkChoice{
			Index:        i,
			Delta:        msg,
			FinishReason: reason,
		})
	}
	if len(chunk.Choices) == 0 && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		chunk.Choices = append(chunk.Choices, providers.ChunkChoice{
			Delta:        providers.Message{Role: providers.RoleAssistant},
			FinishReason: providers.FinishContentFilter,
		})
	}
	if len(chunk.Choices) == 0 {
		return nil, false, nil
	}

	if resp.UsageMetadata != nil && chunk.FinishReason() != "" {
		chunk.Usage = &providers.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return chunk, false, nil
}

var _ providers.Provider = (*GeminiAdapter)(nil)
