package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/upb/llm-adapter/services/providers"
	"github.com/upb/llm-adapter/services/ratelimit"
	"github.com/upb/llm-adapter/services/routing"
	"github.com/upb/llm-adapter/utils"
	"go.uber.org/zap"
)

// CallerHeader attributes a request to a caller when the body has no user
const CallerHeader = "X-Caller-ID"

// AdapterService is the routing facade the HTTP handlers call
type AdapterService interface {
	Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error)
	Stream(ctx context.Context, req *providers.CompletionRequest) (providers.ChunkStream, error)
	Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error)
	SetProvider(tag providers.ProviderTag) error
	Providers() []providers.ProviderTag
	Stats() map[providers.ProviderTag]ratelimit.Stats
}

// ChatCompletionRequest is an OpenAI-compatible chat completion body.
// Provider, when set, is tried before the configured order.
type ChatCompletionRequest struct {
	providers.CompletionRequest
	Provider providers.ProviderTag `json:"provider,omitempty"`
}

// ChatCompletionResponse is the OpenAI-compatible completion body
type ChatCompletionResponse struct {
	ID       string             `json:"id"`
	Object   string             `json:"object"`
	Created  int64              `json:"created"`
	Model    string             `json:"model"`
	Provider string             `json:"provider"`
	Choices  []providers.Choice `json:"choices"`
	Usage    *providers.Usage   `json:"usage,omitempty"`
}

// ChatCompletionChunk is one OpenAI-compatible stream event
type ChatCompletionChunk struct {
	ID       string                  `json:"id"`
	Object   string                  `json:"object"`
	Created  int64                   `json:"created"`
	Model    string                  `json:"model"`
	Provider string                  `json:"provider"`
	Choices  []providers.ChunkChoice `json:"choices"`
	Usage    *providers.Usage        `json:"usage,omitempty"`
}

// EmbeddingsRequest is the embeddings body
type EmbeddingsRequest struct {
	providers.EmbeddingRequest
	Provider providers.ProviderTag `json:"provider,omitempty"`
}

// EmbeddingData is one vector of an embeddings response
type EmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// EmbeddingsResponse is the OpenAI-compatible embeddings body
type EmbeddingsResponse struct {
	Object   string           `json:"object"`
	Model    string           `json:"model"`
	Provider string           `json:"provider"`
	Data     []EmbeddingData  `json:"data"`
	Usage    *providers.Usage `json:"usage,omitempty"`
}

// CompletionHandler serves the completion and embedding endpoints
type CompletionHandler struct {
	service AdapterService
	logger  *zap.Logger
}

// NewCompletionHandler creates a new CompletionHandler
func NewCompletionHandler(service AdapterService, logger *zap.Logger) *CompletionHandler {
	return &CompletionHandler{
		service: service,
		logger:  logger,
	}
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *CompletionHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	var body ChatCompletionRequest
	if err := utils.DecodeJSON(r, &body); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	ctx, ok := h.routeContext(w, r, body.Provider)
	if !ok {
		return
	}

	req := &body.CompletionRequest
	if req.User == "" {
		req.User = r.Header.Get(CallerHeader)
	}

	if req.Stream {
		h.streamCompletion(ctx, w, req, requestID)
		return
	}

	resp, err := h.service.Complete(ctx, req)
	if err != nil {
		h.logger.Warn("chat completion failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("chat completion successful",
		zap.String("request_id", requestID),
		zap.String("provider", resp.Provider.String()),
		zap.String("model", resp.Model))

	if err := utils.WriteJSON(w, http.StatusOK, toChatResponse(resp)); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

func (h *CompletionHandler) streamCompletion(ctx context.Context, w http.ResponseWriter, req *providers.CompletionRequest, requestID string) {
	sse, err := utils.NewSSEWriter(w)
	if err != nil {
		h.logger.Error("streaming unsupported", zap.String("request_id", requestID), zap.Error(err))
		_ = utils.WriteInternalServerError(w, err.Error())
		return
	}

	stream, err := h.service.Stream(ctx, req)
	if err != nil {
		h.logger.Warn("stream failed to open",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}
	defer stream.Close()

	chunks := 0
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Headers are already out; report in band and end without [DONE]
			h.logger.Warn("stream ended with error",
				zap.String("request_id", requestID),
				zap.Int("chunks", chunks),
				zap.Error(err))
			if !sse.Started() {
				HandleServiceError(w, err, h.logger)
				return
			}
			_, body := ErrorBody(err)
			_ = sse.WriteEvent("error", body)
			return
		}

		if err := sse.WriteData(toChatChunk(chunk)); err != nil {
			h.logger.Debug("client went away", zap.String("request_id", requestID), zap.Error(err))
			return
		}
		chunks++
	}

	if err := sse.Done(); err != nil {
		h.logger.Debug("failed to write stream terminator", zap.String("request_id", requestID), zap.Error(err))
		return
	}
	h.logger.Info("chat completion stream finished",
		zap.String("request_id", requestID),
		zap.Int("chunks", chunks))
}

// HandleEmbeddings handles POST /v1/embeddings
func (h *CompletionHandler) HandleEmbeddings(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	var body EmbeddingsRequest
	if err := utils.DecodeJSON(r, &body); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	ctx, ok := h.routeContext(w, r, body.Provider)
	if !ok {
		return
	}

	req := &body.EmbeddingRequest
	if req.User == "" {
		req.User = r.Header.Get(CallerHeader)
	}

	resp, err := h.service.Embed(ctx, req)
	if err != nil {
		h.logger.Warn("embedding failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	out := EmbeddingsResponse{
		Object:   "list",
		Model:    resp.Model,
		Provider: resp.Provider.String(),
		Data:     make([]EmbeddingData, len(resp.Embeddings)),
		Usage:    resp.Usage,
	}
	for i, vec := range resp.Embeddings {
		out.Data[i] = EmbeddingData{Object: "embedding", Index: i, Embedding: vec}
	}

	if err := utils.WriteJSON(w, http.StatusOK, out); err != nil {
		h.logger.Error("failed to write response", zap.String("request_id", requestID), zap.Error(err))
	}
}

// routeContext applies a per-request provider preference
func (h *CompletionHandler) routeContext(w http.ResponseWriter, r *http.Request, tag providers.ProviderTag) (context.Context, bool) {
	ctx := r.Context()
	if tag == "" {
		return ctx, true
	}
	if !tag.Valid() {
		_ = utils.WriteBadRequest(w, fmt.Sprintf("unknown provider %q", tag), nil)
		return nil, false
	}
	return routing.WithPreferredProvider(ctx, tag), true
}

func toChatResponse(resp *providers.CompletionResponse) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:       resp.ID,
		Object:   "chat.completion",
		Created:  resp.Created.Unix(),
		Model:    resp.Model,
		Provider: resp.Provider.String(),
		Choices:  resp.Choices,
		Usage:    resp.Usage,
	}
}

func toChatChunk(chunk *providers.StreamChunk) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:       chunk.ID,
		Object:   "chat.completion.chunk",
		Created:  chunk.Created.Unix(),
		Model:    chunk.Model,
		Provider: chunk.Provider.String(),
		Choices:  chunk.Choices,
		Usage:    chunk.Usage,
	}
}
