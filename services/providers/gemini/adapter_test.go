package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/upb/llm-adapter/services/providers"
	"go.uber.org/zap"
)

type countingLimiter struct {
	acquired atomic.Int32
	released atomic.Int32
}

func (l *countingLimiter) Acquire(ctx context.Context, estimatedTokens int) error {
	l.acquired.Add(1)
	return nil
}

func (l *countingLimiter) Release() {
	l.released.Add(1)
}

func newTestAdapter(t *testing.T, handler http.HandlerFunc) (*GeminiAdapter, *countingLimiter) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	limiter := &countingLimiter{}
	config := providers.ProviderConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Timeout: 5 * time.Second,
	}
	return NewGeminiAdapter(config, limiter, zap.NewNop()), limiter
}

func captureBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var out map[string]any
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("invalid request body: %v", err)
	}
	return out
}

func TestGeminiAdapter_Complete(t *testing.T) {
	var captured map[string]any

	adapter, limiter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-1.5-flash:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("x-goog-api-key = %q", r.Header.Get("x-goog-api-key"))
		}
		captured = captureBody(t, r)

		fmt.Fprint(w, `{
			"candidates": [{
				"content": {"role": "model", "parts": [{"text": "Hello "}, {"text": "there"}]},
				"finishReason": "STOP",
				"index": 0
			}],
			"usageMetadata": {"promptTokenCount": 9, "candidatesTokenCount": 2, "totalTokenCount": 11}
		}`)
	})

	temp := 0.2
	maxTokens := 64
	req := &providers.CompletionRequest{
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "You are terse."},
			{Role: providers.RoleUser, Content: "Hi"},
			{Role: providers.RoleAssistant, Content: "Hello"},
			{Role: providers.RoleUser, Content: "Again"},
		},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
		Stop:        []string{"END"},
	}

	resp, err := adapter.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	sys, _ := captured["systemInstruction"].(map[string]any)
	sysParts, _ := sys["parts"].([]any)
	if len(sysParts) != 1 || sysParts[0].(map[string]any)["text"] != "You are terse." {
		t.Errorf("systemInstruction = %v", captured["systemInstruction"])
	}

	contents := captured["contents"].([]any)
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}
	if role := contents[1].(map[string]any)["role"]; role != "model" {
		t.Errorf("assistant role = %v, want model", role)
	}

	gen := captured["generationConfig"].(map[string]any)
	if gen["temperature"] != 0.2 || gen["maxOutputTokens"] != float64(64) {
		t.Errorf("generationConfig = %v", gen)
	}
	if stops := gen["stopSequences"].([]any); stops[0] != "END" {
		t.Errorf("stopSequences = %v", stops)
	}

	if resp.ID == "" {
		t.Error("expected generated response id")
	}
	if resp.Provider != providers.ProviderGemini {
		t.Errorf("Provider = %s", resp.Provider)
	}
	if resp.Choices[0].Message.Content != "Hello there" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != providers.FinishStop {
		t.Errorf("FinishReason = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 11 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if limiter.acquired.Load() != 1 || limiter.released.Load() != 1 {
		t.Errorf("acquired=%d released=%d", limiter.acquired.Load(), limiter.released.Load())
	}
}

func TestGeminiAdapter_Images(t *testing.T) {
	var captured map[string]any

	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		captured = captureBody(t, r)
		fmt.Fprint(w, `{"candidates": [{"content": {"parts": [{"text": "a cat"}]}, "finishReason": "STOP"}]}`)
	})

	req := &providers.CompletionRequest{
		Messages: []providers.Message{{
			Role: providers.RoleUser,
			Parts: []providers.ContentPart{
				providers.TextPart("What is this?"),
				providers.ImagePart("data:image/png;base64,iVBORw0KGgo="),
				providers.ImagePart("https://example.com/cat.webp?size=large"),
			},
		}},
	}

	if _, err := adapter.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	parts := captured["contents"].([]any)[0].(map[string]any)["parts"].([]any)
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(parts))
	}

	inline := parts[1].(map[string]any)["inlineData"].(map[string]any)
	if inline["mimeType"] != "image/png" {
		t.Errorf("inline mimeType = %v", inline["mimeType"])
	}
	if inline["data"] != "iVBORw0KGgo=" {
		t.Errorf("inline data should drop the data URI prefix, got %v", inline["data"])
	}

	file := parts[2].(map[string]any)["fileData"].(map[string]any)
	if file["fileUri"] != "https://example.com/cat.webp?size=large" {
		t.Errorf("fileUri = %v", file["fileUri"])
	}
	if file["mimeType"] != "image/webp" {
		t.Errorf("file mimeType = %v", file["mimeType"])
	}
}

func TestGeminiAdapter_ToolFlow(t *testing.T) {
	var captured map[string]any

	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		captured = captureBody(t, r)
		fmt.Fprint(w, `{"candidates": [{"content": {"parts": [{"text": "Sunny"}]}, "finishReason": "STOP"}]}`)
	})

	req := &providers.CompletionRequest{
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: "weather in Paris?"},
			{Role: providers.RoleAssistant, ToolCalls: []providers.ToolCall{{
				ID:       "call_1",
				Type:     "function",
				Function: providers.FunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`},
			}}},
			{Role: providers.RoleTool, ToolCallID: "call_1", Content: "22C sunny"},
		},
		Tools: []providers.Tool{{
			Name:        "get_weather",
			Description: "Current weather",
			Parameters:  map[string]any{"type": "object"},
		}},
		ToolChoice: &providers.ToolChoice{Mode: providers.ToolChoiceFunction, Function: "get_weather"},
	}

	if _, err := adapter.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	contents := captured["contents"].([]any)
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}

	call := contents[1].(map[string]any)["parts"].([]any)[0].(map[string]any)["functionCall"].(map[string]any)
	if call["name"] != "get_weather" {
		t.Errorf("functionCall name = %v", call["name"])
	}
	if args := call["args"].(map[string]any); args["city"] != "Paris" {
		t.Errorf("functionCall args = %v", args)
	}

	toolTurn := contents[2].(map[string]any)
	if toolTurn["role"] != "user" {
		t.Errorf("tool result role = %v, want user", toolTurn["role"])
	}
	fr := toolTurn["parts"].([]any)[0].(map[string]any)["functionResponse"].(map[string]any)
	if fr["name"] != "get_weather" {
		t.Errorf("functionResponse name should resolve from call id, got %v", fr["name"])
	}
	if resp := fr["response"].(map[string]any); resp["content"] != "22C sunny" {
		t.Errorf("functionResponse response = %v", resp)
	}

	decls := captured["tools"].([]any)[0].(map[string]any)["functionDeclarations"].([]any)
	if decls[0].(map[string]any)["name"] != "get_weather" {
		t.Errorf("functionDeclarations = %v", decls)
	}

	fcc := captured["toolConfig"].(map[string]any)["functionCallingConfig"].(map[string]any)
	if fcc["mode"] != "ANY" {
		t.Errorf("mode = %v, want ANY", fcc["mode"])
	}
	if names := fcc["allowedFunctionNames"].([]any); len(names) != 1 || names[0] != "get_weather" {
		t.Errorf("allowedFunctionNames = %v", names)
	}
}

func TestConvertToolChoice(t *testing.T) {
	tests := []struct {
		name    string
		choice  *providers.ToolChoice
		mode    string
		allowed []string
	}{
		{"auto", &providers.ToolChoice{Mode: providers.ToolChoiceAuto}, "AUTO", nil},
		{"none", &providers.ToolChoice{Mode: providers.ToolChoiceNone}, "NONE", nil},
		{"required", &providers.ToolChoice{Mode: providers.ToolChoiceRequired}, "ANY", nil},
		{"function", &providers.ToolChoice{Mode: providers.ToolChoiceFunction, Function: "f"}, "ANY", []string{"f"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := convertToolChoice(tt.choice)
			if got.FunctionCallingConfig.Mode != tt.mode {
				t.Errorf("mode = %s, want %s", got.FunctionCallingConfig.Mode, tt.mode)
			}
			if strings.Join(got.FunctionCallingConfig.AllowedFunctionNames, ",") != strings.Join(tt.allowed, ",") {
				t.Errorf("allowed = %v, want %v", got.FunctionCallingConfig.AllowedFunctionNames, tt.allowed)
			}
		})
	}

	if convertToolChoice(nil) != nil {
		t.Error("unset tool choice should leave toolConfig out")
	}
}

func TestNormalizeFinishReason(t *testing.T) {
	tests := map[string]string{
		"STOP":               providers.FinishStop,
		"MAX_TOKENS":         providers.FinishLength,
		"SAFETY":             providers.FinishContentFilter,
		"RECITATION":         providers.FinishContentFilter,
		"PROHIBITED_CONTENT": providers.FinishContentFilter,
		"":                   "",
	}
	for in, want := range tests {
		if got := normalizeFinishReason(in); got != want {
			t.Errorf("normalizeFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGeminiAdapter_FunctionCallResponse(t *testing.T) {
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"candidates": [{
				"content": {"role": "model", "parts": [{"functionCall": {"name": "get_weather", "args": {"city": "Paris"}}}]},
				"finishReason": "STOP"
			}]
		}`)
	})

	resp, err := adapter.Complete(context.Background(), &providers.CompletionRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "weather?"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	choice := resp.Choices[0]
	if choice.FinishReason != providers.FinishToolCalls {
		t.Errorf("FinishReason = %q, want tool_calls", choice.FinishReason)
	}
	if len(choice.Message.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d", len(choice.Message.ToolCalls))
	}
	call := choice.Message.ToolCalls[0]
	if !strings.HasPrefix(call.ID, "call_") {
		t.Errorf("expected generated call id, got %q", call.ID)
	}
	if call.Function.Arguments != `{"city": "Paris"}` {
		t.Errorf("Arguments = %s", call.Function.Arguments)
	}
}

func TestGeminiAdapter_BlockedPrompt(t *testing.T) {
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"promptFeedback": {"blockReason": "SAFETY"}}`)
	})

	resp, err := adapter.Complete(context.Background(), &providers.CompletionRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "bad"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Choices[0].FinishReason != providers.FinishContentFilter {
		t.Errorf("FinishReason = %q, want content_filter", resp.Choices[0].FinishReason)
	}
}

func TestGeminiAdapter_ErrorClassification(t *testing.T) {
	adapter, limiter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"code": 429, "message": "Resource has been exhausted", "status": "RESOURCE_EXHAUSTED"}}`)
	})

	_, err := adapter.Complete(context.Background(), &providers.CompletionRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "Hi"}},
	})
	if !errors.Is(err, providers.ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	ne, _ := providers.AsNormalized(err)
	if ne.Message != "Resource has been exhausted" {
		t.Errorf("Message = %q", ne.Message)
	}
	if limiter.released.Load() != 1 {
		t.Errorf("permit not released after failure")
	}
}

func TestGeminiAdapter_Stream(t *testing.T) {
	adapter, limiter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-1.5-flash:streamGenerateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("alt = %q, want sse", r.URL.Query().Get("alt"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"Hel\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"lo\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"\"}]},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"promptTokenCount\":3,\"candidatesTokenCount\":2,\"totalTokenCount\":5}}\n\n")
	})

	stream, err := adapter.Stream(context.Background(), &providers.CompletionRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	chunks, err := providers.Collect(stream)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}

	var text strings.Builder
	for _, c := range chunks {
		if c.ID != chunks[0].ID {
			t.Errorf("chunk ids differ: %s vs %s", c.ID, chunks[0].ID)
		}
		text.WriteString(c.Choices[0].Delta.Content)
	}
	if text.String() != "Hello" {
		t.Errorf("text = %q", text.String())
	}

	last := chunks[2]
	if last.FinishReason() != providers.FinishStop {
		t.Errorf("FinishReason = %q", last.FinishReason())
	}
	if last.Usage == nil || last.Usage.TotalTokens != 5 {
		t.Errorf("Usage = %+v", last.Usage)
	}
	if limiter.released.Load() != 1 {
		t.Errorf("released = %d, want 1", limiter.released.Load())
	}
}

func TestGeminiAdapter_StreamTruncated(t *testing.T) {
	adapter, limiter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"partial\"}]}}]}\n\n")
	})

	stream, err := adapter.Stream(context.Background(), &providers.CompletionRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	if _, err := stream.Next(); err != nil {
		t.Fatalf("first Next() error = %v", err)
	}
	_, err = stream.Next()
	if !errors.Is(err, providers.ErrServerError) {
		t.Fatalf("expected truncated stream error, got %v", err)
	}
	if !providers.IsRetryable(err) {
		t.Error("truncated stream should be retryable")
	}
	if limiter.released.Load() != 1 {
		t.Errorf("released = %d, want 1", limiter.released.Load())
	}
}

func TestGeminiAdapter_Embed(t *testing.T) {
	var captured map[string]any

	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/text-embedding-004:batchEmbedContents" {
			t.Errorf("path = %s", r.URL.Path)
		}
		captured = captureBody(t, r)
		fmt.Fprint(w, `{"embeddings": [{"values": [0.1, 0.2]}, {"values": [0.3, 0.4]}]}`)
	})

	resp, err := adapter.Embed(context.Background(), &providers.EmbeddingRequest{
		Input: []string{"first", "second"},
	})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}

	requests := captured["requests"].([]any)
	if len(requests) != 2 {
		t.Fatalf("requests = %d", len(requests))
	}
	first := requests[0].(map[string]any)
	if first["model"] != "models/text-embedding-004" {
		t.Errorf("model = %v", first["model"])
	}

	if len(resp.Embeddings) != 2 || resp.Embeddings[1][0] != 0.3 {
		t.Errorf("Embeddings = %v", resp.Embeddings)
	}
	if resp.Provider != providers.ProviderGemini {
		t.Errorf("Provider = %s", resp.Provider)
	}
}

func TestGeminiAdapter_UnknownPartRejected(t *testing.T) {
	adapter := NewGeminiAdapter(providers.ProviderConfig{}, nil, nil)

	req := &providers.CompletionRequest{
		Messages: []providers.Message{{
			Role:  providers.RoleUser,
			Parts: []providers.ContentPart{{Type: "audio"}},
		}},
	}

	if _, err := adapter.buildGenerateRequest(req); !errors.Is(err, providers.ErrInvalidRequest) {
		t.Errorf("buildGenerateRequest() error = %v, want invalid request", err)
	}
}

func TestGeminiAdapter_EmptyCandidatesIsServerError(t *testing.T) {
	adapter, limiter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates": []}`)
	})

	resp, err := adapter.Complete(context.Background(), &providers.CompletionRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "Hi"}},
	})
	if resp != nil {
		t.Errorf("expected no response, got %+v", resp)
	}
	if !errors.Is(err, providers.ErrServerError) {
		t.Fatalf("expected server error, got %v", err)
	}
	if !providers.IsRetryable(err) {
		t.Error("an empty candidate list should be retryable")
	}
	if limiter.acquired.Load() != limiter.released.Load() {
		t.Error("permit must be released")
	}
}
