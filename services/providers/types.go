package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/upb/llm-adapter/utils"
)

// Role of a conversation turn
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType discriminates the typed content parts of a message
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// FinishReason values shared by all vendors
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// ContentPart is one element of a typed message content sequence
type ContentPart struct {
	Type PartType `json:"type" validate:"required,oneof=text image tool_call tool_result"`

	// Text is set for text parts
	Text string `json:"text,omitempty"`

	// ImageURL is a hosted URL or a data URI for image parts
	ImageURL string `json:"image_url,omitempty" validate:"required_if=Type image"`

	// ToolCall is set for tool_call parts
	ToolCall *ToolCall `json:"tool_call,omitempty" validate:"required_if=Type tool_call"`

	// ToolResult is set for tool_result parts
	ToolResult *ToolResult `json:"tool_result,omitempty" validate:"required_if=Type tool_result"`
}

// openAIImagePart is the part type OpenAI-compatible clients send for images
const openAIImagePart PartType = "image_url"

type contentPartJSON struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	ImageURL   json.RawMessage `json:"image_url,omitempty"`
	ToolCall   *ToolCall       `json:"tool_call,omitempty"`
	ToolResult *ToolResult     `json:"tool_result,omitempty"`
}

// UnmarshalJSON accepts the unified part shape and the OpenAI vision shape
// {"type":"image_url","image_url":{"url":"..."}}
func (p *ContentPart) UnmarshalJSON(data []byte) error {
	var raw contentPartJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*p = ContentPart{
		Type:       raw.Type,
		Text:       raw.Text,
		ToolCall:   raw.ToolCall,
		ToolResult: raw.ToolResult,
	}
	if p.Type == openAIImagePart {
		p.Type = PartImage
	}

	url := strings.TrimSpace(string(raw.ImageURL))
	switch {
	case url == "" || url == "null":
	case strings.HasPrefix(url, "{"):
		var obj struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(raw.ImageURL, &obj); err != nil {
			return fmt.Errorf("decode image_url: %w", err)
		}
		p.ImageURL = obj.URL
	default:
		if err := json.Unmarshal(raw.ImageURL, &p.ImageURL); err != nil {
			return fmt.Errorf("decode image_url: %w", err)
		}
	}
	return nil
}

// TextPart builds a text content part
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart builds an image content part from a URL or data URI
func ImagePart(url string) ContentPart {
	return ContentPart{Type: PartImage, ImageURL: url}
}

// ToolCall is a function invocation requested by the model
type ToolCall struct {
	// Index orders partial tool calls within a stream
	Index int `json:"index"`

	ID string `json:"id"`

	// Type is always "function"
	Type string `json:"type,omitempty"`

	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its JSON-encoded arguments
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolResult is the output of a tool invocation sent back to the model
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message represents a single message in a conversation.
//
// Content holds plain text. When Parts is non-nil the message is typed and
// Content is ignored.
type Message struct {
	Role Role `validate:"required,oneof=system user assistant tool"`

	Content string

	Parts []ContentPart `validate:"omitempty,dive"`

	// Name is an optional identifier for the message sender
	Name string

	// ToolCalls requested by an assistant turn
	ToolCalls []ToolCall

	// ToolCallID links a tool-role message to the call it answers
	ToolCallID string
}

// Text returns the textual content of the message, joining text parts
func (m Message) Text() string {
	if m.Parts == nil {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// AllToolCalls returns the tool calls of the message, including tool_call parts
func (m Message) AllToolCalls() []ToolCall {
	calls := append([]ToolCall(nil), m.ToolCalls...)
	for _, p := range m.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

type messageJSON struct {
	Role       Role            `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// MarshalJSON encodes content as a string or as an array of parts
func (m Message) MarshalJSON() ([]byte, error) {
	var content []byte
	var err error
	if m.Parts != nil {
		content, err = json.Marshal(m.Parts)
	} else {
		content, err = json.Marshal(m.Content)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(messageJSON{
		Role:       m.Role,
		Content:    content,
		Name:       m.Name,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	})
}

// UnmarshalJSON accepts content as a string, an array of parts, or null
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = Message{
		Role:       raw.Role,
		Name:       raw.Name,
		ToolCalls:  raw.ToolCalls,
		ToolCallID: raw.ToolCallID,
	}

	content := strings.TrimSpace(string(raw.Content))
	switch {
	case content == "" || content == "null":
	case strings.HasPrefix(content, "["):
		if err := json.Unmarshal(raw.Content, &m.Parts); err != nil {
			return fmt.Errorf("decode content parts: %w", err)
		}
	default:
		if err := json.Unmarshal(raw.Content, &m.Content); err != nil {
			return fmt.Errorf("decode content: %w", err)
		}
	}
	return nil
}

// ToolChoiceMode is the unified tool selection policy
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceFunction ToolChoiceMode = "function"
)

// ToolChoice selects how the model may use the declared tools.
// Function is only meaningful when Mode is ToolChoiceFunction.
type ToolChoice struct {
	Mode     ToolChoiceMode `json:"mode" validate:"omitempty,oneof=auto none required function"`
	Function string         `json:"function,omitempty"`
}

// Tool declares a function the model may call
type Tool struct {
	Name        string         `json:"name" validate:"required"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// CompletionRequest represents a unified chat completion request
type CompletionRequest struct {
	// Model identifier; empty selects the provider default
	Model string `json:"model,omitempty"`

	// Messages in the conversation
	Messages []Message `json:"messages" validate:"required,min=1,dive"`

	// Temperature controls randomness
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`

	// TopP controls nucleus sampling
	TopP *float64 `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`

	// TopK limits sampling to the K most likely tokens
	TopK *int `json:"top_k,omitempty" validate:"omitempty,gte=0"`

	// MaxTokens limits the response length
	MaxTokens *int `json:"max_tokens,omitempty" validate:"omitempty,gte=0"`

	// Stop sequences
	Stop []string `json:"stop,omitempty"`

	// FrequencyPenalty reduces repetition (-2.0 to 2.0)
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty" validate:"omitempty,gte=-2,lte=2"`

	// PresencePenalty encourages new topics (-2.0 to 2.0)
	PresencePenalty *float64 `json:"presence_penalty,omitempty" validate:"omitempty,gte=-2,lte=2"`

	// Tools the model may call
	Tools []Tool `json:"tools,omitempty" validate:"omitempty,dive"`

	// ToolChoice policy; nil leaves the vendor default
	ToolChoice *ToolChoice `json:"tool_choice,omitempty"`

	// Stream enables streaming responses
	Stream bool `json:"stream,omitempty"`

	// User identifier for quota attribution
	User string `json:"user,omitempty"`
}

// Validate checks the request invariants
func (r *CompletionRequest) Validate() error {
	if err := utils.ValidateStruct(r); err != nil {
		return err
	}
	for i, msg := range r.Messages {
		if msg.Parts != nil && len(msg.Parts) == 0 {
			return fmt.Errorf("messages[%d]: typed content must not be empty", i)
		}
	}
	if r.ToolChoice != nil && r.ToolChoice.Mode == ToolChoiceFunction && r.ToolChoice.Function == "" {
		return errors.New("tool_choice function requires a function name")
	}
	return nil
}

// ModelOr returns the requested model or the fallback when none was requested
func (r *CompletionRequest) ModelOr(fallback string) string {
	if r.Model != "" {
		return r.Model
	}
	return fallback
}

// CompletionResponse represents a unified chat completion response
type CompletionResponse struct {
	// ID is the unique identifier for this completion
	ID string `json:"id"`

	// Created timestamp
	Created time.Time `json:"created"`

	// Model used for the completion
	Model string `json:"model"`

	// Provider that handled the request
	Provider ProviderTag `json:"provider"`

	// Choices contains the completion results
	Choices []Choice `json:"choices"`

	// Usage statistics, when the vendor reports them
	Usage *Usage `json:"usage,omitempty"`
}

// Choice represents a completion choice
type Choice struct {
	Index int `json:"index"`

	Message Message `json:"message"`

	// FinishReason is one of stop, length, tool_calls, content_filter or empty
	FinishReason string `json:"finish_reason"`
}

// Usage represents token usage statistics
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one increment of a streaming response
type StreamChunk struct {
	ID       string        `json:"id"`
	Created  time.Time     `json:"created"`
	Model    string        `json:"model"`
	Provider ProviderTag   `json:"provider"`
	Choices  []ChunkChoice `json:"choices"`
	Usage    *Usage        `json:"usage,omitempty"`
}

// FinishReason returns the first non-empty finish reason in the chunk
func (c *StreamChunk) FinishReason() string {
	for _, ch := range c.Choices {
		if ch.FinishReason != "" {
			return ch.FinishReason
		}
	}
	return ""
}

// ChunkChoice is the per-choice delta of a stream chunk
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Message `json:"delta"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// EmbeddingRequest represents a unified embedding request
type EmbeddingRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input" validate:"required,min=1"`
	User  string   `json:"user,omitempty"`
}

// Validate checks the request invariants
func (r *EmbeddingRequest) Validate() error {
	return utils.ValidateStruct(r)
}

// EmbeddingResponse represents a unified embedding response
type EmbeddingResponse struct {
	Model      string      `json:"model"`
	Provider   ProviderTag `json:"provider"`
	Embeddings [][]float64 `json:"embeddings"`
	Usage      *Usage      `json:"usage,omitempty"`
}
