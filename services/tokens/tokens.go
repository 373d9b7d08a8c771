// Package tokens provides approximate token accounting for conversations.
//
// The estimate is character based (about four characters per token) and is
// not a vendor tokenizer. Do not rely on it for hard context limits.
package tokens

import (
	"unicode/utf8"

	"github.com/upb/llm-adapter/services/providers"
)

const (
	// CharsPerToken is the approximation ratio used by CountTokens
	CharsPerToken = 4

	// MessageOverhead approximates role and framing tokens per message
	MessageOverhead = 4

	// ImageTokens is a flat estimate for one image part
	ImageTokens = 85
)

// CountTokens estimates the token count of text as ceil(runes / 4)
func CountTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + CharsPerToken - 1) / CharsPerToken
}

// CountMessageTokens estimates the tokens of a single message
func CountMessageTokens(msg providers.Message) int {
	total := MessageOverhead + CountTokens(msg.Name)

	if msg.Parts == nil {
		total += CountTokens(msg.Content)
	}
	for _, p := range msg.Parts {
		switch p.Type {
		case providers.PartText:
			total += CountTokens(p.Text)
		case providers.PartImage:
			total += ImageTokens
		case providers.PartToolResult:
			if p.ToolResult != nil {
				total += CountTokens(p.ToolResult.Content)
			}
		}
	}
	for _, call := range msg.AllToolCalls() {
		total += CountTokens(call.Function.Name) + CountTokens(call.Function.Arguments)
	}
	return total
}

// CountMessages estimates the tokens of a message list
func CountMessages(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += CountMessageTokens(m)
	}
	return total
}

// EstimateRequest estimates the tokens a completion will consume, prompt plus
// the requested output budget. It is the value passed to the rate limiter.
func EstimateRequest(req *providers.CompletionRequest) int {
	total := CountMessages(req.Messages)
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		total += *req.MaxTokens
	}
	return total
}

// EstimateEmbedding estimates the tokens of an embedding request
func EstimateEmbedding(req *providers.EmbeddingRequest) int {
	total := 0
	for _, in := range req.Input {
		total += CountTokens(in)
	}
	return total
}

// TruncateMessages returns the longest suffix of messages whose estimated
// total fits in maxTokens, preserving relative order. When keepSystem is set
// the first system message is always kept and its cost is charged against
// the budget first, even if that alone exceeds maxTokens.
func TruncateMessages(messages []providers.Message, maxTokens int, keepSystem bool) []providers.Message {
	systemIdx := -1
	if keepSystem {
		for i, m := range messages {
			if m.Role == providers.RoleSystem {
				systemIdx = i
				break
			}
		}
	}

	budget := maxTokens
	if systemIdx >= 0 {
		budget -= CountMessageTokens(messages[systemIdx])
	}

	// walk back from the newest turn until the budget is spent
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		if i == systemIdx {
			continue
		}
		cost := CountMessageTokens(messages[i])
		if cost > budget {
			break
		}
		budget -= cost
		start = i
	}

	out := make([]providers.Message, 0, len(messages)-start+1)
	if systemIdx >= 0 && systemIdx < start {
		out = append(out, messages[systemIdx])
	}
	for i := start; i < len(messages); i++ {
		out = append(out, messages[i])
	}
	return out
}
