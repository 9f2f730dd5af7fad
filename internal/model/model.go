// Package model defines the LLM capability boundary used by the triage and
// investigation pools, plus the message types shared with provider backends.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/linnemanlabs/seraph/internal/tools"
)

// Model is the interface for any LLM backend.
type Model interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Request represents the input to the model, including the conversation
// history and available tools.
type Request struct {
	MaxTokens int
	System    string
	Messages  []Message
	Tools     []tools.ToolDef
}

// Response represents the output from the model, including the generated
// content, stop reason, and token usage.
type Response struct {
	Content    []ContentBlock
	StopReason StopReason
	Usage      Usage
	Model      string
}

// StopReason indicates why the model stopped generating, such as reaching
// the end of the response or requesting a tool call.
type StopReason string

const (
	StopEnd     StopReason = "end_turn"
	StopToolUse StopReason = "tool_use"
)

// Message is a single message in the conversation, from the user or the
// assistant, containing text, tool calls, or tool results.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Text concatenates all text blocks of the response.
func (r *Response) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// ToolCalls extracts the tool_use blocks of the response.
func (r *Response) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range r.Content {
		if b.Type == "tool_use" {
			calls = append(calls, ToolCall{ID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	return calls
}

// UserText builds a single-text-block user message.
func UserText(text string) Message {
	return Message{Role: "user", Content: []ContentBlock{{Type: "text", Text: text}}}
}

// ProviderError is an HTTP-level failure from a model backend. Status
// distinguishes transient upstream trouble from permanent request errors.
type ProviderError struct {
	Status int
	Msg    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("model provider error %d: %s", e.Status, e.Msg)
}

// Permanent reports whether retrying the same request is pointless
// (client errors other than timeouts and rate limits).
func (e *ProviderError) Permanent() bool {
	if e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests {
		return false
	}
	return e.Status >= 400 && e.Status < 500
}
