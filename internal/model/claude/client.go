// Package claude implements the model.Model interface against the Anthropic
// messages API.
package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/seraph/internal/model"
	"github.com/linnemanlabs/seraph/internal/tools"
)

const (
	defaultEndpoint = "https://api.anthropic.com/v1/messages"
	apiVersion      = "2023-06-01"
)

// Client talks to the Anthropic messages API.
type Client struct {
	apiKey     string
	modelName  string
	endpoint   string
	httpClient *http.Client
}

// New creates a new Claude API client with the given API key and model name.
func New(apiKey, modelName string) *Client {
	return &Client{
		apiKey:    apiKey,
		modelName: modelName,
		endpoint:  defaultEndpoint,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// wireRequest is the payload sent to the API.
type wireRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []model.Message `json:"messages"`
	Tools     []wireToolDef   `json:"tools,omitempty"`
}

type wireToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// wireResponse is the payload received from the API.
type wireResponse struct {
	ID         string               `json:"id"`
	Model      string               `json:"model"`
	Content    []model.ContentBlock `json:"content"`
	StopReason string               `json:"stop_reason"`
	Usage      model.Usage          `json:"usage"`
}

// Generate sends the conversation to the API and returns the response.
func (c *Client) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	wr := wireRequest{
		Model:     c.modelName,
		MaxTokens: req.MaxTokens,
		System:    req.System,
		Messages:  req.Messages,
		Tools:     toWireTools(req.Tools),
	}

	body, err := json.Marshal(wr)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &model.ProviderError{Status: resp.StatusCode, Msg: string(respBody)}
	}

	var out wireResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	mr := &model.Response{
		Content:    out.Content,
		StopReason: model.StopReason(out.StopReason),
		Usage:      out.Usage,
		Model:      out.Model,
	}
	if mr.Model == "" {
		mr.Model = c.modelName
	}
	return mr, nil
}

func toWireTools(defs []tools.ToolDef) []wireToolDef {
	if len(defs) == 0 {
		return nil
	}
	out := make([]wireToolDef, 0, len(defs))
	for _, d := range defs {
		out = append(out, wireToolDef{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return out
}
