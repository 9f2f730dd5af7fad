package llmcache

import (
	"context"
	"strings"

	"github.com/linnemanlabs/seraph/internal/model"
)

// CachedModel fronts a Model with the response cache. Misses fall through
// to the inner model and fill the cache on success.
type CachedModel struct {
	inner model.Model
	cache Cache
}

var _ model.Model = (*CachedModel)(nil)

// Wrap returns m fronted by cache. A Nop cache makes it a transparent
// pass-through.
func Wrap(m model.Model, cache Cache) *CachedModel {
	return &CachedModel{inner: m, cache: cache}
}

// Generate implements model.Model.
func (c *CachedModel) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	prompt := promptText(req)
	if resp, ok := c.cache.Get(ctx, prompt, req.MaxTokens); ok {
		return resp, nil
	}
	resp, err := c.inner.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	c.cache.Set(ctx, prompt, resp, resp.Usage.OutputTokens)
	return resp, nil
}

// promptText flattens a request into the cache key text. Tool names are
// part of the identity: the same conversation with different tools must
// not share a cached response.
func promptText(req *model.Request) string {
	var b strings.Builder
	b.WriteString(req.System)
	for _, m := range req.Messages {
		b.WriteString("\n")
		b.WriteString(m.Role)
		b.WriteString(": ")
		for _, blk := range m.Content {
			switch blk.Type {
			case "text":
				b.WriteString(blk.Text)
			case "tool_result":
				b.WriteString(blk.Content)
			case "tool_use":
				b.WriteString(blk.Name)
				b.Write(blk.Input)
			}
		}
	}
	if len(req.Tools) > 0 {
		b.WriteString("\ntools:")
		for _, t := range req.Tools {
			b.WriteString(" ")
			b.WriteString(t.Name)
		}
	}
	return b.String()
}
