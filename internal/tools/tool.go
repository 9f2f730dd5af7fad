package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Tool is a capability Seraph can offer to the AI during an investigation.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage // JSON Schema
	Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// ToolDef is the format for tool definitions expected by the AI API,
// derived from the Tool interface.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Registry holds available tools and converts them to the AI API format.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry, keyed by its Name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get retrieves a tool by name, returns the tool and a boolean indicating if it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ToToolDefs returns the tool definitions in the AI API format.
func (r *Registry) ToToolDefs() []ToolDef {
	out := make([]ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Parameters(),
		})
	}
	return out
}

// ValidateArgs checks that raw decodes to a plain JSON object whose values
// are primitives or arrays of primitives. Nested objects and arrays of
// objects are rejected before the tool ever sees them.
func ValidateArgs(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("tool arguments must be a JSON object: %w", err)
	}
	for key, v := range args {
		switch val := v.(type) {
		case nil, bool, float64, string:
		case []any:
			for _, elem := range val {
				switch elem.(type) {
				case nil, bool, float64, string:
				default:
					return fmt.Errorf("argument %q: array elements must be primitives", key)
				}
			}
		default:
			return fmt.Errorf("argument %q: nested objects are not allowed", key)
		}
	}
	return nil
}
