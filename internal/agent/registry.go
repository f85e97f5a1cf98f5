package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/first-fluke/cratos/pkg/models"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// ToolRegistry holds the universe of tools available to a session and
// executes one by name. Tools are registered under their own name and
// replace any prior registration with the same name.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds tool to the registry, keyed by tool.Name().
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name and whether it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns every registered tool's definition, suitable for persistence
// or inspection.
func (r *ToolRegistry) List() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, models.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}
	return defs
}

// Execute runs a tool by name with the given JSON parameters. A missing
// tool or an oversized name/params is reported as an error ToolResult
// rather than a Go error, so callers can surface it to the LLM uniformly.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return &ToolResult{
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
			IsError: true,
		}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &ToolResult{
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &ToolResult{
			Content: "tool not found: " + name,
			IsError: true,
		}, nil
	}

	if err := validateToolParams(tool, params); err != nil {
		return &ToolResult{
			Content: fmt.Sprintf("invalid parameters for tool %s: %s", name, err),
			IsError: true,
		}, nil
	}

	return tool.Execute(ctx, params)
}

// schemaCache holds compiled schemas keyed by their raw JSON text, so a
// tool registered once doesn't recompile its schema on every call.
var schemaCache sync.Map

// validateToolParams checks params against tool's declared schema before
// it reaches Execute. A tool with no schema (empty or "null") is exempt,
// since not every tool takes structured input.
func validateToolParams(tool Tool, params json.RawMessage) error {
	rawSchema := tool.Schema()
	if len(rawSchema) == 0 || string(rawSchema) == "null" {
		return nil
	}

	schema, err := compileToolSchema(tool.Name(), rawSchema)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("decode parameters: %w", err)
	}

	return schema.Validate(decoded)
}

func compileToolSchema(name string, rawSchema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(rawSchema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// AsLLMTools returns every registered tool for inclusion in a provider
// completion request's Tools field.
func (r *ToolRegistry) AsLLMTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}
