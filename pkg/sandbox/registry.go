package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/droverhq/drover/internal/tracing"
	"github.com/droverhq/drover/pkg/provider"
)

// ExecContext is the per-call environment a tool handler runs in.
type ExecContext struct {
	Session Session
	Cwd     string
	Key     Key
}

// Handler executes one tool call. Input has already passed schema
// validation.
type Handler func(ctx context.Context, input map[string]interface{}, ec *ExecContext) ToolCallResult

// Tool is one registered tool: a model-facing definition plus its handler.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Handler     Handler
}

// Registry holds registered tools and validates inputs against their
// schemas before execution.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a tool. The schema is compiled once at registration.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", t.Name)
	}

	var schema *gojsonschema.Schema
	if t.InputSchema != nil {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.InputSchema))
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", t.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
	r.schemas[t.Name] = schema
	return nil
}

// Definitions returns the model-facing tool definitions.
func (r *Registry) Definitions() []provider.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]provider.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, provider.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	// Stable order keeps provider requests reproducible across calls.
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ExecuteTool validates input and runs the named tool. Unknown tools and
// validation failures come back as failed results, never as errors, so the
// model sees them as ordinary tool feedback.
func (r *Registry) ExecuteTool(ctx context.Context, name string, input map[string]interface{}, ec *ExecContext) ToolCallResult {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return Failure(fmt.Sprintf("unknown tool: %s", name))
	}
	if input == nil {
		input = map[string]interface{}{}
	}

	if schema != nil {
		if err := validateInput(schema, input); err != nil {
			return Failure(fmt.Sprintf("invalid input for %s: %v", name, err))
		}
	}

	result := tool.Handler(ctx, input, ec)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("tool", name).
		Bool("success", result.Success).
		Msg("tool executed")
	return result
}

func validateInput(schema *gojsonschema.Schema, input map[string]interface{}) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(input))
	if err != nil {
		return err
	}
	if !result.Valid() {
		errs := []string{}
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}
	return nil
}
