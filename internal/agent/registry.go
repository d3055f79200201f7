package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Parameter types accepted in a FunctionDeclaration.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
)

// FunctionCallFn executes a tool with prepared arguments. Failures are
// reported in the returned text, never as an error.
type FunctionCallFn func(ctx context.Context, args map[string]any) string

type Parameter struct {
	Name        string
	Type        string
	Description string
	Enum        []string
	Required    bool
	// Default fills the argument when the model omits it.
	Default any
}

type FunctionDeclaration struct {
	Name         string
	Description  string
	Parameters   []Parameter
	FunctionCall FunctionCallFn
	// Timeout overrides the agent-wide tool timeout when set.
	Timeout time.Duration

	schema   map[string]any
	compiled *jsonschema.Schema
}

// ToolSchema is the tool description handed to the completion service.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Registry maps tool names to declarations. It is filled at startup and
// sealed before the first turn.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	tools  map[string]*FunctionDeclaration
	sealed bool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*FunctionDeclaration)}
}

func (r *Registry) Register(fd *FunctionDeclaration) error {
	if fd == nil {
		return fmt.Errorf("function declaration cannot be nil")
	}

	if fd.Name == "" {
		return fmt.Errorf("function name cannot be empty")
	}

	if fd.FunctionCall == nil {
		return fmt.Errorf("function call implementation cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("register %q: %w", fd.Name, ErrRegistrySealed)
	}
	if _, exists := r.tools[fd.Name]; exists {
		return fmt.Errorf("register %q: %w", fd.Name, ErrDuplicateTool)
	}

	schema, err := buildSchema(fd.Parameters)
	if err != nil {
		return fmt.Errorf("register %q: %w", fd.Name, err)
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("register %q: %w", fd.Name, err)
	}
	fd.schema = schema
	fd.compiled = compiled

	r.tools[fd.Name] = fd
	r.order = append(r.order, fd.Name)
	return nil
}

func (r *Registry) Resolve(name string) (*FunctionDeclaration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fd, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return fd, nil
}

// Schemas lists tool schemas in registration order.
func (r *Registry) Schemas() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		fd := r.tools[name]
		schemas = append(schemas, ToolSchema{
			Name:        fd.Name,
			Description: fd.Description,
			Parameters:  fd.schema,
		})
	}
	return schemas
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func buildSchema(params []Parameter) (map[string]any, error) {
	properties := make(map[string]any, len(params))
	var required []any

	for _, p := range params {
		if p.Name == "" {
			return nil, fmt.Errorf("parameter name cannot be empty")
		}
		if _, dup := properties[p.Name]; dup {
			return nil, fmt.Errorf("duplicate parameter %q", p.Name)
		}
		switch p.Type {
		case TypeString, TypeNumber, TypeInteger, TypeBoolean:
		default:
			return nil, fmt.Errorf("parameter %q: unsupported type %q", p.Name, p.Type)
		}

		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			enum := make([]any, len(p.Enum))
			for i, v := range p.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		properties[p.Name] = prop

		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema, nil
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}
