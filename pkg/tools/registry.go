// Package tools is the allow-list of tools an agent action may target, each
// with an argument schema and the minimum risk tier it implies.
package tools

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/claimgate/pkg/contracts"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Tool describes a registered tool. Schema is a JSON Schema document for the
// tool's arguments; empty means any object is accepted.
type Tool struct {
	Name         string             `json:"name" yaml:"name"`
	Description  string             `json:"description,omitempty" yaml:"description"`
	Schema       string             `json:"schema,omitempty" yaml:"schema"`
	RequiredTier contracts.RiskTier `json:"required_tier" yaml:"required_tier"`
}

type entry struct {
	tool     Tool
	compiled *jsonschema.Schema
}

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds or replaces a tool. The schema is compiled up front so a bad
// schema fails registration rather than the first call.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tool name is required")
	}
	if t.RequiredTier == "" {
		t.RequiredTier = contracts.TierReadOnly
	}
	if !t.RequiredTier.Valid() {
		return fmt.Errorf("tool %q: unknown required tier %q", t.Name, t.RequiredTier)
	}

	var compiled *jsonschema.Schema
	if strings.TrimSpace(t.Schema) != "" {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://claimgate.schemas.local/tools/%s.schema.json", t.Name)
		if err := c.AddResource(url, strings.NewReader(t.Schema)); err != nil {
			return fmt.Errorf("tool %q schema load failed: %w", t.Name, err)
		}
		var err error
		compiled, err = c.Compile(url)
		if err != nil {
			return fmt.Errorf("tool %q schema compile failed: %w", t.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = entry{tool: t, compiled: compiled}
	return nil
}

func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return e.tool, nil
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.tool)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateArguments checks args against the tool's schema. Unknown tools are
// rejected.
func (r *Registry) ValidateArguments(name string, args map[string]any) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if e.compiled == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := e.compiled.Validate(args); err != nil {
		return fmt.Errorf("%w for %s: %w", ErrInvalidArguments, name, err)
	}
	return nil
}
