// Package workflow names the compiled-in set of workflows a run can target
// and resolves each to its prompt file, mirroring the teacher's approach of
// naming configuration in data rather than an exhaustive hardcoded enum.
package workflow

import (
	"embed"
	"fmt"
)

//go:embed *.md
var promptFS embed.FS

// Definition describes one named workflow.
type Definition struct {
	Name       string
	PromptFile string
}

// Registry resolves workflow names to their prompt content. The built-in
// table (builder, guardian, reviewer) is always present; additional entries
// can be passed to NewRegistry (cmd/workflowd passes none).
type Registry struct {
	defs    map[string]Definition
	prompts map[string]string
}

// NewRegistry loads the compiled-in workflow table plus any extra
// name-to-prompt definitions passed in extra.
func NewRegistry(extra map[string]string) (*Registry, error) {
	r := &Registry{
		defs: map[string]Definition{
			"builder":  {Name: "builder", PromptFile: "builder.md"},
			"guardian": {Name: "guardian", PromptFile: "guardian.md"},
			"reviewer": {Name: "reviewer", PromptFile: "reviewer.md"},
		},
		prompts: make(map[string]string),
	}
	for name, def := range r.defs {
		b, err := promptFS.ReadFile(def.PromptFile)
		if err != nil {
			return nil, fmt.Errorf("workflow: loading built-in prompt %s: %w", def.PromptFile, err)
		}
		r.prompts[name] = string(b)
	}
	for name, prompt := range extra {
		r.defs[name] = Definition{Name: name}
		r.prompts[name] = prompt
	}
	return r, nil
}

// Known reports whether name is a registered workflow.
func (r *Registry) Known(name string) bool {
	_, ok := r.defs[name]
	return ok
}

// Prompt returns the system prompt associated with a workflow name.
func (r *Registry) Prompt(name string) (string, bool) {
	p, ok := r.prompts[name]
	return p, ok
}

// Names returns every registered workflow name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	return names
}
