// Package template implements the kernel's namespaced prompt/content
// template registry and AI-backed, schema-validated structured generation.
package template

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/brainkernel/brain/brainerr"
	"github.com/brainkernel/brain/entity"
	"github.com/brainkernel/brain/internal/schema"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// funcs are the template helpers every template gets.
var funcs = template.FuncMap{
	"title": cases.Title(language.English).String,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join":  strings.Join,
	"sub":   func(a, b int) int { return a - b },
	"add":   func(a, b int) int { return a + b },
	"mul":   func(a, b int) int { return a * b },
}

// Template is one registered content/prompt template, namespaced under the
// plugin that owns it. BasePrompt is rendered through text/template against
// the caller's data to produce the prompt sent to the AI gateway; Schema
// describes the structured object the gateway must return. Formatter or
// Renderer, if set, turn a validated generation result back into a single
// content string (e.g. Markdown suitable for entity storage) — Renderer
// takes precedence when both are set, and a Template with neither falls
// back to a plain JSON rendering of the generated object. Capabilities is
// an open tag list plugins can use to advertise what a template is for
// (e.g. "summarization"); the registry itself doesn't interpret it.
type Template struct {
	PluginID     string
	LocalName    string
	BasePrompt   string
	Schema       schema.Schema
	Formatter    *entity.Formatter
	Renderer     func(object map[string]any) (string, error)
	Capabilities []string
}

// ID is the template's fully-qualified "pluginId:localName" name.
func (t Template) ID() string { return t.PluginID + ":" + t.LocalName }

// renderObject turns a validated generation result into a single content
// string, per Template's Renderer/Formatter/JSON-fallback precedence.
func (t Template) renderObject(object map[string]any) (string, error) {
	if t.Renderer != nil {
		return t.Renderer(object)
	}
	if t.Formatter != nil {
		return t.Formatter.Format(nil, object)
	}
	b, err := json.Marshal(object)
	if err != nil {
		return "", fmt.Errorf("marshal generated object: %w", err)
	}
	return string(b), nil
}

// Registry holds templates under their namespaced ID, rejecting collisions
// the same way entity.Registry rejects conflicting entity types.
type Registry struct {
	mu   sync.RWMutex
	tpls map[string]*template.Template
	raw  map[string]Template
}

// NewRegistry builds an empty template registry.
func NewRegistry() *Registry {
	return &Registry{tpls: make(map[string]*template.Template), raw: make(map[string]Template)}
}

// Register parses and stores t under its namespaced ID. Re-registering the
// same ID with an identical base prompt and schema is a no-op; anything
// else is a Conflict — templates are immutable once registered.
func (r *Registry) Register(t Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := t.ID()
	if existing, ok := r.raw[id]; ok {
		if existing.BasePrompt == t.BasePrompt && existing.Schema.Equal(t.Schema) {
			return nil
		}
		return brainerr.New(brainerr.Conflict, "template already registered with a different definition", map[string]any{"id": id})
	}

	parsed, err := template.New(id).Funcs(funcs).Parse(t.BasePrompt)
	if err != nil {
		return brainerr.Wrap(brainerr.Validation, "template failed to parse", err, map[string]any{"id": id})
	}

	r.tpls[id] = parsed
	r.raw[id] = t
	return nil
}

// Unregister drops a previously registered template, reporting whether one
// existed. It exists for the plugin manager to roll back a template a
// plugin registered from a failed onRegister call — templates are
// otherwise immutable once registered.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.raw[id]; !ok {
		return false
	}
	delete(r.raw, id)
	delete(r.tpls, id)
	return true
}

// GetDefinition returns the raw Template registered under id, including its
// Schema and rendering options — Get only returns the parsed prompt
// template.
func (r *Registry) GetDefinition(id string) (Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.raw[id]
	if !ok {
		return Template{}, brainerr.New(brainerr.NotFound, "template not registered", map[string]any{"id": id})
	}
	return t, nil
}

// Get returns the parsed template for id.
func (r *Registry) Get(id string) (*template.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tpls[id]
	if !ok {
		return nil, brainerr.New(brainerr.NotFound, "template not registered", map[string]any{"id": id})
	}
	return t, nil
}

// Render executes the named template against data and returns the result.
func (r *Registry) Render(id string, data any) (string, error) {
	tpl, err := r.Get(id)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	if err := tpl.Execute(&buf, data); err != nil {
		return "", brainerr.Wrap(brainerr.Handler, fmt.Sprintf("template %q failed to render", id), err, map[string]any{"id": id})
	}
	return buf.String(), nil
}

// IDs returns every registered template ID.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.raw))
	for id := range r.raw {
		ids = append(ids, id)
	}
	return ids
}
