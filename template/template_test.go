package template

import (
	"context"
	"errors"
	"testing"

	"github.com/brainkernel/brain/aigateway"
	"github.com/brainkernel/brain/brainerr"
	"github.com/brainkernel/brain/internal/schema"
)

func TestRegistry_RegisterAndRender(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Template{PluginID: "notes", LocalName: "summary", BasePrompt: "{{.Title | upper}}: {{.Body}}"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	out, err := r.Render("notes:summary", map[string]any{"Title": "hello", "Body": "world"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "HELLO: world" {
		t.Fatalf("expected %q, got %q", "HELLO: world", out)
	}
}

func TestRegistry_Register_ConflictingDefinition(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Template{PluginID: "notes", LocalName: "summary", BasePrompt: "a"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := r.Register(Template{PluginID: "notes", LocalName: "summary", BasePrompt: "b"})
	if !brainerr.Is(err, brainerr.Conflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestRegistry_Register_IdempotentSameDefinition(t *testing.T) {
	r := NewRegistry()
	tpl := Template{PluginID: "notes", LocalName: "summary", BasePrompt: "a"}
	if err := r.Register(tpl); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(tpl); err != nil {
		t.Fatalf("re-register with identical definition should be a no-op, got %v", err)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	tpl := Template{PluginID: "notes", LocalName: "summary", BasePrompt: "a"}
	if err := r.Register(tpl); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !r.Unregister(tpl.ID()) {
		t.Fatal("expected Unregister to report the template existed")
	}
	if r.Unregister(tpl.ID()) {
		t.Fatal("expected a second Unregister to report nothing was there")
	}
	if _, err := r.Render(tpl.ID(), nil); !brainerr.Is(err, brainerr.NotFound) {
		t.Fatalf("expected unregistered template to render not-found, got %v", err)
	}
}

func TestRegistry_Render_Unregistered(t *testing.T) {
	r := NewRegistry()
	_, err := r.Render("missing:id", nil)
	if !brainerr.Is(err, brainerr.NotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

type fakeObjectGenerator struct {
	calls   int
	failFor int
	err     error
	object  map[string]any
}

func (f *fakeObjectGenerator) GenerateObject(ctx context.Context, req aigateway.ObjectRequest) (aigateway.ObjectResponse, error) {
	f.calls++
	if f.calls <= f.failFor {
		return aigateway.ObjectResponse{}, f.err
	}
	return aigateway.ObjectResponse{Object: f.object}, nil
}

func greetingSchema() schema.Schema {
	return schema.Schema{
		Name: "greeting",
		Fields: []schema.Field{
			{Name: "text", Type: schema.TypeString, Required: true},
		},
	}
}

func TestGenerateContent_RetriesTransientFailure(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Template{PluginID: "p", LocalName: "t", BasePrompt: "hi {{.Name}}", Schema: greetingSchema()}); err != nil {
		t.Fatalf("register: %v", err)
	}

	gw := &fakeObjectGenerator{failFor: 2, err: errors.New("transient"), object: map[string]any{"text": "ok"}}
	result, err := GenerateContent(context.Background(), gw, r, "p:t", map[string]any{"Name": "brain"}, GenerateOptions{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.Object["text"] != "ok" {
		t.Fatalf("expected object text %q, got %v", "ok", result.Object)
	}
	if gw.calls != 3 {
		t.Fatalf("expected 3 calls (2 failures + 1 success), got %d", gw.calls)
	}
}

func TestGenerateContent_RetriesSchemaValidationFailure(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Template{PluginID: "p", LocalName: "t", BasePrompt: "hi", Schema: greetingSchema()}); err != nil {
		t.Fatalf("register: %v", err)
	}

	gw := &fakeObjectGenerator{
		failFor: 1,
		err:     brainerr.New(brainerr.Validation, "missing required field", nil),
		object:  map[string]any{"text": "ok"},
	}
	result, err := GenerateContent(context.Background(), gw, r, "p:t", nil, GenerateOptions{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.Object["text"] != "ok" {
		t.Fatalf("expected a retry after a validation failure to succeed, got %v", result.Object)
	}
	if gw.calls != 2 {
		t.Fatalf("expected exactly 2 calls (1 validation failure + 1 success), got %d", gw.calls)
	}
}

func TestGenerateContent_FailsAfterExhaustingRetries(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Template{PluginID: "p", LocalName: "t", BasePrompt: "hi", Schema: greetingSchema()}); err != nil {
		t.Fatalf("register: %v", err)
	}

	gw := &fakeObjectGenerator{failFor: 99, err: brainerr.New(brainerr.Validation, "bad structure", nil)}
	_, err := GenerateContent(context.Background(), gw, r, "p:t", nil, GenerateOptions{MaxRetries: 2})
	if !brainerr.Is(err, brainerr.Gateway) {
		t.Fatalf("expected a wrapped Gateway error once retries are exhausted, got %v", err)
	}
	if gw.calls != 3 {
		t.Fatalf("expected exactly 3 calls (1 initial + 2 retries), got %d", gw.calls)
	}
}

func TestGenerateContent_RendersViaRenderer(t *testing.T) {
	r := NewRegistry()
	formatter := &struct{ called bool }{}
	tpl := Template{
		PluginID:   "p",
		LocalName:  "t",
		BasePrompt: "hi",
		Schema:     greetingSchema(),
		Renderer: func(object map[string]any) (string, error) {
			formatter.called = true
			return "rendered: " + object["text"].(string), nil
		},
	}
	if err := r.Register(tpl); err != nil {
		t.Fatalf("register: %v", err)
	}

	gw := &fakeObjectGenerator{object: map[string]any{"text": "hello"}}
	result, err := GenerateContent(context.Background(), gw, r, "p:t", nil, GenerateOptions{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !formatter.called {
		t.Fatal("expected the template's Renderer to be used")
	}
	if result.Rendered != "rendered: hello" {
		t.Fatalf("expected rendered output from the custom Renderer, got %q", result.Rendered)
	}
}
