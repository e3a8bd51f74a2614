// Package aigateway abstracts the kernel's only two AI operations —
// generating a structured object from a prompt, and generating vector
// embeddings — behind narrow interfaces so template rendering and entity
// indexing never depend on a concrete provider SDK.
package aigateway

import (
	"context"

	"github.com/brainkernel/brain/internal/schema"
)

// ObjectRequest is a single prompt-completion request.
type ObjectRequest struct {
	SystemPrompt string
	Prompt       string
	MaxTokens    int
	Temperature  *float64
	// Schema, when set, asks the gateway for a single JSON object matching
	// this shape instead of free-form text; ObjectResponse.Object is
	// populated with the parsed, schema-validated result.
	Schema *schema.Schema
}

// ObjectResponse is the generated text plus the token accounting the
// caller needs for budget/metrics purposes. Object is only populated when
// the request carried a Schema.
type ObjectResponse struct {
	Text         string
	Object       map[string]any
	InputTokens  int
	OutputTokens int
}

// ObjectGenerator produces free-form text completions.
type ObjectGenerator interface {
	GenerateObject(ctx context.Context, req ObjectRequest) (ObjectResponse, error)
}

// Embedder produces vector embeddings for text content.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Gateway is the full surface the kernel depends on: one object generator
// plus one embedder. Most callers only need one half of it (template
// rendering needs ObjectGenerator, entity embedding needs Embedder); Gateway
// exists for components — like the kernel's wiring root — that hold both.
type Gateway interface {
	ObjectGenerator
	Embedder
}

// Composite combines an independently-sourced ObjectGenerator and Embedder
// into a single Gateway, the same way the kernel wires one model provider
// for completions and a different one for embeddings.
type Composite struct {
	ObjectGenerator
	Embedder
}

// NewComposite builds a Gateway from an object generator and an embedder.
func NewComposite(o ObjectGenerator, e Embedder) Gateway {
	return Composite{ObjectGenerator: o, Embedder: e}
}
