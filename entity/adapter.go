package entity

import "github.com/brainkernel/brain/internal/schema"

// Adapter converts between a typed record and its canonical
// Markdown+frontmatter string. Implementations are supplied by the
// registering plugin; the kernel only ever calls through this interface.
type Adapter interface {
	// ToMarkdown renders data (a map produced by schema validation) to its
	// canonical Markdown form: a frontmatter block followed by the body.
	ToMarkdown(data map[string]any) (string, error)
	// FromMarkdown parses markdown content back into a data map. On
	// failure it still returns a best-effort partial map plus a non-nil
	// error describing what went wrong; the store rejects the write
	// either way.
	FromMarkdown(markdown string) (map[string]any, error)
	// ExtractMetadata optionally derives extra metadata fields from a
	// parsed data map (e.g. word counts, derived tags). May be nil.
	ExtractMetadata(data map[string]any) map[string]any
}

// Type is a registered entity type: a schema plus the adapter that
// converts values of that schema to/from Markdown.
type Type struct {
	Name    string
	Schema  schema.Schema
	Adapter Adapter
}
