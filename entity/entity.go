// Package entity implements the schema-validated, content-addressed entity
// store and the Markdown+frontmatter adapter contract, including the
// reusable structured-content formatter kernel.
package entity

import "time"

// Entity is one row of the Entity DB.
type Entity struct {
	ID          string
	EntityType  string
	Content     string
	Metadata    map[string]any
	Created     time.Time
	Updated     time.Time
	ContentHash string
	Embedding   []float32
}

// Clone returns a deep-enough copy of e safe to mutate independently
// (shallow-copies Metadata/Embedding slices/maps into new ones).
func (e Entity) Clone() Entity {
	c := e
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	if e.Embedding != nil {
		c.Embedding = append([]float32(nil), e.Embedding...)
	}
	return c
}
