package entity

import (
	"testing"

	"github.com/brainkernel/brain/internal/schema"
)

func taskFormatter() Formatter {
	return Formatter{
		Schema: schema.Schema{
			Name: "task",
			Fields: []schema.Field{
				{Name: "title", Type: schema.TypeString, Required: true},
				{Name: "notes", Type: schema.TypeString},
				{Name: "tags", Type: schema.TypeArray, Items: &schema.Field{Type: schema.TypeString}},
			},
		},
		TitleField: "title",
		Mappings: []FieldMapping{
			{Key: "notes", Label: "Notes", Type: schema.TypeString},
			{Key: "tags", Label: "Tags", Type: schema.TypeArray},
		},
	}
}

func TestFormatter_RoundTrip(t *testing.T) {
	f := taskFormatter()
	data := map[string]any{
		"title": "Write the quarterly report",
		"notes": "Needs input from finance before Friday.",
		"tags":  []any{"work", "urgent"},
	}

	markdown, err := f.Format(nil, data)
	if err != nil {
		t.Fatalf("format: %v", err)
	}

	result := f.Parse(markdown)
	if result.ValidationStatus != "valid" {
		t.Fatalf("expected valid roundtrip, got %s: %v", result.ValidationStatus, result.ValidationErrors)
	}
	if result.Data["title"] != data["title"] {
		t.Fatalf("title mismatch: got %q want %q", result.Data["title"], data["title"])
	}
	if result.Data["notes"] != data["notes"] {
		t.Fatalf("notes mismatch: got %q want %q", result.Data["notes"], data["notes"])
	}
	tags, ok := result.Data["tags"].([]any)
	if !ok || len(tags) != 2 || tags[0] != "work" || tags[1] != "urgent" {
		t.Fatalf("tags mismatch: got %#v", result.Data["tags"])
	}
}

func TestFormatter_Parse_MissingRequiredField(t *testing.T) {
	f := taskFormatter()
	result := f.Parse("# \n\n## Notes\n\nsomething\n")
	if result.ValidationStatus != "invalid" {
		t.Fatal("expected invalid status when the title is empty")
	}
}

func TestFormatter_Parse_WithFrontmatter(t *testing.T) {
	f := taskFormatter()
	markdown := "---\nsource: inbox\n---\n\n# My Title\n\n## Notes\n\nbody text\n"
	result := f.Parse(markdown)
	if result.Frontmatter["source"] != "inbox" {
		t.Fatalf("expected frontmatter to be parsed, got %#v", result.Frontmatter)
	}
	if result.Data["title"] != "My Title" {
		t.Fatalf("expected title %q, got %q", "My Title", result.Data["title"])
	}
}

func TestSplitFrontmatter_NoFrontmatter(t *testing.T) {
	fm, body := splitFrontmatter("# Title\n\nbody\n")
	if fm != "" {
		t.Fatalf("expected no frontmatter, got %q", fm)
	}
	if body != "# Title\n\nbody\n" {
		t.Fatalf("expected body unchanged, got %q", body)
	}
}
