package schema

import "testing"

func noteSchema() Schema {
	return Schema{
		Name: "note",
		Fields: []Field{
			{Name: "title", Type: TypeString, Required: true},
			{Name: "body", Type: TypeString, Required: true},
			{Name: "tags", Type: TypeArray, Items: &Field{Type: TypeString}},
		},
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	s := noteSchema()
	errs := s.Validate(map[string]any{"body": "hello"})
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
	}
	if errs[0].Path != "title" {
		t.Fatalf("expected error on title, got %s", errs[0].Path)
	}
}

func TestValidate_WrongType(t *testing.T) {
	s := noteSchema()
	errs := s.Validate(map[string]any{"title": "t", "body": 5})
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
	}
}

func TestValidate_OK(t *testing.T) {
	s := noteSchema()
	errs := s.Validate(map[string]any{
		"title": "t", "body": "b", "tags": []any{"a", "b"},
	})
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestSchema_Equal(t *testing.T) {
	a := noteSchema()
	b := noteSchema()
	if !a.Equal(b) {
		t.Fatal("expected identical schemas to be equal")
	}
	b.Fields = append(b.Fields, Field{Name: "extra", Type: TypeString})
	if a.Equal(b) {
		t.Fatal("expected schemas with different field sets to differ")
	}
}
