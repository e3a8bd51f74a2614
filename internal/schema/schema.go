// Package schema implements the kernel's authoritative structural schema
// representation and validator. Reflection-from-types is not used at
// runtime: a Schema is a value stored in a registry, not derived from a Go
// struct, and validation walks that value against a decoded JSON value.
//
// go-playground/validator and similar libraries only validate typed Go
// structs via reflection, which doesn't fit validating an arbitrary JSON
// value against a structural schema object held in a registry. This
// package is therefore hand-written against the standard library; see
// DESIGN.md for the itemized justification.
package schema

import (
	"fmt"
	"sort"
)

// Type enumerates the structural field types a Schema field may declare.
type Type string

const (
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeBool    Type = "bool"
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeAny     Type = "any"
)

// Field describes one field of a structural schema.
type Field struct {
	Name     string
	Type     Type
	Required bool
	// Fields is used when Type == TypeObject.
	Fields []Field
	// Items describes the element type when Type == TypeArray.
	Items *Field
}

// Schema is an ordered set of top-level fields. Order is preserved:
// Validate reports failures in declared order. The structured-content
// formatter (entity package) orders Markdown sections by its own Mappings,
// not by this field order.
type Schema struct {
	Name   string
	Fields []Field
}

// ValidationError describes one failed field during Validate.
type ValidationError struct {
	Path    string
	Message string
}

func (v ValidationError) Error() string { return fmt.Sprintf("%s: %s", v.Path, v.Message) }

// ValidationErrors is a collection of field-level failures.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "no validation errors"
	}
	msg := fmt.Sprintf("%d validation error(s): ", len(v))
	for i, e := range v {
		if i > 0 {
			msg += "; "
		}
		msg += e.Error()
	}
	return msg
}

// Validate checks value (typically the result of json.Unmarshal into
// map[string]any) against s, returning every failure found rather than
// stopping at the first.
func (s Schema) Validate(value map[string]any) ValidationErrors {
	var errs ValidationErrors
	validateFields(s.Fields, value, "", &errs)
	return errs
}

func validateFields(fields []Field, value map[string]any, prefix string, errs *ValidationErrors) {
	for _, f := range fields {
		path := f.Name
		if prefix != "" {
			path = prefix + "." + f.Name
		}
		raw, present := value[f.Name]
		if !present || raw == nil {
			if f.Required {
				*errs = append(*errs, ValidationError{Path: path, Message: "required field is missing"})
			}
			continue
		}
		validateValue(f, raw, path, errs)
	}
}

func validateValue(f Field, raw any, path string, errs *ValidationErrors) {
	switch f.Type {
	case TypeString:
		if _, ok := raw.(string); !ok {
			*errs = append(*errs, ValidationError{Path: path, Message: "expected string"})
		}
	case TypeNumber:
		switch raw.(type) {
		case float64, float32, int, int64:
		default:
			*errs = append(*errs, ValidationError{Path: path, Message: "expected number"})
		}
	case TypeBool:
		if _, ok := raw.(bool); !ok {
			*errs = append(*errs, ValidationError{Path: path, Message: "expected bool"})
		}
	case TypeObject:
		obj, ok := raw.(map[string]any)
		if !ok {
			*errs = append(*errs, ValidationError{Path: path, Message: "expected object"})
			return
		}
		validateFields(f.Fields, obj, path, errs)
	case TypeArray:
		arr, ok := raw.([]any)
		if !ok {
			*errs = append(*errs, ValidationError{Path: path, Message: "expected array"})
			return
		}
		if f.Items == nil {
			return
		}
		for i, item := range arr {
			itemPath := fmt.Sprintf("%s[%d]", path, i)
			if f.Items.Type == TypeObject {
				obj, ok := item.(map[string]any)
				if !ok {
					*errs = append(*errs, ValidationError{Path: itemPath, Message: "expected object"})
					continue
				}
				validateFields(f.Items.Fields, obj, itemPath, errs)
			} else {
				validateValue(*f.Items, item, itemPath, errs)
			}
		}
	case TypeAny:
		// anything goes
	}
}

// FieldNames returns the schema's top-level field names in declared order.
func (s Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Equal reports whether two schemas have the same shape, used to enforce
// that a type cannot be re-registered with a different schema.
func (s Schema) Equal(other Schema) bool {
	if s.Name != other.Name || len(s.Fields) != len(other.Fields) {
		return false
	}
	a := append([]Field(nil), s.Fields...)
	b := append([]Field(nil), other.Fields...)
	sort.Slice(a, func(i, j int) bool { return a[i].Name < a[j].Name })
	sort.Slice(b, func(i, j int) bool { return b[i].Name < b[j].Name })
	for i := range a {
		if !fieldEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func fieldEqual(a, b Field) bool {
	if a.Name != b.Name || a.Type != b.Type || a.Required != b.Required {
		return false
	}
	if (a.Items == nil) != (b.Items == nil) {
		return false
	}
	if a.Items != nil && !fieldEqual(*a.Items, *b.Items) {
		return false
	}
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	af := append([]Field(nil), a.Fields...)
	bf := append([]Field(nil), b.Fields...)
	sort.Slice(af, func(i, j int) bool { return af[i].Name < af[j].Name })
	sort.Slice(bf, func(i, j int) bool { return bf[i].Name < bf[j].Name })
	for i := range af {
		if !fieldEqual(af[i], bf[i]) {
			return false
		}
	}
	return true
}
