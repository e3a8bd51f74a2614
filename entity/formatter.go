package entity

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	gmcases "golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/brainkernel/brain/internal/schema"
)

// FieldMapping describes how one schema field is rendered to and parsed
// from a Markdown section: an ordered {key,label,type,children?,itemFormat?}
// tuple.
type FieldMapping struct {
	Key      string
	Label    string
	Type     schema.Type
	Children []FieldMapping
	// ItemFormat is carried on the mapping but not read by Format or Parse:
	// array fields always render each item as its own "- " list line.
	ItemFormat string
}

// Formatter is the reusable structured-content adapter kernel: given a
// schema and an ordered list of FieldMappings it deterministically emits
// hierarchical Markdown (H1 title, H2/H3 for nested fields, bulleted
// arrays) and parses the same shape back by section-heading traversal.
type Formatter struct {
	Schema     schema.Schema
	TitleField string
	Mappings   []FieldMapping
}

var titleCaser = gmcases.Title(language.English)

// Format renders data to canonical frontmatter+Markdown. The frontmatter
// argument is written as-is as YAML when non-empty; the body carries the
// title and one section per Mapping. Fields of data that no Mapping covers
// are not written unless the caller also puts them in frontmatter.
func (f Formatter) Format(frontmatter map[string]any, data map[string]any) (string, error) {
	var buf bytes.Buffer

	if len(frontmatter) > 0 {
		fmBytes, err := yaml.Marshal(frontmatter)
		if err != nil {
			return "", fmt.Errorf("marshal frontmatter: %w", err)
		}
		buf.WriteString("---\n")
		buf.Write(fmBytes)
		buf.WriteString("---\n\n")
	}

	title := ""
	if f.TitleField != "" {
		if v, ok := data[f.TitleField].(string); ok {
			title = v
		}
	}
	if title != "" {
		buf.WriteString("# " + title + "\n\n")
	}

	for _, m := range f.Mappings {
		writeSection(&buf, 2, m, data[m.Key])
	}

	return buf.String(), nil
}

func writeSection(buf *bytes.Buffer, level int, m FieldMapping, value any) {
	heading := strings.Repeat("#", level)
	label := m.Label
	if label == "" {
		label = titleCaser.String(m.Key)
	}
	buf.WriteString(heading + " " + label + "\n\n")

	switch m.Type {
	case schema.TypeArray:
		items, _ := value.([]any)
		for _, item := range items {
			buf.WriteString("- " + fmt.Sprint(item) + "\n")
		}
		buf.WriteString("\n")
	case schema.TypeObject:
		obj, _ := value.(map[string]any)
		for _, child := range m.Children {
			writeSection(buf, level+1, child, obj[child.Key])
		}
	default:
		if value != nil {
			buf.WriteString(fmt.Sprint(value) + "\n\n")
		} else {
			buf.WriteString("\n")
		}
	}
}

// ParseResult is what Parse returns: the best-effort extracted data plus a
// validation verdict. An invalid parse returns the structured
// {data, validationStatus, validationErrors} shape rather than an error.
type ParseResult struct {
	Frontmatter      map[string]any
	Data             map[string]any
	ValidationStatus string // "valid" | "invalid"
	ValidationErrors []string
}

// Parse splits frontmatter from body, then walks the body's Markdown AST
// (via goldmark, not string-splitting) collecting section content by
// heading label, and validates the result against f.Schema.
func (f Formatter) Parse(markdown string) ParseResult {
	frontmatter, body := splitFrontmatter(markdown)

	fm := map[string]any{}
	if frontmatter != "" {
		if err := yaml.Unmarshal([]byte(frontmatter), &fm); err != nil {
			return ParseResult{
				Frontmatter:      map[string]any{},
				Data:             map[string]any{},
				ValidationStatus: "invalid",
				ValidationErrors: []string{"frontmatter: " + err.Error()},
			}
		}
	}

	source := []byte(body)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	sections := extractSections(doc, source)
	data := make(map[string]any)
	if f.TitleField != "" {
		if title, ok := sections[titleKey]; ok {
			data[f.TitleField] = strings.TrimSpace(title.text)
		}
	}

	var errs []string
	for _, m := range f.Mappings {
		val, err := parseField(m, sections)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if val != nil {
			data[m.Key] = val
		}
	}

	status := "valid"
	validationErrs := f.Schema.Validate(data)
	for _, ve := range validationErrs {
		errs = append(errs, ve.Error())
	}
	if len(errs) > 0 {
		status = "invalid"
	}

	return ParseResult{Frontmatter: fm, Data: data, ValidationStatus: status, ValidationErrors: errs}
}

func parseField(m FieldMapping, sections map[string]section) (any, error) {
	label := m.Label
	if label == "" {
		label = titleCaser.String(m.Key)
	}
	sec, ok := sections[strings.ToLower(label)]
	if !ok {
		return nil, nil
	}

	switch m.Type {
	case schema.TypeArray:
		items := make([]any, 0, len(sec.listItems))
		for _, it := range sec.listItems {
			items = append(items, strings.TrimSpace(it))
		}
		return items, nil
	case schema.TypeObject:
		obj := make(map[string]any)
		for _, child := range m.Children {
			v, err := parseField(child, sec.children)
			if err != nil {
				return nil, err
			}
			if v != nil {
				obj[child.Key] = v
			}
		}
		return obj, nil
	default:
		return strings.TrimSpace(sec.text), nil
	}
}

const titleKey = "\x00title"

// section holds the content collected under one heading.
type section struct {
	text      string
	listItems []string
	children  map[string]section
}

// extractSections walks the document's direct children, grouping content
// under the nearest preceding H1 (title) / H2 (section) / H3 (nested
// section) heading. This is a structural traversal of the goldmark AST,
// not a string split on "## ".
func extractSections(doc ast.Node, source []byte) map[string]section {
	out := make(map[string]section)
	var curH2 string
	var curH3 string

	ensure := func(key string) section {
		s, ok := out[key]
		if !ok {
			s = section{children: make(map[string]section)}
			out[key] = s
		}
		return s
	}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			headingText := strings.ToLower(strings.TrimSpace(nodeText(node, source)))
			switch node.Level {
			case 1:
				s := ensure(titleKey)
				s.text = nodeText(node, source)
				out[titleKey] = s
				curH2, curH3 = "", ""
			case 2:
				curH2 = headingText
				curH3 = ""
				out[curH2] = ensure(curH2)
			case 3:
				curH3 = headingText
				if curH2 != "" {
					parent := ensure(curH2)
					parent.children[curH3] = section{children: make(map[string]section)}
					out[curH2] = parent
				}
			}
		case *ast.Paragraph:
			appendText(out, curH2, curH3, nodeText(node, source))
		case *ast.List:
			items := collectListItems(node, source)
			appendListItems(out, curH2, curH3, items)
		case *ast.TextBlock:
			appendText(out, curH2, curH3, nodeText(node, source))
		}
	}

	return out
}

func appendText(out map[string]section, h2, h3, text string) {
	if h2 == "" {
		return
	}
	if h3 != "" {
		parent := out[h2]
		child := parent.children[h3]
		child.text = strings.TrimSpace(child.text + "\n" + text)
		parent.children[h3] = child
		out[h2] = parent
		return
	}
	s := out[h2]
	s.text = strings.TrimSpace(s.text + "\n" + text)
	out[h2] = s
}

func appendListItems(out map[string]section, h2, h3 string, items []string) {
	if h2 == "" {
		return
	}
	if h3 != "" {
		parent := out[h2]
		child := parent.children[h3]
		child.listItems = append(child.listItems, items...)
		parent.children[h3] = child
		out[h2] = parent
		return
	}
	s := out[h2]
	s.listItems = append(s.listItems, items...)
	out[h2] = s
}

func collectListItems(list *ast.List, source []byte) []string {
	var items []string
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		items = append(items, strings.TrimSpace(nodeText(item, source)))
	}
	return items
}

// nodeText recursively concatenates the textual content of n's descendant
// text nodes, using goldmark's own segment model rather than re-parsing
// the raw bytes by hand.
func nodeText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	var walk func(ast.Node)
	walk = func(node ast.Node) {
		switch t := node.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(t.Value)
		}
		for c := node.FirstChild(); c != nil; c = c.NextSibling() {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(buf.String())
}

// splitFrontmatter separates a leading "---\n...\n---\n" YAML block from
// the rest of the document.
func splitFrontmatter(markdown string) (frontmatter, body string) {
	trimmed := strings.TrimLeft(markdown, "\n")
	if !strings.HasPrefix(trimmed, "---\n") && trimmed != "---" {
		return "", markdown
	}
	rest := strings.TrimPrefix(trimmed, "---\n")
	idx := strings.Index(rest, "\n---\n")
	if idx < 0 {
		// Also allow a trailing "---" with no following newline.
		if strings.HasSuffix(rest, "\n---") {
			return rest[:len(rest)-len("\n---")], ""
		}
		return "", markdown
	}
	return rest[:idx], rest[idx+len("\n---\n"):]
}
