// Package template holds object attributes as a flat set of keys parsed
// from HCL attribute syntax.
package template

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Template is an ordered set of single-valued attributes. Keys are stored
// upper-cased; values are kept as strings and converted on read.
type Template struct {
	keys   []string
	values map[string]string
}

// New returns an empty template
func New() *Template {
	return &Template{values: make(map[string]string)}
}

// Parse builds a template from attribute syntax:
//
//	NAME       = "web-01"
//	CPU        = 0.5
//	BACKUP_VMS = "10,11"
func Parse(text string) (*Template, error) {
	t := New()
	if err := t.merge(text); err != nil {
		return nil, err
	}
	return t, nil
}

// Replace discards every attribute and loads the ones in text
func (t *Template) Replace(text string) error {
	parsed, err := Parse(text)
	if err != nil {
		return err
	}
	t.keys = parsed.keys
	t.values = parsed.values
	return nil
}

// Append merges the attributes in text, overwriting existing keys
func (t *Template) Append(text string) error {
	parsed, err := Parse(text)
	if err != nil {
		return err
	}
	for _, k := range parsed.keys {
		t.Set(k, parsed.values[k])
	}
	return nil
}

func (t *Template) merge(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	file, diags := hclsyntax.ParseConfig([]byte(text), "template", hcl.Pos{Line: 1, Column: 1, Byte: 0})
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse template: %s", diags.Error())
	}

	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse template: %s", diags.Error())
	}

	ordered := make([]*hcl.Attribute, 0, len(attrs))
	for _, attr := range attrs {
		ordered = append(ordered, attr)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Range.Start.Byte < ordered[j].Range.Start.Byte
	})

	for _, attr := range ordered {
		v, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return fmt.Errorf("attribute %s: %s", attr.Name, diags.Error())
		}
		s, err := toString(v)
		if err != nil {
			return fmt.Errorf("attribute %s: %w", attr.Name, err)
		}
		t.Set(attr.Name, s)
	}
	return nil
}

func toString(v cty.Value) (string, error) {
	if v.IsNull() {
		return "", nil
	}
	if !v.IsKnown() {
		return "", fmt.Errorf("value is not known")
	}
	sv, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", fmt.Errorf("value must be a string, number or bool")
	}
	return sv.AsString(), nil
}

// Get returns the raw value of an attribute
func (t *Template) Get(key string) (string, bool) {
	if t == nil {
		return "", false
	}
	v, ok := t.values[strings.ToUpper(key)]
	return v, ok
}

// GetString returns the value of an attribute or "" when missing
func (t *Template) GetString(key string) string {
	v, _ := t.Get(key)
	return v
}

// GetInt parses an attribute as an integer
func (t *Template) GetInt(key string) (int, bool) {
	v, ok := t.Get(key)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return i, true
}

// GetFloat parses an attribute as a float
func (t *Template) GetFloat(key string) (float64, bool) {
	v, ok := t.Get(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Set adds or replaces an attribute
func (t *Template) Set(key, value string) {
	key = strings.ToUpper(key)
	if t.values == nil {
		t.values = make(map[string]string)
	}
	if _, ok := t.values[key]; !ok {
		t.keys = append(t.keys, key)
	}
	t.values[key] = value
}

// SetInt stores an integer attribute
func (t *Template) SetInt(key string, value int) {
	t.Set(key, strconv.Itoa(value))
}

// SetFloat stores a float attribute using the shortest representation
func (t *Template) SetFloat(key string, value float64) {
	t.Set(key, strconv.FormatFloat(value, 'f', -1, 64))
}

// Erase removes an attribute, returning whether it was present
func (t *Template) Erase(key string) bool {
	key = strings.ToUpper(key)
	if _, ok := t.values[key]; !ok {
		return false
	}
	delete(t.values, key)
	for i, k := range t.keys {
		if k == key {
			t.keys = append(t.keys[:i], t.keys[i+1:]...)
			break
		}
	}
	return true
}

// Keys returns attribute names in insertion order
func (t *Template) Keys() []string {
	if t == nil {
		return nil
	}
	out := make([]string, len(t.keys))
	copy(out, t.keys)
	return out
}

// Len returns the number of attributes
func (t *Template) Len() int {
	if t == nil {
		return 0
	}
	return len(t.keys)
}

// Clone returns a deep copy
func (t *Template) Clone() *Template {
	c := New()
	if t == nil {
		return c
	}
	for _, k := range t.keys {
		c.Set(k, t.values[k])
	}
	return c
}

// String renders the template back to attribute syntax
func (t *Template) String() string {
	if t == nil {
		return ""
	}
	var b strings.Builder
	for _, k := range t.keys {
		fmt.Fprintf(&b, "%s = %s\n", k, quote(t.values[k]))
	}
	return b.String()
}

// quote produces an HCL string literal; template sequences are escaped so
// values round-trip through Parse unchanged.
func quote(s string) string {
	q := strconv.Quote(s)
	q = strings.ReplaceAll(q, "${", "$${")
	return strings.ReplaceAll(q, "%{", "%%{")
}

// MarshalJSON stores the template as its text form
func (t *Template) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON parses the text form written by MarshalJSON
func (t *Template) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	return t.Replace(text)
}
