// Package tools compiles an OpenAPI document into callable tool descriptors
// and executes tool invocations as authenticated HTTP requests.
package tools

import (
	"fmt"
	"sort"
	"time"

	"github.com/apibridge/apibridge/auth"
)

// ============================================================================
// ERROR TYPES
// ============================================================================

// ToolError represents an error in tool compilation or execution
type ToolError struct {
	Tool      string
	Operation string
	Message   string
	Err       error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s [%s]: %s: %v", e.Operation, e.Tool, e.Message, e.Err)
	}
	return fmt.Sprintf("tool %s [%s]: %s", e.Operation, e.Tool, e.Message)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

func newToolError(tool, operation, message string, err error) *ToolError {
	return &ToolError{Tool: tool, Operation: operation, Message: message, Err: err}
}

// ============================================================================
// DESCRIPTOR TYPES
// ============================================================================

// ParameterLocation routes an argument into the outbound request.
type ParameterLocation string

const (
	InPath  ParameterLocation = "path"
	InQuery ParameterLocation = "query"
	InBody  ParameterLocation = "body"
)

// Parameter describes one argument of a tool.
type Parameter struct {
	Name        string
	In          ParameterLocation
	Type        string // string, number, integer, boolean, array, object
	Required    bool
	Description string
}

// Descriptor is an immutable callable derived from one OpenAPI operation.
type Descriptor struct {
	Name        string
	Description string
	Method      string
	PathTemplate string
	Parameters  []Parameter

	// AuthHint carries per-tool overrides from the document's x-auth-*
	// extensions; nil when the operation declares none.
	AuthHint *auth.Hint

	// Schema overrides the parameter-derived input schema. Used by
	// built-in tools whose schema is reflected from a Go struct.
	Schema map[string]interface{}
}

// InputSchema renders the JSON schema advertised to the model for this tool.
func (d *Descriptor) InputSchema() map[string]interface{} {
	if d.Schema != nil {
		return d.Schema
	}
	properties := make(map[string]interface{}, len(d.Parameters))
	var required []string

	for _, p := range d.Parameters {
		prop := map[string]interface{}{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}
	return schema
}

// ============================================================================
// DESCRIPTOR TABLE
// ============================================================================

// Table is the immutable descriptor index handed to every session.
type Table struct {
	byName map[string]*Descriptor
	names  []string
	built  time.Time
}

// NewTable builds a table from compiled descriptors. Duplicate names get a
// numeric suffix so every operation stays callable.
func NewTable(descriptors []Descriptor) *Table {
	t := &Table{byName: make(map[string]*Descriptor, len(descriptors)), built: time.Now()}
	for i := range descriptors {
		d := descriptors[i]
		name := d.Name
		for n := 2; ; n++ {
			if _, exists := t.byName[name]; !exists {
				break
			}
			name = fmt.Sprintf("%s_%d", d.Name, n)
		}
		d.Name = name
		t.byName[name] = &d
		t.names = append(t.names, name)
	}
	sort.Strings(t.names)
	return t
}

// Get returns the descriptor for name.
func (t *Table) Get(name string) (*Descriptor, bool) {
	d, ok := t.byName[name]
	return d, ok
}

// Names returns all tool names, sorted.
func (t *Table) Names() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Descriptors returns all descriptors in name order.
func (t *Table) Descriptors() []*Descriptor {
	out := make([]*Descriptor, 0, len(t.names))
	for _, name := range t.names {
		out = append(out, t.byName[name])
	}
	return out
}

// Len returns the number of tools.
func (t *Table) Len() int {
	return len(t.names)
}
