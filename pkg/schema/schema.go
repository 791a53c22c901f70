// Package schema validates opaque job payloads against per-type JSON Schemas.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator checks JSON documents against one compiled schema.
// A nil *Validator only checks that the document is well-formed JSON.
type Validator struct {
	name   string
	schema *jsonschema.Schema
}

// Compile parses a JSON Schema document. name is used as the schema URL and in errors.
func Compile(name, src string) (*Validator, error) {
	s, err := jsonschema.CompileString(name+".json", src)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Validator{name: name, schema: s}, nil
}

// MustCompile is like Compile but panics on error. Intended for package-level schemas.
func MustCompile(name, src string) *Validator {
	v, err := Compile(name, src)
	if err != nil {
		panic(err)
	}
	return v
}

// Name returns the schema name.
func (v *Validator) Name() string {
	if v == nil {
		return ""
	}
	return v.name
}

// Validate decodes data and validates it.
func (v *Validator) Validate(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("null")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode %s document: %w", v.Name(), err)
	}
	if v == nil || v.schema == nil {
		return nil
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("validate %s: %w", v.name, err)
	}
	return nil
}
