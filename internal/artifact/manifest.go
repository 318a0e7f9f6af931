// Package artifact reads unit artifacts and extracts the structural metadata
// that validation compares.
//
// An artifact is a YAML manifest document optionally followed by a body
// document:
//
//	unit: Counter
//	supertype: Object
//	fields:
//	  - {name: count, type: int}
//	methods:
//	  - {name: increment, signature: "() int"}
//	---
//	<body>
//
// Only the manifest is inspected. The body is opaque and is what the runtime
// actually redefines.
package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/roach88/hotswap/internal/digest"
)

// ErrEmpty is returned for zero-length artifacts.
var ErrEmpty = errors.New("artifact is empty")

// Field is an instance field declared by a unit.
type Field struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
}

// Method is a method declared by a unit.
type Method struct {
	Name      string `yaml:"name" json:"name"`
	Signature string `yaml:"signature" json:"signature"`
}

// Manifest is the structural description of a unit.
type Manifest struct {
	Unit      string   `yaml:"unit" json:"unit"`
	Supertype string   `yaml:"supertype,omitempty" json:"supertype,omitempty"`
	Fields    []Field  `yaml:"fields,omitempty" json:"fields,omitempty"`
	Methods   []Method `yaml:"methods,omitempty" json:"methods,omitempty"`
}

// Artifact is the raw content of a unit plus its content hash.
type Artifact struct {
	Unit    string
	Path    string
	Content []byte
	Hash    string
}

// New wraps content and computes its hash.
func New(unit, path string, content []byte) Artifact {
	return Artifact{
		Unit:    unit,
		Path:    path,
		Content: content,
		Hash:    digest.Artifact(content),
	}
}

// IsZero reports whether a holds no content.
func (a Artifact) IsZero() bool {
	return len(a.Content) == 0
}

// Inspect parses the manifest document at the head of content.
// Unknown manifest keys are rejected.
func Inspect(content []byte) (Manifest, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return Manifest{}, ErrEmpty
	}

	var m Manifest
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return Manifest{}, ErrEmpty
		}
		return Manifest{}, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if m.Unit == "" {
		return Manifest{}, fmt.Errorf("manifest: unit is required")
	}
	seen := make(map[string]bool)
	for _, f := range m.Fields {
		if f.Name == "" {
			return Manifest{}, fmt.Errorf("manifest %s: field without name", m.Unit)
		}
		if seen["f:"+f.Name] {
			return Manifest{}, fmt.Errorf("manifest %s: duplicate field %q", m.Unit, f.Name)
		}
		seen["f:"+f.Name] = true
	}
	for _, meth := range m.Methods {
		if meth.Name == "" {
			return Manifest{}, fmt.Errorf("manifest %s: method without name", m.Unit)
		}
		if seen["m:"+meth.Name] {
			return Manifest{}, fmt.Errorf("manifest %s: duplicate method %q", m.Unit, meth.Name)
		}
		seen["m:"+meth.Name] = true
	}
	return m, nil
}

// FieldMap indexes fields by name.
func (m Manifest) FieldMap() map[string]Field {
	out := make(map[string]Field, len(m.Fields))
	for _, f := range m.Fields {
		out[f.Name] = f
	}
	return out
}

// MethodMap indexes methods by name.
func (m Manifest) MethodMap() map[string]Method {
	out := make(map[string]Method, len(m.Methods))
	for _, meth := range m.Methods {
		out[meth.Name] = meth
	}
	return out
}
