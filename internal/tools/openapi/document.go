// Package openapi derives executable tools from OpenAPI 3 documents. Each
// operation becomes one tool; invocation maps arguments onto path, query,
// header, and body per the operation's parameter declarations.
package openapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the subset of OpenAPI 3 the tool projection needs. Anything
// else in the source document is ignored.
type Document struct {
	OpenAPI string          `json:"openapi" yaml:"openapi"`
	Info    Info            `json:"info" yaml:"info"`
	Servers []Server        `json:"servers,omitempty" yaml:"servers"`
	Paths   map[string]Path `json:"paths" yaml:"paths"`
	Tags    []Tag           `json:"tags,omitempty" yaml:"tags"`
}

type Info struct {
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description"`
	Version     string `json:"version,omitempty" yaml:"version"`
}

type Server struct {
	URL string `json:"url" yaml:"url"`
}

type Tag struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// Path holds the per-method operations plus parameters shared by all of
// them.
type Path struct {
	Get     *Operation  `json:"get,omitempty" yaml:"get"`
	Put     *Operation  `json:"put,omitempty" yaml:"put"`
	Post    *Operation  `json:"post,omitempty" yaml:"post"`
	Delete  *Operation  `json:"delete,omitempty" yaml:"delete"`
	Patch   *Operation  `json:"patch,omitempty" yaml:"patch"`
	Head    *Operation  `json:"head,omitempty" yaml:"head"`
	Options *Operation  `json:"options,omitempty" yaml:"options"`
	Params  []Parameter `json:"parameters,omitempty" yaml:"parameters"`
}

// MethodOperation pairs an HTTP method with its operation.
type MethodOperation struct {
	Method string
	Op     *Operation
}

// Operations yields the declared method/operation pairs in a fixed
// order, so name collisions resolve the same way on every load.
func (p *Path) Operations() []MethodOperation {
	all := []MethodOperation{
		{http.MethodGet, p.Get},
		{http.MethodPut, p.Put},
		{http.MethodPost, p.Post},
		{http.MethodDelete, p.Delete},
		{http.MethodPatch, p.Patch},
		{http.MethodHead, p.Head},
		{http.MethodOptions, p.Options},
	}
	out := make([]MethodOperation, 0, len(all))
	for _, mo := range all {
		if mo.Op != nil {
			out = append(out, mo)
		}
	}
	return out
}

type Operation struct {
	OperationID string       `json:"operationId,omitempty" yaml:"operationId"`
	Summary     string       `json:"summary,omitempty" yaml:"summary"`
	Description string       `json:"description,omitempty" yaml:"description"`
	Tags        []string     `json:"tags,omitempty" yaml:"tags"`
	Parameters  []Parameter  `json:"parameters,omitempty" yaml:"parameters"`
	RequestBody *RequestBody `json:"requestBody,omitempty" yaml:"requestBody"`
	Deprecated  bool         `json:"deprecated,omitempty" yaml:"deprecated"`
}

type Parameter struct {
	Name        string         `json:"name" yaml:"name"`
	In          string         `json:"in" yaml:"in"` // path, query, header, cookie
	Description string         `json:"description,omitempty" yaml:"description"`
	Required    bool           `json:"required,omitempty" yaml:"required"`
	Schema      map[string]any `json:"schema,omitempty" yaml:"schema"`
}

type RequestBody struct {
	Description string               `json:"description,omitempty" yaml:"description"`
	Required    bool                 `json:"required,omitempty" yaml:"required"`
	Content     map[string]MediaType `json:"content,omitempty" yaml:"content"`
}

type MediaType struct {
	Schema map[string]any `json:"schema,omitempty" yaml:"schema"`
}

// JSONSchema returns the application/json body schema, if declared.
func (b *RequestBody) JSONSchema() map[string]any {
	if b == nil {
		return nil
	}
	for mime, mt := range b.Content {
		if strings.HasPrefix(mime, "application/json") {
			return mt.Schema
		}
	}
	return nil
}

// ParseDocument decodes a document from JSON or YAML bytes.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	trimmed := strings.TrimLeftFunc(string(data), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("openapi: parse json: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("openapi: parse yaml: %w", err)
		}
	}
	if !strings.HasPrefix(doc.OpenAPI, "3") {
		return nil, fmt.Errorf("openapi: unsupported document version %q", doc.OpenAPI)
	}
	return &doc, nil
}
