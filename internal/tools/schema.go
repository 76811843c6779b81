package tools

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/invopop/jsonschema"

	"github.com/strandloop/strand/pkg/models"
)

// reflectParameters derives tool parameters from an argument struct via
// JSON Schema reflection. Field tags drive names and descriptions:
//
//	type args struct {
//	    URL    string `json:"url" jsonschema:"required,description=Target URL"`
//	    Method string `json:"method,omitempty" jsonschema:"description=HTTP method"`
//	}
func reflectParameters(v any) ([]models.ToolParameter, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("reflect parameters: %w", err)
	}
	var flat struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("reflect parameters: %w", err)
	}

	required := make(map[string]bool, len(flat.Required))
	for _, name := range flat.Required {
		required[name] = true
	}

	names := make([]string, 0, len(flat.Properties))
	for name := range flat.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]models.ToolParameter, 0, len(names))
	for _, name := range names {
		frag := flat.Properties[name]
		var head struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		}
		_ = json.Unmarshal(frag, &head)
		out = append(out, models.ToolParameter{
			Name:        name,
			Type:        head.Type,
			Description: head.Description,
			Required:    required[name],
			Schema:      frag,
		})
	}
	return out, nil
}

// mustReflectParameters is reflectParameters for builtin argument structs,
// where a failure is a programming error.
func mustReflectParameters(v any) []models.ToolParameter {
	params, err := reflectParameters(v)
	if err != nil {
		panic(err)
	}
	return params
}
