package openapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/strandloop/strand/internal/tools"
	"github.com/strandloop/strand/pkg/models"
)

// operationTool executes one OpenAPI operation. Arguments map onto the
// operation's declared parameters by name; a declared JSON request body is
// taken from the "body" argument.
type operationTool struct {
	provider *Provider
	baseURL  string
	method   string
	path     string
	op       *Operation

	name   string
	params []Parameter // operation params merged over path-item params
}

func newOperationTool(p *Provider, baseURL, method, path string, op *Operation, shared []Parameter) *operationTool {
	name := op.OperationID
	if name == "" {
		name = strings.ToLower(method) + "_" + path
	}

	// Operation-level declarations shadow path-item ones.
	merged := make([]Parameter, 0, len(shared)+len(op.Parameters))
	seen := make(map[string]bool)
	for _, prm := range op.Parameters {
		merged = append(merged, prm)
		seen[prm.In+"/"+prm.Name] = true
	}
	for _, prm := range shared {
		if !seen[prm.In+"/"+prm.Name] {
			merged = append(merged, prm)
		}
	}

	return &operationTool{
		provider: p,
		baseURL:  baseURL,
		method:   method,
		path:     path,
		op:       op,
		name:     models.SanitizeToolName(name),
		params:   merged,
	}
}

// OperationID returns the raw operation id (pre-sanitization).
func (t *operationTool) OperationID() string {
	if t.op.OperationID != "" {
		return t.op.OperationID
	}
	return t.name
}

// Tags returns the operation's tags for toolset grouping.
func (t *operationTool) Tags() []string { return t.op.Tags }

// Summary returns the operation summary for LLM-based grouping prompts.
func (t *operationTool) Summary() string { return t.op.Summary }

func (t *operationTool) Definition() models.ToolDefinition {
	desc := t.op.Summary
	if desc == "" {
		desc = t.op.Description
	}
	if desc == "" {
		desc = fmt.Sprintf("%s %s", t.method, t.path)
	}
	if t.op.Deprecated {
		desc += " (deprecated)"
	}

	params := make([]models.ToolParameter, 0, len(t.params)+1)
	for _, prm := range t.params {
		if prm.In == "cookie" {
			continue
		}
		var frag json.RawMessage
		typ := "string"
		if prm.Schema != nil {
			frag, _ = json.Marshal(prm.Schema)
			if s, ok := prm.Schema["type"].(string); ok {
				typ = s
			}
		}
		params = append(params, models.ToolParameter{
			Name:        prm.Name,
			Type:        typ,
			Description: prm.Description,
			Required:    prm.Required || prm.In == "path",
			Schema:      frag,
		})
	}
	if schema := t.op.RequestBody.JSONSchema(); schema != nil {
		frag, _ := json.Marshal(schema)
		params = append(params, models.ToolParameter{
			Name:        "body",
			Type:        "object",
			Description: "JSON request body",
			Required:    t.op.RequestBody.Required,
			Schema:      frag,
		})
	}

	return models.ToolDefinition{
		Name:        t.name,
		Description: desc,
		Parameters:  params,
	}
}

func (t *operationTool) Execute(ctx context.Context, args json.RawMessage, inv *tools.Invocation) (*models.ToolResult, error) {
	var in map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("%s: invalid arguments: %w", t.name, err)
		}
	}

	req, err := t.buildRequest(ctx, in)
	if err != nil {
		return &models.ToolResult{Success: false, Error: err.Error()}, nil
	}
	if err := applyAuth(ctx, req, t.provider.authFor(inv)); err != nil {
		return &models.ToolResult{Success: false, Error: err.Error()}, nil
	}

	resp, err := t.provider.client.Do(req)
	if err != nil {
		return &models.ToolResult{Success: false, Error: fmt.Sprintf("request failed: %v", err)}, nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &models.ToolResult{Success: false, Error: fmt.Sprintf("reading response: %v", err)}, nil
	}

	// Prefer decoded JSON so the result round-trips cleanly through the
	// tool-message content.
	var body any = string(data)
	if json.Valid(data) {
		var decoded any
		if json.Unmarshal(data, &decoded) == nil {
			body = decoded
		}
	}

	result := &models.ToolResult{
		Success: resp.StatusCode < 400,
		Data: map[string]any{
			"status_code": resp.StatusCode,
			"body":        body,
		},
		Metadata: map[string]any{
			"provider_id":  t.provider.cfg.ID,
			"operation_id": t.OperationID(),
			"method":       t.method,
			"path":         t.path,
		},
	}
	if resp.StatusCode >= 400 {
		result.Error = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return result, nil
}

func (t *operationTool) buildRequest(ctx context.Context, in map[string]any) (*http.Request, error) {
	path := t.path
	query := url.Values{}
	headers := http.Header{}

	for _, prm := range t.params {
		raw, present := in[prm.Name]
		if !present {
			if prm.Required || prm.In == "path" {
				return nil, fmt.Errorf("missing required parameter %q", prm.Name)
			}
			continue
		}
		val := stringify(raw)
		switch prm.In {
		case "path":
			path = strings.ReplaceAll(path, "{"+prm.Name+"}", url.PathEscape(val))
		case "query":
			query.Set(prm.Name, val)
		case "header":
			headers.Set(prm.Name, val)
		}
	}

	full := strings.TrimRight(t.baseURL, "/") + path
	u, err := url.Parse(full)
	if err != nil {
		return nil, fmt.Errorf("invalid request url %q: %w", full, err)
	}
	if enc := query.Encode(); enc != "" {
		u.RawQuery = enc
	}

	var body io.Reader
	if t.op.RequestBody.JSONSchema() != nil {
		if raw, ok := in["body"]; ok {
			payload, err := json.Marshal(raw)
			if err != nil {
				return nil, fmt.Errorf("encoding body: %w", err)
			}
			body = bytes.NewReader(payload)
		} else if t.op.RequestBody.Required {
			return nil, fmt.Errorf("missing required body")
		}
	}

	req, err := http.NewRequestWithContext(ctx, t.method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		// JSON numbers arrive as float64; render integers without the
		// trailing fraction.
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	case bool:
		return fmt.Sprintf("%t", x)
	case nil:
		return ""
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(data)
	}
}
