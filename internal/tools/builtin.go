package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/strandloop/strand/pkg/models"
)

// NewBuiltinProvider returns the provider carrying the tools that ship
// with the engine.
func NewBuiltinProvider(httpClient *http.Client) *StaticProvider {
	p := NewStaticProvider("builtin")
	p.MustRegister(&EchoTool{})
	p.MustRegister(NewHTTPRequestTool(httpClient, nil))
	return p
}

// EchoTool returns its input. Useful for wiring checks and tests.
type EchoTool struct{}

type echoArgs struct {
	Text string `json:"text" jsonschema:"required,description=Text to echo back"`
}

func (t *EchoTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        "echo",
		Description: "Echoes the provided text back to the caller.",
		Parameters:  mustReflectParameters(&echoArgs{}),
	}
}

func (t *EchoTool) Execute(ctx context.Context, args json.RawMessage, inv *Invocation) (*models.ToolResult, error) {
	var in echoArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("echo: invalid arguments: %w", err)
	}
	return &models.ToolResult{Success: true, Data: in.Text}, nil
}

// HTTPRequestTool performs an arbitrary HTTP request. When allowedHosts is
// non-empty, requests to other hosts are refused.
type HTTPRequestTool struct {
	client       *http.Client
	allowedHosts map[string]bool
	maxBodyBytes int64
}

type httpRequestArgs struct {
	URL     string            `json:"url" jsonschema:"required,description=Absolute URL to request"`
	Method  string            `json:"method,omitempty" jsonschema:"description=HTTP method (default GET)"`
	Headers map[string]string `json:"headers,omitempty" jsonschema:"description=Request headers"`
	Body    string            `json:"body,omitempty" jsonschema:"description=Request body for POST/PUT/PATCH"`
}

// NewHTTPRequestTool builds the tool. A nil client gets a 30s-timeout
// default; nil allowedHosts means no host restriction.
func NewHTTPRequestTool(client *http.Client, allowedHosts []string) *HTTPRequestTool {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	var allow map[string]bool
	if len(allowedHosts) > 0 {
		allow = make(map[string]bool, len(allowedHosts))
		for _, h := range allowedHosts {
			allow[strings.ToLower(h)] = true
		}
	}
	return &HTTPRequestTool{
		client:       client,
		allowedHosts: allow,
		maxBodyBytes: 1 << 20,
	}
}

func (t *HTTPRequestTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        "http_request",
		Description: "Performs an HTTP request and returns status, headers, and body.",
		Parameters:  mustReflectParameters(&httpRequestArgs{}),
	}
}

func (t *HTTPRequestTool) Execute(ctx context.Context, args json.RawMessage, inv *Invocation) (*models.ToolResult, error) {
	return t.ExecuteWithAuth(ctx, args, inv, nil)
}

// ExecuteWithAuth runs the request after letting decorate adjust it
// (credentials, extra headers). Wrappers that expose this tool under a
// provider-scoped name use it to apply provider authentication.
func (t *HTTPRequestTool) ExecuteWithAuth(ctx context.Context, args json.RawMessage, inv *Invocation, decorate func(*http.Request) error) (*models.ToolResult, error) {
	var in httpRequestArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("http_request: invalid arguments: %w", err)
	}

	u, err := url.Parse(in.URL)
	if err != nil || !u.IsAbs() {
		return &models.ToolResult{Success: false, Error: fmt.Sprintf("invalid url: %q", in.URL)}, nil
	}
	if t.allowedHosts != nil && !t.allowedHosts[strings.ToLower(u.Hostname())] {
		return &models.ToolResult{Success: false, Error: fmt.Sprintf("host %q is not allowed", u.Hostname())}, nil
	}

	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if in.Body != "" {
		body = strings.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, in.URL, body)
	if err != nil {
		return &models.ToolResult{Success: false, Error: err.Error()}, nil
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}
	if decorate != nil {
		if err := decorate(req); err != nil {
			return &models.ToolResult{Success: false, Error: err.Error()}, nil
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &models.ToolResult{Success: false, Error: fmt.Sprintf("request failed: %v", err)}, nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodyBytes))
	if err != nil {
		return &models.ToolResult{Success: false, Error: fmt.Sprintf("reading response: %v", err)}, nil
	}

	return &models.ToolResult{
		Success: resp.StatusCode < 400,
		Data: map[string]any{
			"status_code": resp.StatusCode,
			"headers":     flattenHeaders(resp.Header),
			"body":        string(data),
		},
		Error: errorForStatus(resp.StatusCode),
		Metadata: map[string]any{
			"url":    in.URL,
			"method": method,
		},
	}, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func errorForStatus(code int) string {
	if code < 400 {
		return ""
	}
	return fmt.Sprintf("HTTP %d: %s", code, http.StatusText(code))
}
