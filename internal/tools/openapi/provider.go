package openapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/strandloop/strand/internal/tools"
	"github.com/strandloop/strand/pkg/models"
)

// Config describes one OpenAPI-backed provider source. Exactly one of
// SpecPath, SpecURL, SpecData must be set.
type Config struct {
	// ID keys the provider in auth-override maps and toolset metadata.
	ID string `yaml:"id"`

	SpecPath string `yaml:"spec_path,omitempty"`
	SpecURL  string `yaml:"spec_url,omitempty"`
	SpecData []byte `yaml:"-"`

	// BaseURL overrides the document's first server entry.
	BaseURL string `yaml:"base_url,omitempty"`

	// Static is the provider's default authentication. Per-request
	// overrides take precedence for a single call and never mutate it.
	Static models.AuthOverride `yaml:"-"`

	// Timeout bounds each operation invocation.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Provider projects an OpenAPI document into executable tools. Parsing is
// deferred to EnsureInitialized.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	initOnce sync.Once
	initErr  error

	mu       sync.RWMutex
	doc      *Document
	baseURL  string
	tools    map[string]tools.Tool
	order    []string
	fallback bool
}

// NewProvider builds an uninitialized provider. A nil client gets a
// timeout-bounded default.
func NewProvider(cfg Config, client *http.Client, logger *slog.Logger) *Provider {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cfg: cfg, client: client, logger: logger}
}

func (p *Provider) Name() string { return p.cfg.ID }

// ID returns the provider's auth-override key.
func (p *Provider) ID() string { return p.cfg.ID }

// EnsureInitialized loads and parses the document, then builds the tool
// table. The first outcome is sticky.
func (p *Provider) EnsureInitialized(ctx context.Context) error {
	p.initOnce.Do(func() {
		p.initErr = p.initialize(ctx)
	})
	return p.initErr
}

func (p *Provider) initialize(ctx context.Context) error {
	data, err := p.loadSpec(ctx)
	if err != nil {
		return err
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return fmt.Errorf("provider %s: %w", p.cfg.ID, err)
	}

	baseURL := p.cfg.BaseURL
	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}

	built := make(map[string]tools.Tool)
	var order []string
	paths := make([]string, 0, len(doc.Paths))
	for path := range doc.Paths {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		item := doc.Paths[path]
		for _, mo := range item.Operations() {
			t := newOperationTool(p, baseURL, mo.Method, path, mo.Op, item.Params)
			name := t.Definition().Name
			if _, dup := built[name]; dup {
				p.logger.Warn("duplicate operation tool name, keeping earlier",
					"provider", p.cfg.ID, "tool", name, "method", mo.Method, "path", path)
				continue
			}
			built[name] = t
			order = append(order, name)
		}
	}
	sort.Strings(order)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc = doc
	p.baseURL = baseURL
	p.tools = built
	p.order = order

	// A document with no operations still yields a usable provider: the
	// generic escape hatch lets the LLM hit the API directly.
	if len(built) == 0 {
		p.logger.Warn("document yields no operations, exposing generic tool",
			"provider", p.cfg.ID, "title", doc.Info.Title)
		g := newGenericTool(p, baseURL)
		p.tools[models.GenericHTTPToolName] = g
		p.order = []string{models.GenericHTTPToolName}
		p.fallback = true
	}
	return nil
}

func (p *Provider) loadSpec(ctx context.Context) ([]byte, error) {
	switch {
	case len(p.cfg.SpecData) > 0:
		return p.cfg.SpecData, nil
	case p.cfg.SpecPath != "":
		data, err := os.ReadFile(p.cfg.SpecPath)
		if err != nil {
			return nil, fmt.Errorf("provider %s: read spec: %w", p.cfg.ID, err)
		}
		return data, nil
	case p.cfg.SpecURL != "":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.SpecURL, nil)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.cfg.ID, err)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("provider %s: fetch spec: %w", p.cfg.ID, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("provider %s: fetch spec: HTTP %d", p.cfg.ID, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	default:
		return nil, fmt.Errorf("provider %s: no spec source configured", p.cfg.ID)
	}
}

func (p *Provider) Tools(ctx context.Context) ([]tools.Tool, error) {
	if err := p.EnsureInitialized(ctx); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]tools.Tool, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.tools[name])
	}
	return out, nil
}

func (p *Provider) Tool(ctx context.Context, name string) (tools.Tool, bool) {
	if err := p.EnsureInitialized(ctx); err != nil {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tools[name]
	return t, ok
}

// APITitle returns the document title after initialization.
func (p *Provider) APITitle() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.doc == nil {
		return ""
	}
	return p.doc.Info.Title
}

// BaseURL returns the resolved server URL after initialization.
func (p *Provider) BaseURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.baseURL
}

// Fallback reports whether the provider exposes only the generic tool.
func (p *Provider) Fallback() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fallback
}

// authFor resolves the credentials to apply for one call: the per-request
// override for this provider id when present, else the static default.
func (p *Provider) authFor(inv *tools.Invocation) models.AuthOverride {
	if ov, ok := inv.AuthOverrideFor(p.cfg.ID); ok {
		return ov
	}
	return p.cfg.Static
}

// applyAuth sets the resolved credentials on one outgoing request.
func applyAuth(ctx context.Context, req *http.Request, auth models.AuthOverride) error {
	switch auth.Scheme {
	case models.AuthBearer:
		token, err := auth.BearerToken(ctx)
		if err != nil {
			return fmt.Errorf("resolving bearer token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	case models.AuthAPIKey:
		if auth.KeyName == "" || auth.Key == "" {
			return nil
		}
		switch auth.Location {
		case models.APIKeyInQuery:
			q := req.URL.Query()
			q.Set(auth.KeyName, auth.Key)
			req.URL.RawQuery = q.Encode()
		default:
			req.Header.Set(auth.KeyName, auth.Key)
		}
	}
	return nil
}

// genericTool is the escape hatch for documents without operations. It
// reuses the builtin HTTP tool's execution under the reserved name and
// applies provider auth.
type genericTool struct {
	provider *Provider
	inner    *tools.HTTPRequestTool
	baseURL  string
}

func newGenericTool(p *Provider, baseURL string) *genericTool {
	return &genericTool{
		provider: p,
		inner:    tools.NewHTTPRequestTool(p.client, nil),
		baseURL:  baseURL,
	}
}

func (g *genericTool) Definition() models.ToolDefinition {
	def := g.inner.Definition()
	def.Name = models.GenericHTTPToolName
	def.Description = fmt.Sprintf("Performs an HTTP request against the %s API (base URL %s).",
		g.provider.cfg.ID, g.baseURL)
	return def
}

func (g *genericTool) Execute(ctx context.Context, args json.RawMessage, inv *tools.Invocation) (*models.ToolResult, error) {
	return g.inner.ExecuteWithAuth(ctx, args, inv, func(req *http.Request) error {
		return applyAuth(ctx, req, g.provider.authFor(inv))
	})
}
