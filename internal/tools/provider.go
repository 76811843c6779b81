package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/strandloop/strand/pkg/models"
)

// StaticProvider serves a fixed set of tools. Registration rejects
// duplicate or ungrammatical names.
type StaticProvider struct {
	name string

	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewStaticProvider builds an empty provider with the given name.
func NewStaticProvider(name string) *StaticProvider {
	return &StaticProvider{
		name:  name,
		tools: make(map[string]Tool),
	}
}

// Register adds a tool. The name must satisfy the tool-name grammar and
// be unique within the provider.
func (p *StaticProvider) Register(t Tool) error {
	def := t.Definition()
	if !models.ValidToolName(def.Name) {
		return fmt.Errorf("tool name %q violates the name grammar", def.Name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.tools[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	p.tools[def.Name] = t
	p.order = append(p.order, def.Name)
	return nil
}

// MustRegister is Register for wiring code where a failure is a bug.
func (p *StaticProvider) MustRegister(t Tool) {
	if err := p.Register(t); err != nil {
		panic(err)
	}
}

func (p *StaticProvider) Name() string { return p.name }

func (p *StaticProvider) EnsureInitialized(ctx context.Context) error { return nil }

func (p *StaticProvider) Tools(ctx context.Context) ([]Tool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Tool, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.tools[name])
	}
	return out, nil
}

func (p *StaticProvider) Tool(ctx context.Context, name string) (Tool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tools[name]
	return t, ok
}

// Aggregate exposes several providers as one. On name collisions the
// earliest provider wins; later duplicates are skipped with a warning.
type Aggregate struct {
	providers []Provider
	logger    *slog.Logger

	initOnce sync.Once
	initErr  error
}

// NewAggregate composes providers in priority order.
func NewAggregate(logger *slog.Logger, providers ...Provider) *Aggregate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregate{providers: providers, logger: logger}
}

func (a *Aggregate) Name() string { return "aggregate" }

// EnsureInitialized initializes every member. The first failure wins and
// is sticky.
func (a *Aggregate) EnsureInitialized(ctx context.Context) error {
	a.initOnce.Do(func() {
		for _, p := range a.providers {
			if err := p.EnsureInitialized(ctx); err != nil {
				a.initErr = fmt.Errorf("provider %s: %w", p.Name(), err)
				return
			}
		}
	})
	return a.initErr
}

// Tools returns the union of member tools with first-wins dedup.
func (a *Aggregate) Tools(ctx context.Context) ([]Tool, error) {
	if err := a.EnsureInitialized(ctx); err != nil {
		return nil, err
	}
	seen := make(map[string]string)
	var out []Tool
	for _, p := range a.providers {
		list, err := p.Tools(ctx)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name(), err)
		}
		for _, t := range list {
			name := t.Definition().Name
			if prior, dup := seen[name]; dup {
				a.logger.Warn("duplicate tool name, keeping earlier provider",
					"tool", name, "kept", prior, "skipped", p.Name())
				continue
			}
			seen[name] = p.Name()
			out = append(out, t)
		}
	}
	return out, nil
}

// Tool resolves by name across members in priority order.
func (a *Aggregate) Tool(ctx context.Context, name string) (Tool, bool) {
	if err := a.EnsureInitialized(ctx); err != nil {
		return nil, false
	}
	for _, p := range a.providers {
		if t, ok := p.Tool(ctx, name); ok {
			return t, true
		}
	}
	return nil, false
}
