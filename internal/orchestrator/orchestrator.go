package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/strandloop/strand/internal/llm"
	"github.com/strandloop/strand/internal/tools"
	"github.com/strandloop/strand/internal/tools/openapi"
	"github.com/strandloop/strand/pkg/models"
)

// Creation strategies for a source.
const (
	StrategyByTag    = "by_tag"
	StrategyAllInOne = "all_in_one"
)

// Source types.
const (
	SourceOpenAPI = "openapi"
)

const initConcurrency = 4

// SourceConfig describes one tool provider and how to carve its tools
// into toolsets.
type SourceConfig struct {
	ID   string `yaml:"id" json:"id"`
	Type string `yaml:"type" json:"type"`

	// OpenAPI holds the provider options for type "openapi".
	OpenAPI openapi.Config `yaml:"openapi" json:"openapi"`

	CreationStrategy        string `yaml:"creation_strategy" json:"creation_strategy"`
	MaxToolsPerLogicalGroup int    `yaml:"max_tools_per_logical_group" json:"max_tools_per_logical_group"`

	// AllInOneName and AllInOneDescription label the single set produced
	// by the all_in_one strategy (and the tag-less fallback).
	AllInOneName        string `yaml:"all_in_one_name" json:"all_in_one_name"`
	AllInOneDescription string `yaml:"all_in_one_description" json:"all_in_one_description"`
}

// Orchestrator builds named toolsets (specialists) from provider source
// configurations, optionally splitting oversized sets into coherent
// groups with LLM assistance.
//
// Construction is best-effort throughout: a source that fails to
// initialize is logged and skipped, and a split that fails falls back
// to the unsplit set. Partial progress is never discarded.
type Orchestrator struct {
	sources    []SourceConfig
	llm        llm.Client
	model      string
	httpClient *http.Client
	logger     *slog.Logger

	initOnce sync.Once
	initErr  error

	mu    sync.RWMutex
	sets  map[string]*ToolSet
	order []string
}

// Options configures an Orchestrator. LLM and Model are optional; when
// absent, oversized toolsets are kept whole with a no_llm_client note.
type Options struct {
	Sources    []SourceConfig
	LLM        llm.Client
	Model      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// New builds an orchestrator. Call Initialize before use.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		sources:    opts.Sources,
		llm:        opts.LLM,
		model:      opts.Model,
		httpClient: opts.HTTPClient,
		logger:     logger.With("component", "orchestrator"),
		sets:       make(map[string]*ToolSet),
	}
}

// Initialize resolves every source into toolsets. Providers initialize
// concurrently; registration happens in source order so collision
// resolution is deterministic. Initialize is idempotent.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.initOnce.Do(func() {
		o.initErr = o.initialize(ctx)
	})
	return o.initErr
}

func (o *Orchestrator) initialize(ctx context.Context) error {
	built := make([][]*ToolSet, len(o.sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(initConcurrency)
	for i := range o.sources {
		g.Go(func() error {
			src := o.sources[i]
			sets, err := o.buildSource(gctx, src)
			if err != nil {
				// Skip the source, keep the rest.
				o.logger.Warn("source failed to initialize, skipping",
					"source", src.ID, "error", err)
				return nil
			}
			built[i] = sets
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, sets := range built {
		for _, set := range sets {
			o.register(set)
		}
	}
	o.logger.Info("toolsets ready", "count", len(o.order))
	return nil
}

// register installs a set under its sanitized id. On collision the
// later entry replaces the earlier, with a warning.
func (o *Orchestrator) register(set *ToolSet) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.sets[set.ID()]; exists {
		o.logger.Warn("toolset id collision, replacing earlier entry", "toolset", set.ID())
		for i, id := range o.order {
			if id == set.ID() {
				o.order = append(o.order[:i], o.order[i+1:]...)
				break
			}
		}
	}
	o.sets[set.ID()] = set
	o.order = append(o.order, set.ID())
}

// AddToolSet registers a pre-built set alongside the configured
// sources, for programmatic providers such as builtins.
func (o *Orchestrator) AddToolSet(set *ToolSet) {
	o.register(set)
}

// ToolSet returns the set registered under id.
func (o *Orchestrator) ToolSet(id string) (*ToolSet, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	set, ok := o.sets[id]
	return set, ok
}

// ToolSets returns all sets in registration order.
func (o *Orchestrator) ToolSets() []*ToolSet {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*ToolSet, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.sets[id])
	}
	return out
}

// Specialist implements agent.SpecialistDirectory.
func (o *Orchestrator) Specialist(id string) (tools.Provider, *models.ToolSetInfo, bool) {
	set, ok := o.ToolSet(id)
	if !ok {
		return nil, nil, false
	}
	info := set.Info()
	return set, &info, true
}

// Specialists implements agent.SpecialistDirectory.
func (o *Orchestrator) Specialists() []models.ToolSetInfo {
	sets := o.ToolSets()
	out := make([]models.ToolSetInfo, 0, len(sets))
	for _, set := range sets {
		out = append(out, set.Info())
	}
	return out
}

// buildSource initializes one provider and carves its tools per the
// configured strategy.
func (o *Orchestrator) buildSource(ctx context.Context, src SourceConfig) ([]*ToolSet, error) {
	if src.Type != SourceOpenAPI {
		return nil, fmt.Errorf("unsupported source type %q", src.Type)
	}

	cfg := src.OpenAPI
	if cfg.ID == "" {
		cfg.ID = src.ID
	}
	provider := openapi.NewProvider(cfg, o.httpClient, o.logger)
	if err := provider.EnsureInitialized(ctx); err != nil {
		return nil, fmt.Errorf("initializing provider: %w", err)
	}
	list, err := provider.Tools(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}

	meta := models.ToolSetMetadata{
		SourceID:     src.ID,
		ProviderType: src.Type,
		APITitle:     provider.APITitle(),
		BaseURL:      provider.BaseURL(),
	}

	var sets []*ToolSet
	if src.CreationStrategy == StrategyByTag {
		sets = o.buildByTag(src, meta, list)
	}
	if len(sets) == 0 {
		sets = []*ToolSet{o.buildAllInOne(src, meta, list)}
	}

	if src.MaxToolsPerLogicalGroup > 0 {
		split := make([]*ToolSet, 0, len(sets))
		for _, set := range sets {
			if set.Info().ToolCount > src.MaxToolsPerLogicalGroup {
				split = append(split, o.splitToolSet(ctx, src, set)...)
			} else {
				split = append(split, set)
			}
		}
		sets = split
	}
	return sets, nil
}

// buildByTag groups tools by their declared tags. A tool carrying
// several tags appears in each tag's set; a tool with none lands in an
// "untagged" set. Returns nil when no tool declares a tag, which makes
// the caller fall back to all_in_one.
func (o *Orchestrator) buildByTag(src SourceConfig, meta models.ToolSetMetadata, list []tools.Tool) []*ToolSet {
	type tagged interface{ Tags() []string }

	byTag := make(map[string][]tools.Tool)
	sawTag := false
	for _, t := range list {
		var tags []string
		if tt, ok := t.(tagged); ok {
			tags = tt.Tags()
		}
		if len(tags) == 0 {
			byTag["untagged"] = append(byTag["untagged"], t)
			continue
		}
		sawTag = true
		for _, tag := range tags {
			byTag[tag] = append(byTag[tag], t)
		}
	}
	if !sawTag {
		return nil
	}

	tags := make([]string, 0, len(byTag))
	for tag := range byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	sets := make([]*ToolSet, 0, len(tags))
	for _, tag := range tags {
		m := meta
		m.OriginalTag = tag
		sets = append(sets, NewToolSet(
			src.ID+"_tag_"+tag,
			fmt.Sprintf("%s: %s", sourceTitle(src, meta), tag),
			fmt.Sprintf("Operations tagged %q in %s", tag, sourceTitle(src, meta)),
			m, byTag[tag], o.logger,
		))
	}
	return sets
}

func (o *Orchestrator) buildAllInOne(src SourceConfig, meta models.ToolSetMetadata, list []tools.Tool) *ToolSet {
	name := src.AllInOneName
	if name == "" {
		name = sourceTitle(src, meta)
	}
	desc := src.AllInOneDescription
	if desc == "" {
		desc = fmt.Sprintf("All operations of %s", sourceTitle(src, meta))
	}
	return NewToolSet(src.ID, name, desc, meta, list, o.logger)
}

func sourceTitle(src SourceConfig, meta models.ToolSetMetadata) string {
	if meta.APITitle != "" {
		return meta.APITitle
	}
	return src.ID
}
