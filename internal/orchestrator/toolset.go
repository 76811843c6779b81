package orchestrator

import (
	"context"
	"log/slog"

	"github.com/strandloop/strand/internal/tools"
	"github.com/strandloop/strand/pkg/models"
)

// ToolSet is a named, bounded collection of tools offered to one agent.
// Sets are built once by the orchestrator and shared read-only by any
// run that uses them, so a ToolSet is immutable after construction.
//
// ToolSet implements tools.Provider so a specialist agent can be wired
// directly onto it.
type ToolSet struct {
	id          string
	name        string
	description string
	metadata    models.ToolSetMetadata

	list  []tools.Tool
	index map[string]tools.Tool
}

// NewToolSet builds a set from the given tools. Tool names are unique
// within a set; the first occurrence wins and duplicates are reported
// through logger.
func NewToolSet(id, name, description string, meta models.ToolSetMetadata, list []tools.Tool, logger *slog.Logger) *ToolSet {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ToolSet{
		id:          models.SanitizeToolName(id),
		name:        name,
		description: description,
		metadata:    meta,
		index:       make(map[string]tools.Tool, len(list)),
	}
	for _, t := range list {
		defName := t.Definition().Name
		if _, dup := s.index[defName]; dup {
			logger.Warn("duplicate tool name in toolset, keeping first",
				"toolset", s.id, "tool", defName)
			continue
		}
		s.index[defName] = t
		s.list = append(s.list, t)
	}
	return s
}

// ID returns the sanitized toolset identifier.
func (s *ToolSet) ID() string { return s.id }

// Name implements tools.Provider.
func (s *ToolSet) Name() string { return s.id }

// EnsureInitialized implements tools.Provider. Sets are built from
// already-initialized providers, so this is a no-op.
func (s *ToolSet) EnsureInitialized(ctx context.Context) error { return nil }

// Tools implements tools.Provider.
func (s *ToolSet) Tools(ctx context.Context) ([]tools.Tool, error) {
	out := make([]tools.Tool, len(s.list))
	copy(out, s.list)
	return out, nil
}

// Tool implements tools.Provider.
func (s *ToolSet) Tool(ctx context.Context, name string) (tools.Tool, bool) {
	t, ok := s.index[name]
	return t, ok
}

// Metadata returns the set's provenance record.
func (s *ToolSet) Metadata() models.ToolSetMetadata { return s.metadata }

// Info returns the descriptive view handed to LLMs and API clients.
func (s *ToolSet) Info() models.ToolSetInfo {
	return models.ToolSetInfo{
		ID:          s.id,
		Name:        s.name,
		Description: s.description,
		ToolCount:   len(s.list),
		Metadata:    s.metadata,
	}
}
