package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strandloop/strand/internal/llm"
	"github.com/strandloop/strand/internal/store"
	"github.com/strandloop/strand/pkg/models"
)

const (
	defaultHistoryWindow   = 50
	defaultKeepRecentTurns = 4

	// minSummarizableMessages is the smallest prefix worth a
	// summarization call.
	minSummarizableMessages = 3

	summaryInstruction = "Condense the following conversation into a compact summary. " +
		"Preserve facts, decisions, named entities, and any unresolved questions. " +
		"Write plain prose, no preamble."
)

// ContextManager assembles the message list for one LLM turn and keeps it
// inside the configured token budget, summarizing or truncating history
// when needed.
type ContextManager struct {
	llm    llm.Client
	store  store.MessageStore
	cfg    models.ContextConfig
	model  string
	logger *slog.Logger
}

// NewContextManager validates the budget configuration and builds the
// manager.
func NewContextManager(client llm.Client, messages store.MessageStore, cfg models.ContextConfig, model string, logger *slog.Logger) (*ContextManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, NewError(ErrCodeConfiguration, "context manager", err)
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	if cfg.KeepRecentTurns <= 0 {
		cfg.KeepRecentTurns = defaultKeepRecentTurns
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextManager{llm: client, store: messages, cfg: cfg, model: model, logger: logger}, nil
}

// PrepareMessages returns the prompt for a turn:
//
//	[system?, preserved summary?, history after summary..., cycle...]
//
// The system message and the cycle messages are never dropped or
// summarized. If the assembled prompt exceeds the token threshold, the
// older history is summarized into a tagged system message; if that is
// not enough, the oldest droppable messages are truncated.
func (m *ContextManager) PrepareMessages(ctx context.Context, threadID string, system *models.Message, cycle []models.Message) ([]models.Message, error) {
	history, err := m.store.GetMessages(ctx, threadID, store.ListOptions{Limit: m.cfg.HistoryWindow})
	if err != nil {
		return nil, NewError(ErrCodeStorage, "fetching thread history", err)
	}

	// Cycle messages may already be persisted; drop them from history so
	// they appear exactly once, at the end.
	inCycle := make(map[string]bool, len(cycle))
	for i := range cycle {
		if cycle[i].ID != "" {
			inCycle[cycle[i].ID] = true
		}
	}
	filtered := history[:0]
	for i := range history {
		if !inCycle[history[i].ID] {
			filtered = append(filtered, history[i])
		}
	}
	history = filtered

	// An existing summary supersedes everything before it.
	var summary *models.Message
	summaryAt := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].IsSummary() {
			s := history[i]
			summary = &s
			summaryAt = i
			break
		}
	}
	if summaryAt >= 0 {
		history = history[summaryAt+1:]
	}

	assembled := m.assemble(system, summary, history, cycle)
	count, err := m.llm.CountTokens(assembled, m.model)
	if err != nil {
		return nil, NewError(ErrCodeLLM, "counting tokens", err)
	}
	if count <= m.cfg.TokenThreshold {
		return assembled, nil
	}

	// Over budget: summarize the old history, keeping the last few turns
	// verbatim.
	keep := m.cfg.KeepRecentTurns
	if keep > len(history) {
		keep = len(history)
	}
	prefix := history[:len(history)-keep]
	recent := history[len(history)-keep:]

	if len(prefix) >= minSummarizableMessages {
		// A preserved summary feeds the new one so its content survives
		// the replacement.
		toSummarize := prefix
		if summary != nil {
			toSummarize = append([]models.Message{*summary}, prefix...)
		}
		newSummary, err := m.summarize(ctx, threadID, toSummarize)
		if err != nil {
			m.logger.Warn("summarization failed, falling back to truncation", "error", err)
		} else {
			history = append([]models.Message{*newSummary}, recent...)
			summary = nil
			assembled = m.assemble(system, nil, history, cycle)
			count, err = m.llm.CountTokens(assembled, m.model)
			if err != nil {
				return nil, NewError(ErrCodeLLM, "counting tokens", err)
			}
			if count <= m.cfg.TokenThreshold {
				return assembled, nil
			}
		}
	}

	// Still over: drop the oldest droppable message until under
	// threshold minus reserve, or nothing droppable remains.
	target := m.cfg.TokenThreshold - m.cfg.ReservedTokens
	for {
		dropped := false
		for i := range history {
			if history[i].IsSummary() {
				continue
			}
			history = append(history[:i], history[i+1:]...)
			dropped = true
			break
		}
		if !dropped {
			break
		}
		assembled = m.assemble(system, summary, history, cycle)
		count, err = m.llm.CountTokens(assembled, m.model)
		if err != nil {
			return nil, NewError(ErrCodeLLM, "counting tokens", err)
		}
		if count <= target {
			break
		}
	}
	return m.assemble(system, summary, history, cycle), nil
}

func (m *ContextManager) assemble(system, summary *models.Message, history, cycle []models.Message) []models.Message {
	out := make([]models.Message, 0, len(history)+len(cycle)+2)
	if system != nil {
		out = append(out, *system)
	}
	if summary != nil {
		out = append(out, *summary)
	}
	out = append(out, history...)
	out = append(out, cycle...)
	return out
}

// summarize condenses prefix into one summary-tagged system message and
// persists it so later turns find it in the thread history.
func (m *ContextManager) summarize(ctx context.Context, threadID string, prefix []models.Message) (*models.Message, error) {
	var transcript strings.Builder
	for i := range prefix {
		fmt.Fprintf(&transcript, "[%s] %s\n", prefix[i].Role, prefix[i].Content)
	}

	resp, err := m.llm.Generate(ctx, &llm.Request{
		Model:  m.model,
		System: summaryInstruction,
		Messages: []models.Message{
			{Role: models.RoleUser, Content: transcript.String()},
		},
		MaxTokens: m.cfg.SummaryTargetTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("summarization call: %w", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, fmt.Errorf("summarization produced empty content")
	}

	msg := &models.Message{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		Role:     models.RoleSystem,
		Content:  "Summary of earlier conversation: " + strings.TrimSpace(resp.Content),
		Metadata: map[string]any{
			models.MetaSummary: true,
		},
		CreatedAt: time.Now(),
	}
	if err := m.store.AddMessage(ctx, msg); err != nil {
		m.logger.Warn("persisting summary failed, using it for this turn only", "error", err)
	}
	return msg, nil
}
