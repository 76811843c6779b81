// Package store defines the persistence interfaces for threads, messages,
// and runs, plus the in-memory, SQLite, and Postgres implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/strandloop/strand/pkg/models"
)

// Sentinel errors shared by all implementations.
var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrRunNotFound    = errors.New("run not found")
)

// ListOptions bounds and orders a message query.
type ListOptions struct {
	// Limit caps the number of messages returned; 0 means no cap. The
	// limit selects the most recent messages.
	Limit int

	// Descending returns newest-first when true. The default is
	// chronological order.
	Descending bool
}

// MessageStore persists thread messages. Implementations must be safe for
// concurrent use.
type MessageStore interface {
	AddMessage(ctx context.Context, msg *models.Message) error
	GetMessages(ctx context.Context, threadID string, opts ListOptions) ([]models.Message, error)
}

// ThreadStore persists threads.
type ThreadStore interface {
	CreateThread(ctx context.Context, thread *models.Thread) error
	GetThread(ctx context.Context, id string) (*models.Thread, error)
}

// RunPatch is a partial run update. Nil fields are left untouched.
type RunPatch struct {
	Status      *models.RunStatus
	LastError   *string
	CompletedAt *time.Time
}

// RunStore persists runs.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	UpdateRun(ctx context.Context, id string, patch RunPatch) error
}

// Store bundles the three interfaces; every backend implements all of
// them over one medium.
type Store interface {
	MessageStore
	ThreadStore
	RunStore
}
