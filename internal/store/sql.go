package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strandloop/strand/pkg/models"
)

// sqlStore implements Store over database/sql. The dialect only differs
// in placeholder syntax and the messages sequence column, handled by
// bind() and the per-backend schema.
type sqlStore struct {
	db       *sql.DB
	postgres bool
}

// bind rewrites ? placeholders to $n for Postgres.
func (s *sqlStore) bind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now()
	}
	meta, err := encodeMeta(thread.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.bind(
		`INSERT INTO threads (id, title, user_id, metadata, created_at) VALUES (?, ?, ?, ?, ?)`),
		thread.ID, thread.Title, thread.UserID, meta, thread.CreatedAt)
	if err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

func (s *sqlStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	row := s.db.QueryRowContext(ctx, s.bind(
		`SELECT id, title, user_id, metadata, created_at FROM threads WHERE id = ?`), id)

	var thread models.Thread
	var meta []byte
	err := row.Scan(&thread.ID, &thread.Title, &thread.UserID, &meta, &thread.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	if thread.Metadata, err = decodeMeta(meta); err != nil {
		return nil, err
	}
	return &thread, nil
}

func (s *sqlStore) AddMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	meta, err := encodeMeta(msg.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.bind(
		`INSERT INTO messages (id, thread_id, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.ThreadID, string(msg.Role), msg.Content, meta, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

func (s *sqlStore) GetMessages(ctx context.Context, threadID string, opts ListOptions) ([]models.Message, error) {
	// The newest messages are selected descending by insertion order;
	// chronological callers get the window reversed afterwards.
	query := `SELECT id, thread_id, role, content, metadata, created_at
		FROM messages WHERE thread_id = ? ORDER BY seq DESC`
	args := []any{threadID}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var msg models.Message
		var role string
		var meta []byte
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &role, &msg.Content, &meta, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		if msg.Metadata, err = decodeMeta(meta); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}

	if !opts.Descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *sqlStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = models.RunQueued
	}
	var config []byte
	if run.Config != nil {
		var err error
		if config, err = json.Marshal(run.Config); err != nil {
			return fmt.Errorf("encode run config: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO runs (id, thread_id, agent_type, status, config, created_at, completed_at, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.ThreadID, run.AgentType, string(run.Status), config, run.CreatedAt, run.CompletedAt, run.LastError)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *sqlStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, s.bind(
		`SELECT id, thread_id, agent_type, status, config, created_at, completed_at, last_error
		 FROM runs WHERE id = ?`), id)

	var run models.Run
	var status string
	var config []byte
	var completedAt sql.NullTime
	err := row.Scan(&run.ID, &run.ThreadID, &run.AgentType, &status, &config, &run.CreatedAt, &completedAt, &run.LastError)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.Status = models.RunStatus(status)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if len(config) > 0 {
		run.Config = &models.RunConfig{}
		if err := json.Unmarshal(config, run.Config); err != nil {
			return nil, fmt.Errorf("decode run config: %w", err)
		}
	}
	return &run, nil
}

func (s *sqlStore) UpdateRun(ctx context.Context, id string, patch RunPatch) error {
	var sets []string
	var args []any
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *patch.LastError)
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *patch.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.bind(
		`UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func encodeMeta(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

func decodeMeta(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}
