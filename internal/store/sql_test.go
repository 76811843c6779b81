package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/strandloop/strand/pkg/models"
)

func TestBindRewritesPlaceholdersForPostgres(t *testing.T) {
	s := &sqlStore{postgres: true}
	got := s.bind(`UPDATE runs SET status = ?, last_error = ? WHERE id = ?`)
	want := `UPDATE runs SET status = $1, last_error = $2 WHERE id = $3`
	if got != want {
		t.Errorf("bind = %q, want %q", got, want)
	}

	s.postgres = false
	query := `SELECT * FROM runs WHERE id = ?`
	if s.bind(query) != query {
		t.Error("sqlite queries must pass through unchanged")
	}
}

func TestSQLGetMessagesChronological(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := &sqlStore{db: db}

	now := time.Now()
	// The query selects newest first; the store reverses to chronological.
	rows := sqlmock.NewRows([]string{"id", "thread_id", "role", "content", "metadata", "created_at"}).
		AddRow("m2", "t1", "assistant", "second", nil, now).
		AddRow("m1", "t1", "user", "first", []byte(`{"run_id":"r1"}`), now)
	mock.ExpectQuery(`SELECT id, thread_id, role, content, metadata, created_at`).
		WithArgs("t1", 2).
		WillReturnRows(rows)

	msgs, err := s.GetMessages(context.Background(), "t1", ListOptions{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Errorf("order wrong: %+v", msgs)
	}
	if msgs[0].Metadata[models.MetaRunID] != "r1" {
		t.Errorf("metadata not decoded: %+v", msgs[0].Metadata)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLUpdateRunMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := &sqlStore{db: db}

	mock.ExpectExec(`UPDATE runs SET status = \?`).
		WithArgs("failed", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	status := models.RunFailed
	if err := s.UpdateRun(context.Background(), "missing", RunPatch{Status: &status}); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("got %v, want ErrRunNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLUpdateRunEmptyPatchIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := &sqlStore{db: db}

	if err := s.UpdateRun(context.Background(), "r1", RunPatch{}); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	thread := &models.Thread{Title: "sqlite"}
	if err := s.CreateThread(ctx, thread); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetThread(ctx, thread.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "sqlite" {
		t.Errorf("title = %q", got.Title)
	}

	msg := &models.Message{
		ThreadID: thread.ID,
		Role:     models.RoleAssistant,
		Content:  "hello",
		Metadata: map[string]any{models.MetaRunID: "r1"},
	}
	if err := s.AddMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	msgs, err := s.GetMessages(ctx, thread.ID, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" || msgs[0].Metadata[models.MetaRunID] != "r1" {
		t.Errorf("round trip wrong: %+v", msgs)
	}

	run := &models.Run{ThreadID: thread.ID, AgentType: "base", Config: &models.RunConfig{Model: "gpt-4o"}}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	status := models.RunCompleted
	now := time.Now()
	if err := s.UpdateRun(ctx, run.ID, RunPatch{Status: &status, CompletedAt: &now}); err != nil {
		t.Fatal(err)
	}
	loaded, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != models.RunCompleted || loaded.CompletedAt == nil || loaded.Config.Model != "gpt-4o" {
		t.Errorf("run round trip wrong: %+v", loaded)
	}
}
