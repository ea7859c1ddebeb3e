package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/mohammad-safakhou/deepresearch/internal/llm"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestCreateConversation(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO conversations`).
		WithArgs(sqlmock.AnyArg(), "gold prices").
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := s.CreateConversation(context.Background(), "gold prices")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty conversation id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendMessagesIsTransactional(t *testing.T) {
	s, mock := newMockStore(t)
	msgs := []llm.Message{
		llm.TextMessage(llm.RoleUser, "question"),
		llm.TextMessage(llm.RoleAssistant, "answer"),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO conversation_messages`).
		WithArgs("conv1", "user", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO conversation_messages`).
		WithArgs("conv1", "assistant", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(`UPDATE conversations SET updated_at`).
		WithArgs("conv1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.AppendMessages(context.Background(), "conv1", msgs); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendMessagesNoopOnEmpty(t *testing.T) {
	s, mock := newMockStore(t)
	if err := s.AppendMessages(context.Background(), "conv1", nil); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected database traffic: %v", err)
	}
}

func TestLoadHistoryRoundTripsParts(t *testing.T) {
	s, mock := newMockStore(t)
	parts, _ := json.Marshal([]llm.Part{{Kind: llm.PartText, Text: "hello"}})
	rows := sqlmock.NewRows([]string{"role", "parts"}).
		AddRow("user", parts)
	mock.ExpectQuery(`SELECT role, parts FROM conversation_messages`).
		WithArgs("conv1").
		WillReturnRows(rows)

	msgs, err := s.LoadHistory(context.Background(), "conv1")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Role != llm.RoleUser || msgs[0].Text() != "hello" {
		t.Fatalf("message = %+v", msgs[0])
	}
}

func TestListConversations(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "title", "created_at", "updated_at"}).
		AddRow("c2", "newer", now, now).
		AddRow("c1", "older", now.Add(-time.Hour), now.Add(-time.Hour))
	mock.ExpectQuery(`SELECT id, title, created_at, updated_at FROM conversations`).
		WithArgs(50).
		WillReturnRows(rows)

	out, err := s.ListConversations(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(out) != 2 || out[0].ID != "c2" {
		t.Fatalf("conversations = %+v", out)
	}
}
