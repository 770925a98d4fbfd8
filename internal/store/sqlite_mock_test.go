package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newStoreWithMock(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewSQLiteWithDB(db), mock, db
}

func TestInsertMessagePropagatesStoreError(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	boom := errors.New("disk full")
	mock.ExpectExec(`INSERT INTO messages`).WillReturnError(boom)

	_, err := s.InsertMessage(context.Background(), "chat-1", "u1", "Alice", "u2", "sealed")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetOrCreateChatPropagatesStoreError(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	boom := errors.New("locked")
	mock.ExpectExec(`INSERT INTO chats`).WillReturnError(boom)

	_, err := s.GetOrCreateChat(context.Background(), "u1", "u2")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestMarkReadBulkSkipsUpdateWhenNothingUnread(t *testing.T) {
	s, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT id FROM messages`).
		WithArgs("chat-1", "u2", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	ids, err := s.MarkReadBulk(context.Background(), "chat-1", "u2", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no ids, got %v", ids)
	}
	// No UPDATE expectation registered: issuing one would fail the test.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
