package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore implements Store over database/sql with the modernc driver.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral store.
func NewSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite handles one writer at a time; a single conn avoids SQLITE_BUSY
	// churn under concurrent senders.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteWithDB wraps an existing handle; the caller owns schema setup.
// Used by tests that substitute a mock connection.
func NewSQLiteWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			user_a TEXT NOT NULL,
			user_b TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_chats_pair ON chats(user_a, user_b)",
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL REFERENCES chats(id),
			sender_id TEXT NOT NULL,
			sender_name TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			content TEXT NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0,
			read INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(chat_id, sender_id, read)",
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// GetOrCreateChat resolves the chat for the pair. The unique index on the
// normalized pair makes the insert an idempotent upsert, so two concurrent
// calls never create two chats.
func (s *SQLiteStore) GetOrCreateChat(ctx context.Context, userA, userB string) (string, error) {
	a, b := pairKey(userA, userB)

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, user_a, user_b, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_a, user_b) DO NOTHING`,
		uuid.NewString(), a, b, time.Now().UnixNano(),
	); err != nil {
		return "", fmt.Errorf("create chat: %w", err)
	}

	var id string
	if err := s.db.QueryRowContext(ctx,
		"SELECT id FROM chats WHERE user_a = ? AND user_b = ?", a, b,
	).Scan(&id); err != nil {
		return "", fmt.Errorf("resolve chat: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, chatID, senderID, senderName, recipientID, sealedContent string) (Message, error) {
	msg := Message{
		ID:          uuid.NewString(),
		ChatID:      chatID,
		SenderID:    senderID,
		SenderName:  senderName,
		RecipientID: recipientID,
		Content:     sealedContent,
		CreatedAt:   time.Now().UTC(),
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, sender_name, recipient_id, content, delivered, read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)`,
		msg.ID, msg.ChatID, msg.SenderID, msg.SenderName, msg.RecipientID, msg.Content, msg.CreatedAt.UnixNano(),
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, sender_id, sender_name, recipient_id, content, delivered, read, created_at
		 FROM messages WHERE chat_id = ? ORDER BY created_at ASC, rowid ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var delivered, read int
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.RecipientID, &m.Content, &delivered, &read, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Delivered = delivered != 0
		m.Read = read != 0
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE messages SET delivered = 1 WHERE id = ?", messageID,
	); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkReadBulk(ctx context.Context, chatID, senderID, recipientID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM messages
		 WHERE chat_id = ? AND sender_id = ? AND recipient_id = ? AND read = 0
		 ORDER BY created_at ASC, rowid ASC`,
		chatID, senderID, recipientID)
	if err != nil {
		return nil, fmt.Errorf("select unread: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan unread id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate unread: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE messages SET read = 1
		 WHERE chat_id = ? AND sender_id = ? AND recipient_id = ? AND read = 0`,
		chatID, senderID, recipientID,
	); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
