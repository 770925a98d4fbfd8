// Package store persists chats and messages. The routing core only depends
// on the Store interface; content arrives here already encrypted.
package store

import (
	"context"
	"time"
)

// Message is one durable chat message. Content holds the sealed payload as
// written by the cipher; the routing layer decrypts it before it leaves the
// process. Delivered and Read are monotonic: they only ever flip false→true.
type Message struct {
	ID          string
	ChatID      string
	SenderID    string
	SenderName  string
	RecipientID string
	Content     string
	Delivered   bool
	Read        bool
	CreatedAt   time.Time
}

// Store is the conversation persistence contract.
type Store interface {
	// GetOrCreateChat resolves the chat for the unordered user pair,
	// creating it on first contact. Concurrent calls for the same pair
	// resolve to the same chat.
	GetOrCreateChat(ctx context.Context, userA, userB string) (string, error)

	// InsertMessage persists a new message with delivered=false, read=false
	// and returns it with its assigned id and timestamp.
	InsertMessage(ctx context.Context, chatID, senderID, senderName, recipientID, sealedContent string) (Message, error)

	// ListMessages returns the full chat history ascending by creation
	// time, insertion order breaking ties.
	ListMessages(ctx context.Context, chatID string) ([]Message, error)

	// MarkDelivered flips delivered=true for one message.
	MarkDelivered(ctx context.Context, messageID string) error

	// MarkReadBulk flips read=true for every unread message in the chat
	// sent by senderID to recipientID, returning the ids it touched.
	// Idempotent: a second call returns an empty slice.
	MarkReadBulk(ctx context.Context, chatID, senderID, recipientID string) ([]string, error)

	Close() error
}

// pairKey returns the unordered pair in normalized order so both directions
// map to the same chat row.
func pairKey(userA, userB string) (string, string) {
	if userB < userA {
		return userB, userA
	}
	return userA, userB
}
