package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a Store kept entirely in process memory. It backs tests and
// throwaway deployments; durable installs use SQLiteStore.
type MemoryStore struct {
	mu       sync.Mutex
	chats    map[[2]string]string
	messages map[string][]*Message
	nowFn    func() time.Time
}

// NewMemory builds an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[[2]string]string),
		messages: make(map[string][]*Message),
		nowFn:    time.Now,
	}
}

func (s *MemoryStore) GetOrCreateChat(_ context.Context, userA, userB string) (string, error) {
	a, b := pairKey(userA, userB)
	key := [2]string{a, b}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.chats[key]; ok {
		return id, nil
	}
	id := uuid.NewString()
	s.chats[key] = id
	return id, nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, chatID, senderID, senderName, recipientID, sealedContent string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &Message{
		ID:          uuid.NewString(),
		ChatID:      chatID,
		SenderID:    senderID,
		SenderName:  senderName,
		RecipientID: recipientID,
		Content:     sealedContent,
		CreatedAt:   s.nowFn().UTC(),
	}
	s.messages[chatID] = append(s.messages[chatID], msg)
	return *msg, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, chatID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Append order is insertion order, which already satisfies the
	// ascending-createdAt contract for a single process.
	out := make([]Message, 0, len(s.messages[chatID]))
	for _, m := range s.messages[chatID] {
		out = append(out, *m)
	}
	return out, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.ID == messageID {
				m.Delivered = true
				return nil
			}
		}
	}
	return nil
}

func (s *MemoryStore) MarkReadBulk(_ context.Context, chatID, senderID, recipientID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, m := range s.messages[chatID] {
		if m.SenderID == senderID && m.RecipientID == recipientID && !m.Read {
			m.Read = true
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
