package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemory(),
	}
}

func TestGetOrCreateChatIsPairStable(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := s.GetOrCreateChat(ctx, "u1", "u2")
			require.NoError(t, err)
			require.NotEmpty(t, first)

			// Same pair, both directions, always the same chat.
			again, err := s.GetOrCreateChat(ctx, "u2", "u1")
			require.NoError(t, err)
			require.Equal(t, first, again)

			other, err := s.GetOrCreateChat(ctx, "u1", "u3")
			require.NoError(t, err)
			require.NotEqual(t, first, other)
		})
	}
}

func TestInsertAndListOrdering(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			chatID, err := s.GetOrCreateChat(ctx, "u1", "u2")
			require.NoError(t, err)

			first, err := s.InsertMessage(ctx, chatID, "u1", "Alice", "u2", "sealed-1")
			require.NoError(t, err)
			require.NotEmpty(t, first.ID)
			require.False(t, first.Delivered)
			require.False(t, first.Read)

			second, err := s.InsertMessage(ctx, chatID, "u2", "Bob", "u1", "sealed-2")
			require.NoError(t, err)
			require.NotEqual(t, first.ID, second.ID)

			msgs, err := s.ListMessages(ctx, chatID)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			require.Equal(t, first.ID, msgs[0].ID)
			require.Equal(t, second.ID, msgs[1].ID)
			require.False(t, msgs[0].CreatedAt.After(msgs[1].CreatedAt))
			require.Equal(t, "Alice", msgs[0].SenderName)
			require.Equal(t, "sealed-1", msgs[0].Content)
		})
	}
}

func TestMarkDelivered(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			chatID, err := s.GetOrCreateChat(ctx, "u1", "u2")
			require.NoError(t, err)

			msg, err := s.InsertMessage(ctx, chatID, "u1", "Alice", "u2", "sealed")
			require.NoError(t, err)

			require.NoError(t, s.MarkDelivered(ctx, msg.ID))
			// Flipping again must not regress the flag.
			require.NoError(t, s.MarkDelivered(ctx, msg.ID))

			msgs, err := s.ListMessages(ctx, chatID)
			require.NoError(t, err)
			require.True(t, msgs[0].Delivered)
			require.False(t, msgs[0].Read)
		})
	}
}

func TestMarkReadBulkIsIdempotent(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			chatID, err := s.GetOrCreateChat(ctx, "u1", "u2")
			require.NoError(t, err)

			// Two unread from u1 to u2, one the other way.
			m1, err := s.InsertMessage(ctx, chatID, "u1", "Alice", "u2", "a")
			require.NoError(t, err)
			m2, err := s.InsertMessage(ctx, chatID, "u1", "Alice", "u2", "b")
			require.NoError(t, err)
			_, err = s.InsertMessage(ctx, chatID, "u2", "Bob", "u1", "c")
			require.NoError(t, err)

			ids, err := s.MarkReadBulk(ctx, chatID, "u1", "u2")
			require.NoError(t, err)
			require.ElementsMatch(t, []string{m1.ID, m2.ID}, ids)

			// Second pass finds nothing; state is unchanged.
			ids, err = s.MarkReadBulk(ctx, chatID, "u1", "u2")
			require.NoError(t, err)
			require.Empty(t, ids)

			msgs, err := s.ListMessages(ctx, chatID)
			require.NoError(t, err)
			require.True(t, msgs[0].Read)
			require.True(t, msgs[1].Read)
			require.False(t, msgs[2].Read, "reverse-direction message must stay unread")
		})
	}
}

func TestConcurrentGetOrCreateChatSinglePair(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	results := make(chan string, 16)
	for i := 0; i < 16; i++ {
		go func() {
			id, err := s.GetOrCreateChat(ctx, "u1", "u2")
			if err != nil {
				results <- "err:" + err.Error()
				return
			}
			results <- id
		}()
	}

	first := <-results
	for i := 1; i < 16; i++ {
		require.Equal(t, first, <-results)
	}
}
