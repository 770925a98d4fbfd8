package server

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire event names. Inbound and outbound frames share one envelope shape:
// {"event": "...", "data": {...}}.
const (
	evtRegisterUser        = "register-user"
	evtUserRegistered      = "user-registered"
	evtOnlineUsers         = "online-users"
	evtChatMessage         = "chat-message"
	evtMessageDelivered    = "message-delivered"
	evtMessageRead         = "message-read"
	evtGetConversation     = "get-conversation"
	evtConversationHistory = "conversation-history"
	evtTypingStart         = "typing-start"
	evtTypingStop          = "typing-stop"
	evtError               = "error"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type registerUserData struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type onlineUserData struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	SocketID string `json:"socketId,omitempty"`
}

type chatMessageIn struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
}

// chatMessageOut is the plaintext message as clients see it. Error is only
// set on history entries whose stored payload failed to decrypt; the entry
// is kept so history length matches the store.
type chatMessageOut struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"senderId"`
	SenderUsername string    `json:"senderUsername"`
	RecipientID    string    `json:"recipientId"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Delivered      bool      `json:"delivered"`
	Read           bool      `json:"read"`
	Error          string    `json:"error,omitempty"`
}

type messageAckData struct {
	MessageID string `json:"messageId"`
}

type getConversationData struct {
	OtherUserID string `json:"otherUserId"`
}

type conversationHistoryData struct {
	OtherUserID string           `json:"otherUserId"`
	Messages    []chatMessageOut `json:"messages"`
}

type typingInData struct {
	RecipientID string `json:"recipientId"`
}

type typingOutData struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type errorData struct {
	Message string `json:"message"`
}

func encodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", event, err)
	}
	frame, err := json.Marshal(envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return frame, nil
}
