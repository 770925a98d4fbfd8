package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/beacon-chat/beacon-chat/internal/config"
	"github.com/beacon-chat/beacon-chat/internal/crypto/payload"
	"github.com/beacon-chat/beacon-chat/internal/presence"
	"github.com/beacon-chat/beacon-chat/internal/store"
)

// Error codes surfaced in error events.
const (
	codeNotRegistered = "NOT_REGISTERED"
	codeEmptyMessage  = "EMPTY_MESSAGE"
	codeStoreError    = "STORE_ERROR"
	codeCipherError   = "CIPHER_ERROR"
	codeInvalidFrame  = "INVALID_FRAME"
	codeBackpressure  = "BACKPRESSURE"
)

const storeCallTimeout = 5 * time.Second

// routeError maps event-level validation to error events. fatal tears the
// connection down after the error is reported.
type routeError struct {
	code  string
	msg   string
	fatal bool
}

func (e *routeError) Error() string {
	return e.msg
}

// HubOptions configures observability and transport tuning.
type HubOptions struct {
	Metrics      *hubMetrics
	TypingExpiry time.Duration
	WebSocket    config.WebSocketConfig
}

// Hub owns every websocket connection: it upgrades, demultiplexes inbound
// events, routes messages between sessions via the presence registry, and
// reconciles history against the conversation store.
type Hub struct {
	log      *zap.Logger
	registry *presence.Registry
	store    store.Store
	cipher   payload.Cipher
	metrics  *hubMetrics

	typingExpiry time.Duration
	wsCfg        config.WebSocketConfig
	upgrader     websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*clientConn
	closed bool
}

// NewHub wires dependencies for the websocket endpoint.
func NewHub(log *zap.Logger, reg *presence.Registry, st store.Store, cipher payload.Cipher, opts HubOptions) *Hub {
	if reg == nil {
		reg = presence.NewRegistry()
	}
	wsCfg := opts.WebSocket
	if wsCfg.SendBuffer <= 0 {
		wsCfg.SendBuffer = 32
	}
	if wsCfg.PingInterval <= 0 {
		wsCfg.PingInterval = 25 * time.Second
	}
	if wsCfg.PongWait <= 0 {
		wsCfg.PongWait = 60 * time.Second
	}
	if wsCfg.WriteWait <= 0 {
		wsCfg.WriteWait = 10 * time.Second
	}
	if wsCfg.MaxPayloadBytes <= 0 {
		wsCfg.MaxPayloadBytes = 1 << 20
	}

	h := &Hub{
		log:          log,
		registry:     reg,
		store:        st,
		cipher:       cipher,
		metrics:      opts.Metrics,
		typingExpiry: opts.TypingExpiry,
		wsCfg:        wsCfg,
		conns:        make(map[string]*clientConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	if h.typingExpiry <= 0 {
		h.typingExpiry = 3 * time.Second
	}
	reg.SetNotify(h.broadcastOnlineUsers)
	return h
}

// clientConn tracks one websocket connection and its (optional) session.
type clientConn struct {
	id     string
	hub    *Hub
	ws     *websocket.Conn
	sendCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	session      *presence.Session
	typingTimers map[string]*time.Timer

	closeOnce sync.Once
}

// ServeHTTP upgrades the request and runs the connection until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connID, err := generateConnID()
	if err != nil {
		h.log.Error("generate connection id", zap.Error(err))
		ws.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &clientConn{
		id:           connID,
		hub:          h,
		ws:           ws,
		sendCh:       make(chan []byte, h.wsCfg.SendBuffer),
		ctx:          ctx,
		cancel:       cancel,
		typingTimers: make(map[string]*time.Timer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		ws.Close()
		return
	}
	h.conns[connID] = c
	h.mu.Unlock()

	h.log.Info("connection opened", zap.String("conn_id", connID), zap.String("remote", r.RemoteAddr))

	go c.writer()
	c.sendOnlineSnapshot()
	c.readLoop()
	h.cleanupConn(c)
}

func (c *clientConn) writer() {
	ticker := time.NewTicker(c.hub.wsCfg.PingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.hub.wsCfg.WriteWait)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.cancel()
				return
			}
		case frame := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.wsCfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.hub.log.Warn("websocket write failed", zap.Error(err), zap.String("conn_id", c.id))
				c.cancel()
				return
			}
		}
	}
}

func (c *clientConn) readLoop() {
	c.ws.SetReadLimit(c.hub.wsCfg.MaxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.wsCfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.wsCfg.PongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.pushError("malformed event envelope")
			c.hub.metrics.recordError(codeInvalidFrame)
			continue
		}

		start := time.Now()
		err = c.hub.routeEvent(c, env)
		c.hub.metrics.observeLatency(metricOp(env.Event), time.Since(start))
		if err != nil {
			var rerr *routeError
			if errors.As(err, &rerr) {
				c.hub.metrics.recordError(rerr.code)
				c.pushError(rerr.msg)
				if rerr.fatal {
					return
				}
				continue
			}
			c.hub.log.Warn("event handling failed", zap.Error(err), zap.String("conn_id", c.id))
			return
		}
	}
}

// routeEvent dispatches one inbound event. Events are handled strictly in
// arrival order for a given connection; the read loop is the only caller.
func (h *Hub) routeEvent(c *clientConn, env envelope) error {
	switch env.Event {
	case evtRegisterUser:
		return h.handleRegister(c, env.Data)
	case evtChatMessage:
		return h.handleChatMessage(c, env.Data)
	case evtGetConversation:
		return h.handleGetConversation(c, env.Data)
	case evtTypingStart:
		return h.handleTyping(c, env.Data, true)
	case evtTypingStop:
		return h.handleTyping(c, env.Data, false)
	default:
		return &routeError{code: codeInvalidFrame, msg: "unsupported event " + env.Event}
	}
}

func (h *Hub) handleRegister(c *clientConn, data json.RawMessage) error {
	var reg registerUserData
	if err := json.Unmarshal(data, &reg); err != nil {
		return &routeError{code: codeInvalidFrame, msg: "malformed register-user payload"}
	}
	if reg.UserID == "" || reg.Username == "" {
		return &routeError{code: codeInvalidFrame, msg: "userId and username are required"}
	}

	session, err := h.registry.Register(reg.UserID, reg.Username, c.id, func(reason string) {
		c.forceClose(reason)
	})
	if err != nil {
		return &routeError{code: codeInvalidFrame, msg: err.Error()}
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	h.metrics.recordRegistration()
	h.log.Info("user registered",
		zap.String("user_id", reg.UserID),
		zap.String("username", reg.Username),
		zap.String("conn_id", c.id))

	frame, err := encodeEvent(evtUserRegistered, reg)
	if err != nil {
		return err
	}
	return c.push(frame)
}

func (h *Hub) handleChatMessage(c *clientConn, data json.RawMessage) error {
	sender, err := c.requireSession()
	if err != nil {
		return err
	}

	var in chatMessageIn
	if err := json.Unmarshal(data, &in); err != nil {
		return &routeError{code: codeInvalidFrame, msg: "malformed chat-message payload"}
	}
	if in.RecipientID == "" {
		return &routeError{code: codeInvalidFrame, msg: "recipientId is required"}
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return &routeError{code: codeEmptyMessage, msg: "message content is empty"}
	}

	ctx, cancel := context.WithTimeout(c.ctx, storeCallTimeout)
	defer cancel()

	chatID, err := h.store.GetOrCreateChat(ctx, sender.UserID, in.RecipientID)
	if err != nil {
		h.log.Error("resolve chat", zap.Error(err), zap.String("user_id", sender.UserID))
		return &routeError{code: codeStoreError, msg: "failed to send message"}
	}

	sealed, err := h.cipher.Encrypt(content)
	if err != nil {
		h.log.Error("encrypt message", zap.Error(err))
		return &routeError{code: codeCipherError, msg: "failed to encrypt message"}
	}

	msg, err := h.store.InsertMessage(ctx, chatID, sender.UserID, sender.DisplayName, in.RecipientID, sealed)
	if err != nil {
		h.log.Error("persist message", zap.Error(err), zap.String("chat_id", chatID))
		return &routeError{code: codeStoreError, msg: "failed to send message"}
	}

	// Callers always see plaintext; decode the stored payload rather than
	// trusting the local copy so a broken cipher surfaces immediately.
	plain, err := h.cipher.Decrypt(msg.Content)
	if err != nil {
		h.log.Error("decrypt stored message", zap.Error(err), zap.String("message_id", msg.ID))
		return &routeError{code: codeCipherError, msg: "failed to decrypt message"}
	}

	out := chatMessageOut{
		ID:             msg.ID,
		SenderID:       msg.SenderID,
		SenderUsername: msg.SenderName,
		RecipientID:    msg.RecipientID,
		Content:        plain,
		Timestamp:      msg.CreatedAt,
		Delivered:      msg.Delivered,
		Read:           msg.Read,
	}
	frame, err := encodeEvent(evtChatMessage, out)
	if err != nil {
		return err
	}

	// The sender's own UI reflects the message unconditionally.
	if err := c.push(frame); err != nil {
		return err
	}

	recipient, online := h.registry.Lookup(in.RecipientID)
	if !online {
		h.metrics.recordOffline()
		h.log.Debug("recipient offline, message stored undelivered",
			zap.String("message_id", msg.ID), zap.String("recipient_id", in.RecipientID))
		return nil
	}

	if rc := h.conn(recipient.ConnID); rc != nil && rc.id != c.id {
		_ = rc.push(frame)
	}
	h.metrics.recordDelivered()
	go h.confirmDelivery(c, msg.ID)
	return nil
}

// confirmDelivery marks the message delivered and acks the sender. Runs off
// the read loop so a slow store never blocks the connection.
func (h *Hub) confirmDelivery(sender *clientConn, messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	defer cancel()

	if err := h.store.MarkDelivered(ctx, messageID); err != nil {
		h.log.Warn("mark delivered", zap.Error(err), zap.String("message_id", messageID))
		return
	}

	frame, err := encodeEvent(evtMessageDelivered, messageAckData{MessageID: messageID})
	if err != nil {
		h.log.Warn("encode delivery ack", zap.Error(err))
		return
	}
	_ = sender.push(frame)
}

func (h *Hub) handleGetConversation(c *clientConn, data json.RawMessage) error {
	sess, err := c.requireSession()
	if err != nil {
		return err
	}

	var req getConversationData
	if err := json.Unmarshal(data, &req); err != nil {
		return &routeError{code: codeInvalidFrame, msg: "malformed get-conversation payload"}
	}
	if req.OtherUserID == "" {
		return &routeError{code: codeInvalidFrame, msg: "otherUserId is required"}
	}

	ctx, cancel := context.WithTimeout(c.ctx, storeCallTimeout)
	defer cancel()

	chatID, err := h.store.GetOrCreateChat(ctx, sess.UserID, req.OtherUserID)
	if err != nil {
		h.log.Error("resolve chat", zap.Error(err), zap.String("user_id", sess.UserID))
		return &routeError{code: codeStoreError, msg: "failed to load conversation"}
	}

	// Everything addressed to the requester is read the moment the
	// conversation is opened; the re-read below reflects the flip because
	// the store, not any local buffer, is the source of truth.
	readIDs, err := h.store.MarkReadBulk(ctx, chatID, req.OtherUserID, sess.UserID)
	if err != nil {
		h.log.Error("mark conversation read", zap.Error(err), zap.String("chat_id", chatID))
		return &routeError{code: codeStoreError, msg: "failed to load conversation"}
	}

	msgs, err := h.store.ListMessages(ctx, chatID)
	if err != nil {
		h.log.Error("list messages", zap.Error(err), zap.String("chat_id", chatID))
		return &routeError{code: codeStoreError, msg: "failed to load conversation"}
	}

	history := make([]chatMessageOut, 0, len(msgs))
	for _, m := range msgs {
		out := chatMessageOut{
			ID:             m.ID,
			SenderID:       m.SenderID,
			SenderUsername: m.SenderName,
			RecipientID:    m.RecipientID,
			Timestamp:      m.CreatedAt,
			Delivered:      m.Delivered,
			Read:           m.Read,
		}
		plain, derr := h.cipher.Decrypt(m.Content)
		if derr != nil {
			// Keep the entry so history length matches the store.
			out.Error = "failed to decrypt message"
			h.metrics.recordError(codeCipherError)
			h.log.Warn("undecryptable stored message", zap.Error(derr), zap.String("message_id", m.ID))
		} else {
			out.Content = plain
		}
		history = append(history, out)
	}

	frame, err := encodeEvent(evtConversationHistory, conversationHistoryData{
		OtherUserID: req.OtherUserID,
		Messages:    history,
	})
	if err != nil {
		return err
	}
	if err := c.push(frame); err != nil {
		return err
	}

	// Tell the live sender their messages were just read.
	if len(readIDs) > 0 {
		if other, online := h.registry.Lookup(req.OtherUserID); online {
			if oc := h.conn(other.ConnID); oc != nil {
				for _, id := range readIDs {
					ack, aerr := encodeEvent(evtMessageRead, messageAckData{MessageID: id})
					if aerr != nil {
						continue
					}
					_ = oc.push(ack)
				}
			}
		}
	}
	return nil
}

func (h *Hub) handleTyping(c *clientConn, data json.RawMessage, start bool) error {
	sess, err := c.requireSession()
	if err != nil {
		return err
	}

	var in typingInData
	if err := json.Unmarshal(data, &in); err != nil {
		return &routeError{code: codeInvalidFrame, msg: "malformed typing payload"}
	}
	if in.RecipientID == "" {
		return &routeError{code: codeInvalidFrame, msg: "recipientId is required"}
	}

	if start {
		c.resetTypingTimer(in.RecipientID)
	} else {
		c.stopTypingTimer(in.RecipientID)
	}

	event := evtTypingStop
	if start {
		event = evtTypingStart
	}
	h.fanOutTyping(event, sess, in.RecipientID)
	return nil
}

// fanOutTyping pushes a typing event to the recipient if they are online.
// Fire-and-forget: nothing is persisted and no error reaches the sender.
func (h *Hub) fanOutTyping(event string, from *presence.Session, recipientID string) {
	recipient, online := h.registry.Lookup(recipientID)
	if !online {
		return
	}
	rc := h.conn(recipient.ConnID)
	if rc == nil {
		return
	}
	frame, err := encodeEvent(event, typingOutData{UserID: from.UserID, Username: from.DisplayName})
	if err != nil {
		return
	}
	_ = rc.push(frame)
}

// resetTypingTimer arms (or re-arms) the per-recipient expiry timer. When it
// fires a synthetic typing-stop is emitted so a vanished sender never leaves
// a stuck indicator.
func (c *clientConn) resetTypingTimer(recipientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.typingTimers[recipientID]; ok {
		t.Stop()
	}
	c.typingTimers[recipientID] = time.AfterFunc(c.hub.typingExpiry, func() {
		c.expireTyping(recipientID)
	})
}

func (c *clientConn) stopTypingTimer(recipientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.typingTimers[recipientID]; ok {
		t.Stop()
		delete(c.typingTimers, recipientID)
	}
}

func (c *clientConn) expireTyping(recipientID string) {
	c.mu.Lock()
	if _, ok := c.typingTimers[recipientID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.typingTimers, recipientID)
	sess := c.session
	c.mu.Unlock()

	if sess == nil {
		return
	}
	c.hub.metrics.recordTypingExpiry()
	c.hub.fanOutTyping(evtTypingStop, sess, recipientID)
}

func (c *clientConn) stopAllTypingTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, t := range c.typingTimers {
		t.Stop()
		delete(c.typingTimers, id)
	}
}

func (c *clientConn) requireSession() (*presence.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil, &routeError{code: codeNotRegistered, msg: "user not registered"}
	}
	return c.session, nil
}

// push queues a frame for the writer. A full buffer is treated as a dead
// consumer: the connection is cancelled rather than blocking the router.
func (c *clientConn) push(frame []byte) error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	case c.sendCh <- frame:
		return nil
	default:
		c.cancel()
		return &routeError{code: codeBackpressure, msg: "connection send buffer full", fatal: true}
	}
}

func (c *clientConn) pushError(msg string) {
	frame, err := encodeEvent(evtError, errorData{Message: msg})
	if err != nil {
		return
	}
	_ = c.push(frame)
}

// forceClose tells the peer why it is going away, then cancels. Used when a
// newer registration supersedes this connection and on shutdown.
func (c *clientConn) forceClose(reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(c.hub.wsCfg.WriteWait)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		c.cancel()
	})
}

func (c *clientConn) sendOnlineSnapshot() {
	frame, err := c.hub.onlineUsersFrame()
	if err != nil {
		return
	}
	_ = c.push(frame)
}

func (h *Hub) onlineUsersFrame() ([]byte, error) {
	entries := h.registry.ListOnline()
	users := make([]onlineUserData, 0, len(entries))
	for _, e := range entries {
		users = append(users, onlineUserData{UserID: e.UserID, Username: e.DisplayName, SocketID: e.ConnID})
	}
	return encodeEvent(evtOnlineUsers, users)
}

// broadcastOnlineUsers runs on every presence change (the registry notify
// hook). Every live connection gets the fresh snapshot, registered or not.
func (h *Hub) broadcastOnlineUsers() {
	h.metrics.setSessions(h.registry.Len())

	frame, err := h.onlineUsersFrame()
	if err != nil {
		h.log.Warn("encode online users", zap.Error(err))
		return
	}

	h.mu.Lock()
	targets := make([]*clientConn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		_ = c.push(frame)
	}
}

func (h *Hub) conn(connID string) *clientConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[connID]
}

func (h *Hub) cleanupConn(c *clientConn) {
	c.cancel()
	c.stopAllTypingTimers()

	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()

	// No-op when registration never completed, or when a superseding
	// registration already owns the user entry.
	removed := h.registry.Remove(c.id)

	if removed != nil {
		h.log.Info("user disconnected",
			zap.String("user_id", removed.UserID),
			zap.String("conn_id", c.id))
	} else {
		h.log.Info("connection closed", zap.String("conn_id", c.id))
	}
}

// Close terminates every connection; used during shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	targets := make([]*clientConn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.forceClose("server shutting down")
	}
}

func metricOp(event string) string {
	switch event {
	case evtRegisterUser:
		return "register_user"
	case evtChatMessage:
		return "chat_message"
	case evtGetConversation:
		return "get_conversation"
	case evtTypingStart:
		return "typing_start"
	case evtTypingStop:
		return "typing_stop"
	default:
		return "unknown"
	}
}

func generateConnID() (string, error) {
	var raw [12]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}
