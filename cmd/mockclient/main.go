// mockclient is a small interactive-free websocket client used to exercise a
// running chat node from the command line.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

type clientConfig struct {
	nodeAddr  string
	userID    string
	username  string
	target    string
	message   string
	listenFor time.Duration
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("mock client failed: %v", err)
	}
	log.Printf("mock client %s (%s) done", cfg.username, cfg.userID)
}

func parseConfig() clientConfig {
	var cfg clientConfig
	flag.StringVar(&cfg.nodeAddr, "node", "127.0.0.1:3001", "Chat node address")
	flag.StringVar(&cfg.userID, "user-id", "mock-user", "User id to register")
	flag.StringVar(&cfg.username, "username", "Mock", "Display name to register")
	flag.StringVar(&cfg.target, "target", "", "Recipient user id (empty to just listen)")
	flag.StringVar(&cfg.message, "message", "hello from mockclient", "Message content to send")
	flag.DurationVar(&cfg.listenFor, "listen", 10*time.Second, "How long to keep reading events")
	flag.Parse()
	return cfg
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func run(cfg clientConfig) error {
	u := url.URL{Scheme: "ws", Host: cfg.nodeAddr, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	defer conn.Close()

	send := func(event string, data any) error {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		return conn.WriteJSON(envelope{Event: event, Data: raw})
	}

	if err := send("register-user", map[string]string{
		"userId":   cfg.userID,
		"username": cfg.username,
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	if cfg.target != "" {
		if err := send("chat-message", map[string]string{
			"recipientId": cfg.target,
			"content":     cfg.message,
		}); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		if err := send("get-conversation", map[string]string{
			"otherUserId": cfg.target,
		}); err != nil {
			return fmt.Errorf("request history: %w", err)
		}
	}

	deadline := time.Now().Add(cfg.listenFor)
	_ = conn.SetReadDeadline(deadline)
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			if time.Now().After(deadline) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		log.Printf("<- %s %s", env.Event, string(env.Data))
	}
}
