// Package notify posts deploy announcements to a chat room.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

type Color string

const (
	Red   Color = "red"
	Gray  Color = "gray"
	Green Color = "green"
)

// Message is one chat announcement.
type Message struct {
	Color Color
	Text  string
}

// Notifier delivers messages. Delivery is best effort; callers log errors
// and carry on.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// Webhook posts HipChat-style JSON to URL.
type Webhook struct {
	URL    string
	From   string
	Client *http.Client
}

// NewWebhook returns a Webhook with a client bounded by timeout.
func NewWebhook(url, from string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{URL: url, From: from, Client: &http.Client{Timeout: timeout}}
}

type payload struct {
	From          string `json:"from"`
	Message       string `json:"message"`
	Color         string `json:"color"`
	MessageFormat string `json:"message_format"`
	Notify        bool   `json:"notify"`
}

func (w *Webhook) Notify(ctx context.Context, m Message) error {
	body, err := json.Marshal(payload{
		From:          w.From,
		Message:       m.Text,
		Color:         string(m.Color),
		MessageFormat: "text",
		Notify:        m.Color == Red,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	return nil
}

// Nop discards messages.
type Nop struct{}

func (Nop) Notify(context.Context, Message) error { return nil }

// Recorder keeps messages in memory.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *Recorder) Notify(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

// Messages returns a copy of everything recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

// Reset forgets recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}
