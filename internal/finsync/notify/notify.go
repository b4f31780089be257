// Package notify delivers user notifications produced by background jobs.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/blitzy-public-samples/mint-mobile-app-fq9nqt-sub000/internal/finsync/remote"
	"github.com/google/uuid"
)

// Notifier sends a notification to one user.
type Notifier interface {
	Send(ctx context.Context, userID, title, body string, data map[string]string) (*Receipt, error)
}

// Receipt confirms a delivered notification.
type Receipt struct {
	ID      string    `json:"id" yaml:"id"`
	UserID  string    `json:"user_id" yaml:"user_id"`
	Channel string    `json:"channel" yaml:"channel"`
	SentAt  time.Time `json:"sent_at" yaml:"sent_at"`
}

// Message is the JSON body posted by WebhookNotifier.
type Message struct {
	ID     string            `json:"id"`
	UserID string            `json:"userId"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

func validate(userID, title string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if title == "" {
		return fmt.Errorf("title is required")
	}
	return nil
}

// WebhookNotifier posts notifications to an HTTP endpoint.
//
// Non-2xx answers are returned as *remote.Error so callers can tell a
// retryable failure from a rejected message with remote.IsTransient.
type WebhookNotifier struct {
	url  string
	http *http.Client
}

// NewWebhookNotifier creates a notifier posting to url. A nil client gets a
// default with a 10 second timeout.
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, http: client}
}

// Send implements Notifier.
func (n *WebhookNotifier) Send(ctx context.Context, userID, title, body string, data map[string]string) (*Receipt, error) {
	if err := validate(userID, title); err != nil {
		return nil, err
	}

	msg := Message{ID: uuid.NewString(), UserID: userID, Title: title, Body: body, Data: data}
	buf, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.ID)

	resp, err := n.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &remote.Error{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(text)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return &Receipt{ID: msg.ID, UserID: userID, Channel: "webhook", SentAt: time.Now().UTC()}, nil
}

// LogNotifier writes notifications to a logger. It is the fallback when no
// webhook is configured.
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier creates a notifier writing to logger, or stderr if nil.
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	return &LogNotifier{logger: logger}
}

// Send implements Notifier.
func (n *LogNotifier) Send(ctx context.Context, userID, title, body string, data map[string]string) (*Receipt, error) {
	if err := validate(userID, title); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := &Receipt{ID: uuid.NewString(), UserID: userID, Channel: "log", SentAt: time.Now().UTC()}
	n.logger.Printf("Notify %s: %s: %s %v (%s)", userID, title, body, data, r.ID)
	return r, nil
}
