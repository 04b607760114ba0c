package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Message is the rendered notification handed to a delivery provider.
type Message struct {
	Target    string          `json:"target"`
	Subject   string          `json:"subject"`
	Body      string          `json:"body"`
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Severity  string          `json:"severity"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type Provider interface {
	Send(ctx context.Context, msg Message) error
}

// permanentError marks a failure that retrying cannot fix, such as a
// rejected recipient. Everything else is treated as transient.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func classifyStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	err := fmt.Errorf("delivery endpoint returned %d: %s", statusCode, truncate(body, 200))
	if statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests || statusCode >= 500 {
		return err
	}
	return Permanent(err)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// HTTPProvider posts messages to a delivery API (email and SMS relays
// share this shape).
type HTTPProvider struct {
	client *http.Client
	url    string
	token  string
}

func NewHTTPProvider(client *http.Client, url string, token string) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProvider{client: client, url: url, token: token}
}

func (p *HTTPProvider) Send(ctx context.Context, msg Message) error {
	if p.url == "" {
		return Permanent(errors.New("delivery endpoint not configured"))
	}
	return p.post(ctx, p.url, msg)
}

func (p *HTTPProvider) post(ctx context.Context, url string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return classifyStatus(resp.StatusCode, respBody)
}

// WebhookProvider posts to the target URL carried on the queue entry.
type WebhookProvider struct {
	inner *HTTPProvider
}

func NewWebhookProvider(client *http.Client) *WebhookProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookProvider{inner: &HTTPProvider{client: client}}
}

func (p *WebhookProvider) Send(ctx context.Context, msg Message) error {
	if msg.Target == "" {
		return Permanent(errors.New("webhook target is empty"))
	}
	return p.inner.post(ctx, msg.Target, msg)
}
