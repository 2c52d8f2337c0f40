package mailer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tmardale/coursehub-backend/internal/config"
	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
)

// Message is one outbound email.
type Message struct {
	To       string            `json:"to"`
	Subject  string            `json:"subject"`
	HTMLBody string            `json:"html_body"`
	TextBody string            `json:"text_body,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// Mailer delivers messages and returns the provider's delivery ID.
type Mailer interface {
	Send(ctx context.Context, msg Message) (deliveryID string, err error)
}

/*
Client talks to the mail provider's HTTP API. Responses map onto the
error taxonomy: 429 becomes a capacity error carrying the Retry-After
header, 5xx is transient, other 4xx are terminal since resending the same
request cannot succeed. Transient failures are retried in place up to
MaxRetries attempts; capacity and terminal outcomes go straight back to
the caller, the queue owns pacing for those.
*/
type Client struct {
	http *http.Client
	cfg  config.MailerConfig
	log  *logger.Logger
}

func NewClient(cfg config.MailerConfig, log *logger.Logger) *Client {
	return &Client{
		http: &http.Client{Timeout: cfg.Timeout.Std()},
		cfg:  cfg,
		log:  log.With("component", "mailer"),
	}
}

type sendRequest struct {
	From     string            `json:"from"`
	FromName string            `json:"from_name,omitempty"`
	To       string            `json:"to"`
	Subject  string            `json:"subject"`
	HTML     string            `json:"html,omitempty"`
	Text     string            `json:"text,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

func (c *Client) Send(ctx context.Context, msg Message) (string, error) {
	if msg.To == "" {
		return "", apperr.Validation("to", "recipient is required")
	}
	body, err := json.Marshal(sendRequest{
		From:     c.cfg.FromEmail,
		FromName: c.cfg.FromName,
		To:       msg.To,
		Subject:  msg.Subject,
		HTML:     msg.HTMLBody,
		Text:     msg.TextBody,
		Headers:  msg.Headers,
	})
	if err != nil {
		return "", err
	}
	// Derived from the message, so every attempt at the same send carries
	// the same key and the provider can dedupe a retry that crossed a
	// slow success.
	sum := sha256.Sum256(body)
	idemKey := hex.EncodeToString(sum[:])

	attempts := c.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	delay := 200 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		id, err := c.attempt(ctx, body, idemKey)
		if err == nil {
			c.log.Debug("mail delivered", "to", msg.To, "delivery_id", id)
			return id, nil
		}
		lastErr = err
		var te *apperr.TransientError
		if !errors.As(err, &te) || attempt == attempts {
			return "", err
		}
		c.log.Warn("mail send attempt failed", "to", msg.To, "attempt", attempt, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		delay *= 2
	}
	return "", lastErr
}

func (c *Client) attempt(ctx context.Context, body []byte, idemKey string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/send", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Idempotency-Key", idemKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperr.Transient("mail send", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", apperr.Capacity("mailer", retryAfter(resp))
	case resp.StatusCode >= 500:
		return "", apperr.Transient("mail send", fmt.Errorf("provider returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", apperr.Terminal("mail rejected", fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.Transient("decode send response", err)
	}
	return out.ID, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}
