package mailer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tmardale/coursehub-backend/internal/config"
	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewClient(config.MailerConfig{
		BaseURL:   srv.URL,
		APIKey:    "test-key",
		FromEmail: "noreply@coursehub.example",
		FromName:  "CourseHub",
		Timeout:   config.Duration(5 * time.Second),
	}, log)
}

func TestSendDeliversAndReturnsID(t *testing.T) {
	var gotAuth, gotIdem string
	var gotBody sendRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/send" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg-123"}`))
	})

	id, err := c.Send(context.Background(), Message{
		To:       "ana@example.edu",
		Subject:  "Welcome",
		HTMLBody: "<p>hi</p>",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "msg-123" {
		t.Fatalf("delivery id = %q", id)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotIdem == "" {
		t.Fatalf("no idempotency key sent")
	}
	if gotBody.From != "noreply@coursehub.example" || gotBody.To != "ana@example.edu" || gotBody.Subject != "Welcome" {
		t.Fatalf("request body: %+v", gotBody)
	}
}

func TestSendRateLimitedCarriesRetryAfter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Send(context.Background(), Message{To: "ana@example.edu"})
	ce, ok := apperr.AsCapacity(err)
	if !ok {
		t.Fatalf("err = %v, want capacity", err)
	}
	if ce.RetryAfter != 30*time.Second {
		t.Fatalf("retry after = %s, want 30s", ce.RetryAfter)
	}
}

func TestSendRateLimitedWithoutHeaderDefaults(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Send(context.Background(), Message{To: "ana@example.edu"})
	ce, ok := apperr.AsCapacity(err)
	if !ok {
		t.Fatalf("err = %v, want capacity", err)
	}
	if ce.RetryAfter != time.Minute {
		t.Fatalf("retry after = %s, want 1m", ce.RetryAfter)
	}
}

func TestSendServerErrorIsRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Send(context.Background(), Message{To: "ana@example.edu"})
	if err == nil || !apperr.Retryable(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
}

func TestSendRejectionIsTerminal(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"invalid recipient"}`))
	})

	_, err := c.Send(context.Background(), Message{To: "not-an-address"})
	if !apperr.IsTerminal(err) {
		t.Fatalf("err = %v, want terminal", err)
	}
}

func TestSendRequiresRecipient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request sent with empty recipient")
	})

	_, err := c.Send(context.Background(), Message{Subject: "no recipient"})
	if !apperr.IsValidation(err) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func newRetryingClient(t *testing.T, maxRetries int, handler http.HandlerFunc) *Client {
	t.Helper()
	c := newTestClient(t, handler)
	c.cfg.MaxRetries = maxRetries
	return c
}

func TestSendRetriesTransientWithStableIdempotencyKey(t *testing.T) {
	var hits int
	var keys []string
	client := newRetryingClient(t, 3, func(w http.ResponseWriter, r *http.Request) {
		hits++
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		if hits == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(sendResponse{ID: "msg-retried"})
	})

	id, err := client.Send(context.Background(), Message{To: "ana@example.edu", Subject: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "msg-retried" {
		t.Fatalf("delivery id = %q", id)
	}
	if hits != 2 {
		t.Fatalf("provider saw %d requests, want a single retry", hits)
	}
	if keys[0] == "" || keys[0] != keys[1] {
		t.Fatalf("idempotency keys differ across attempts: %q vs %q", keys[0], keys[1])
	}
}

func TestSendSameMessageReusesIdempotencyKey(t *testing.T) {
	var keys []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		json.NewEncoder(w).Encode(sendResponse{ID: "msg-1"})
	})

	msg := Message{To: "ana@example.edu", Subject: "hi", TextBody: "hello"}
	for i := 0; i < 2; i++ {
		if _, err := client.Send(context.Background(), msg); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if keys[0] == "" || keys[0] != keys[1] {
		t.Fatalf("redelivered message changed idempotency key: %q vs %q", keys[0], keys[1])
	}

	if _, err := client.Send(context.Background(), Message{To: "ana@example.edu", Subject: "other"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if keys[2] == keys[0] {
		t.Fatalf("distinct message reused idempotency key %q", keys[2])
	}
}

func TestSendRejectionIsNotRetried(t *testing.T) {
	var hits int
	client := newRetryingClient(t, 3, func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	_, err := client.Send(context.Background(), Message{To: "ana@example.edu"})
	if !apperr.IsTerminal(err) {
		t.Fatalf("err = %v, want terminal", err)
	}
	if hits != 1 {
		t.Fatalf("provider saw %d requests for a rejected send, want 1", hits)
	}
}
