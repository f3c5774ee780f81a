// Copyright 2024-2026 Aiku AI

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestWebhookDeliver(t *testing.T) {
	t.Parallel()
	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhookClient(srv.URL, "secret-key", zerolog.Nop())
	msg := &NormalizedMessage{
		From:         "628123@c.us",
		Body:         "hello",
		Text:         MessageText{Body: "hello"},
		ID:           "m1",
		Timestamp:    1700000000,
		MentionedJID: []string{},
		OriginalJID:  "628123:4@s.whatsapp.net",
	}
	if err := w.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if got := gotHeader.Get("x-api-key"); got != "secret-key" {
		t.Errorf("x-api-key = %q", got)
	}
	if got := gotHeader.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}

	var envelope struct {
		Messages []json.RawMessage `json:"messages"`
		Source   string            `json:"source"`
	}
	if err := json.Unmarshal(gotBody, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Source != "whatsmeow" {
		t.Errorf("source = %q", envelope.Source)
	}
	if len(envelope.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(envelope.Messages))
	}
	var sent map[string]any
	if err := json.Unmarshal(envelope.Messages[0], &sent); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if sent["from"] != "628123@c.us" || sent["body"] != "hello" {
		t.Errorf("unexpected message payload: %v", sent)
	}
	if text, ok := sent["text"].(map[string]any); !ok || text["body"] != "hello" {
		t.Errorf("nested text.body missing: %v", sent["text"])
	}
}

func TestWebhookDeliverNon2xx(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhookClient(srv.URL, "", zerolog.Nop())
	err := w.Deliver(context.Background(), &NormalizedMessage{ID: "m1"})
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "nope") {
		t.Errorf("error lacks status detail: %v", err)
	}
}

func TestWebhookDeliverNoURL(t *testing.T) {
	t.Parallel()
	w := NewWebhookClient("", "", zerolog.Nop())
	if err := w.Deliver(context.Background(), &NormalizedMessage{ID: "m1"}); err == nil {
		t.Fatal("expected error when webhook URL is unset")
	}
}
