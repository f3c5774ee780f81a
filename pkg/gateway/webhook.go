// Copyright 2024-2026 Aiku AI

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NormalizedMessage is the canonical payload produced for one inbound
// message, in the whapi-compatible shape the downstream consumer expects.
// The text is duplicated under both "body" and "text.body" for consumer
// compatibility. Immutable once constructed.
type NormalizedMessage struct {
	From            string      `json:"from"`
	FromName        *string     `json:"from_name"`
	PushName        *string     `json:"pushname"`
	Body            string      `json:"body"`
	Text            MessageText `json:"text"`
	ID              string      `json:"id"`
	Timestamp       int64       `json:"timestamp"`
	IsMentioned     bool        `json:"isMentioned"`
	MentionedJID    []string    `json:"mentionedJid"`
	IsGroup         bool        `json:"isGroup"`
	Participant     *string     `json:"participant"`
	ParticipantName *string     `json:"participantName"`
	GroupName       *string     `json:"groupName"`
	OriginalJID     string      `json:"originalJid"`
}

// MessageText duplicates the message body under the nested whapi key.
type MessageText struct {
	Body string `json:"body"`
}

// webhookEnvelope wraps a single message in the whapi list shape. The
// source discriminator tells the consumer which transport produced it.
type webhookEnvelope struct {
	Messages []*NormalizedMessage `json:"messages"`
	Source   string               `json:"source"`
}

const (
	webhookSource  = "whatsmeow"
	webhookTimeout = 10 * time.Second
)

// WebhookClient forwards normalized messages to the configured webhook URL
// with a fixed request timeout. A failed delivery is logged with response
// detail and dropped; it is never queued for retry.
type WebhookClient struct {
	url    string
	apiKey string
	http   *http.Client
	log    zerolog.Logger
}

func NewWebhookClient(url, apiKey string, log zerolog.Logger) *WebhookClient {
	return &WebhookClient{
		url:    url,
		apiKey: apiKey,
		http:   &http.Client{Timeout: webhookTimeout},
		log:    log.With().Str("component", "webhook").Logger(),
	}
}

// Deliver posts the message to the webhook. Non-2xx responses are errors
// carrying the status code and a bounded slice of the response body.
func (w *WebhookClient) Deliver(ctx context.Context, msg *NormalizedMessage) error {
	if w.url == "" {
		return fmt.Errorf("webhook URL not configured")
	}
	body, err := json.Marshal(&webhookEnvelope{
		Messages: []*NormalizedMessage{msg},
		Source:   webhookSource,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", w.apiKey)

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	w.log.Debug().Str("message_id", msg.ID).Int("status", resp.StatusCode).Msg("Webhook delivered")
	return nil
}
