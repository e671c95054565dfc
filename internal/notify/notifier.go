// Package notify schedules and delivers warming notifications anchored
// to user activity.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apierrors "github.com/instarding/server/internal/errors"
)

// Message is one outbound notification with an optional inline button.
type Message struct {
	Text       string
	ButtonText string
	ButtonURL  string
}

// Notifier delivers a message to a user. Implementations decide the
// channel; the scheduler only cares about success or failure.
type Notifier interface {
	Send(ctx context.Context, chatID string, msg Message) error
}

// NoopNotifier swallows every message. Used when notifications are
// disabled so the rest of the pipeline needs no special casing.
type NoopNotifier struct{}

func (NoopNotifier) Send(ctx context.Context, chatID string, msg Message) error { return nil }

// TelegramNotifier sends messages through the Telegram Bot API.
type TelegramNotifier struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// NewTelegramNotifier builds a notifier for the given bot token.
// apiURL defaults to the public Bot API host.
func NewTelegramNotifier(apiURL, token string, log zerolog.Logger) *TelegramNotifier {
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		baseURL: strings.TrimRight(apiURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("component", "telegram").Logger(),
	}
}

type inlineButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts one sendMessage call with an inline keyboard button.
func (t *TelegramNotifier) Send(ctx context.Context, chatID string, msg Message) error {
	payload := map[string]interface{}{
		"chat_id":    chatID,
		"text":       msg.Text,
		"parse_mode": "HTML",
	}
	if msg.ButtonText != "" || msg.ButtonURL != "" {
		payload["reply_markup"] = map[string]interface{}{
			"inline_keyboard": [][]inlineButton{{{Text: msg.ButtonText, URL: msg.ButtonURL}}},
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternalError, "encoding telegram message", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternalError, "building telegram request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeConnection, "telegram sendMessage", err)
	}
	defer resp.Body.Close()

	var out telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeUnexpectedShape, "decoding telegram response", err)
	}
	if resp.StatusCode != http.StatusOK || !out.OK {
		desc := out.Description
		if desc == "" {
			desc = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return apierrors.New(apierrors.ErrCodeServerError, "telegram refused message: "+desc)
	}
	return nil
}
