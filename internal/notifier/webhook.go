package notifier

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/Sponsorn/streamloop/internal/models"
)

// Discord-style embed colors, per spec §6.
const (
	colorInfo  = 3447003
	colorWarn  = 16776960
	colorError = 15158332
)

func colorFor(level models.NotifyLevel) int {
	switch level {
	case models.LevelError:
		return colorError
	case models.LevelWarn:
		return colorWarn
	default:
		return colorInfo
	}
}

type embedFooter struct {
	Text string `json:"text"`
}

type embed struct {
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description"`
	Color       int         `json:"color"`
	Timestamp   string      `json:"timestamp"`
	Footer      embedFooter `json:"footer"`
}

type webhookPayload struct {
	Content   string  `json:"content,omitempty"`
	Username  string  `json:"username,omitempty"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	Embeds    []embed `json:"embeds"`
}

// postWebhook sends payload as a JSON POST to url. The caller owns retry
// policy (the client is configured with RetryMax: 0, per spec §4.4's "no
// retry buffer — alerts are advisory, not reliable").
func (n *Notifier) postWebhook(ctx context.Context, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notifier: marshal webhook payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notifier: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("notifier: webhook request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notifier: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// zerologLeveledLogger adapts retryablehttp's LeveledLogger interface to
// the package's structured logger, matching the same adapter shape as
// eventbus's watermill logger.
type zerologLeveledLogger struct {
	log zerolog.Logger
}

func (l zerologLeveledLogger) Error(msg string, keysAndValues ...any) { l.logAt(l.log.Error(), msg, keysAndValues) }
func (l zerologLeveledLogger) Info(msg string, keysAndValues ...any)  { l.logAt(l.log.Info(), msg, keysAndValues) }
func (l zerologLeveledLogger) Debug(msg string, keysAndValues ...any) { l.logAt(l.log.Debug(), msg, keysAndValues) }
func (l zerologLeveledLogger) Warn(msg string, keysAndValues ...any)  { l.logAt(l.log.Warn(), msg, keysAndValues) }

func (l zerologLeveledLogger) logAt(ev *zerolog.Event, msg string, keysAndValues []any) {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, _ := keysAndValues[i].(string)
		ev = ev.Interface(key, keysAndValues[i+1])
	}
	ev.Msg(msg)
}
