// Package notifier batches and debounces outbound webhook alerts on
// behalf of the Recovery Engine and Host Client, rendering per-event-kind
// templates and respecting per-event toggles, per spec §4.4.
package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Sponsorn/streamloop/internal/config"
	"github.com/Sponsorn/streamloop/internal/eventbus"
	"github.com/Sponsorn/streamloop/internal/logging"
	"github.com/Sponsorn/streamloop/internal/models"
)

// queuedMessage is one rendered entry awaiting flush.
type queuedMessage struct {
	content string
	level   models.NotifyLevel
}

// Notifier subscribes to eventbus.TopicNotify, batches messages behind a
// debounce timer, and flushes them as a single outbound webhook request.
// A fresh Notifier is constructed on every config reload, per spec §4.6.
type Notifier struct {
	cfg     config.NotifierConfig
	bus     *eventbus.Bus
	log     zerolog.Logger
	http    *retryablehttp.Client
	limiter *rate.Limiter

	mu    sync.Mutex
	queue []queuedMessage

	timerMu sync.Mutex
	timer   *time.Timer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Notifier. Start must be called to begin consuming
// events from the bus.
func New(cfg config.NotifierConfig, bus *eventbus.Bus) *Notifier {
	log := logging.WithComponent("notifier")

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 0
	httpClient.Logger = zerologLeveledLogger{log: log}

	return &Notifier{
		cfg:     cfg,
		bus:     bus,
		log:     log,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

// Start subscribes to TopicNotify and runs the consume loop until ctx is
// cancelled or Close is called.
func (n *Notifier) Start(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	ch, err := n.bus.Subscribe(subCtx, eventbus.TopicNotify)
	if err != nil {
		cancel()
		return fmt.Errorf("notifier: subscribe: %w", err)
	}

	n.wg.Add(1)
	go n.run(ch)
	return nil
}

func (n *Notifier) run(ch <-chan *message.Message) {
	defer n.wg.Done()
	for msg := range ch {
		n.handleMessage(msg)
	}
}

func (n *Notifier) handleMessage(msg *message.Message) {
	var evt eventbus.NotifyEvent
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		n.log.Warn().Err(err).Msg("dropping unparsable notify event")
		msg.Ack()
		return
	}
	msg.Ack()

	if evt.Kind != "" && !n.cfg.EventEnabled(evt.Kind) {
		return
	}

	content := evt.Content
	if content == "" {
		content = renderTemplate(templateFor(n.cfg.Templates, evt.Kind), evt.Fields)
	}

	n.enqueue(content, evt.Level)

	if evt.Level == models.LevelError {
		n.doFlush()
		return
	}
	n.scheduleFlush()
}

func (n *Notifier) enqueue(content string, level models.NotifyLevel) {
	n.mu.Lock()
	n.queue = append(n.queue, queuedMessage{content: content, level: level})
	n.mu.Unlock()
}

// scheduleFlush (re)arms the debounce timer. Multiple calls within the
// debounce window coalesce into a single flush, per spec §4.4.
func (n *Notifier) scheduleFlush() {
	n.timerMu.Lock()
	defer n.timerMu.Unlock()

	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.cfg.Debounce(), n.doFlush)
}

// doFlush cancels any pending timer, drains the queue, and sends one
// outbound webhook request containing every queued message. Per spec §4.4
// the queue is considered drained even on failure — there is no retry
// buffer.
func (n *Notifier) doFlush() {
	n.timerMu.Lock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.timerMu.Unlock()

	n.mu.Lock()
	batch := n.queue
	n.queue = nil
	n.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if n.cfg.WebhookURL == "" {
		n.log.Debug().Int("count", len(batch)).Msg("no webhook configured, dropping batch")
		return
	}

	payload := n.buildPayload(batch)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := n.limiter.Wait(ctx); err != nil {
		n.log.Warn().Err(err).Msg("webhook rate limiter wait failed")
		return
	}

	if err := n.postWebhook(ctx, payload); err != nil {
		n.log.Warn().Err(err).Int("count", len(batch)).Msg("webhook flush failed")
	}
}

func (n *Notifier) buildPayload(batch []queuedMessage) webhookPayload {
	description := ""
	highest := models.LevelInfo
	for i, m := range batch {
		if i > 0 {
			description += "\n"
		}
		description += m.content
		if m.level.Rank() > highest.Rank() {
			highest = m.level
		}
	}

	content := ""
	if highest == models.LevelError && n.cfg.RoleMention != "" {
		content = n.cfg.RoleMention
	}

	return webhookPayload{
		Content:   content,
		Username:  n.cfg.Username,
		AvatarURL: n.cfg.AvatarURL,
		Embeds: []embed{{
			Description: description,
			Color:       colorFor(highest),
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			Footer:      embedFooter{Text: fmt.Sprintf("%d events", len(batch))},
		}},
	}
}

// Close stops the consume loop and flushes any remaining batched
// messages before returning.
func (n *Notifier) Close() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	n.doFlush()
}
