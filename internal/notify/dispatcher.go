// Package notify delivers outbox events to configured webhooks. It is the
// presentation-side subscriber of the engine: operations only append events
// and never call out themselves.
package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"custodia/internal/config"
	"custodia/internal/domain"
	"custodia/internal/metrics"
)

const (
	DefaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

// Source is the outbox read surface. repo.Repo satisfies it.
type Source interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

type Dispatcher struct {
	source   Source
	hooks    []config.WebhookConfig
	clients  []*resty.Client
	logger   *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	cursors map[int]int64
}

// New returns nil when no webhook is enabled.
func New(source Source, hooks []config.WebhookConfig, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		source:   source,
		logger:   logger.Named("notify"),
		interval: DefaultInterval,
		cursors:  make(map[int]int64),
	}
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		timeout := defaultTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		d.hooks = append(d.hooks, hook)
		d.clients = append(d.clients, resty.New().
			SetTimeout(timeout).
			SetRetryCount(2).
			SetRetryWaitTime(200*time.Millisecond).
			SetRetryMaxWaitTime(time.Second).
			SetHeader("Content-Type", "application/json"))
	}
	if len(d.hooks) == 0 {
		return nil
	}
	return d
}

// Run polls the outbox until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every hook.
func (d *Dispatcher) DispatchAll(ctx context.Context) {
	for i := range d.hooks {
		d.dispatch(ctx, i)
	}
}

// dispatch delivers pending events for hook idx in order. A failed delivery
// stops the pass so the event is retried next time.
func (d *Dispatcher) dispatch(ctx context.Context, idx int) {
	hook := d.hooks[idx]
	cursor, ok := d.cursorFor(ctx, idx)
	if !ok {
		return
	}
	events, err := d.source.EventsAfter(ctx, defaultBatch, cursor)
	if err != nil {
		d.logger.Warn("fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		err := d.post(ctx, idx, evt)
		metrics.WebhookDelivery(evt.Type, err == nil)
		if err != nil {
			d.logger.Warn("webhook delivery failed",
				zap.String("url", hook.URL),
				zap.Int64("event_id", evt.ID),
				zap.String("event_type", evt.Type),
				zap.Error(err))
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor starts new hooks at the current head so a restart does not
// replay history. Without a head the pass is skipped and the lookup is retried
// on the next one.
func (d *Dispatcher) cursorFor(ctx context.Context, idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, true
	}
	cur, err := d.source.LatestEventID(ctx)
	if err != nil {
		d.logger.Warn("init cursor failed; skipping pass", zap.Int("hook", idx), zap.Error(err))
		return 0, false
	}
	d.cursors[idx] = cur
	return cur, true
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// Cursor reports the last event id handled for hook idx.
func (d *Dispatcher) Cursor(idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.cursors[idx]
	return cur, ok
}

type Delivery struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ServiceID  string          `json:"service_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *Dispatcher) post(ctx context.Context, idx int, evt domain.Event) error {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	body, err := json.Marshal(Delivery{
		ID:         evt.ID,
		Type:       evt.Type,
		ServiceID:  evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	hook := d.hooks[idx]
	req := d.clients[idx].R().
		SetContext(ctx).
		SetHeader("X-Custodia-Event", evt.Type).
		SetHeader("X-Custodia-Delivery", strconv.FormatInt(evt.ID, 10)).
		SetBody(body)
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.SetHeader("X-Custodia-Signature", "sha256="+Sign(secret, body))
	}
	res, err := req.Post(hook.URL)
	if err != nil {
		return err
	}
	if res.IsError() {
		return fmt.Errorf("status %d: %s", res.StatusCode(), strings.TrimSpace(truncate(res.String(), 512)))
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

// newEventFilter matches exact types and "prefix.*" families such as
// "custodian.*".
func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	if i := strings.IndexByte(evt, '.'); i > 0 {
		_, ok := f.set[evt[:i]+".*"]
		return ok
	}
	return false
}
