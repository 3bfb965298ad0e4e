package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"boxoffice/internal/config"
	"boxoffice/internal/domain"
)

const (
	defaultRelayInterval = 2 * time.Second
	defaultRelayBatch    = 100
)

// EventSource reads the audit log.
type EventSource interface {
	EventsAfter(ctx context.Context, cursor int64, project string, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Relay forwards audit log events to the configured audit hooks. Each hook
// keeps its own cursor, starting at the log head when the relay starts; a
// failed delivery stops that hook's batch and is retried on the next tick.
type Relay struct {
	source   EventSource
	sender   Sender
	project  string
	hooks    []config.AuditHook
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

func NewRelay(source EventSource, sender Sender, project string, hooks []config.AuditHook, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		source:   source,
		sender:   sender,
		project:  project,
		hooks:    hooks,
		interval: defaultRelayInterval,
		logger:   logger,
		cursors:  make(map[int]int64),
	}
}

// Run relays until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	if len(r.hooks) == 0 {
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Relay) DispatchAll(ctx context.Context) {
	for i, hook := range r.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		r.dispatch(ctx, i, hook)
	}
}

func (r *Relay) dispatch(ctx context.Context, idx int, hook config.AuditHook) {
	cursor := r.cursorFor(ctx, idx)
	events, err := r.source.EventsAfter(ctx, cursor, r.project, defaultRelayBatch)
	if err != nil {
		r.logger.Warn("audit relay: fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	to := domain.Recipient{URL: hook.URL}
	for _, evt := range events {
		if !filter.match(evt.Type) {
			r.setCursor(idx, evt.ID)
			continue
		}
		if err := r.sender.Send(ctx, to, auditMessage(evt)); err != nil {
			r.logger.Warn("audit relay: delivery failed",
				zap.String("url", hook.URL),
				zap.Int64("event_id", evt.ID),
				zap.Error(err))
			return
		}
		r.setCursor(idx, evt.ID)
	}
}

func (r *Relay) cursorFor(ctx context.Context, idx int) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.cursors[idx]; ok {
		return cur
	}
	cur, err := r.source.LatestEventID(ctx)
	if err != nil {
		r.logger.Warn("audit relay: init cursor failed", zap.Error(err))
		cur = 0
	}
	r.cursors[idx] = cur
	return cur
}

func (r *Relay) setCursor(idx int, value int64) {
	r.mu.Lock()
	r.cursors[idx] = value
	r.mu.Unlock()
}

type auditEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func auditMessage(evt domain.Event) Message {
	body := auditEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    json.RawMessage(`{}`),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			body.Payload = json.RawMessage(evt.Payload)
		} else {
			body.PayloadRaw = evt.Payload
		}
	}
	data, _ := json.Marshal(body)
	return Message{
		ID:      strconv.FormatInt(evt.ID, 10),
		Event:   evt.Type,
		Project: evt.Project,
		Subject: evt.EntityID,
		Time:    evt.TS,
		Data:    data,
	}
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

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
	_, ok := f.set[evt]
	return ok
}
