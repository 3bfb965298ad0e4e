// Package notify delivers order notifications, refund notices and operator
// abort reports to webhooks or an EventBridge bus.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"boxoffice/internal/apperr"
	"boxoffice/internal/domain"
)

const defaultTimeout = 5 * time.Second

// Message is the envelope posted to every recipient. ID stays the same
// across retries so receivers can deduplicate.
type Message struct {
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	Project string          `json:"project"`
	Subject string          `json:"subject,omitempty"`
	Time    time.Time       `json:"time"`
	Data    json.RawMessage `json:"data"`
}

// Message events.
const (
	EventInformOrder = "order.inform"
	EventRefund      = "order.refund"
	EventTaskAborted = "task.aborted"
)

const (
	headerEvent        = "X-Boxoffice-Event"
	headerDelivery     = "X-Boxoffice-Delivery"
	headerProject      = "X-Boxoffice-Project"
	headerSecret       = "X-Boxoffice-Secret"
	eventBridgeScheme  = "eventbridge"
	maxErrorBodyLength = 4096
)

type Sender interface {
	Send(ctx context.Context, to domain.Recipient, msg Message) error
}

// Publisher puts one message on a named event bus.
type Publisher interface {
	Publish(ctx context.Context, bus string, msg Message) error
}

// Notifier routes by recipient URL: http and https are posted as webhooks,
// eventbridge://<bus> goes to the publisher.
type Notifier struct {
	client    *http.Client
	publisher Publisher
	logger    *zap.Logger
	secrets   map[string]string
	bus       string
}

func New(timeout time.Duration, publisher Publisher, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		client:    &http.Client{Timeout: timeout},
		publisher: publisher,
		logger:    logger,
		secrets:   map[string]string{},
	}
}

// WithSecret sends secret in a header to the webhook at rawURL.
func (n *Notifier) WithSecret(rawURL, secret string) *Notifier {
	if strings.TrimSpace(secret) != "" {
		n.secrets[rawURL] = secret
	}
	return n
}

// WithDefaultBus routes eventbridge:// recipients that name no bus to bus.
func (n *Notifier) WithDefaultBus(bus string) *Notifier {
	n.bus = bus
	return n
}

func (n *Notifier) Send(ctx context.Context, to domain.Recipient, msg Message) error {
	u, err := url.Parse(to.URL)
	if err != nil {
		return apperr.NewArgument("recipient", "invalid url %q: %v", to.URL, err)
	}
	switch u.Scheme {
	case "http", "https":
		return n.post(ctx, to, msg)
	case eventBridgeScheme:
		bus := u.Host
		if bus == "" {
			bus = n.bus
		}
		if n.publisher == nil || bus == "" {
			return apperr.NewServiceUnavailable("event bus %q not configured", bus)
		}
		return n.publisher.Publish(ctx, bus, msg)
	}
	return apperr.NewArgument("recipient", "unsupported scheme %q", u.Scheme)
}

func (n *Notifier) post(ctx context.Context, to domain.Recipient, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, to.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, msg.Event)
	req.Header.Set(headerDelivery, msg.ID)
	req.Header.Set(headerProject, msg.Project)
	if secret := n.secrets[to.URL]; secret != "" {
		req.Header.Set(headerSecret, secret)
	}
	res, err := n.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.ServiceUnavailable, err, "webhook %s", to.URL)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyLength))
		return apperr.FromStatus(res.StatusCode, fmt.Sprintf("webhook %s: %s", to.URL, strings.TrimSpace(string(body))))
	}
	n.logger.Debug("notification delivered",
		zap.String("url", to.URL),
		zap.String("event", msg.Event),
		zap.String("delivery_id", msg.ID))
	return nil
}
