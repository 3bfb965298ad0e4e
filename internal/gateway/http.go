package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"boxoffice/internal/apperr"
	"boxoffice/internal/config"
	"boxoffice/internal/domain"
)

// Observer receives one callback per downstream call.
type Observer interface {
	ObserveGatewayCall(gateway, operation string, d time.Duration, err error)
}

// Client is a JSON-over-HTTP client for one downstream service, guarded by a
// circuit breaker. Only ServiceUnavailable outcomes count against the
// breaker; caller errors such as 400 or 404 leave it closed.
type Client struct {
	name     string
	base     string
	token    string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
	observer Observer
}

func NewClient(name string, ep config.EndpointSettings, bs config.BreakerSettings, logger *zap.Logger, observer Observer) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		name:     name,
		base:     strings.TrimRight(ep.URL, "/"),
		token:    ep.Token,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
		observer: observer,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: bs.MaxRequests,
		Interval:    bs.Interval,
		Timeout:     bs.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bs.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= bs.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("gateway circuit breaker state changed",
				zap.String("gateway", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || apperr.TypeOf(err) != apperr.ServiceUnavailable
		},
	})
	return c
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// do sends in as JSON and decodes the response into out when out is not nil.
func (c *Client) do(ctx context.Context, operation, method, path string, in, out any) error {
	start := time.Now()
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, in, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = apperr.Wrap(apperr.ServiceUnavailable, err, "%s unavailable", c.name)
	}
	if c.observer != nil {
		c.observer.ObserveGatewayCall(c.name, operation, time.Since(start), err)
	}
	if err != nil {
		c.logger.Debug("gateway call failed",
			zap.String("gateway", c.name),
			zap.String("operation", operation),
			zap.Error(err))
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.ServiceUnavailable, err, "%s request failed", c.name)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		var eb errorBody
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &eb) == nil {
			if eb.Message != "" {
				msg = eb.Message
			} else if eb.Error != "" {
				msg = eb.Error
			}
		}
		if msg == "" {
			msg = http.StatusText(res.StatusCode)
		}
		return apperr.FromStatus(res.StatusCode, fmt.Sprintf("%s: %s", c.name, msg))
	}
	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.ServiceUnavailable, err, "%s returned an unreadable body", c.name)
	}
	return nil
}

type reservationClient struct{ *Client }

func (c reservationClient) Start(ctx context.Context, req ReserveRequest) (ReserveResponse, error) {
	var res ReserveResponse
	err := c.do(ctx, "start", http.MethodPost, "/transactions/reserve/start", req, &res)
	return res, err
}

func (c reservationClient) Confirm(ctx context.Context, transactionID string) error {
	return c.do(ctx, "confirm", http.MethodPut, "/transactions/reserve/"+url.PathEscape(transactionID)+"/confirm", nil, nil)
}

func (c reservationClient) Cancel(ctx context.Context, transactionID string) error {
	return c.do(ctx, "cancel", http.MethodPut, "/transactions/reserve/"+url.PathEscape(transactionID)+"/cancel", nil, nil)
}

func (c reservationClient) Return(ctx context.Context, reservationNumbers []string) error {
	return c.do(ctx, "return", http.MethodPost, "/reservations/return", map[string]any{"reservation_numbers": reservationNumbers}, nil)
}

type accountClient struct{ *Client }

func (c accountClient) Start(ctx context.Context, req StartPending) (PendingTransaction, error) {
	var res PendingTransaction
	path := "/transactions/" + strings.ToLower(string(req.TypeOf)) + "/start"
	err := c.do(ctx, "start_"+strings.ToLower(string(req.TypeOf)), http.MethodPost, path, req, &res)
	return res, err
}

func (c accountClient) Confirm(ctx context.Context, id string) error {
	return c.do(ctx, "confirm", http.MethodPut, "/transactions/"+url.PathEscape(id)+"/confirm", nil, nil)
}

func (c accountClient) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, "cancel", http.MethodPut, "/transactions/"+url.PathEscape(id)+"/cancel", nil, nil)
}

type cardClient struct{ *Client }

func (c cardClient) Authorize(ctx context.Context, req CardAuthorizeRequest) (CardTransaction, error) {
	var res CardTransaction
	err := c.do(ctx, "authorize", http.MethodPost, "/orders/"+url.PathEscape(req.OrderID)+"/authorize", req, &res)
	return res, err
}

func (c cardClient) Capture(ctx context.Context, orderID string) error {
	return c.do(ctx, "capture", http.MethodPost, "/orders/"+url.PathEscape(orderID)+"/capture", nil, nil)
}

func (c cardClient) Void(ctx context.Context, orderID string) error {
	return c.do(ctx, "void", http.MethodPost, "/orders/"+url.PathEscape(orderID)+"/void", nil, nil)
}

func (c cardClient) Refund(ctx context.Context, orderID string, amount decimal.Decimal) error {
	return c.do(ctx, "refund", http.MethodPost, "/orders/"+url.PathEscape(orderID)+"/refund", map[string]any{"amount": amount}, nil)
}

func (c cardClient) Search(ctx context.Context, orderID string) (CardTransaction, error) {
	var res CardTransaction
	err := c.do(ctx, "search", http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, &res)
	return res, err
}

type movieTicketClient struct{ *Client }

func (c movieTicketClient) Check(ctx context.Context, req TicketCheck) error {
	return c.do(ctx, "check", http.MethodPost, "/tickets/check", req, nil)
}

func (c movieTicketClient) Use(ctx context.Context, req TicketCheck) error {
	return c.do(ctx, "use", http.MethodPost, "/tickets/use", req, nil)
}

func (c movieTicketClient) Cancel(ctx context.Context, req TicketCheck) error {
	return c.do(ctx, "cancel", http.MethodPost, "/tickets/cancel", req, nil)
}

type personClient struct{ *Client }

func (c personClient) FindPerson(ctx context.Context, id string) (Person, error) {
	var p Person
	err := c.do(ctx, "find_person", http.MethodGet, "/people/"+url.PathEscape(id), nil, &p)
	return p, err
}

// NewHTTP builds HTTP clients for every configured service.
func NewHTTP(s config.GatewaySettings, logger *zap.Logger, observer Observer) Gateways {
	g := Gateways{Reservation: map[domain.ReservationService]ReservationGateway{}}
	for svc, ep := range s.Reservation {
		if ep.URL == "" {
			continue
		}
		g.Reservation[svc] = reservationClient{NewClient("reservation_"+strings.ToLower(string(svc)), ep, s.Breaker, logger, observer)}
	}
	g.Account = accountClient{NewClient("account", s.Account, s.Breaker, logger, observer)}
	g.Card = cardClient{NewClient("card", s.Card, s.Breaker, logger, observer)}
	g.MovieTicket = movieTicketClient{NewClient("movie_ticket", s.MovieTicket, s.Breaker, logger, observer)}
	g.Person = personClient{NewClient("person", s.Person, s.Breaker, logger, observer)}
	return g
}
