package boxofficesdk

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

	"github.com/shopspring/decimal"
)

// Client is a minimal box office HTTP API client. Calls act on behalf of the
// agent named by BearerToken.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. https://api.example/v1.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

type Party struct {
	ID        string `json:"id"`
	TypeOf    string `json:"type_of"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Telephone string `json:"telephone,omitempty"`
}

type MonetaryAmount struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

type AccountLocation struct {
	AccountType   string `json:"account_type"`
	AccountNumber string `json:"account_number"`
}

type TicketRequest struct {
	SeatSection string `json:"seat_section"`
	SeatNumber  string `json:"seat_number"`
	TicketType  string `json:"ticket_type"`
}

type MovieTicket struct {
	Identifier string `json:"identifier"`
	AccessCode string `json:"access_code"`
}

// Transaction represents the API transaction model (partial).
type Transaction struct {
	ID                     string          `json:"id"`
	Project                string          `json:"project"`
	TypeOf                 string          `json:"type_of"`
	Status                 string          `json:"status"`
	Agent                  Party           `json:"agent"`
	Seller                 *Party          `json:"seller,omitempty"`
	Object                 json.RawMessage `json:"object,omitempty"`
	Result                 *struct {
		Order *Order `json:"order,omitempty"`
	} `json:"result,omitempty"`
	Expires                time.Time `json:"expires"`
	StartDate              time.Time `json:"start_date"`
	EndDate                *time.Time `json:"end_date,omitempty"`
	TasksExportationStatus string    `json:"tasks_exportation_status"`
}

// Action is one ledger entry.
type Action struct {
	ID         string          `json:"id"`
	TypeOf     string          `json:"type_of"`
	ObjectType string          `json:"object_type"`
	Instrument string          `json:"instrument,omitempty"`
	Status     string          `json:"action_status"`
	Object     json.RawMessage `json:"object,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

type Order struct {
	OrderNumber        string          `json:"order_number"`
	ConfirmationNumber string          `json:"confirmation_number"`
	Status             string          `json:"order_status"`
	Customer           Party           `json:"customer"`
	Seller             Party           `json:"seller"`
	Price              decimal.Decimal `json:"price"`
	PriceCurrency      string          `json:"price_currency"`
	AcceptedOffers     json.RawMessage `json:"accepted_offers"`
	PaymentMethods     json.RawMessage `json:"payment_methods,omitempty"`
	OrderDate          time.Time       `json:"order_date"`
	DateReturned       *time.Time      `json:"date_returned,omitempty"`
}

type Invoice struct {
	ID              string         `json:"id"`
	OrderNumber     string         `json:"order_number"`
	Kind            string         `json:"payment_method_kind"`
	PaymentMethodID string         `json:"payment_method_id"`
	PaymentStatus   string         `json:"payment_status"`
	TotalPaymentDue MonetaryAmount `json:"total_payment_due"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts"`
	Type       string    `json:"type"`
	Project    string    `json:"project"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id"`
	ActorID    string    `json:"actor_id"`
	Payload    string    `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code carries the error envelope code when
// the body has one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartPlaceOrder opens a purchase with seller. A zero expires takes the
// server's default TTL.
func (c *Client) StartPlaceOrder(ctx context.Context, seller Party, expires time.Time) (Transaction, error) {
	body := map[string]any{"seller": seller}
	if !expires.IsZero() {
		body["expires"] = expires
	}
	var resp Transaction
	err := c.do(ctx, http.MethodPost, "transactions/place-order/start", body, &resp)
	return resp, err
}

// AuthorizeSeatReservation holds seats for an event.
func (c *Client) AuthorizeSeatReservation(ctx context.Context, txnID, service, eventID string, tickets []TicketRequest) (Action, error) {
	body := map[string]any{
		"service":  service,
		"event_id": eventID,
		"tickets":  tickets,
	}
	var resp Action
	err := c.do(ctx, http.MethodPost, placeOrderPath(txnID, "actions/authorize/seat-reservation"), body, &resp)
	return resp, err
}

// PaymentRequest authorizes one payment method; fill the fields its kind
// needs.
type PaymentRequest struct {
	Kind          string         `json:"kind"`
	Amount        MonetaryAmount `json:"amount"`
	Name          string         `json:"name,omitempty"`
	AccountNumber string         `json:"account_number,omitempty"`
	CardToken     string         `json:"card_token,omitempty"`
	EventID       string         `json:"event_id,omitempty"`
	MovieTickets  []MovieTicket  `json:"movie_tickets,omitempty"`
}

func (c *Client) AuthorizePayment(ctx context.Context, txnID string, req PaymentRequest) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, placeOrderPath(txnID, "actions/authorize/payment"), req, &resp)
	return resp, err
}

func (c *Client) AuthorizePointAward(ctx context.Context, txnID, toAccountNumber string, amount int64) (Action, error) {
	body := map[string]any{
		"to_account_number": toAccountNumber,
		"amount":            amount,
	}
	var resp Action
	err := c.do(ctx, http.MethodPost, placeOrderPath(txnID, "actions/authorize/point-award"), body, &resp)
	return resp, err
}

// VoidAuthorization releases one authorization of an in-progress purchase.
func (c *Client) VoidAuthorization(ctx context.Context, txnID, actionID string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, placeOrderPath(txnID, "actions/"+url.PathEscape(actionID)+"/void"), nil, &resp)
	return resp, err
}

func (c *Client) ConfirmPlaceOrder(ctx context.Context, txnID string) (Transaction, error) {
	return c.transition(ctx, "place-order", txnID, "confirm")
}

func (c *Client) CancelPlaceOrder(ctx context.Context, txnID string) (Transaction, error) {
	return c.transition(ctx, "place-order", txnID, "cancel")
}

// StartReturnOrder opens a return for orderNumber.
func (c *Client) StartReturnOrder(ctx context.Context, orderNumber, reason string) (Transaction, error) {
	body := map[string]any{"order_number": orderNumber}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Transaction
	err := c.do(ctx, http.MethodPost, "transactions/return-order/start", body, &resp)
	return resp, err
}

func (c *Client) ConfirmReturnOrder(ctx context.Context, txnID string) (Transaction, error) {
	return c.transition(ctx, "return-order", txnID, "confirm")
}

func (c *Client) CancelReturnOrder(ctx context.Context, txnID string) (Transaction, error) {
	return c.transition(ctx, "return-order", txnID, "cancel")
}

type MoneyTransferRequest struct {
	Recipient    Party           `json:"recipient"`
	Amount       MonetaryAmount  `json:"amount"`
	FromLocation AccountLocation `json:"from_location"`
	ToLocation   AccountLocation `json:"to_location"`
	Description  string          `json:"description,omitempty"`
}

func (c *Client) StartMoneyTransfer(ctx context.Context, req MoneyTransferRequest) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, "transactions/money-transfer/start", req, &resp)
	return resp, err
}

func (c *Client) ConfirmMoneyTransfer(ctx context.Context, txnID string) (Transaction, error) {
	return c.transition(ctx, "money-transfer", txnID, "confirm")
}

func (c *Client) CancelMoneyTransfer(ctx context.Context, txnID string) (Transaction, error) {
	return c.transition(ctx, "money-transfer", txnID, "cancel")
}

func (c *Client) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodGet, "transactions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Actions lists the ledger entries of a transaction.
func (c *Client) Actions(ctx context.Context, txnID string) ([]Action, error) {
	var resp struct {
		Items []Action `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "transactions/"+url.PathEscape(txnID)+"/actions", nil, &resp)
	return resp.Items, err
}

func (c *Client) GetOrder(ctx context.Context, orderNumber string) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodGet, "orders/"+url.PathEscape(orderNumber), nil, &resp)
	return resp, err
}

func (c *Client) Invoices(ctx context.Context, orderNumber string) ([]Invoice, error) {
	var resp struct {
		Items []Invoice `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "orders/"+url.PathEscape(orderNumber)+"/invoices", nil, &resp)
	return resp.Items, err
}

// Events returns recent events. Requires the operator role.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if c.ProjectID != "" {
		q.Set("project", c.ProjectID)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) transition(ctx context.Context, kind, txnID, verb string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, "transactions/"+kind+"/"+url.PathEscape(txnID)+"/"+verb, nil, &resp)
	return resp, err
}

func placeOrderPath(txnID, p string) string {
	return "transactions/place-order/" + url.PathEscape(txnID) + "/" + p
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.ProjectID != "" && method == http.MethodPost {
		req.Header.Set("X-Project", c.ProjectID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
