// Package gateway holds the request/response contracts of the downstream
// reservation, account, card, movie-ticket and identity services.
package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"boxoffice/internal/apperr"
	"boxoffice/internal/domain"
)

type ReserveRequest struct {
	Project   string                 `json:"project"`
	EventID   string                 `json:"event_id"`
	Tickets   []domain.TicketRequest `json:"tickets"`
	Agent     domain.Party           `json:"agent"`
	PurposeID string                 `json:"purpose_id"`
	Expires   time.Time              `json:"expires"`
}

type ReserveResponse struct {
	TransactionID string                `json:"transaction_id"`
	Reservations  []domain.Reservation  `json:"reservations"`
	Price         domain.MonetaryAmount `json:"price"`
}

// ReservationGateway is implemented by both reservation families. Confirm and
// Cancel act on a pending reservation transaction; Return releases
// reservations that were already confirmed.
type ReservationGateway interface {
	Start(ctx context.Context, req ReserveRequest) (ReserveResponse, error)
	Confirm(ctx context.Context, transactionID string) error
	Cancel(ctx context.Context, transactionID string) error
	Return(ctx context.Context, reservationNumbers []string) error
}

type PendingType string

const (
	PendingWithdraw PendingType = "Withdraw"
	PendingTransfer PendingType = "Transfer"
	PendingDeposit  PendingType = "Deposit"
)

type PendingObject struct {
	Amount       decimal.Decimal         `json:"amount"`
	Description  string                  `json:"description,omitempty"`
	FromLocation *domain.AccountLocation `json:"from_location,omitempty"`
	ToLocation   *domain.AccountLocation `json:"to_location,omitempty"`
}

type PendingTransaction struct {
	ID        string        `json:"id"`
	TypeOf    PendingType   `json:"type_of"`
	Agent     domain.Party  `json:"agent"`
	Recipient domain.Party  `json:"recipient"`
	Object    PendingObject `json:"object"`
	Expires   time.Time     `json:"expires"`
}

// StartPending asks the account service for a pending withdraw, transfer or
// deposit. ID may be set to make the start idempotent.
type StartPending struct {
	ID        string        `json:"id,omitempty"`
	Project   string        `json:"project"`
	TypeOf    PendingType   `json:"type_of"`
	Agent     domain.Party  `json:"agent"`
	Recipient domain.Party  `json:"recipient"`
	Object    PendingObject `json:"object"`
	Expires   time.Time     `json:"expires"`
}

type AccountGateway interface {
	Start(ctx context.Context, req StartPending) (PendingTransaction, error)
	Confirm(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

type CardStatus string

const (
	CardAuthorized CardStatus = "Authorized"
	CardCaptured   CardStatus = "Captured"
	CardVoided     CardStatus = "Voided"
	CardRefunded   CardStatus = "Refunded"
)

type CardAuthorizeRequest struct {
	OrderID  string          `json:"order_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Token    string          `json:"token"`
}

type CardTransaction struct {
	OrderID  string          `json:"order_id"`
	Status   CardStatus      `json:"status"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// CardGateway is keyed by the order id this system generates per
// authorization.
type CardGateway interface {
	Authorize(ctx context.Context, req CardAuthorizeRequest) (CardTransaction, error)
	Capture(ctx context.Context, orderID string) error
	Void(ctx context.Context, orderID string) error
	Refund(ctx context.Context, orderID string, amount decimal.Decimal) error
	Search(ctx context.Context, orderID string) (CardTransaction, error)
}

type TicketCheck struct {
	EventID string               `json:"event_id"`
	Tickets []domain.MovieTicket `json:"tickets"`
}

type MovieTicketGateway interface {
	Check(ctx context.Context, req TicketCheck) error
	Use(ctx context.Context, req TicketCheck) error
	Cancel(ctx context.Context, req TicketCheck) error
}

type Person struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Telephone string `json:"telephone,omitempty"`
}

type PersonGateway interface {
	FindPerson(ctx context.Context, id string) (Person, error)
}

// Gateways bundles one client per downstream service.
type Gateways struct {
	Reservation map[domain.ReservationService]ReservationGateway
	Account     AccountGateway
	Card        CardGateway
	MovieTicket MovieTicketGateway
	Person      PersonGateway
}

// ReservationFor returns the client of one reservation family.
func (g Gateways) ReservationFor(svc domain.ReservationService) (ReservationGateway, error) {
	if !svc.Valid() {
		return nil, apperr.NewArgument("service", "unknown reservation service %q", svc)
	}
	c, ok := g.Reservation[svc]
	if !ok || c == nil {
		return nil, apperr.NewServiceUnavailable("reservation service %s not configured", svc)
	}
	return c, nil
}
