package server

import (
	"time"

	"boxoffice/internal/domain"
)

// Request payloads

type StartPlaceOrderRequest struct {
	Seller  domain.Party `json:"seller"`
	Expires time.Time    `json:"expires,omitempty" doc:"Defaults to the configured transaction TTL"`
}

type AuthorizeSeatReservationRequest struct {
	Service domain.ReservationService `json:"service" enum:"SeatInventory,BoxOffice"`
	EventID string                    `json:"event_id"`
	Tickets []domain.TicketRequest    `json:"tickets" minItems:"1"`
}

type AuthorizePaymentRequest struct {
	Kind          domain.PaymentMethodKind `json:"kind" enum:"CreditCard,Account,PrepaidCard,MovieTicket"`
	Amount        domain.MonetaryAmount    `json:"amount"`
	Name          string                   `json:"name,omitempty"`
	AccountNumber string                   `json:"account_number,omitempty" doc:"Paying account for Account and PrepaidCard"`
	CardToken     string                   `json:"card_token,omitempty" doc:"Tokenized card for CreditCard"`
	EventID       string                   `json:"event_id,omitempty"`
	MovieTickets  []domain.MovieTicket     `json:"movie_tickets,omitempty"`
}

type AuthorizePointAwardRequest struct {
	ToAccountNumber string `json:"to_account_number"`
	Amount          int64  `json:"amount" minimum:"1"`
}

type StartReturnOrderRequest struct {
	OrderNumber string    `json:"order_number"`
	Reason      string    `json:"reason,omitempty"`
	Expires     time.Time `json:"expires,omitempty"`
}

type StartMoneyTransferRequest struct {
	Recipient    domain.Party           `json:"recipient"`
	Amount       domain.MonetaryAmount  `json:"amount"`
	FromLocation domain.AccountLocation `json:"from_location"`
	ToLocation   domain.AccountLocation `json:"to_location"`
	Description  string                 `json:"description,omitempty"`
	Expires      time.Time              `json:"expires,omitempty"`
}

// Responses

type paginatedTransactions struct {
	Items []domain.Transaction `json:"items"`
}

type paginatedTasks struct {
	Items []domain.Task `json:"items"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type actionList struct {
	Items []domain.Action `json:"items"`
}

type invoiceList struct {
	Items []domain.Invoice `json:"items"`
}
