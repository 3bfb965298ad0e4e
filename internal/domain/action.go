package domain

import (
	"encoding/json"
	"time"
)

type ActionType string

const (
	ActionAuthorize ActionType = "Authorize"
	ActionOrder     ActionType = "Order"
	ActionConfirm   ActionType = "Confirm"
	ActionPay       ActionType = "Pay"
	ActionRefund    ActionType = "Refund"
	ActionCancel    ActionType = "Cancel"
	ActionGive      ActionType = "Give"
	ActionReturn    ActionType = "Return"
	ActionInform    ActionType = "Inform"
	ActionTransfer  ActionType = "Transfer"
)

type ActionStatus string

const (
	ActionActive    ActionStatus = "ActiveActionStatus"
	ActionCompleted ActionStatus = "CompletedActionStatus"
	ActionFailed    ActionStatus = "FailedActionStatus"
	ActionCanceled  ActionStatus = "CanceledActionStatus"
)

// ObjectType says what an action acted upon.
type ObjectType string

const (
	ObjectSeatReservation ObjectType = "SeatReservation"
	ObjectPayment         ObjectType = "Payment"
	ObjectPointAward      ObjectType = "PointAward"
	ObjectMoneyTransfer   ObjectType = "MoneyTransfer"
	ObjectOrder           ObjectType = "Order"
	ObjectWebhook         ObjectType = "Webhook"
)

// Action is one recorded sub-step of a transaction or task.
type Action struct {
	ID          string          `json:"id"`
	Project     string          `json:"project"`
	TypeOf      ActionType      `json:"type_of"`
	ObjectType  ObjectType      `json:"object_type"`
	Instrument  string          `json:"instrument,omitempty"`
	Status      ActionStatus    `json:"action_status" enum:"ActiveActionStatus,CompletedActionStatus,FailedActionStatus,CanceledActionStatus"`
	Agent       Party           `json:"agent"`
	Recipient   *Party          `json:"recipient,omitempty"`
	Object      json.RawMessage `json:"object,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ActionError    `json:"error,omitempty"`
	Purpose     Purpose         `json:"purpose"`
	OrderNumber string          `json:"order_number,omitempty"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     *time.Time      `json:"end_time,omitempty"`
}

type ActionError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (a Action) Ref() ActionRef {
	return ActionRef{ID: a.ID, TypeOf: a.TypeOf, ObjectType: a.ObjectType, Instrument: a.Instrument}
}

func (a Action) DecodeObject(v any) error {
	if len(a.Object) == 0 {
		return nil
	}
	return json.Unmarshal(a.Object, v)
}

func (a Action) DecodeResult(v any) error {
	if len(a.Result) == 0 {
		return nil
	}
	return json.Unmarshal(a.Result, v)
}

// ActionAttributes describe an action to start in the ledger.
type ActionAttributes struct {
	Project     string
	TypeOf      ActionType
	ObjectType  ObjectType
	Instrument  string
	Agent       Party
	Recipient   *Party
	Object      any
	Purpose     Purpose
	OrderNumber string
}

type SeatReservationObject struct {
	EventID string          `json:"event_id"`
	Tickets []TicketRequest `json:"tickets"`
}

type TicketRequest struct {
	SeatSection string `json:"seat_section"`
	SeatNumber  string `json:"seat_number"`
	TicketType  string `json:"ticket_type"`
}

type SeatReservationResult struct {
	ReservationTransactionID string         `json:"reservation_transaction_id"`
	Reservations             []Reservation  `json:"reservations"`
	Price                    MonetaryAmount `json:"price"`
}

type Reservation struct {
	ID                string         `json:"id"`
	ReservationNumber string         `json:"reservation_number"`
	EventID           string         `json:"event_id"`
	SeatSection       string         `json:"seat_section"`
	SeatNumber        string         `json:"seat_number"`
	TicketType        string         `json:"ticket_type"`
	Price             MonetaryAmount `json:"price"`
}

type MovieTicket struct {
	Identifier string `json:"identifier"`
	AccessCode string `json:"access_code"`
}

type PaymentObject struct {
	Kind          PaymentMethodKind `json:"kind"`
	Amount        MonetaryAmount    `json:"amount"`
	Name          string            `json:"name,omitempty"`
	AccountNumber string            `json:"account_number,omitempty"`
	EventID       string            `json:"event_id,omitempty"`
	MovieTickets  []MovieTicket     `json:"movie_tickets,omitempty"`
}

type PaymentResult struct {
	Kind                 PaymentMethodKind `json:"kind"`
	PaymentMethodID      string            `json:"payment_method_id"`
	Name                 string            `json:"name,omitempty"`
	AccountNumber        string            `json:"account_number,omitempty"`
	PendingTransactionID string            `json:"pending_transaction_id,omitempty"`
	TotalPaymentDue      MonetaryAmount    `json:"total_payment_due"`
}

type PointAwardObject struct {
	AccountNumber string `json:"account_number"`
	Amount        int64  `json:"amount"`
}

type PointAwardResult struct {
	PendingTransactionID string `json:"pending_transaction_id"`
	AccountNumber        string `json:"account_number"`
	Amount               int64  `json:"amount"`
}
