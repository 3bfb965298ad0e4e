package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionPlaceOrder    TransactionType = "PlaceOrder"
	TransactionReturnOrder   TransactionType = "ReturnOrder"
	TransactionMoneyTransfer TransactionType = "MoneyTransfer"
)

var TransactionTypes = []TransactionType{TransactionPlaceOrder, TransactionReturnOrder, TransactionMoneyTransfer}

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionPlaceOrder, TransactionReturnOrder, TransactionMoneyTransfer:
		return true
	}
	return false
}

type TransactionStatus string

const (
	TransactionInProgress TransactionStatus = "InProgress"
	TransactionConfirmed  TransactionStatus = "Confirmed"
	TransactionCanceled   TransactionStatus = "Canceled"
	TransactionExpired    TransactionStatus = "Expired"
)

// EndedStatuses are the terminal statuses that trigger task export.
var EndedStatuses = []TransactionStatus{TransactionConfirmed, TransactionCanceled, TransactionExpired}

func (s TransactionStatus) Terminal() bool {
	return s == TransactionConfirmed || s == TransactionCanceled || s == TransactionExpired
}

type ExportationStatus string

const (
	ExportationUnexported ExportationStatus = "Unexported"
	ExportationExporting  ExportationStatus = "Exporting"
	ExportationExported   ExportationStatus = "Exported"
)

// PaymentMethodKind is the closed set of payment instruments.
type PaymentMethodKind string

const (
	PaymentCreditCard  PaymentMethodKind = "CreditCard"
	PaymentAccount     PaymentMethodKind = "Account"
	PaymentPrepaidCard PaymentMethodKind = "PrepaidCard"
	PaymentMovieTicket PaymentMethodKind = "MovieTicket"
)

var PaymentMethodKinds = []PaymentMethodKind{PaymentCreditCard, PaymentAccount, PaymentPrepaidCard, PaymentMovieTicket}

func (k PaymentMethodKind) Valid() bool {
	switch k {
	case PaymentCreditCard, PaymentAccount, PaymentPrepaidCard, PaymentMovieTicket:
		return true
	}
	return false
}

// ReservationService tags which reservation gateway family owns a reservation.
type ReservationService string

const (
	ServiceSeatInventory ReservationService = "SeatInventory"
	ServiceBoxOffice     ReservationService = "BoxOffice"
)

var ReservationServices = []ReservationService{ServiceSeatInventory, ServiceBoxOffice}

func (s ReservationService) Valid() bool {
	return s == ServiceSeatInventory || s == ServiceBoxOffice
}

type PartyType string

const (
	PartyPerson         PartyType = "Person"
	PartyOrganization   PartyType = "Organization"
	PartyWebApplication PartyType = "WebApplication"
)

type Party struct {
	ID        string    `json:"id" validate:"required"`
	TypeOf    PartyType `json:"type_of" validate:"required,oneof=Person Organization WebApplication" enum:"Person,Organization,WebApplication"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty" validate:"omitempty,email"`
	Telephone string    `json:"telephone,omitempty"`
}

type MonetaryAmount struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency" validate:"required,len=3"`
}

func (m MonetaryAmount) Add(o MonetaryAmount) MonetaryAmount {
	return MonetaryAmount{Value: m.Value.Add(o.Value), Currency: m.Currency}
}

type AccountLocation struct {
	AccountType   string `json:"account_type" validate:"required"`
	AccountNumber string `json:"account_number" validate:"required"`
}

// Purpose is a back-reference from an action to what it served. It is a lookup
// key only and carries no ownership.
type Purpose struct {
	TypeOf string `json:"type_of"`
	ID     string `json:"id"`
}

const PurposeOrder = "Order"

func TransactionPurpose(t Transaction) Purpose {
	return Purpose{TypeOf: string(t.TypeOf), ID: t.ID}
}

type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts"`
	Type       string    `json:"type"`
	Project    string    `json:"project,omitempty"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id,omitempty"`
	ActorID    string    `json:"actor_id"`
	Payload    string    `json:"payload_json"`
}
