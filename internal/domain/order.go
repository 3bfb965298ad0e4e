package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderProcessing OrderStatus = "OrderProcessing"
	OrderDelivered  OrderStatus = "OrderDelivered"
	OrderReturned   OrderStatus = "OrderReturned"
)

type Order struct {
	Project            string          `json:"project"`
	OrderNumber        string          `json:"order_number"`
	ConfirmationNumber string          `json:"confirmation_number"`
	Status             OrderStatus     `json:"order_status" enum:"OrderProcessing,OrderDelivered,OrderReturned"`
	TransactionID      string          `json:"transaction_id"`
	Customer           Party           `json:"customer"`
	Seller             Party           `json:"seller"`
	Price              decimal.Decimal `json:"price"`
	PriceCurrency      string          `json:"price_currency"`
	AcceptedOffers     []Offer         `json:"accepted_offers"`
	PaymentMethods     []PaymentMethod `json:"payment_methods,omitempty"`
	OrderDate          time.Time       `json:"order_date"`
	DateReturned       *time.Time      `json:"date_returned,omitempty"`
}

// Offer is one reserved item accepted into an order.
type Offer struct {
	Service                  ReservationService `json:"service"`
	ReservationTransactionID string             `json:"reservation_transaction_id"`
	AuthorizeActionID        string             `json:"authorize_action_id"`
	Reservation              Reservation        `json:"reservation"`
}

type PaymentMethod struct {
	Kind            PaymentMethodKind `json:"kind"`
	PaymentMethodID string            `json:"payment_method_id"`
	Name            string            `json:"name,omitempty"`
	AccountNumber   string            `json:"account_number,omitempty"`
	TotalPaymentDue MonetaryAmount    `json:"total_payment_due"`
}

type PaymentStatus string

const (
	PaymentDue      PaymentStatus = "PaymentDue"
	PaymentComplete PaymentStatus = "PaymentComplete"
)

// Invoice is keyed by (order number, payment method kind, payment method id).
type Invoice struct {
	ID              string            `json:"id"`
	Project         string            `json:"project"`
	OrderNumber     string            `json:"order_number"`
	Kind            PaymentMethodKind `json:"payment_method_kind"`
	PaymentMethodID string            `json:"payment_method_id"`
	AccountNumber   string            `json:"account_number,omitempty"`
	PaymentStatus   PaymentStatus     `json:"payment_status" enum:"PaymentDue,PaymentComplete"`
	TotalPaymentDue MonetaryAmount    `json:"total_payment_due"`
	Customer        Party             `json:"customer"`
	Provider        Party             `json:"provider"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}
