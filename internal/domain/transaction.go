package domain

import "time"

// Transaction is one purchase, return or transfer lifecycle.
type Transaction struct {
	ID                     string             `json:"id"`
	Project                string             `json:"project"`
	TypeOf                 TransactionType    `json:"type_of" enum:"PlaceOrder,ReturnOrder,MoneyTransfer"`
	Status                 TransactionStatus  `json:"status" enum:"InProgress,Confirmed,Canceled,Expired"`
	Agent                  Party              `json:"agent"`
	Seller                 *Party             `json:"seller,omitempty"`
	Recipient              *Party             `json:"recipient,omitempty"`
	Object                 TransactionObject  `json:"object"`
	Result                 *TransactionResult `json:"result,omitempty"`
	PotentialActions       *PotentialActions  `json:"potential_actions,omitempty"`
	BusinessKey            string             `json:"business_key,omitempty"`
	Expires                time.Time          `json:"expires"`
	StartDate              time.Time          `json:"start_date"`
	EndDate                *time.Time         `json:"end_date,omitempty"`
	TasksExportationStatus ExportationStatus  `json:"tasks_exportation_status" enum:"Unexported,Exporting,Exported"`
	TasksExportedAt        *time.Time         `json:"tasks_exported_at,omitempty"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// TransactionObject holds the type-specific payload of a transaction.
type TransactionObject struct {
	Customer         *Party               `json:"customer,omitempty"`
	AuthorizeActions []ActionRef          `json:"authorize_actions,omitempty"`
	Order            *OrderRef            `json:"order,omitempty"`
	Reason           string               `json:"reason,omitempty"`
	Transfer         *MoneyTransferObject `json:"transfer,omitempty"`
}

type OrderRef struct {
	OrderNumber string `json:"order_number"`
}

type ActionRef struct {
	ID         string     `json:"id"`
	TypeOf     ActionType `json:"type_of"`
	ObjectType ObjectType `json:"object_type"`
	Instrument string     `json:"instrument,omitempty"`
}

type MoneyTransferObject struct {
	Amount               MonetaryAmount  `json:"amount"`
	FromLocation         AccountLocation `json:"from_location"`
	ToLocation           AccountLocation `json:"to_location"`
	Description          string          `json:"description,omitempty"`
	PendingTransactionID string          `json:"pending_transaction_id,omitempty"`
}

type TransactionResult struct {
	Order *Order `json:"order,omitempty"`
}

// PotentialActions is the follow-up graph fixed at confirm time.
type PotentialActions struct {
	ConfirmReservation []ReservationData  `json:"confirm_reservation,omitempty"`
	Pay                []PaymentData      `json:"pay,omitempty"`
	GivePointAward     []PointAwardData   `json:"give_point_award,omitempty"`
	InformOrder        []InformData       `json:"inform_order,omitempty"`
	CancelReservation  []ReservationData  `json:"cancel_reservation,omitempty"`
	Refund             []RefundData       `json:"refund,omitempty"`
	ReturnPointAward   []PointAwardData   `json:"return_point_award,omitempty"`
	MoneyTransfer      *MoneyTransferData `json:"money_transfer,omitempty"`
}

// TransactionAttributes are the caller-supplied fields of a new transaction.
type TransactionAttributes struct {
	Project     string
	TypeOf      TransactionType
	Agent       Party
	Seller      *Party
	Recipient   *Party
	Object      TransactionObject
	BusinessKey string
	Expires     time.Time
}
