package domain

import (
	"encoding/json"
	"time"
)

type TaskName string

const (
	TaskPlaceOrder            TaskName = "PlaceOrder"
	TaskConfirmReservation    TaskName = "ConfirmReservation"
	TaskPayCreditCard         TaskName = "PayCreditCard"
	TaskPayAccount            TaskName = "PayAccount"
	TaskPayPrepaidCard        TaskName = "PayPrepaidCard"
	TaskPayMovieTicket        TaskName = "PayMovieTicket"
	TaskGivePointAward        TaskName = "GivePointAward"
	TaskInformOrder           TaskName = "InformOrder"
	TaskTriggerWebhook        TaskName = "TriggerWebhook"
	TaskCancelSeatReservation TaskName = "CancelSeatReservation"
	TaskVoidCreditCard        TaskName = "VoidCreditCard"
	TaskVoidAccount           TaskName = "VoidAccount"
	TaskVoidPrepaidCard       TaskName = "VoidPrepaidCard"
	TaskVoidMovieTicket       TaskName = "VoidMovieTicket"
	TaskCancelPointAward      TaskName = "CancelPointAward"
	TaskReturnOrder           TaskName = "ReturnOrder"
	TaskCancelReservation     TaskName = "CancelReservation"
	TaskRefundCreditCard      TaskName = "RefundCreditCard"
	TaskRefundAccount         TaskName = "RefundAccount"
	TaskRefundPrepaidCard     TaskName = "RefundPrepaidCard"
	TaskRefundMovieTicket     TaskName = "RefundMovieTicket"
	TaskReturnPointAward      TaskName = "ReturnPointAward"
	TaskMoneyTransfer         TaskName = "MoneyTransfer"
	TaskCancelMoneyTransfer   TaskName = "CancelMoneyTransfer"
)

var TaskNames = []TaskName{
	TaskPlaceOrder, TaskConfirmReservation,
	TaskPayCreditCard, TaskPayAccount, TaskPayPrepaidCard, TaskPayMovieTicket,
	TaskGivePointAward, TaskInformOrder, TaskTriggerWebhook,
	TaskCancelSeatReservation,
	TaskVoidCreditCard, TaskVoidAccount, TaskVoidPrepaidCard, TaskVoidMovieTicket,
	TaskCancelPointAward, TaskReturnOrder, TaskCancelReservation,
	TaskRefundCreditCard, TaskRefundAccount, TaskRefundPrepaidCard, TaskRefundMovieTicket,
	TaskReturnPointAward, TaskMoneyTransfer, TaskCancelMoneyTransfer,
}

func (n TaskName) Valid() bool {
	for _, v := range TaskNames {
		if v == n {
			return true
		}
	}
	return false
}

// Per-kind task names. Every PaymentMethodKind has an entry in each table.
var (
	PayTaskNames = map[PaymentMethodKind]TaskName{
		PaymentCreditCard:  TaskPayCreditCard,
		PaymentAccount:     TaskPayAccount,
		PaymentPrepaidCard: TaskPayPrepaidCard,
		PaymentMovieTicket: TaskPayMovieTicket,
	}
	VoidTaskNames = map[PaymentMethodKind]TaskName{
		PaymentCreditCard:  TaskVoidCreditCard,
		PaymentAccount:     TaskVoidAccount,
		PaymentPrepaidCard: TaskVoidPrepaidCard,
		PaymentMovieTicket: TaskVoidMovieTicket,
	}
	RefundTaskNames = map[PaymentMethodKind]TaskName{
		PaymentCreditCard:  TaskRefundCreditCard,
		PaymentAccount:     TaskRefundAccount,
		PaymentPrepaidCard: TaskRefundPrepaidCard,
		PaymentMovieTicket: TaskRefundMovieTicket,
	}
)

type TaskStatus string

const (
	TaskReady    TaskStatus = "Ready"
	TaskRunning  TaskStatus = "Running"
	TaskExecuted TaskStatus = "Executed"
	TaskAborted  TaskStatus = "Aborted"
)

// Task is one durable, retryable unit of deferred work.
type Task struct {
	ID                     string            `json:"id"`
	Project                string            `json:"project"`
	Name                   TaskName          `json:"name"`
	Status                 TaskStatus        `json:"status" enum:"Ready,Running,Executed,Aborted"`
	RunsAt                 time.Time         `json:"runs_at"`
	RemainingNumberOfTries int               `json:"remaining_number_of_tries"`
	NumberOfTried          int               `json:"number_of_tried"`
	LastTriedAt            *time.Time        `json:"last_tried_at,omitempty"`
	Data                   json.RawMessage   `json:"data"`
	ExecutionResults       []ExecutionResult `json:"execution_results"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

func (t Task) DecodeData(v any) error {
	return json.Unmarshal(t.Data, v)
}

type ExecutionResult struct {
	ExecutedAt time.Time       `json:"executed_at"`
	EndDate    time.Time       `json:"end_date"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *TaskError      `json:"error,omitempty"`
}

type TaskError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type TaskAttributes struct {
	Project                string
	Name                   TaskName
	RunsAt                 time.Time
	RemainingNumberOfTries int
	Data                   json.RawMessage
}

// TransactionTaskData addresses a whole transaction.
type TransactionTaskData struct {
	Project       string `json:"project"`
	TransactionID string `json:"transaction_id"`
}

type ReservationData struct {
	Project                  string             `json:"project"`
	Service                  ReservationService `json:"service"`
	ReservationTransactionID string             `json:"reservation_transaction_id"`
	ReservationNumbers       []string           `json:"reservation_numbers"`
	AuthorizeActionID        string             `json:"authorize_action_id"`
	OrderNumber              string             `json:"order_number"`
	Purpose                  Purpose            `json:"purpose"`
}

type PaymentData struct {
	Project              string            `json:"project"`
	Kind                 PaymentMethodKind `json:"kind"`
	PaymentMethodID      string            `json:"payment_method_id"`
	AccountNumber        string            `json:"account_number,omitempty"`
	PendingTransactionID string            `json:"pending_transaction_id,omitempty"`
	EventID              string            `json:"event_id,omitempty"`
	MovieTickets         []MovieTicket     `json:"movie_tickets,omitempty"`
	Amount               MonetaryAmount    `json:"amount"`
	AuthorizeActionID    string            `json:"authorize_action_id"`
	OrderNumber          string            `json:"order_number"`
	Purpose              Purpose           `json:"purpose"`
}

// RefundData reverses every authorization of one payment method. PaymentData
// carries the first authorization, Amount the sum of all of them.
type RefundData struct {
	PaymentData
	PendingTransactionIDs []string     `json:"pending_transaction_ids,omitempty"`
	Reason                string       `json:"reason,omitempty"`
	Notifications         []InformData `json:"notifications,omitempty"`
}

type PointAwardData struct {
	Project              string  `json:"project"`
	AccountNumber        string  `json:"account_number"`
	PendingTransactionID string  `json:"pending_transaction_id"`
	Amount               int64   `json:"amount"`
	AuthorizeActionID    string  `json:"authorize_action_id"`
	OrderNumber          string  `json:"order_number"`
	Purpose              Purpose `json:"purpose"`
}

type Recipient struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
}

// InformData carries a notification to an arbitrary recipient URL.
type InformData struct {
	Project     string          `json:"project"`
	Event       string          `json:"event"`
	Recipient   Recipient       `json:"recipient"`
	OrderNumber string          `json:"order_number,omitempty"`
	Object      json.RawMessage `json:"object,omitempty"`
}

type MoneyTransferData struct {
	Project              string `json:"project"`
	TransactionID        string `json:"transaction_id"`
	PendingTransactionID string `json:"pending_transaction_id"`
	AuthorizeActionID    string `json:"authorize_action_id"`
}
