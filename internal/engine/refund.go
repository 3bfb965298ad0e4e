package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"boxoffice/internal/apperr"
	"boxoffice/internal/domain"
	"boxoffice/internal/gateway"
)

// returnOrder marks the order returned and queues one compensation per
// authorization of the purchase, as fixed when the return was confirmed.
func (e Engine) returnOrder(ctx context.Context, t domain.Task) (any, error) {
	data, err := decode[domain.TransactionTaskData](t)
	if err != nil {
		return nil, err
	}
	txn, err := e.ended(ctx, data, domain.TransactionConfirmed)
	if err != nil {
		return nil, err
	}
	if txn.Object.Order == nil {
		return nil, apperr.NewArgumentNull("object.order")
	}
	orderNumber := txn.Object.Order.OrderNumber
	_, err = e.perform(ctx, domain.ActionAttributes{
		Project:     txn.Project,
		TypeOf:      domain.ActionReturn,
		ObjectType:  domain.ObjectOrder,
		Agent:       txn.Agent,
		Recipient:   txn.Seller,
		Object:      domain.OrderRef{OrderNumber: orderNumber},
		Purpose:     domain.TransactionPurpose(txn),
		OrderNumber: orderNumber,
	}, func(domain.Action) (any, error) {
		ok, current, err := e.Repo.TransitionOrderStatus(ctx, orderNumber, domain.OrderDelivered, domain.OrderReturned)
		if err != nil {
			return nil, lift("order", err)
		}
		if !ok && current != domain.OrderReturned {
			return nil, apperr.NewInvalidState("order", "order %s is %s", orderNumber, current)
		}
		return domain.OrderRef{OrderNumber: orderNumber}, nil
	})
	if err != nil {
		return nil, err
	}
	order, err := e.Repo.GetOrder(ctx, orderNumber)
	if err != nil {
		return nil, lift("order", err)
	}
	attrs, err := e.returnTasks(txn, order)
	if err != nil {
		return nil, err
	}
	saved, err := e.Repo.SaveTasks(ctx, attrs)
	if err != nil {
		return nil, err
	}
	return placeOrderResult{OrderNumber: orderNumber, Tasks: len(saved)}, nil
}

func (e Engine) returnTasks(txn domain.Transaction, order domain.Order) ([]domain.TaskAttributes, error) {
	if txn.PotentialActions == nil {
		return nil, nil
	}
	pa := txn.PotentialActions
	var attrs []domain.TaskAttributes
	add := func(name domain.TaskName, data any) error {
		a, err := e.newTask(txn.Project, name, data)
		if err != nil {
			return err
		}
		attrs = append(attrs, a)
		return nil
	}
	for _, d := range pa.CancelReservation {
		if err := add(domain.TaskCancelReservation, d); err != nil {
			return nil, err
		}
	}
	for _, d := range pa.Refund {
		name, ok := domain.RefundTaskNames[d.Kind]
		if !ok {
			return nil, apperr.NewArgument("kind", "unknown payment method kind %q", d.Kind)
		}
		if err := add(name, d); err != nil {
			return nil, err
		}
	}
	for _, d := range pa.ReturnPointAward {
		if err := add(domain.TaskReturnPointAward, d); err != nil {
			return nil, err
		}
	}
	informs, err := withOrder(pa.InformOrder, order)
	if err != nil {
		return nil, err
	}
	for _, d := range informs {
		if err := add(domain.TaskInformOrder, d); err != nil {
			return nil, err
		}
	}
	return attrs, nil
}

func (e Engine) cancelReservation(ctx context.Context, t domain.Task) (any, error) {
	data, err := decode[domain.ReservationData](t)
	if err != nil {
		return nil, err
	}
	gw, err := e.Gateways.ReservationFor(data.Service)
	if err != nil {
		return nil, err
	}
	performed, err := e.once(ctx, data.OrderNumber, data.AuthorizeActionID, domain.ActionAttributes{
		Project:    data.Project,
		TypeOf:     domain.ActionCancel,
		ObjectType: domain.ObjectSeatReservation,
		Instrument: string(data.Service),
		Object:     data,
		Purpose:    data.Purpose,
	}, func() error {
		return gw.Return(ctx, data.ReservationNumbers)
	})
	if err != nil {
		return nil, err
	}
	return stepResult{Performed: performed}, nil
}

type refundFunc func(e Engine, ctx context.Context, data domain.RefundData) error

// refunds reverses a payment, one entry per PaymentMethodKind. A payment
// that was never settled is voided instead.
var refunds = map[domain.PaymentMethodKind]refundFunc{
	domain.PaymentCreditCard:  Engine.refundCard,
	domain.PaymentAccount:     Engine.refundAccount,
	domain.PaymentPrepaidCard: Engine.refundAccount,
	domain.PaymentMovieTicket: func(e Engine, ctx context.Context, d domain.RefundData) error {
		return e.Gateways.MovieTicket.Cancel(ctx, gateway.TicketCheck{EventID: d.EventID, Tickets: d.MovieTickets})
	},
}

func (e Engine) refundCard(ctx context.Context, d domain.RefundData) error {
	card, err := e.Gateways.Card.Search(ctx, d.PaymentMethodID)
	if err != nil {
		return err
	}
	switch card.Status {
	case gateway.CardAuthorized:
		return e.Gateways.Card.Void(ctx, d.PaymentMethodID)
	case gateway.CardCaptured:
		return e.Gateways.Card.Refund(ctx, d.PaymentMethodID, d.Amount.Value)
	}
	return nil
}

// refundAccount cancels a pending payment, or moves a settled one back with
// a reverse transfer keyed by the authorization so a retry reuses it.
func (e Engine) refundAccount(ctx context.Context, d domain.RefundData) error {
	settled, err := e.settled(ctx, d.PaymentData)
	if err != nil {
		return err
	}
	if !settled {
		ids := d.PendingTransactionIDs
		if len(ids) == 0 {
			ids = []string{d.PendingTransactionID}
		}
		for _, id := range ids {
			if err := e.Gateways.Account.Cancel(ctx, id); err != nil {
				return err
			}
		}
		return nil
	}
	order, err := e.Repo.GetOrder(ctx, d.OrderNumber)
	if err != nil {
		return lift("order", err)
	}
	pending, err := e.Gateways.Account.Start(ctx, gateway.StartPending{
		ID:        "refund-" + d.AuthorizeActionID,
		Project:   d.Project,
		TypeOf:    gateway.PendingTransfer,
		Agent:     order.Seller,
		Recipient: order.Customer,
		Object: gateway.PendingObject{
			Amount:       d.Amount.Value,
			Description:  "refund " + d.OrderNumber,
			FromLocation: &domain.AccountLocation{AccountType: string(d.Kind), AccountNumber: order.Seller.ID},
			ToLocation:   &domain.AccountLocation{AccountType: string(d.Kind), AccountNumber: d.AccountNumber},
		},
		Expires: e.now().Add(e.Config.Transactions.DefaultTTL),
	})
	if err != nil {
		return err
	}
	return e.Gateways.Account.Confirm(ctx, pending.ID)
}

func (e Engine) settled(ctx context.Context, d domain.PaymentData) (bool, error) {
	invoices, err := e.Repo.InvoicesByOrder(ctx, d.OrderNumber)
	if err != nil {
		return false, err
	}
	for _, inv := range invoices {
		if inv.Kind == d.Kind && inv.PaymentMethodID == d.PaymentMethodID {
			return inv.PaymentStatus == domain.PaymentComplete, nil
		}
	}
	return false, nil
}

type refundResult struct {
	Performed     bool `json:"performed"`
	Notifications int  `json:"notifications"`
}

// refund reverses one payment and then queues its notifications. The
// notifications are queued on every successful run; a rerun only happens
// when queuing them failed.
func (e Engine) refund(ctx context.Context, t domain.Task) (any, error) {
	data, err := decode[domain.RefundData](t)
	if err != nil {
		return nil, err
	}
	fn, ok := refunds[data.Kind]
	if !ok {
		return nil, apperr.NewArgument("kind", "unknown payment method kind %q", data.Kind)
	}
	performed, err := e.once(ctx, data.OrderNumber, data.AuthorizeActionID, domain.ActionAttributes{
		Project:    data.Project,
		TypeOf:     domain.ActionRefund,
		ObjectType: domain.ObjectPayment,
		Instrument: string(data.Kind),
		Object:     data,
		Purpose:    data.Purpose,
	}, func() error {
		return fn(e, ctx, data)
	})
	if err != nil {
		return nil, err
	}
	attrs := make([]domain.TaskAttributes, 0, len(data.Notifications))
	for _, n := range data.Notifications {
		if len(n.Object) == 0 {
			raw, err := taskData(data)
			if err != nil {
				return nil, err
			}
			n.Object = raw
		}
		a, err := e.newTask(data.Project, domain.TaskTriggerWebhook, n)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, a)
	}
	saved, err := e.Repo.SaveTasks(ctx, attrs)
	if err != nil {
		return nil, err
	}
	return refundResult{Performed: performed, Notifications: len(saved)}, nil
}

func (e Engine) returnPointAward(ctx context.Context, t domain.Task) (any, error) {
	data, err := decode[domain.PointAwardData](t)
	if err != nil {
		return nil, err
	}
	performed, err := e.once(ctx, data.OrderNumber, data.AuthorizeActionID, domain.ActionAttributes{
		Project:    data.Project,
		TypeOf:     domain.ActionReturn,
		ObjectType: domain.ObjectPointAward,
		Instrument: pointAccountType,
		Object:     data,
		Purpose:    data.Purpose,
	}, func() error {
		pending, err := e.Gateways.Account.Start(ctx, gateway.StartPending{
			ID:      "return-" + data.AuthorizeActionID,
			Project: data.Project,
			TypeOf:  gateway.PendingWithdraw,
			Agent:   e.systemAgent(),
			Object: gateway.PendingObject{
				Amount:       decimal.NewFromInt(data.Amount),
				Description:  "point award return " + data.OrderNumber,
				FromLocation: &domain.AccountLocation{AccountType: pointAccountType, AccountNumber: data.AccountNumber},
			},
			Expires: e.now().Add(e.Config.Transactions.DefaultTTL),
		})
		if err != nil {
			return err
		}
		return e.Gateways.Account.Confirm(ctx, pending.ID)
	})
	if err != nil {
		return nil, err
	}
	return stepResult{Performed: performed}, nil
}
