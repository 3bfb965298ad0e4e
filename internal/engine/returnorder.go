package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"boxoffice/internal/apperr"
	"boxoffice/internal/domain"
	"boxoffice/internal/notify"
	"boxoffice/internal/repo"
)

type StartReturnOrderParams struct {
	Project     string
	Agent       domain.Party
	OrderNumber string `validate:"required"`
	Reason      string
	Expires     time.Time
}

func returnBusinessKey(orderNumber string) string {
	return "ReturnOrder:" + orderNumber
}

// StartReturnOrder opens a return for an order. Only the customer or the
// seller may return it, and at most one return per order may be live.
func (e Engine) StartReturnOrder(ctx context.Context, p StartReturnOrderParams) (domain.Transaction, error) {
	if err := e.check(p); err != nil {
		return domain.Transaction{}, err
	}
	expires, err := e.expiresAt(p.Expires)
	if err != nil {
		return domain.Transaction{}, err
	}
	order, err := e.Repo.GetOrder(ctx, p.OrderNumber)
	if err != nil {
		return domain.Transaction{}, lift("order", err)
	}
	if p.Agent.ID != order.Customer.ID && p.Agent.ID != order.Seller.ID {
		return domain.Transaction{}, apperr.NewForbidden("order %s is not yours", order.OrderNumber)
	}
	if order.Status == domain.OrderReturned {
		return domain.Transaction{}, apperr.NewArgument("order", "order %s is already returned", order.OrderNumber)
	}
	seller := order.Seller
	txn, err := e.Repo.StartTransaction(ctx, domain.TransactionAttributes{
		Project: e.project(p.Project),
		TypeOf:  domain.TransactionReturnOrder,
		Agent:   p.Agent,
		Seller:  &seller,
		Object: domain.TransactionObject{
			Order:  &domain.OrderRef{OrderNumber: order.OrderNumber},
			Reason: p.Reason,
		},
		BusinessKey: returnBusinessKey(order.OrderNumber),
		Expires:     expires,
	})
	if err != nil {
		if apperr.Is(err, apperr.Conflict) {
			return txn, apperr.NewAlreadyInUse("order", "order %s already has a return in progress", order.OrderNumber)
		}
		return txn, err
	}
	e.observe(txn)
	return txn, nil
}

type ConfirmReturnOrderParams struct {
	TransactionID string `validate:"required"`
	AgentID       string `validate:"required"`
}

// ConfirmReturnOrder checks that the order is delivered and fully paid, then
// confirms the return with one compensation per authorization of the
// original purchase. No gateway is called here; compensations run as tasks.
func (e Engine) ConfirmReturnOrder(ctx context.Context, p ConfirmReturnOrderParams) (domain.Transaction, error) {
	if err := e.check(p); err != nil {
		return domain.Transaction{}, err
	}
	txn, err := e.inProgress(ctx, p.TransactionID, domain.TransactionReturnOrder, p.AgentID)
	if err != nil {
		if apperr.Is(err, apperr.InvalidState) && txn.Status == domain.TransactionConfirmed {
			return txn, nil
		}
		return txn, err
	}
	if txn.Object.Order == nil {
		return domain.Transaction{}, apperr.NewArgumentNull("order")
	}
	order, err := e.Repo.GetOrder(ctx, txn.Object.Order.OrderNumber)
	if err != nil {
		return domain.Transaction{}, lift("order", err)
	}
	if err := e.checkReturnable(ctx, order); err != nil {
		return domain.Transaction{}, err
	}
	place, err := e.Repo.GetTransaction(ctx, order.TransactionID)
	if err != nil {
		return domain.Transaction{}, lift("transaction", err)
	}
	actions, err := e.authorizeActions(ctx, place, "")
	if err != nil {
		return domain.Transaction{}, err
	}
	potential, err := e.returnActions(order, txn.Object.Reason, actions)
	if err != nil {
		return domain.Transaction{}, err
	}
	confirmed, err := e.Repo.ConfirmTransaction(ctx, repo.ConfirmParams{
		ID:               txn.ID,
		TypeOf:           domain.TransactionReturnOrder,
		Result:           domain.TransactionResult{Order: &order},
		PotentialActions: potential,
		Actor:            p.AgentID,
	})
	if err != nil {
		return confirmed, lift("transaction", err)
	}
	e.observe(confirmed)
	e.logger().Info("return order confirmed",
		zap.String("transaction_id", confirmed.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int("refunds", len(potential.Refund)))
	return confirmed, nil
}

func (e Engine) checkReturnable(ctx context.Context, order domain.Order) error {
	if order.Status != domain.OrderDelivered {
		return apperr.NewArgument("order", "order %s is %s, not delivered", order.OrderNumber, order.Status)
	}
	invoices, err := e.Repo.InvoicesByOrder(ctx, order.OrderNumber)
	if err != nil {
		return err
	}
	for _, inv := range invoices {
		if inv.PaymentStatus != domain.PaymentComplete {
			return apperr.NewArgument("invoice", "payment %s %s of order %s is not settled", inv.Kind, inv.PaymentMethodID, order.OrderNumber)
		}
	}
	return nil
}

// returnActions builds the compensations of an order: one cancel per seat
// authorization, one refund per (kind, payment method id) summing its
// authorizations, and one point return per award.
func (e Engine) returnActions(order domain.Order, reason string, actions []domain.Action) (domain.PotentialActions, error) {
	var potential domain.PotentialActions
	purpose := domain.Purpose{TypeOf: domain.PurposeOrder, ID: order.OrderNumber}
	refundIndex := map[paymentKey]int{}
	for _, a := range actions {
		switch a.ObjectType {
		case domain.ObjectSeatReservation:
			var res domain.SeatReservationResult
			if err := a.DecodeResult(&res); err != nil {
				return potential, err
			}
			numbers := make([]string, 0, len(res.Reservations))
			for _, r := range res.Reservations {
				numbers = append(numbers, r.ReservationNumber)
			}
			potential.CancelReservation = append(potential.CancelReservation, domain.ReservationData{
				Project:                  order.Project,
				Service:                  domain.ReservationService(a.Instrument),
				ReservationTransactionID: res.ReservationTransactionID,
				ReservationNumbers:       numbers,
				AuthorizeActionID:        a.ID,
				OrderNumber:              order.OrderNumber,
				Purpose:                  purpose,
			})
		case domain.ObjectPayment:
			var res domain.PaymentResult
			if err := a.DecodeResult(&res); err != nil {
				return potential, err
			}
			var obj domain.PaymentObject
			if err := a.DecodeObject(&obj); err != nil {
				return potential, err
			}
			k := paymentKey{res.Kind, res.PaymentMethodID}
			if i, ok := refundIndex[k]; ok {
				r := &potential.Refund[i]
				r.Amount = r.Amount.Add(res.TotalPaymentDue)
				r.MovieTickets = append(r.MovieTickets, obj.MovieTickets...)
				if res.PendingTransactionID != "" {
					r.PendingTransactionIDs = append(r.PendingTransactionIDs, res.PendingTransactionID)
				}
				continue
			}
			refund := domain.RefundData{
				PaymentData: domain.PaymentData{
					Project:              order.Project,
					Kind:                 res.Kind,
					PaymentMethodID:      res.PaymentMethodID,
					AccountNumber:        res.AccountNumber,
					PendingTransactionID: res.PendingTransactionID,
					EventID:              obj.EventID,
					MovieTickets:         obj.MovieTickets,
					Amount:               res.TotalPaymentDue,
					AuthorizeActionID:    a.ID,
					OrderNumber:          order.OrderNumber,
					Purpose:              purpose,
				},
				Reason: reason,
			}
			if res.PendingTransactionID != "" {
				refund.PendingTransactionIDs = []string{res.PendingTransactionID}
			}
			for _, r := range e.Config.Notify.Refund {
				refund.Notifications = append(refund.Notifications, domain.InformData{
					Project:     order.Project,
					Event:       notify.EventRefund,
					Recipient:   r,
					OrderNumber: order.OrderNumber,
				})
			}
			refundIndex[k] = len(potential.Refund)
			potential.Refund = append(potential.Refund, refund)
		case domain.ObjectPointAward:
			var res domain.PointAwardResult
			if err := a.DecodeResult(&res); err != nil {
				return potential, err
			}
			potential.ReturnPointAward = append(potential.ReturnPointAward, domain.PointAwardData{
				Project:              order.Project,
				AccountNumber:        res.AccountNumber,
				PendingTransactionID: res.PendingTransactionID,
				Amount:               res.Amount,
				AuthorizeActionID:    a.ID,
				OrderNumber:          order.OrderNumber,
				Purpose:              purpose,
			})
		}
	}
	for _, r := range e.Config.Notify.InformOrder {
		potential.InformOrder = append(potential.InformOrder, domain.InformData{
			Project:     order.Project,
			Event:       notify.EventInformOrder,
			Recipient:   r,
			OrderNumber: order.OrderNumber,
		})
	}
	return potential, nil
}

func (e Engine) CancelReturnOrder(ctx context.Context, p CancelTransactionParams) (domain.Transaction, error) {
	return e.cancel(ctx, domain.TransactionReturnOrder, p)
}
