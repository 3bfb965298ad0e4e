package engine

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"boxoffice/internal/apperr"
	"boxoffice/internal/domain"
	"boxoffice/internal/gateway"
	"boxoffice/internal/notify"
	"boxoffice/internal/repo"
)

// TaskHandler runs one task and returns what it did. Handlers are rerun on
// retry, so every effect must be safe to repeat.
type TaskHandler func(ctx context.Context, t domain.Task) (any, error)

// Handlers returns one handler per task name.
func (e Engine) Handlers() map[domain.TaskName]TaskHandler {
	h := map[domain.TaskName]TaskHandler{
		domain.TaskPlaceOrder:            e.placeOrder,
		domain.TaskConfirmReservation:    e.confirmReservation,
		domain.TaskGivePointAward:        e.givePointAward,
		domain.TaskInformOrder:           e.inform,
		domain.TaskTriggerWebhook:        e.inform,
		domain.TaskCancelSeatReservation: e.releaseAll(domain.ObjectSeatReservation, ""),
		domain.TaskCancelPointAward:      e.releaseAll(domain.ObjectPointAward, ""),
		domain.TaskReturnOrder:           e.returnOrder,
		domain.TaskCancelReservation:     e.cancelReservation,
		domain.TaskReturnPointAward:      e.returnPointAward,
		domain.TaskMoneyTransfer:         e.moneyTransfer,
		domain.TaskCancelMoneyTransfer:   e.releaseAll(domain.ObjectMoneyTransfer, ""),
	}
	for _, kind := range domain.PaymentMethodKinds {
		h[domain.PayTaskNames[kind]] = e.pay
		h[domain.VoidTaskNames[kind]] = e.releaseAll(domain.ObjectPayment, string(kind))
		h[domain.RefundTaskNames[kind]] = e.refund
	}
	return h
}

// Handle dispatches a task to its handler.
func (e Engine) Handle(ctx context.Context, t domain.Task) (any, error) {
	h, ok := e.Handlers()[t.Name]
	if !ok {
		return nil, apperr.NewNotImplemented("no handler for task %s", t.Name)
	}
	return h(ctx, t)
}

// systemAgent is the party recorded on actions taken by the task executor.
func (e Engine) systemAgent() domain.Party {
	return domain.Party{ID: "boxoffice", TypeOf: domain.PartyWebApplication, Name: e.Config.Project.ID}
}

func decode[T any](t domain.Task) (T, error) {
	var v T
	if err := t.DecodeData(&v); err != nil {
		return v, apperr.Wrap(apperr.Argument, err, "task %s data", t.Name)
	}
	return v, nil
}

// ended loads a transaction addressed by a task and checks its status.
func (e Engine) ended(ctx context.Context, data domain.TransactionTaskData, status ...domain.TransactionStatus) (domain.Transaction, error) {
	txn, err := e.Repo.GetTransaction(ctx, data.TransactionID)
	if err != nil {
		return txn, lift("transaction", err)
	}
	for _, s := range status {
		if txn.Status == s {
			return txn, nil
		}
	}
	return txn, apperr.NewInvalidState("transaction", "transaction %s is %s", txn.ID, txn.Status)
}

type placeOrderResult struct {
	OrderNumber     string `json:"order_number"`
	OrderCreated    bool   `json:"order_created"`
	InvoicesCreated int    `json:"invoices_created"`
	Tasks           int    `json:"tasks"`
}

// placeOrder persists the order of a confirmed purchase, one invoice per
// payment method and the follow-up tasks. The order step is ledgered; a
// failure after it leaves the order in place and the rerun finds it.
func (e Engine) placeOrder(ctx context.Context, t domain.Task) (any, error) {
	data, err := decode[domain.TransactionTaskData](t)
	if err != nil {
		return nil, err
	}
	txn, err := e.ended(ctx, data, domain.TransactionConfirmed)
	if err != nil {
		return nil, err
	}
	if txn.Result == nil || txn.Result.Order == nil {
		return nil, apperr.NewArgumentNull("result.order")
	}
	order := *txn.Result.Order
	res := placeOrderResult{OrderNumber: order.OrderNumber}
	_, err = e.perform(ctx, domain.ActionAttributes{
		Project:     txn.Project,
		TypeOf:      domain.ActionOrder,
		ObjectType:  domain.ObjectOrder,
		Agent:       order.Customer,
		Recipient:   txn.Seller,
		Object:      domain.OrderRef{OrderNumber: order.OrderNumber},
		Purpose:     domain.TransactionPurpose(txn),
		OrderNumber: order.OrderNumber,
	}, func(domain.Action) (any, error) {
		created, err := e.Repo.CreateOrderIfNotExists(ctx, order)
		res.OrderCreated = created
		return domain.OrderRef{OrderNumber: order.OrderNumber}, err
	})
	if err != nil {
		return nil, err
	}
	invoices, err := e.invoices(ctx, txn, order)
	if err != nil {
		return res, err
	}
	for _, inv := range invoices {
		created, err := e.Repo.CreateInvoiceIfNotExists(ctx, inv)
		if err != nil {
			return res, err
		}
		if created {
			res.InvoicesCreated++
		}
	}
	attrs, err := e.placeOrderTasks(txn, order)
	if err != nil {
		return res, err
	}
	saved, err := e.Repo.SaveTasks(ctx, attrs)
	if err != nil {
		return res, err
	}
	res.Tasks = len(saved)
	return res, nil
}

// invoices groups the payment authorizations referenced by the confirmed
// transaction into one invoice per (kind, payment method id).
func (e Engine) invoices(ctx context.Context, txn domain.Transaction, order domain.Order) ([]domain.Invoice, error) {
	referenced := map[string]bool{}
	for _, ref := range txn.Object.AuthorizeActions {
		if ref.ObjectType == domain.ObjectPayment {
			referenced[ref.ID] = true
		}
	}
	actions, err := e.authorizeActions(ctx, txn, domain.ObjectPayment)
	if err != nil {
		return nil, err
	}
	var results []domain.PaymentResult
	for _, a := range actions {
		if !referenced[a.ID] {
			continue
		}
		var r domain.PaymentResult
		if err := a.DecodeResult(&r); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	methods := groupPayments(results)
	invoices := make([]domain.Invoice, 0, len(methods))
	for _, m := range methods {
		invoices = append(invoices, domain.Invoice{
			Project:         order.Project,
			OrderNumber:     order.OrderNumber,
			Kind:            m.Kind,
			PaymentMethodID: m.PaymentMethodID,
			AccountNumber:   m.AccountNumber,
			PaymentStatus:   domain.PaymentDue,
			TotalPaymentDue: m.TotalPaymentDue,
			Customer:        order.Customer,
			Provider:        order.Seller,
		})
	}
	return invoices, nil
}

func (e Engine) placeOrderTasks(txn domain.Transaction, order domain.Order) ([]domain.TaskAttributes, error) {
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
	for _, d := range pa.ConfirmReservation {
		if err := add(domain.TaskConfirmReservation, d); err != nil {
			return nil, err
		}
	}
	for _, d := range pa.Pay {
		name, ok := domain.PayTaskNames[d.Kind]
		if !ok {
			return nil, apperr.NewArgument("kind", "unknown payment method kind %q", d.Kind)
		}
		if err := add(name, d); err != nil {
			return nil, err
		}
	}
	for _, d := range pa.GivePointAward {
		if err := add(domain.TaskGivePointAward, d); err != nil {
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

// withOrder attaches the order as the payload of each notification.
func withOrder(informs []domain.InformData, order domain.Order) ([]domain.InformData, error) {
	if len(informs) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(order)
	if err != nil {
		return nil, err
	}
	out := make([]domain.InformData, len(informs))
	for i, d := range informs {
		d.Object = raw
		out[i] = d
	}
	return out, nil
}

// once runs a ledgered follow-up step unless a completed action of the same
// type already exists for the authorization. The ledger entry carries data,
// which must include the authorize action id.
func (e Engine) once(ctx context.Context, orderNumber, authorizeActionID string, attrs domain.ActionAttributes, fn func() error) (bool, error) {
	done, err := e.completedFor(ctx, orderNumber, attrs.TypeOf, attrs.ObjectType)
	if err != nil {
		return false, err
	}
	if done[authorizeActionID] {
		return false, nil
	}
	attrs.OrderNumber = orderNumber
	if attrs.Agent.ID == "" {
		attrs.Agent = e.systemAgent()
	}
	_, err = e.perform(ctx, attrs, func(domain.Action) (any, error) {
		return nil, fn()
	})
	return err == nil, err
}

type stepResult struct {
	Performed bool `json:"performed"`
}

func (e Engine) confirmReservation(ctx context.Context, t domain.Task) (any, error) {
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
		TypeOf:     domain.ActionConfirm,
		ObjectType: domain.ObjectSeatReservation,
		Instrument: string(data.Service),
		Object:     data,
		Purpose:    data.Purpose,
	}, func() error {
		return gw.Confirm(ctx, data.ReservationTransactionID)
	})
	if err != nil {
		return nil, err
	}
	if err := e.markDelivered(ctx, data.OrderNumber); err != nil {
		return nil, err
	}
	return stepResult{Performed: performed}, nil
}

// markDelivered moves the order to OrderDelivered once every accepted offer
// has a confirmed reservation.
func (e Engine) markDelivered(ctx context.Context, orderNumber string) error {
	order, err := e.Repo.GetOrder(ctx, orderNumber)
	if err != nil {
		return lift("order", err)
	}
	if order.Status != domain.OrderProcessing {
		return nil
	}
	done, err := e.completedFor(ctx, orderNumber, domain.ActionConfirm, domain.ObjectSeatReservation)
	if err != nil {
		return err
	}
	for _, o := range order.AcceptedOffers {
		if !done[o.AuthorizeActionID] {
			return nil
		}
	}
	ok, current, err := e.Repo.TransitionOrderStatus(ctx, orderNumber, domain.OrderProcessing, domain.OrderDelivered)
	if err != nil {
		return lift("order", err)
	}
	if ok {
		e.logger().Info("order delivered", zap.String("order_number", orderNumber))
	} else if current == domain.OrderProcessing {
		return apperr.NewInvalidState("order", "order %s did not move to delivered", orderNumber)
	}
	return nil
}

type captureFunc func(e Engine, ctx context.Context, data domain.PaymentData) error

// captures settles an authorized payment, one entry per PaymentMethodKind.
var captures = map[domain.PaymentMethodKind]captureFunc{
	domain.PaymentCreditCard: func(e Engine, ctx context.Context, d domain.PaymentData) error {
		return e.Gateways.Card.Capture(ctx, d.PaymentMethodID)
	},
	domain.PaymentAccount:     Engine.confirmPending,
	domain.PaymentPrepaidCard: Engine.confirmPending,
	domain.PaymentMovieTicket: func(e Engine, ctx context.Context, d domain.PaymentData) error {
		return e.Gateways.MovieTicket.Use(ctx, gateway.TicketCheck{EventID: d.EventID, Tickets: d.MovieTickets})
	},
}

func (e Engine) confirmPending(ctx context.Context, d domain.PaymentData) error {
	return e.Gateways.Account.Confirm(ctx, d.PendingTransactionID)
}

func (e Engine) pay(ctx context.Context, t domain.Task) (any, error) {
	data, err := decode[domain.PaymentData](t)
	if err != nil {
		return nil, err
	}
	capture, ok := captures[data.Kind]
	if !ok {
		return nil, apperr.NewArgument("kind", "unknown payment method kind %q", data.Kind)
	}
	performed, err := e.once(ctx, data.OrderNumber, data.AuthorizeActionID, domain.ActionAttributes{
		Project:    data.Project,
		TypeOf:     domain.ActionPay,
		ObjectType: domain.ObjectPayment,
		Instrument: string(data.Kind),
		Object:     data,
		Purpose:    data.Purpose,
	}, func() error {
		return capture(e, ctx, data)
	})
	if err != nil {
		return nil, err
	}
	if err := e.settleInvoice(ctx, data); err != nil {
		return nil, err
	}
	return stepResult{Performed: performed}, nil
}

// settleInvoice marks the invoice of a payment method complete once every
// payment authorized against that method has been captured.
func (e Engine) settleInvoice(ctx context.Context, data domain.PaymentData) error {
	order, err := e.Repo.GetOrder(ctx, data.OrderNumber)
	if err != nil {
		return lift("order", err)
	}
	txn, err := e.Repo.GetTransaction(ctx, order.TransactionID)
	if err != nil {
		return lift("transaction", err)
	}
	done, err := e.completedFor(ctx, data.OrderNumber, domain.ActionPay, domain.ObjectPayment)
	if err != nil {
		return err
	}
	if txn.PotentialActions != nil {
		for _, p := range txn.PotentialActions.Pay {
			if p.Kind == data.Kind && p.PaymentMethodID == data.PaymentMethodID && !done[p.AuthorizeActionID] {
				return nil
			}
		}
	}
	return e.Repo.SetInvoicePaymentStatus(ctx, data.OrderNumber, data.Kind, data.PaymentMethodID, domain.PaymentComplete)
}

func (e Engine) givePointAward(ctx context.Context, t domain.Task) (any, error) {
	data, err := decode[domain.PointAwardData](t)
	if err != nil {
		return nil, err
	}
	performed, err := e.once(ctx, data.OrderNumber, data.AuthorizeActionID, domain.ActionAttributes{
		Project:    data.Project,
		TypeOf:     domain.ActionGive,
		ObjectType: domain.ObjectPointAward,
		Instrument: pointAccountType,
		Object:     data,
		Purpose:    data.Purpose,
	}, func() error {
		return e.Gateways.Account.Confirm(ctx, data.PendingTransactionID)
	})
	if err != nil {
		return nil, err
	}
	return stepResult{Performed: performed}, nil
}

// inform delivers a notification. The task id is the delivery id, so a
// retried delivery can be recognized by the receiver.
func (e Engine) inform(ctx context.Context, t domain.Task) (any, error) {
	data, err := decode[domain.InformData](t)
	if err != nil {
		return nil, err
	}
	if e.Notifier == nil {
		return nil, apperr.NewServiceUnavailable("notifier not configured")
	}
	attrs := domain.ActionAttributes{
		Project:     data.Project,
		TypeOf:      domain.ActionInform,
		ObjectType:  domain.ObjectWebhook,
		Instrument:  data.Recipient.URL,
		Agent:       e.systemAgent(),
		Object:      data.Recipient,
		OrderNumber: data.OrderNumber,
	}
	if data.OrderNumber != "" {
		attrs.Purpose = domain.Purpose{TypeOf: domain.PurposeOrder, ID: data.OrderNumber}
	}
	_, err = e.perform(ctx, attrs, func(domain.Action) (any, error) {
		return nil, e.Notifier.Send(ctx, data.Recipient, notify.Message{
			ID:      t.ID,
			Event:   data.Event,
			Project: data.Project,
			Subject: data.OrderNumber,
			Time:    e.now(),
			Data:    data.Object,
		})
	})
	if err != nil {
		return nil, err
	}
	return data.Recipient, nil
}

type releaseResult struct {
	Released []string `json:"released"`
}

// releaseAll undoes every completed authorization of an abandoned
// transaction that matches objectType and, when set, instrument. One failed
// release does not stop the others; the task is retried for what remains.
func (e Engine) releaseAll(objectType domain.ObjectType, instrument string) TaskHandler {
	return func(ctx context.Context, t domain.Task) (any, error) {
		data, err := decode[domain.TransactionTaskData](t)
		if err != nil {
			return nil, err
		}
		txn, err := e.ended(ctx, data, domain.TransactionCanceled, domain.TransactionExpired)
		if err != nil {
			return nil, err
		}
		actions, err := e.authorizeActions(ctx, txn, objectType)
		if err != nil {
			return nil, err
		}
		res := releaseResult{Released: []string{}}
		var errs []error
		for _, a := range actions {
			if instrument != "" && a.Instrument != instrument {
				continue
			}
			if err := e.release(ctx, txn, a); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Released = append(res.Released, a.ID)
		}
		return res, errors.Join(errs...)
	}
}

func (e Engine) release(ctx context.Context, txn domain.Transaction, a domain.Action) error {
	_, err := e.perform(ctx, domain.ActionAttributes{
		Project:    txn.Project,
		TypeOf:     domain.ActionCancel,
		ObjectType: a.ObjectType,
		Instrument: a.Instrument,
		Agent:      e.systemAgent(),
		Object:     authorizeRef{AuthorizeActionID: a.ID},
		Purpose:    domain.TransactionPurpose(txn),
	}, func(domain.Action) (any, error) {
		if err := e.releaseAuthorization(ctx, a); err != nil {
			return nil, err
		}
		if _, err := e.Repo.CancelAction(ctx, a.ID); err != nil && !apperr.Is(err, apperr.InvalidState) {
			return nil, err
		}
		return nil, nil
	})
	return err
}

func (e Engine) moneyTransfer(ctx context.Context, t domain.Task) (any, error) {
	data, err := decode[domain.MoneyTransferData](t)
	if err != nil {
		return nil, err
	}
	txn, err := e.ended(ctx, domain.TransactionTaskData{Project: data.Project, TransactionID: data.TransactionID}, domain.TransactionConfirmed)
	if err != nil {
		return nil, err
	}
	purpose := domain.TransactionPurpose(txn)
	done, err := e.Repo.ActionsByPurpose(ctx, purpose, repo.ActionFilter{TypeOf: domain.ActionTransfer, Status: domain.ActionCompleted})
	if err != nil {
		return nil, err
	}
	if len(done) > 0 {
		return stepResult{}, nil
	}
	_, err = e.perform(ctx, domain.ActionAttributes{
		Project:    txn.Project,
		TypeOf:     domain.ActionTransfer,
		ObjectType: domain.ObjectMoneyTransfer,
		Agent:      txn.Agent,
		Recipient:  txn.Recipient,
		Object:     data,
		Purpose:    purpose,
	}, func(domain.Action) (any, error) {
		return nil, e.Gateways.Account.Confirm(ctx, data.PendingTransactionID)
	})
	if err != nil {
		return nil, err
	}
	return stepResult{Performed: true}, nil
}
