package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"boxoffice/internal/apperr"
	"boxoffice/internal/domain"
	"boxoffice/internal/gateway"
	"boxoffice/internal/notify"
	"boxoffice/internal/repo"
)

type StartPlaceOrderParams struct {
	Project string
	Agent   domain.Party
	Seller  domain.Party
	Expires time.Time
}

// expiresAt resolves a requested deadline against the configured TTL.
func (e Engine) expiresAt(requested time.Time) (time.Time, error) {
	now := e.now()
	if requested.IsZero() {
		return now.Add(e.Config.Transactions.DefaultTTL), nil
	}
	if !requested.After(now) {
		return time.Time{}, apperr.NewArgument("expires", "must be in the future")
	}
	return requested.UTC(), nil
}

// customer resolves a person agent through the identity service. An agent
// the service does not know is used as given.
func (e Engine) customer(ctx context.Context, agent domain.Party) (domain.Party, error) {
	if agent.TypeOf != domain.PartyPerson || e.Gateways.Person == nil {
		return agent, nil
	}
	p, err := e.Gateways.Person.FindPerson(ctx, agent.ID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return agent, nil
		}
		return domain.Party{}, err
	}
	c := agent
	if p.Name != "" {
		c.Name = p.Name
	}
	if p.Email != "" {
		c.Email = p.Email
	}
	if p.Telephone != "" {
		c.Telephone = p.Telephone
	}
	return c, nil
}

func (e Engine) StartPlaceOrder(ctx context.Context, p StartPlaceOrderParams) (domain.Transaction, error) {
	if err := e.check(p); err != nil {
		return domain.Transaction{}, err
	}
	expires, err := e.expiresAt(p.Expires)
	if err != nil {
		return domain.Transaction{}, err
	}
	customer, err := e.customer(ctx, p.Agent)
	if err != nil {
		return domain.Transaction{}, err
	}
	seller := p.Seller
	txn, err := e.Repo.StartTransaction(ctx, domain.TransactionAttributes{
		Project: e.project(p.Project),
		TypeOf:  domain.TransactionPlaceOrder,
		Agent:   p.Agent,
		Seller:  &seller,
		Object:  domain.TransactionObject{Customer: &customer},
		Expires: expires,
	})
	if err != nil {
		return txn, err
	}
	e.observe(txn)
	return txn, nil
}

// checkAuthorizeLimit rejects a transaction that already holds the
// configured number of live authorize actions.
func (e Engine) checkAuthorizeLimit(ctx context.Context, txn domain.Transaction) error {
	limit := e.Config.Transactions.MaxAuthorizeActions
	if limit <= 0 {
		return nil
	}
	actions, err := e.Repo.ActionsByPurpose(ctx, domain.TransactionPurpose(txn), repo.ActionFilter{TypeOf: domain.ActionAuthorize})
	if err != nil {
		return err
	}
	live := 0
	for _, a := range actions {
		if a.Status == domain.ActionActive || a.Status == domain.ActionCompleted {
			live++
		}
	}
	if live >= limit {
		return apperr.NewArgument("transaction", "at most %d authorize actions allowed", limit)
	}
	return nil
}

type AuthorizeSeatReservationParams struct {
	TransactionID string                    `validate:"required"`
	AgentID       string                    `validate:"required"`
	Service       domain.ReservationService `validate:"required,oneof=SeatInventory BoxOffice"`
	EventID       string                    `validate:"required"`
	Tickets       []domain.TicketRequest    `validate:"required,min=1"`
}

func (e Engine) AuthorizeSeatReservation(ctx context.Context, p AuthorizeSeatReservationParams) (domain.Action, error) {
	if err := e.check(p); err != nil {
		return domain.Action{}, err
	}
	txn, err := e.inProgress(ctx, p.TransactionID, domain.TransactionPlaceOrder, p.AgentID)
	if err != nil {
		return domain.Action{}, err
	}
	if err := e.checkAuthorizeLimit(ctx, txn); err != nil {
		return domain.Action{}, err
	}
	gw, err := e.Gateways.ReservationFor(p.Service)
	if err != nil {
		return domain.Action{}, err
	}
	return e.perform(ctx, domain.ActionAttributes{
		Project:    txn.Project,
		TypeOf:     domain.ActionAuthorize,
		ObjectType: domain.ObjectSeatReservation,
		Instrument: string(p.Service),
		Agent:      txn.Agent,
		Recipient:  txn.Seller,
		Object:     domain.SeatReservationObject{EventID: p.EventID, Tickets: p.Tickets},
		Purpose:    domain.TransactionPurpose(txn),
	}, func(domain.Action) (any, error) {
		res, err := gw.Start(ctx, gateway.ReserveRequest{
			Project:   txn.Project,
			EventID:   p.EventID,
			Tickets:   p.Tickets,
			Agent:     txn.Agent,
			PurposeID: txn.ID,
			Expires:   txn.Expires,
		})
		if err != nil {
			return nil, err
		}
		return domain.SeatReservationResult{
			ReservationTransactionID: res.TransactionID,
			Reservations:             res.Reservations,
			Price:                    res.Price,
		}, nil
	})
}

type AuthorizePaymentParams struct {
	TransactionID string                   `validate:"required"`
	AgentID       string                   `validate:"required"`
	Kind          domain.PaymentMethodKind `validate:"required,oneof=CreditCard Account PrepaidCard MovieTicket"`
	Amount        domain.MonetaryAmount
	Name          string
	// AccountNumber is the paying account for Account and PrepaidCard.
	AccountNumber string
	// CardToken is the tokenized card for CreditCard.
	CardToken    string
	EventID      string
	MovieTickets []domain.MovieTicket
}

type paymentAuthorizer func(e Engine, ctx context.Context, txn domain.Transaction, a domain.Action, p AuthorizePaymentParams) (domain.PaymentResult, error)

// paymentAuthorizers has one entry per PaymentMethodKind.
var paymentAuthorizers = map[domain.PaymentMethodKind]paymentAuthorizer{
	domain.PaymentCreditCard:  Engine.authorizeCreditCard,
	domain.PaymentAccount:     Engine.authorizeAccount,
	domain.PaymentPrepaidCard: Engine.authorizeAccount,
	domain.PaymentMovieTicket: Engine.authorizeMovieTicket,
}

func (e Engine) AuthorizePayment(ctx context.Context, p AuthorizePaymentParams) (domain.Action, error) {
	if err := e.check(p); err != nil {
		return domain.Action{}, err
	}
	if p.Amount.Value.IsNegative() || (p.Amount.Value.IsZero() && p.Kind != domain.PaymentMovieTicket) {
		return domain.Action{}, apperr.NewArgument("amount", "must be positive")
	}
	switch p.Kind {
	case domain.PaymentCreditCard:
		if p.CardToken == "" {
			return domain.Action{}, apperr.NewArgumentNull("card_token")
		}
	case domain.PaymentAccount, domain.PaymentPrepaidCard:
		if p.AccountNumber == "" {
			return domain.Action{}, apperr.NewArgumentNull("account_number")
		}
	case domain.PaymentMovieTicket:
		if p.EventID == "" || len(p.MovieTickets) == 0 {
			return domain.Action{}, apperr.NewArgumentNull("movie_tickets")
		}
	}
	txn, err := e.inProgress(ctx, p.TransactionID, domain.TransactionPlaceOrder, p.AgentID)
	if err != nil {
		return domain.Action{}, err
	}
	if err := e.checkAuthorizeLimit(ctx, txn); err != nil {
		return domain.Action{}, err
	}
	authorize := paymentAuthorizers[p.Kind]
	return e.perform(ctx, domain.ActionAttributes{
		Project:    txn.Project,
		TypeOf:     domain.ActionAuthorize,
		ObjectType: domain.ObjectPayment,
		Instrument: string(p.Kind),
		Agent:      txn.Agent,
		Recipient:  txn.Seller,
		Object: domain.PaymentObject{
			Kind:          p.Kind,
			Amount:        p.Amount,
			Name:          p.Name,
			AccountNumber: p.AccountNumber,
			EventID:       p.EventID,
			MovieTickets:  p.MovieTickets,
		},
		Purpose: domain.TransactionPurpose(txn),
	}, func(a domain.Action) (any, error) {
		return authorize(e, ctx, txn, a, p)
	})
}

// paymentOrderID builds the card gateway order id: project prefix, a
// timestamp, the transaction id suffix and a per-transaction sequence.
func paymentOrderID(prefix string, at time.Time, transactionID string, seq int) string {
	suffix := strings.ReplaceAll(transactionID, "-", "")
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return fmt.Sprintf("%s%s%s%02d", prefix, at.UTC().Format("060102150405"), strings.ToUpper(suffix), seq)
}

func (e Engine) authorizeCreditCard(ctx context.Context, txn domain.Transaction, _ domain.Action, p AuthorizePaymentParams) (domain.PaymentResult, error) {
	if e.Gateways.Card == nil {
		return domain.PaymentResult{}, apperr.NewServiceUnavailable("card gateway not configured")
	}
	prior, err := e.Repo.ActionsByPurpose(ctx, domain.TransactionPurpose(txn), repo.ActionFilter{
		TypeOf: domain.ActionAuthorize, ObjectType: domain.ObjectPayment, Instrument: string(domain.PaymentCreditCard),
	})
	if err != nil {
		return domain.PaymentResult{}, err
	}
	orderID := paymentOrderID(e.Config.Project.OrderPrefix, e.now(), txn.ID, len(prior))
	card, err := e.Gateways.Card.Authorize(ctx, gateway.CardAuthorizeRequest{
		OrderID:  orderID,
		Amount:   p.Amount.Value,
		Currency: p.Amount.Currency,
		Token:    p.CardToken,
	})
	if err != nil {
		return domain.PaymentResult{}, err
	}
	return domain.PaymentResult{
		Kind:            domain.PaymentCreditCard,
		PaymentMethodID: card.OrderID,
		Name:            p.Name,
		TotalPaymentDue: p.Amount,
	}, nil
}

// authorizeAccount holds the amount with a pending transfer from the
// customer's account to the seller. The account number is the payment
// method id, so repeated authorizations against one account share an invoice.
func (e Engine) authorizeAccount(ctx context.Context, txn domain.Transaction, _ domain.Action, p AuthorizePaymentParams) (domain.PaymentResult, error) {
	if e.Gateways.Account == nil {
		return domain.PaymentResult{}, apperr.NewServiceUnavailable("account gateway not configured")
	}
	var seller domain.Party
	if txn.Seller != nil {
		seller = *txn.Seller
	}
	pending, err := e.Gateways.Account.Start(ctx, gateway.StartPending{
		Project:   txn.Project,
		TypeOf:    gateway.PendingTransfer,
		Agent:     txn.Agent,
		Recipient: seller,
		Object: gateway.PendingObject{
			Amount:       p.Amount.Value,
			Description:  "order payment",
			FromLocation: &domain.AccountLocation{AccountType: string(p.Kind), AccountNumber: p.AccountNumber},
			ToLocation:   &domain.AccountLocation{AccountType: string(p.Kind), AccountNumber: seller.ID},
		},
		Expires: txn.Expires,
	})
	if err != nil {
		return domain.PaymentResult{}, err
	}
	return domain.PaymentResult{
		Kind:                 p.Kind,
		PaymentMethodID:      p.AccountNumber,
		Name:                 p.Name,
		AccountNumber:        p.AccountNumber,
		PendingTransactionID: pending.ID,
		TotalPaymentDue:      p.Amount,
	}, nil
}

func (e Engine) authorizeMovieTicket(ctx context.Context, _ domain.Transaction, _ domain.Action, p AuthorizePaymentParams) (domain.PaymentResult, error) {
	if e.Gateways.MovieTicket == nil {
		return domain.PaymentResult{}, apperr.NewServiceUnavailable("movie ticket gateway not configured")
	}
	if err := e.Gateways.MovieTicket.Check(ctx, gateway.TicketCheck{EventID: p.EventID, Tickets: p.MovieTickets}); err != nil {
		return domain.PaymentResult{}, err
	}
	ids := make([]string, 0, len(p.MovieTickets))
	for _, t := range p.MovieTickets {
		ids = append(ids, t.Identifier)
	}
	sort.Strings(ids)
	return domain.PaymentResult{
		Kind:            domain.PaymentMovieTicket,
		PaymentMethodID: strings.Join(ids, ","),
		Name:            p.Name,
		TotalPaymentDue: p.Amount,
	}, nil
}

type AuthorizePointAwardParams struct {
	TransactionID   string `validate:"required"`
	AgentID         string `validate:"required"`
	ToAccountNumber string `validate:"required"`
	Amount          int64  `validate:"min=1"`
}

const pointAccountType = "Point"

func (e Engine) AuthorizePointAward(ctx context.Context, p AuthorizePointAwardParams) (domain.Action, error) {
	if err := e.check(p); err != nil {
		return domain.Action{}, err
	}
	txn, err := e.inProgress(ctx, p.TransactionID, domain.TransactionPlaceOrder, p.AgentID)
	if err != nil {
		return domain.Action{}, err
	}
	if err := e.checkAuthorizeLimit(ctx, txn); err != nil {
		return domain.Action{}, err
	}
	if e.Gateways.Account == nil {
		return domain.Action{}, apperr.NewServiceUnavailable("account gateway not configured")
	}
	var seller domain.Party
	if txn.Seller != nil {
		seller = *txn.Seller
	}
	return e.perform(ctx, domain.ActionAttributes{
		Project:    txn.Project,
		TypeOf:     domain.ActionAuthorize,
		ObjectType: domain.ObjectPointAward,
		Instrument: pointAccountType,
		Agent:      txn.Agent,
		Object:     domain.PointAwardObject{AccountNumber: p.ToAccountNumber, Amount: p.Amount},
		Purpose:    domain.TransactionPurpose(txn),
	}, func(domain.Action) (any, error) {
		pending, err := e.Gateways.Account.Start(ctx, gateway.StartPending{
			Project:   txn.Project,
			TypeOf:    gateway.PendingDeposit,
			Agent:     seller,
			Recipient: txn.Agent,
			Object: gateway.PendingObject{
				Amount:      decimal.NewFromInt(p.Amount),
				Description: "point award",
				ToLocation:  &domain.AccountLocation{AccountType: pointAccountType, AccountNumber: p.ToAccountNumber},
			},
			Expires: txn.Expires,
		})
		if err != nil {
			return nil, err
		}
		return domain.PointAwardResult{PendingTransactionID: pending.ID, AccountNumber: p.ToAccountNumber, Amount: p.Amount}, nil
	})
}

type VoidAuthorizationParams struct {
	TransactionID string `validate:"required"`
	AgentID       string `validate:"required"`
	ActionID      string `validate:"required"`
}

// VoidAuthorization releases one authorization while the transaction is in
// progress. The gateway hold is released before the ledger entry is
// canceled, so a failed release leaves the action for the end-of-transaction
// void tasks.
func (e Engine) VoidAuthorization(ctx context.Context, p VoidAuthorizationParams) (domain.Action, error) {
	if err := e.check(p); err != nil {
		return domain.Action{}, err
	}
	txn, err := e.inProgress(ctx, p.TransactionID, domain.TransactionPlaceOrder, p.AgentID)
	if err != nil {
		return domain.Action{}, err
	}
	a, err := e.Repo.GetAction(ctx, p.ActionID)
	if err != nil {
		return a, lift("action", err)
	}
	if a.Purpose.ID != txn.ID || a.TypeOf != domain.ActionAuthorize {
		return domain.Action{}, apperr.NewNotFound("action")
	}
	switch a.Status {
	case domain.ActionCanceled:
		return a, nil
	case domain.ActionCompleted:
	default:
		return domain.Action{}, apperr.NewInvalidState("action", "action %s is %s", a.ID, a.Status)
	}
	if err := e.releaseAuthorization(ctx, a); err != nil {
		return domain.Action{}, err
	}
	return e.Repo.CancelAction(ctx, a.ID)
}

// releaseAuthorization undoes the gateway side of a completed authorize
// action.
func (e Engine) releaseAuthorization(ctx context.Context, a domain.Action) error {
	switch a.ObjectType {
	case domain.ObjectSeatReservation:
		var res domain.SeatReservationResult
		if err := a.DecodeResult(&res); err != nil {
			return err
		}
		gw, err := e.Gateways.ReservationFor(domain.ReservationService(a.Instrument))
		if err != nil {
			return err
		}
		return gw.Cancel(ctx, res.ReservationTransactionID)
	case domain.ObjectPayment:
		var res domain.PaymentResult
		if err := a.DecodeResult(&res); err != nil {
			return err
		}
		return e.voidPayment(ctx, res)
	case domain.ObjectPointAward, domain.ObjectMoneyTransfer:
		var res struct {
			PendingTransactionID string `json:"pending_transaction_id"`
		}
		if err := a.DecodeResult(&res); err != nil {
			return err
		}
		if res.PendingTransactionID == "" {
			return nil
		}
		return e.Gateways.Account.Cancel(ctx, res.PendingTransactionID)
	}
	return apperr.NewNotImplemented("cannot release %s authorization", a.ObjectType)
}

// voidPayment releases an unsettled payment hold. Movie ticket checks hold
// nothing at the gateway.
func (e Engine) voidPayment(ctx context.Context, res domain.PaymentResult) error {
	switch res.Kind {
	case domain.PaymentCreditCard:
		return e.Gateways.Card.Void(ctx, res.PaymentMethodID)
	case domain.PaymentAccount, domain.PaymentPrepaidCard:
		return e.Gateways.Account.Cancel(ctx, res.PendingTransactionID)
	case domain.PaymentMovieTicket:
		return nil
	}
	return apperr.NewArgument("kind", "unknown payment method kind %q", res.Kind)
}

type ConfirmPlaceOrderParams struct {
	TransactionID string `validate:"required"`
	AgentID       string `validate:"required"`
}

// ConfirmPlaceOrder aggregates the completed authorize actions into an order
// and confirms the transaction. Confirming a confirmed transaction returns it
// unchanged.
func (e Engine) ConfirmPlaceOrder(ctx context.Context, p ConfirmPlaceOrderParams) (domain.Transaction, error) {
	if err := e.check(p); err != nil {
		return domain.Transaction{}, err
	}
	txn, err := e.inProgress(ctx, p.TransactionID, domain.TransactionPlaceOrder, p.AgentID)
	if err != nil {
		if apperr.Is(err, apperr.InvalidState) && txn.Status == domain.TransactionConfirmed {
			return txn, nil
		}
		return txn, err
	}
	actions, err := e.authorizeActions(ctx, txn, "")
	if err != nil {
		return domain.Transaction{}, err
	}
	order, potential, err := e.buildOrder(txn, actions)
	if err != nil {
		return domain.Transaction{}, err
	}
	refs := make([]domain.ActionRef, 0, len(actions))
	for _, a := range actions {
		refs = append(refs, a.Ref())
	}
	confirmed, err := e.Repo.ConfirmTransaction(ctx, repo.ConfirmParams{
		ID:               txn.ID,
		TypeOf:           domain.TransactionPlaceOrder,
		AuthorizeActions: refs,
		Result:           domain.TransactionResult{Order: &order},
		PotentialActions: potential,
		Actor:            p.AgentID,
	})
	if err != nil {
		return confirmed, lift("transaction", err)
	}
	e.observe(confirmed)
	e.logger().Info("place order confirmed",
		zap.String("transaction_id", confirmed.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("price", order.Price.String()))
	return confirmed, nil
}

// orderNumber is prefix, order date and the whole transaction id, so two
// purchases never share a number.
func orderNumber(prefix string, at time.Time, transactionID string) string {
	id := strings.ToUpper(strings.ReplaceAll(transactionID, "-", ""))
	return fmt.Sprintf("%s%s-%s", prefix, at.UTC().Format("060102"), id)
}

func confirmationNumber(transactionID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(transactionID))
	return fmt.Sprintf("%06d", h.Sum32()%1000000)
}

type paymentKey struct {
	Kind            domain.PaymentMethodKind
	PaymentMethodID string
}

// groupPayments sums payment authorizations per (kind, payment method id),
// keeping first-seen order.
func groupPayments(results []domain.PaymentResult) []domain.PaymentMethod {
	index := map[paymentKey]int{}
	var methods []domain.PaymentMethod
	for _, r := range results {
		k := paymentKey{r.Kind, r.PaymentMethodID}
		if i, ok := index[k]; ok {
			methods[i].TotalPaymentDue = methods[i].TotalPaymentDue.Add(r.TotalPaymentDue)
			continue
		}
		index[k] = len(methods)
		methods = append(methods, domain.PaymentMethod{
			Kind:            r.Kind,
			PaymentMethodID: r.PaymentMethodID,
			Name:            r.Name,
			AccountNumber:   r.AccountNumber,
			TotalPaymentDue: r.TotalPaymentDue,
		})
	}
	return methods
}

func (e Engine) buildOrder(txn domain.Transaction, actions []domain.Action) (domain.Order, domain.PotentialActions, error) {
	now := e.now()
	number := orderNumber(e.Config.Project.OrderPrefix, now, txn.ID)
	purpose := domain.TransactionPurpose(txn)
	customer := txn.Agent
	if txn.Object.Customer != nil {
		customer = *txn.Object.Customer
	}
	var seller domain.Party
	if txn.Seller != nil {
		seller = *txn.Seller
	}
	order := domain.Order{
		Project:            txn.Project,
		OrderNumber:        number,
		ConfirmationNumber: confirmationNumber(txn.ID),
		Status:             domain.OrderProcessing,
		TransactionID:      txn.ID,
		Customer:           customer,
		Seller:             seller,
		Price:              decimal.Zero,
		OrderDate:          now,
	}
	var potential domain.PotentialActions
	var payments []domain.PaymentResult
	paid := decimal.Zero
	for _, a := range actions {
		switch a.ObjectType {
		case domain.ObjectSeatReservation:
			var res domain.SeatReservationResult
			if err := a.DecodeResult(&res); err != nil {
				return order, potential, err
			}
			if order.PriceCurrency == "" {
				order.PriceCurrency = res.Price.Currency
			}
			if res.Price.Currency != order.PriceCurrency {
				return order, potential, apperr.NewArgument("price", "mixed currencies %s and %s", order.PriceCurrency, res.Price.Currency)
			}
			order.Price = order.Price.Add(res.Price.Value)
			numbers := make([]string, 0, len(res.Reservations))
			for _, r := range res.Reservations {
				order.AcceptedOffers = append(order.AcceptedOffers, domain.Offer{
					Service:                  domain.ReservationService(a.Instrument),
					ReservationTransactionID: res.ReservationTransactionID,
					AuthorizeActionID:        a.ID,
					Reservation:              r,
				})
				numbers = append(numbers, r.ReservationNumber)
			}
			potential.ConfirmReservation = append(potential.ConfirmReservation, domain.ReservationData{
				Project:                  txn.Project,
				Service:                  domain.ReservationService(a.Instrument),
				ReservationTransactionID: res.ReservationTransactionID,
				ReservationNumbers:       numbers,
				AuthorizeActionID:        a.ID,
				OrderNumber:              number,
				Purpose:                  purpose,
			})
		case domain.ObjectPayment:
			var res domain.PaymentResult
			if err := a.DecodeResult(&res); err != nil {
				return order, potential, err
			}
			var obj domain.PaymentObject
			if err := a.DecodeObject(&obj); err != nil {
				return order, potential, err
			}
			payments = append(payments, res)
			paid = paid.Add(res.TotalPaymentDue.Value)
			potential.Pay = append(potential.Pay, domain.PaymentData{
				Project:              txn.Project,
				Kind:                 res.Kind,
				PaymentMethodID:      res.PaymentMethodID,
				AccountNumber:        res.AccountNumber,
				PendingTransactionID: res.PendingTransactionID,
				EventID:              obj.EventID,
				MovieTickets:         obj.MovieTickets,
				Amount:               res.TotalPaymentDue,
				AuthorizeActionID:    a.ID,
				OrderNumber:          number,
				Purpose:              purpose,
			})
		case domain.ObjectPointAward:
			var res domain.PointAwardResult
			if err := a.DecodeResult(&res); err != nil {
				return order, potential, err
			}
			potential.GivePointAward = append(potential.GivePointAward, domain.PointAwardData{
				Project:              txn.Project,
				AccountNumber:        res.AccountNumber,
				PendingTransactionID: res.PendingTransactionID,
				Amount:               res.Amount,
				AuthorizeActionID:    a.ID,
				OrderNumber:          number,
				Purpose:              purpose,
			})
		}
	}
	if len(order.AcceptedOffers) == 0 {
		return order, potential, apperr.NewArgument("transaction", "no seat reservation authorized")
	}
	if !paid.Equal(order.Price) {
		return order, potential, apperr.NewArgument("transaction", "payment total %s does not match price %s", paid.String(), order.Price.String())
	}
	for _, r := range payments {
		if r.TotalPaymentDue.Currency != "" && r.TotalPaymentDue.Currency != order.PriceCurrency {
			return order, potential, apperr.NewArgument("payment", "currency %s does not match price currency %s", r.TotalPaymentDue.Currency, order.PriceCurrency)
		}
	}
	order.PaymentMethods = groupPayments(payments)
	for _, r := range e.Config.Notify.InformOrder {
		potential.InformOrder = append(potential.InformOrder, domain.InformData{
			Project:     txn.Project,
			Event:       notify.EventInformOrder,
			Recipient:   r,
			OrderNumber: number,
		})
	}
	return order, potential, nil
}

type CancelTransactionParams struct {
	TransactionID string `validate:"required"`
	AgentID       string `validate:"required"`
}

func (e Engine) CancelPlaceOrder(ctx context.Context, p CancelTransactionParams) (domain.Transaction, error) {
	return e.cancel(ctx, domain.TransactionPlaceOrder, p)
}

func (e Engine) cancel(ctx context.Context, typeOf domain.TransactionType, p CancelTransactionParams) (domain.Transaction, error) {
	if err := e.check(p); err != nil {
		return domain.Transaction{}, err
	}
	txn, err := e.Repo.GetTransaction(ctx, p.TransactionID)
	if err != nil {
		return txn, lift("transaction", err)
	}
	if txn.TypeOf != typeOf {
		return domain.Transaction{}, apperr.NewNotFound("transaction")
	}
	if txn.Agent.ID != p.AgentID {
		return domain.Transaction{}, apperr.NewForbidden("transaction %s is not yours", txn.ID)
	}
	canceled, err := e.Repo.CancelTransaction(ctx, typeOf, p.TransactionID, p.AgentID)
	if err != nil {
		return canceled, lift("transaction", err)
	}
	e.observe(canceled)
	return canceled, nil
}
