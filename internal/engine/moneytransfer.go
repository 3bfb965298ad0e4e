package engine

import (
	"context"
	"time"

	"boxoffice/internal/apperr"
	"boxoffice/internal/domain"
	"boxoffice/internal/gateway"
	"boxoffice/internal/repo"
)

type StartMoneyTransferParams struct {
	Project      string
	Agent        domain.Party
	Recipient    domain.Party
	Amount       domain.MonetaryAmount
	FromLocation domain.AccountLocation
	ToLocation   domain.AccountLocation
	Description  string
	Expires      time.Time
}

// StartMoneyTransfer opens a transfer transaction and holds the amount with a
// pending transfer on the account service.
func (e Engine) StartMoneyTransfer(ctx context.Context, p StartMoneyTransferParams) (domain.Transaction, error) {
	if err := e.check(p); err != nil {
		return domain.Transaction{}, err
	}
	if !p.Amount.Value.IsPositive() {
		return domain.Transaction{}, apperr.NewArgument("amount", "must be positive")
	}
	if p.FromLocation == p.ToLocation {
		return domain.Transaction{}, apperr.NewArgument("to_location", "must differ from from_location")
	}
	if e.Gateways.Account == nil {
		return domain.Transaction{}, apperr.NewServiceUnavailable("account gateway not configured")
	}
	expires, err := e.expiresAt(p.Expires)
	if err != nil {
		return domain.Transaction{}, err
	}
	recipient := p.Recipient
	transfer := domain.MoneyTransferObject{
		Amount:       p.Amount,
		FromLocation: p.FromLocation,
		ToLocation:   p.ToLocation,
		Description:  p.Description,
	}
	txn, err := e.Repo.StartTransaction(ctx, domain.TransactionAttributes{
		Project:   e.project(p.Project),
		TypeOf:    domain.TransactionMoneyTransfer,
		Agent:     p.Agent,
		Recipient: &recipient,
		Object:    domain.TransactionObject{Transfer: &transfer},
		Expires:   expires,
	})
	if err != nil {
		return txn, err
	}
	e.observe(txn)
	_, err = e.perform(ctx, domain.ActionAttributes{
		Project:    txn.Project,
		TypeOf:     domain.ActionAuthorize,
		ObjectType: domain.ObjectMoneyTransfer,
		Instrument: p.FromLocation.AccountType,
		Agent:      p.Agent,
		Recipient:  &recipient,
		Object:     transfer,
		Purpose:    domain.TransactionPurpose(txn),
	}, func(domain.Action) (any, error) {
		from, to := p.FromLocation, p.ToLocation
		pending, err := e.Gateways.Account.Start(ctx, gateway.StartPending{
			ID:        txn.ID,
			Project:   txn.Project,
			TypeOf:    gateway.PendingTransfer,
			Agent:     p.Agent,
			Recipient: recipient,
			Object: gateway.PendingObject{
				Amount:       p.Amount.Value,
				Description:  p.Description,
				FromLocation: &from,
				ToLocation:   &to,
			},
			Expires: expires,
		})
		if err != nil {
			return nil, err
		}
		return domain.MoneyTransferData{
			Project:              txn.Project,
			TransactionID:        txn.ID,
			PendingTransactionID: pending.ID,
		}, nil
	})
	if err != nil {
		// The transaction stays InProgress and expires on its own.
		return txn, err
	}
	return txn, nil
}

type ConfirmMoneyTransferParams struct {
	TransactionID string `validate:"required"`
	AgentID       string `validate:"required"`
}

func (e Engine) ConfirmMoneyTransfer(ctx context.Context, p ConfirmMoneyTransferParams) (domain.Transaction, error) {
	if err := e.check(p); err != nil {
		return domain.Transaction{}, err
	}
	txn, err := e.inProgress(ctx, p.TransactionID, domain.TransactionMoneyTransfer, p.AgentID)
	if err != nil {
		if apperr.Is(err, apperr.InvalidState) && txn.Status == domain.TransactionConfirmed {
			return txn, nil
		}
		return txn, err
	}
	actions, err := e.authorizeActions(ctx, txn, domain.ObjectMoneyTransfer)
	if err != nil {
		return domain.Transaction{}, err
	}
	if len(actions) != 1 {
		return domain.Transaction{}, apperr.NewArgument("transaction", "expected one authorized transfer, found %d", len(actions))
	}
	a := actions[0]
	var data domain.MoneyTransferData
	if err := a.DecodeResult(&data); err != nil {
		return domain.Transaction{}, err
	}
	data.AuthorizeActionID = a.ID
	confirmed, err := e.Repo.ConfirmTransaction(ctx, repo.ConfirmParams{
		ID:               txn.ID,
		TypeOf:           domain.TransactionMoneyTransfer,
		AuthorizeActions: []domain.ActionRef{a.Ref()},
		PotentialActions: domain.PotentialActions{MoneyTransfer: &data},
		Actor:            p.AgentID,
	})
	if err != nil {
		return confirmed, lift("transaction", err)
	}
	e.observe(confirmed)
	return confirmed, nil
}

func (e Engine) CancelMoneyTransfer(ctx context.Context, p CancelTransactionParams) (domain.Transaction, error) {
	return e.cancel(ctx, domain.TransactionMoneyTransfer, p)
}
