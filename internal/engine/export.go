package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"boxoffice/internal/domain"
	"boxoffice/internal/repo"
)

// ExportKey selects which ended transactions an export sweep claims.
type ExportKey struct {
	TypeOf domain.TransactionType
	Status domain.TransactionStatus
}

// ExportKeys lists every (type, ended status) pair. Pairs without follow-up
// tasks are still exported so they leave the Unexported state.
func ExportKeys() []ExportKey {
	keys := make([]ExportKey, 0, len(domain.TransactionTypes)*len(domain.EndedStatuses))
	for _, t := range domain.TransactionTypes {
		for _, s := range domain.EndedStatuses {
			keys = append(keys, ExportKey{TypeOf: t, Status: s})
		}
	}
	return keys
}

type deriveFunc func(e Engine, txn domain.Transaction) ([]domain.TaskAttributes, error)

var derivations = map[ExportKey]deriveFunc{
	{domain.TransactionPlaceOrder, domain.TransactionConfirmed}:    transactionTasks(domain.TaskPlaceOrder),
	{domain.TransactionPlaceOrder, domain.TransactionCanceled}:     Engine.voidTasks,
	{domain.TransactionPlaceOrder, domain.TransactionExpired}:      Engine.voidTasks,
	{domain.TransactionReturnOrder, domain.TransactionConfirmed}:   transactionTasks(domain.TaskReturnOrder),
	{domain.TransactionMoneyTransfer, domain.TransactionConfirmed}: Engine.moneyTransferTasks,
	{domain.TransactionMoneyTransfer, domain.TransactionCanceled}:  transactionTasks(domain.TaskCancelMoneyTransfer),
	{domain.TransactionMoneyTransfer, domain.TransactionExpired}:   transactionTasks(domain.TaskCancelMoneyTransfer),
}

func transactionTasks(names ...domain.TaskName) deriveFunc {
	return func(e Engine, txn domain.Transaction) ([]domain.TaskAttributes, error) {
		data := domain.TransactionTaskData{Project: txn.Project, TransactionID: txn.ID}
		attrs := make([]domain.TaskAttributes, 0, len(names))
		for _, name := range names {
			a, err := e.newTask(txn.Project, name, data)
			if err != nil {
				return nil, err
			}
			attrs = append(attrs, a)
		}
		return attrs, nil
	}
}

// voidTasks releases every authorization of an abandoned purchase. Each task
// looks the authorizations up itself, so all of them are emitted.
func (e Engine) voidTasks(txn domain.Transaction) ([]domain.TaskAttributes, error) {
	names := []domain.TaskName{domain.TaskCancelSeatReservation}
	for _, kind := range domain.PaymentMethodKinds {
		names = append(names, domain.VoidTaskNames[kind])
	}
	names = append(names, domain.TaskCancelPointAward)
	return transactionTasks(names...)(e, txn)
}

func (e Engine) moneyTransferTasks(txn domain.Transaction) ([]domain.TaskAttributes, error) {
	if txn.PotentialActions == nil || txn.PotentialActions.MoneyTransfer == nil {
		return nil, nil
	}
	a, err := e.newTask(txn.Project, domain.TaskMoneyTransfer, txn.PotentialActions.MoneyTransfer)
	if err != nil {
		return nil, err
	}
	return []domain.TaskAttributes{a}, nil
}

// DeriveTasks returns the follow-up tasks of an ended transaction.
func (e Engine) DeriveTasks(txn domain.Transaction) ([]domain.TaskAttributes, error) {
	derive, ok := derivations[ExportKey{TypeOf: txn.TypeOf, Status: txn.Status}]
	if !ok {
		return nil, nil
	}
	return derive(e, txn)
}

// ExportTasks claims one ended transaction of the given type and status and
// stores its follow-up tasks. It returns a nil transaction when nothing was
// waiting. A claim lost to the reexport sweep is not an error; the new
// claimant exports instead.
func (e Engine) ExportTasks(ctx context.Context, key ExportKey) (*domain.Transaction, []domain.Task, error) {
	txn, err := e.Repo.StartExportTasks(ctx, key.TypeOf, key.Status)
	if err != nil || txn == nil {
		return nil, nil, err
	}
	attrs, err := e.DeriveTasks(*txn)
	if err != nil {
		return txn, nil, fmt.Errorf("derive tasks of %s: %w", txn.ID, err)
	}
	tasks, err := e.Repo.SetTasksExportedByID(ctx, txn.ID, txn.UpdatedAt, attrs)
	if err != nil {
		if errors.Is(err, repo.ErrExportLost) {
			e.logger().Warn("task export claim lost", zap.String("transaction_id", txn.ID))
			return txn, nil, nil
		}
		return txn, nil, err
	}
	e.Metrics.ObserveExport(string(key.TypeOf), string(key.Status), len(tasks))
	e.logger().Debug("tasks exported",
		zap.String("transaction_id", txn.ID),
		zap.String("type_of", string(txn.TypeOf)),
		zap.String("status", string(txn.Status)),
		zap.Int("tasks", len(tasks)))
	return txn, tasks, nil
}
