package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"boxoffice/internal/apperr"
	"boxoffice/internal/config"
	"boxoffice/internal/domain"
	"boxoffice/internal/gateway"
	"boxoffice/internal/metrics"
	"boxoffice/internal/notify"
	"boxoffice/internal/repo"
)

// Engine runs the transaction orchestrators and task handlers. It is a value
// type built once at startup; Config is never mutated after New.
type Engine struct {
	Repo     repo.Repo
	Gateways gateway.Gateways
	Notifier notify.Sender
	Config   config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Collector
	Now      func() time.Time

	validate *validator.Validate
}

func New(r repo.Repo, gws gateway.Gateways, notifier notify.Sender, cfg config.Config, logger *zap.Logger, m *metrics.Collector) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Engine{
		Repo:     r,
		Gateways: gws,
		Notifier: notifier,
		Config:   cfg,
		Logger:   logger,
		Metrics:  m,
		Now:      r.Now,
		validate: validator.New(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) project(p string) string {
	if p != "" {
		return p
	}
	return e.Config.Project.ID
}

// check validates struct tags and maps failures into the error taxonomy.
func (e Engine) check(v any) error {
	validate := e.validate
	if validate == nil {
		validate = validator.New()
	}
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperr.Wrap(apperr.Argument, err, "invalid parameters")
	}
	fe := fieldErrs[0]
	field := strings.ToLower(fe.Namespace())
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return apperr.NewArgumentNull(field)
	case "oneof":
		return apperr.NewArgument(field, "must be one of: %s", fe.Param())
	case "min":
		return apperr.NewArgument(field, "must be at least %s", fe.Param())
	case "max":
		return apperr.NewArgument(field, "must be at most %s", fe.Param())
	case "email":
		return apperr.NewArgument(field, "must be a valid email")
	}
	return apperr.NewArgument(field, "is invalid")
}

// lift turns a bare repository not-found into a typed error naming entity.
func lift(entity string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.NewNotFound(entity)
	}
	return err
}

// inProgress loads a transaction the agent may still act on.
func (e Engine) inProgress(ctx context.Context, id string, typeOf domain.TransactionType, agentID string) (domain.Transaction, error) {
	txn, err := e.Repo.GetTransaction(ctx, id)
	if err != nil {
		return txn, lift("transaction", err)
	}
	if txn.TypeOf != typeOf {
		return txn, apperr.NewNotFound("transaction")
	}
	if agentID != "" && txn.Agent.ID != agentID {
		return txn, apperr.NewForbidden("transaction %s is not yours", id)
	}
	if txn.Status != domain.TransactionInProgress {
		return txn, apperr.NewInvalidState("transaction", "transaction %s is already %s", id, txn.Status)
	}
	return txn, nil
}

// perform runs one ledger-tracked step: it starts the action, calls fn and
// completes the action with fn's result. When fn fails the action is given
// up; a failure to record that is carried next to fn's error.
func (e Engine) perform(ctx context.Context, attrs domain.ActionAttributes, fn func(a domain.Action) (any, error)) (domain.Action, error) {
	attrs.Project = e.project(attrs.Project)
	a, err := e.Repo.StartAction(ctx, attrs)
	if err != nil {
		return a, err
	}
	result, err := fn(a)
	if err != nil {
		_, cleanup := e.Repo.GiveUpAction(ctx, a.ID, err)
		err = apperr.Compensate(err, cleanup)
		e.logFailure("action failed", err, zap.String("action_id", a.ID), zap.String("action_type", string(a.TypeOf)))
		return a, err
	}
	done, err := e.Repo.CompleteAction(ctx, a.ID, result)
	if err != nil {
		return a, fmt.Errorf("complete action %s: %w", a.ID, err)
	}
	return done, nil
}

func (e Engine) logFailure(msg string, err error, fields ...zap.Field) {
	var ce *apperr.CompensationError
	if errors.As(err, &ce) {
		fields = append(fields, zap.Error(ce.Primary), zap.NamedError("cleanup_error", ce.Cleanup))
		e.logger().Error(msg, fields...)
		return
	}
	fields = append(fields, zap.Error(err))
	e.logger().Debug(msg, fields...)
}

func (e Engine) observe(txn domain.Transaction) {
	e.Metrics.ObserveTransition(string(txn.TypeOf), string(txn.Status))
}

// authorizeActions returns the completed authorize actions of a transaction.
func (e Engine) authorizeActions(ctx context.Context, txn domain.Transaction, objectType domain.ObjectType) ([]domain.Action, error) {
	return e.Repo.ActionsByPurpose(ctx, domain.TransactionPurpose(txn), repo.ActionFilter{
		TypeOf:     domain.ActionAuthorize,
		ObjectType: objectType,
		Status:     domain.ActionCompleted,
	})
}

type authorizeRef struct {
	AuthorizeActionID string `json:"authorize_action_id"`
}

// completedFor returns the authorize action ids that already have a
// completed follow-up action of the given type on an order.
func (e Engine) completedFor(ctx context.Context, orderNumber string, typeOf domain.ActionType, objectType domain.ObjectType) (map[string]bool, error) {
	actions, err := e.Repo.ActionsByOrderNumber(ctx, orderNumber, repo.ActionFilter{TypeOf: typeOf, ObjectType: objectType, Status: domain.ActionCompleted})
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(actions))
	for _, a := range actions {
		var ref authorizeRef
		if err := a.DecodeObject(&ref); err != nil {
			return nil, err
		}
		if ref.AuthorizeActionID != "" {
			done[ref.AuthorizeActionID] = true
		}
	}
	return done, nil
}

func taskData(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// newTask builds a task with the configured number of tries for its name.
func (e Engine) newTask(project string, name domain.TaskName, data any) (domain.TaskAttributes, error) {
	raw, err := taskData(data)
	if err != nil {
		return domain.TaskAttributes{}, fmt.Errorf("encode %s data: %w", name, err)
	}
	return domain.TaskAttributes{
		Project:                e.project(project),
		Name:                   name,
		RunsAt:                 e.now(),
		RemainingNumberOfTries: e.Config.Tasks.TriesFor(name),
		Data:                   raw,
	}, nil
}
