package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"boxoffice/internal/apperr"
	"boxoffice/internal/db"
	"boxoffice/internal/domain"
	"boxoffice/internal/events"
)

const actionColumns = `id,project,type_of,object_type,instrument,action_status,agent_json,recipient_json,object_json,result_json,error_json,purpose_type,purpose_id,order_number,start_time,end_time`

func scanAction(row rowScanner) (domain.Action, error) {
	var a domain.Action
	var agent, recipient, object, result, actionErr, endTime sql.NullString
	var startTime string
	err := row.Scan(&a.ID, &a.Project, &a.TypeOf, &a.ObjectType, &a.Instrument, &a.Status, &agent, &recipient, &object, &result,
		&actionErr, &a.Purpose.TypeOf, &a.Purpose.ID, &a.OrderNumber, &startTime, &endTime)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := unmarshalJSON(agent, &a.Agent); err != nil {
		return a, err
	}
	if recipient.Valid {
		a.Recipient = &domain.Party{}
		if err := unmarshalJSON(recipient, a.Recipient); err != nil {
			return a, err
		}
	}
	if object.Valid {
		a.Object = []byte(object.String)
	}
	if result.Valid {
		a.Result = []byte(result.String)
	}
	if actionErr.Valid {
		a.Error = &domain.ActionError{}
		if err := unmarshalJSON(actionErr, a.Error); err != nil {
			return a, err
		}
	}
	if a.StartTime, err = db.ParseTime(startTime); err != nil {
		return a, err
	}
	a.EndTime, err = parseNullTime(endTime)
	return a, err
}

// StartAction records a new ActiveActionStatus action.
func (r Repo) StartAction(ctx context.Context, attrs domain.ActionAttributes) (domain.Action, error) {
	now := r.now()
	a := domain.Action{
		ID:          uuid.NewString(),
		Project:     attrs.Project,
		TypeOf:      attrs.TypeOf,
		ObjectType:  attrs.ObjectType,
		Instrument:  attrs.Instrument,
		Status:      domain.ActionActive,
		Agent:       attrs.Agent,
		Recipient:   attrs.Recipient,
		Purpose:     attrs.Purpose,
		OrderNumber: attrs.OrderNumber,
		StartTime:   now,
	}
	agent, err := marshalJSON(a.Agent)
	if err != nil {
		return a, err
	}
	recipient, err := marshalJSON(a.Recipient)
	if err != nil {
		return a, err
	}
	object, err := marshalJSON(attrs.Object)
	if err != nil {
		return a, err
	}
	if s, ok := object.(string); ok {
		a.Object = []byte(s)
	}
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO actions(id,project,type_of,object_type,instrument,action_status,agent_json,recipient_json,object_json,purpose_type,purpose_id,order_number,start_time) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			a.ID, a.Project, a.TypeOf, a.ObjectType, a.Instrument, a.Status, agent, recipient, object, a.Purpose.TypeOf, a.Purpose.ID, a.OrderNumber, db.FormatTime(now))
		if err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.ActionStarted, a.Project, "action", a.ID, a.Agent.ID,
			events.EventPayload{"type_of": a.TypeOf, "object_type": a.ObjectType, "purpose": a.Purpose})
	})
	if err != nil {
		return domain.Action{}, err
	}
	return a, nil
}

// finalizeAction moves an action out of one of the from statuses. Finalizing
// an action twice fails with InvalidState.
func (r Repo) finalizeAction(ctx context.Context, id string, to domain.ActionStatus, from []domain.ActionStatus, column string, value any, evt string) (domain.Action, error) {
	now := r.now()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{to, db.FormatTime(now)}
	set := "action_status=?, end_time=?"
	if column != "" {
		set += ", " + column + "=?"
		args = append(args, value)
	}
	args = append(args, id)
	for _, s := range from {
		args = append(args, s)
	}
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE actions SET `+set+` WHERE id=? AND action_status IN (`+placeholders+`)`, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		var project string
		var current domain.ActionStatus
		if err := tx.QueryRowContext(ctx, `SELECT project,action_status FROM actions WHERE id=?`, id).Scan(&project, &current); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		if n == 0 {
			return apperr.NewInvalidState("action", "action %s is already %s", id, current)
		}
		return r.Events.Append(ctx, tx, evt, project, "action", id, "", events.EventPayload{"action_status": to})
	})
	if err != nil {
		return domain.Action{}, err
	}
	return r.GetAction(ctx, id)
}

// CompleteAction finalizes an active action with its result.
func (r Repo) CompleteAction(ctx context.Context, id string, result any) (domain.Action, error) {
	v, err := marshalJSON(result)
	if err != nil {
		return domain.Action{}, err
	}
	return r.finalizeAction(ctx, id, domain.ActionCompleted, []domain.ActionStatus{domain.ActionActive}, "result_json", v, events.ActionCompleted)
}

// GiveUpAction finalizes an active action as failed, recording cause.
func (r Repo) GiveUpAction(ctx context.Context, id string, cause error) (domain.Action, error) {
	ae := domain.ActionError{Name: string(apperr.TypeOf(cause))}
	if cause != nil {
		ae.Message = cause.Error()
	}
	v, err := marshalJSON(ae)
	if err != nil {
		return domain.Action{}, err
	}
	return r.finalizeAction(ctx, id, domain.ActionFailed, []domain.ActionStatus{domain.ActionActive}, "error_json", v, events.ActionFailed)
}

// CancelAction cancels an active or completed action.
func (r Repo) CancelAction(ctx context.Context, id string) (domain.Action, error) {
	return r.finalizeAction(ctx, id, domain.ActionCanceled, []domain.ActionStatus{domain.ActionActive, domain.ActionCompleted}, "", nil, events.ActionCanceled)
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.Action, error) {
	return scanAction(r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id))
}

type ActionFilter struct {
	TypeOf     domain.ActionType
	ObjectType domain.ObjectType
	Status     domain.ActionStatus
	Instrument string
}

func (f ActionFilter) where(clauses []string, args []any) ([]string, []any) {
	if f.TypeOf != "" {
		clauses = append(clauses, "type_of=?")
		args = append(args, f.TypeOf)
	}
	if f.ObjectType != "" {
		clauses = append(clauses, "object_type=?")
		args = append(args, f.ObjectType)
	}
	if f.Status != "" {
		clauses = append(clauses, "action_status=?")
		args = append(args, f.Status)
	}
	if f.Instrument != "" {
		clauses = append(clauses, "instrument=?")
		args = append(args, f.Instrument)
	}
	return clauses, args
}

// ActionsByPurpose lists the actions recorded for a transaction or order.
func (r Repo) ActionsByPurpose(ctx context.Context, purpose domain.Purpose, f ActionFilter) ([]domain.Action, error) {
	clauses, args := f.where([]string{"purpose_type=?", "purpose_id=?"}, []any{purpose.TypeOf, purpose.ID})
	return r.queryActions(ctx, clauses, args)
}

// ActionsByOrderNumber lists the actions correlated with an order.
func (r Repo) ActionsByOrderNumber(ctx context.Context, orderNumber string, f ActionFilter) ([]domain.Action, error) {
	clauses, args := f.where([]string{"order_number=?"}, []any{orderNumber})
	return r.queryActions(ctx, clauses, args)
}

func (r Repo) queryActions(ctx context.Context, clauses []string, args []any) ([]domain.Action, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE `+strings.Join(clauses, " AND ")+` ORDER BY start_time, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
