package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"boxoffice/internal/apperr"
	"boxoffice/internal/db"
	"boxoffice/internal/domain"
	"boxoffice/internal/events"
)

const transactionColumns = `id,project,type_of,status,agent_json,seller_json,recipient_json,object_json,result_json,potential_actions_json,business_key,expires,start_date,end_date,tasks_exportation_status,tasks_exported_at,updated_at`

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var t domain.Transaction
	var agent, seller, recipient, object, result, potential, businessKey sql.NullString
	var expires, startDate, updatedAt string
	var endDate, exportedAt sql.NullString
	err := row.Scan(&t.ID, &t.Project, &t.TypeOf, &t.Status, &agent, &seller, &recipient, &object, &result, &potential,
		&businessKey, &expires, &startDate, &endDate, &t.TasksExportationStatus, &exportedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.BusinessKey = businessKey.String
	if err := unmarshalJSON(agent, &t.Agent); err != nil {
		return t, fmt.Errorf("transaction %s agent: %w", t.ID, err)
	}
	if seller.Valid {
		t.Seller = &domain.Party{}
		if err := unmarshalJSON(seller, t.Seller); err != nil {
			return t, fmt.Errorf("transaction %s seller: %w", t.ID, err)
		}
	}
	if recipient.Valid {
		t.Recipient = &domain.Party{}
		if err := unmarshalJSON(recipient, t.Recipient); err != nil {
			return t, fmt.Errorf("transaction %s recipient: %w", t.ID, err)
		}
	}
	if err := unmarshalJSON(object, &t.Object); err != nil {
		return t, fmt.Errorf("transaction %s object: %w", t.ID, err)
	}
	if result.Valid {
		t.Result = &domain.TransactionResult{}
		if err := unmarshalJSON(result, t.Result); err != nil {
			return t, fmt.Errorf("transaction %s result: %w", t.ID, err)
		}
	}
	if potential.Valid {
		t.PotentialActions = &domain.PotentialActions{}
		if err := unmarshalJSON(potential, t.PotentialActions); err != nil {
			return t, fmt.Errorf("transaction %s potential actions: %w", t.ID, err)
		}
	}
	if t.Expires, err = db.ParseTime(expires); err != nil {
		return t, err
	}
	if t.StartDate, err = db.ParseTime(startDate); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return t, err
	}
	if t.EndDate, err = parseNullTime(endDate); err != nil {
		return t, err
	}
	if t.TasksExportedAt, err = parseNullTime(exportedAt); err != nil {
		return t, err
	}
	return t, nil
}

// StartTransaction inserts an InProgress, Unexported transaction. A clash on
// the business key fails with Conflict.
func (r Repo) StartTransaction(ctx context.Context, attrs domain.TransactionAttributes) (domain.Transaction, error) {
	now := r.now()
	t := domain.Transaction{
		ID:                     uuid.NewString(),
		Project:                attrs.Project,
		TypeOf:                 attrs.TypeOf,
		Status:                 domain.TransactionInProgress,
		Agent:                  attrs.Agent,
		Seller:                 attrs.Seller,
		Recipient:              attrs.Recipient,
		Object:                 attrs.Object,
		BusinessKey:            attrs.BusinessKey,
		Expires:                attrs.Expires.UTC(),
		StartDate:              now,
		TasksExportationStatus: domain.ExportationUnexported,
		UpdatedAt:              now,
	}
	agent, err := marshalJSON(t.Agent)
	if err != nil {
		return t, err
	}
	seller, err := marshalJSON(t.Seller)
	if err != nil {
		return t, err
	}
	recipient, err := marshalJSON(t.Recipient)
	if err != nil {
		return t, err
	}
	object, err := marshalJSON(t.Object)
	if err != nil {
		return t, err
	}
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO transactions(id,project,type_of,status,agent_json,seller_json,recipient_json,object_json,business_key,expires,start_date,tasks_exportation_status,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.Project, t.TypeOf, t.Status, agent, seller, recipient, object, nullable(t.BusinessKey),
			db.FormatTime(t.Expires), db.FormatTime(now), t.TasksExportationStatus, db.FormatTime(now))
		if err != nil {
			if r.Dialect.IsDuplicateKey(err) {
				return apperr.NewConflict("transaction", "business key %s is already in use", t.BusinessKey)
			}
			return err
		}
		return r.Events.Append(ctx, tx, events.TransactionStarted, t.Project, "transaction", t.ID, t.Agent.ID,
			events.EventPayload{"type_of": t.TypeOf, "expires": t.Expires})
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	return t, nil
}

func (r Repo) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	return scanTransaction(r.DB.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id=?`, id))
}

type TransactionFilter struct {
	Project string
	TypeOf  domain.TransactionType
	Status  domain.TransactionStatus
	Limit   int
}

func (r Repo) ListTransactions(ctx context.Context, f TransactionFilter) ([]domain.Transaction, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Project != "" {
		clauses = append(clauses, "project=?")
		args = append(args, f.Project)
	}
	if f.TypeOf != "" {
		clauses = append(clauses, "type_of=?")
		args = append(args, f.TypeOf)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE `+strings.Join(clauses, " AND ")+` ORDER BY start_date DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TransactionPatch lists the columns a transition writes besides status.
type TransactionPatch struct {
	EndDate          *time.Time
	Object           *domain.TransactionObject
	Result           *domain.TransactionResult
	PotentialActions *domain.PotentialActions
	// ReleaseBusinessKey frees the key so a new transaction may claim it.
	ReleaseBusinessKey bool
	Actor              string
}

var transitionEvents = map[domain.TransactionStatus]string{
	domain.TransactionConfirmed: events.TransactionConfirmed,
	domain.TransactionCanceled:  events.TransactionCanceled,
	domain.TransactionExpired:   events.TransactionExpired,
}

// CompareAndTransition moves transaction id from status from to status to in
// one conditional update. When no row matches, ok is false and current holds
// the status found afterwards; a missing transaction returns ErrNotFound.
func (r Repo) CompareAndTransition(ctx context.Context, id string, from, to domain.TransactionStatus, patch TransactionPatch) (ok bool, current domain.TransactionStatus, err error) {
	now := r.now()
	set := []string{"status=?", "updated_at=?"}
	args := []any{to, db.FormatTime(now)}
	if patch.EndDate != nil {
		set = append(set, "end_date=?")
		args = append(args, db.FormatTime(*patch.EndDate))
	}
	if patch.Object != nil {
		v, err := marshalJSON(patch.Object)
		if err != nil {
			return false, "", err
		}
		set = append(set, "object_json=?")
		args = append(args, v)
	}
	if patch.Result != nil {
		v, err := marshalJSON(patch.Result)
		if err != nil {
			return false, "", err
		}
		set = append(set, "result_json=?")
		args = append(args, v)
	}
	if patch.PotentialActions != nil {
		v, err := marshalJSON(patch.PotentialActions)
		if err != nil {
			return false, "", err
		}
		set = append(set, "potential_actions_json=?")
		args = append(args, v)
	}
	if patch.ReleaseBusinessKey {
		set = append(set, "business_key=NULL")
	}
	args = append(args, id, from)

	err = r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE transactions SET `+strings.Join(set, ",")+` WHERE id=? AND status=?`, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var project string
			err := tx.QueryRowContext(ctx, `SELECT status,project FROM transactions WHERE id=?`, id).Scan(&current, &project)
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		ok, current = true, to
		evt, known := transitionEvents[to]
		if !known {
			evt = "transaction." + strings.ToLower(string(to))
		}
		var project string
		if err := tx.QueryRowContext(ctx, `SELECT project FROM transactions WHERE id=?`, id).Scan(&project); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, evt, project, "transaction", id, patch.Actor,
			events.EventPayload{"from": from, "to": to})
	})
	if err != nil {
		return false, "", err
	}
	return ok, current, nil
}

// ConfirmParams carries what a confirm stores on the transaction.
type ConfirmParams struct {
	ID               string
	TypeOf           domain.TransactionType
	AuthorizeActions []domain.ActionRef
	Result           domain.TransactionResult
	PotentialActions domain.PotentialActions
	Actor            string
}

// ConfirmTransaction sets InProgress to Confirmed. Confirming an already
// Confirmed transaction returns it unchanged; a Canceled or Expired one fails
// with InvalidState.
func (r Repo) ConfirmTransaction(ctx context.Context, p ConfirmParams) (domain.Transaction, error) {
	t, err := r.GetTransaction(ctx, p.ID)
	if err != nil {
		return t, err
	}
	if t.TypeOf != p.TypeOf {
		return domain.Transaction{}, ErrNotFound
	}
	object := t.Object
	object.AuthorizeActions = p.AuthorizeActions
	end := r.now()
	ok, current, err := r.CompareAndTransition(ctx, p.ID, domain.TransactionInProgress, domain.TransactionConfirmed, TransactionPatch{
		EndDate:          &end,
		Object:           &object,
		Result:           &p.Result,
		PotentialActions: &p.PotentialActions,
		Actor:            p.Actor,
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	if !ok && current != domain.TransactionConfirmed {
		return domain.Transaction{}, stateError(p.ID, current)
	}
	return r.GetTransaction(ctx, p.ID)
}

// CancelTransaction sets InProgress to Canceled and releases the business key.
// Canceling an already Canceled transaction returns it unchanged.
func (r Repo) CancelTransaction(ctx context.Context, typeOf domain.TransactionType, id, actor string) (domain.Transaction, error) {
	t, err := r.GetTransaction(ctx, id)
	if err != nil {
		return t, err
	}
	if t.TypeOf != typeOf {
		return domain.Transaction{}, ErrNotFound
	}
	end := r.now()
	ok, current, err := r.CompareAndTransition(ctx, id, domain.TransactionInProgress, domain.TransactionCanceled, TransactionPatch{
		EndDate:            &end,
		ReleaseBusinessKey: true,
		Actor:              actor,
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	if !ok && current != domain.TransactionCanceled {
		return domain.Transaction{}, stateError(id, current)
	}
	return r.GetTransaction(ctx, id)
}

func stateError(id string, current domain.TransactionStatus) error {
	if current == "" {
		return ErrNotFound
	}
	return apperr.NewInvalidState("transaction", "transaction %s is already %s", id, current)
}

// MakeExpired expires every InProgress transaction past its deadline and
// returns how many it moved. Rows lost to a concurrent confirm or cancel are
// skipped.
func (r Repo) MakeExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	now := r.now()
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM transactions WHERE status=? AND expires<? ORDER BY expires LIMIT ?`,
		domain.TransactionInProgress, db.FormatTime(now), limit)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		ok, _, err := r.CompareAndTransition(ctx, id, domain.TransactionInProgress, domain.TransactionExpired, TransactionPatch{
			EndDate:            &now,
			ReleaseBusinessKey: true,
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// StartExportTasks claims one ended transaction of the given type and status
// whose tasks are not exported yet, flipping it to Exporting. It returns nil
// when there is nothing to claim.
func (r Repo) StartExportTasks(ctx context.Context, typeOf domain.TransactionType, status domain.TransactionStatus) (*domain.Transaction, error) {
	for attempt := 0; attempt < 5; attempt++ {
		var id string
		err := r.DB.QueryRowContext(ctx, `SELECT id FROM transactions WHERE type_of=? AND status=? AND tasks_exportation_status=? ORDER BY updated_at LIMIT 1`,
			typeOf, status, domain.ExportationUnexported).Scan(&id)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		res, err := r.DB.ExecContext(ctx, `UPDATE transactions SET tasks_exportation_status=?, updated_at=? WHERE id=? AND tasks_exportation_status=?`,
			domain.ExportationExporting, db.FormatTime(r.now()), id, domain.ExportationUnexported)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			t, err := r.GetTransaction(ctx, id)
			if err != nil {
				return nil, err
			}
			return &t, nil
		}
	}
	return nil, nil
}

// ReexportTasks resets transactions stuck in Exporting for longer than
// olderThan back to Unexported.
func (r Repo) ReexportTasks(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := r.now()
	cutoff := now.Add(-olderThan)
	var n int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE transactions SET tasks_exportation_status=?, updated_at=? WHERE tasks_exportation_status=? AND updated_at<?`,
			domain.ExportationUnexported, db.FormatTime(now), domain.ExportationExporting, db.FormatTime(cutoff))
		if err != nil {
			return err
		}
		if n, err = res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		return r.Events.Append(ctx, tx, events.TransactionReexport, "", "transaction", "", "",
			events.EventPayload{"count": n, "older_than": olderThan.String()})
	})
	return n, err
}

// ErrExportLost is returned when a transaction's Exporting claim was reset
// and taken over before its tasks were stored.
var ErrExportLost = errors.New("task export claim lost")

// SetTasksExportedByID stores the derived tasks and marks the transaction
// Exported in one SQL transaction. claimedAt is the UpdatedAt returned by
// StartExportTasks and proves the claim is still held.
func (r Repo) SetTasksExportedByID(ctx context.Context, id string, claimedAt time.Time, tasks []domain.TaskAttributes) ([]domain.Task, error) {
	var saved []domain.Task
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		now := r.now()
		res, err := tx.ExecContext(ctx, `UPDATE transactions SET tasks_exportation_status=?, tasks_exported_at=?, updated_at=? WHERE id=? AND tasks_exportation_status=? AND updated_at=?`,
			domain.ExportationExported, db.FormatTime(now), db.FormatTime(now), id, domain.ExportationExporting, db.FormatTime(claimedAt))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrExportLost
		}
		var project string
		if err := tx.QueryRowContext(ctx, `SELECT project FROM transactions WHERE id=?`, id).Scan(&project); err != nil {
			return err
		}
		for _, attrs := range tasks {
			t, err := r.saveTaskTx(ctx, tx, attrs)
			if err != nil {
				return err
			}
			saved = append(saved, t)
		}
		names := make([]string, 0, len(saved))
		for _, t := range saved {
			names = append(names, string(t.Name))
		}
		return r.Events.Append(ctx, tx, events.TransactionExported, project, "transaction", id, "",
			events.EventPayload{"tasks": names})
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}
