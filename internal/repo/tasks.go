package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"boxoffice/internal/db"
	"boxoffice/internal/domain"
	"boxoffice/internal/events"
)

const taskColumns = `id,project,name,status,runs_at,remaining_number_of_tries,number_of_tried,last_tried_at,data_json,execution_results_json,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var runsAt, createdAt, updatedAt, data, results string
	var lastTried sql.NullString
	err := row.Scan(&t.ID, &t.Project, &t.Name, &t.Status, &runsAt, &t.RemainingNumberOfTries, &t.NumberOfTried, &lastTried,
		&data, &results, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Data = json.RawMessage(data)
	if err := json.Unmarshal([]byte(results), &t.ExecutionResults); err != nil {
		return t, fmt.Errorf("task %s execution results: %w", t.ID, err)
	}
	if t.RunsAt, err = db.ParseTime(runsAt); err != nil {
		return t, err
	}
	if t.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return t, err
	}
	t.LastTriedAt, err = parseNullTime(lastTried)
	return t, err
}

// SaveTask enqueues a Ready task.
func (r Repo) SaveTask(ctx context.Context, attrs domain.TaskAttributes) (domain.Task, error) {
	var t domain.Task
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = r.saveTaskTx(ctx, tx, attrs)
		return err
	})
	return t, err
}

func (r Repo) saveTaskTx(ctx context.Context, tx *sql.Tx, attrs domain.TaskAttributes) (domain.Task, error) {
	now := r.now()
	runsAt := attrs.RunsAt
	if runsAt.IsZero() {
		runsAt = now
	}
	data := attrs.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	t := domain.Task{
		ID:                     uuid.NewString(),
		Project:                attrs.Project,
		Name:                   attrs.Name,
		Status:                 domain.TaskReady,
		RunsAt:                 runsAt.UTC(),
		RemainingNumberOfTries: attrs.RemainingNumberOfTries,
		Data:                   data,
		ExecutionResults:       []domain.ExecutionResult{},
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,project,name,status,runs_at,remaining_number_of_tries,number_of_tried,data_json,execution_results_json,created_at,updated_at) VALUES (?,?,?,?,?,?,0,?,'[]',?,?)`,
		t.ID, t.Project, t.Name, t.Status, db.FormatTime(t.RunsAt), t.RemainingNumberOfTries, string(t.Data), db.FormatTime(now), db.FormatTime(now))
	if err != nil {
		return domain.Task{}, fmt.Errorf("save task %s: %w", t.Name, err)
	}
	return t, nil
}

// SaveTasks enqueues tasks in one SQL transaction.
func (r Repo) SaveTasks(ctx context.Context, attrs []domain.TaskAttributes) ([]domain.Task, error) {
	var saved []domain.Task
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range attrs {
			t, err := r.saveTaskTx(ctx, tx, a)
			if err != nil {
				return err
			}
			saved = append(saved, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilter struct {
	Project string
	Name    domain.TaskName
	Status  domain.TaskStatus
	Limit   int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Project != "" {
		clauses = append(clauses, "project=?")
		args = append(args, f.Project)
	}
	if f.Name != "" {
		clauses = append(clauses, "name=?")
		args = append(args, f.Name)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	args = append(args, f.Limit)
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at DESC, id LIMIT ?`, args...)
}

func (r Repo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ClaimTask flips one due Ready task of the given name to Running, counting
// the attempt. Losing the conditional update to another worker retries with
// the next candidate up to attempts times. No due task returns ErrNotFound.
func (r Repo) ClaimTask(ctx context.Context, name domain.TaskName, attempts int) (domain.Task, error) {
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		now := r.now()
		var id string
		err := r.DB.QueryRowContext(ctx, `SELECT id FROM tasks WHERE name=? AND status=? AND runs_at<=? AND remaining_number_of_tries>0 ORDER BY runs_at LIMIT 1`,
			name, domain.TaskReady, db.FormatTime(now)).Scan(&id)
		if err == sql.ErrNoRows {
			return domain.Task{}, ErrNotFound
		}
		if err != nil {
			return domain.Task{}, err
		}
		res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, number_of_tried=number_of_tried+1, remaining_number_of_tries=remaining_number_of_tries-1, last_tried_at=?, updated_at=? WHERE id=? AND status=?`,
			domain.TaskRunning, db.FormatTime(now), db.FormatTime(now), id, domain.TaskReady)
		if err != nil {
			return domain.Task{}, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return domain.Task{}, err
		}
		if n == 1 {
			return r.GetTask(ctx, id)
		}
	}
	return domain.Task{}, ErrNotFound
}

var taskEvents = map[domain.TaskStatus]string{
	domain.TaskExecuted: events.TaskExecuted,
	domain.TaskReady:    events.TaskRetried,
	domain.TaskAborted:  events.TaskAborted,
}

// PushExecutionResult appends one attempt to a Running task and moves it to
// status, with runsAt used when status is Ready. ok is false when the task is
// no longer the Running attempt t describes.
func (r Repo) PushExecutionResult(ctx context.Context, t domain.Task, result domain.ExecutionResult, status domain.TaskStatus, runsAt time.Time) (bool, error) {
	results := append(append([]domain.ExecutionResult{}, t.ExecutionResults...), result)
	data, err := json.Marshal(results)
	if err != nil {
		return false, err
	}
	if runsAt.IsZero() {
		runsAt = t.RunsAt
	}
	ok := false
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, runs_at=?, execution_results_json=?, updated_at=? WHERE id=? AND status=? AND number_of_tried=?`,
			status, db.FormatTime(runsAt), string(data), db.FormatTime(r.now()), t.ID, domain.TaskRunning, t.NumberOfTried)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return err
		}
		ok = true
		payload := events.EventPayload{"name": t.Name, "number_of_tried": t.NumberOfTried}
		if result.Error != nil {
			payload["error"] = result.Error.Message
		}
		return r.Events.Append(ctx, tx, taskEvents[status], t.Project, "task", t.ID, "", payload)
	})
	return ok, err
}

func (r Repo) stuckTasks(ctx context.Context, timeout time.Duration, exhausted bool, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := db.FormatTime(r.now().Add(-timeout))
	cond := "remaining_number_of_tries>0"
	if exhausted {
		cond = "remaining_number_of_tries<=0"
	}
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status=? AND last_tried_at<? AND `+cond+` ORDER BY last_tried_at LIMIT ?`,
		domain.TaskRunning, cutoff, limit)
}

func stuckResult(t domain.Task, timeout time.Duration, now time.Time) domain.ExecutionResult {
	executed := now
	if t.LastTriedAt != nil {
		executed = *t.LastTriedAt
	}
	return domain.ExecutionResult{
		ExecutedAt: executed,
		EndDate:    now,
		Error:      &domain.TaskError{Name: "Timeout", Message: fmt.Sprintf("no result within %s", timeout)},
	}
}

// RetryTasks returns tasks stuck Running past timeout with tries left to
// Ready.
func (r Repo) RetryTasks(ctx context.Context, timeout time.Duration, limit int) ([]domain.Task, error) {
	stuck, err := r.stuckTasks(ctx, timeout, false, limit)
	if err != nil {
		return nil, err
	}
	var retried []domain.Task
	for _, t := range stuck {
		now := r.now()
		ok, err := r.PushExecutionResult(ctx, t, stuckResult(t, timeout, now), domain.TaskReady, now)
		if err != nil {
			return retried, err
		}
		if ok {
			retried = append(retried, t)
		}
	}
	return retried, nil
}

// AbortTasks aborts tasks stuck Running past timeout with no tries left and
// returns the ones this call aborted.
func (r Repo) AbortTasks(ctx context.Context, timeout time.Duration, limit int) ([]domain.Task, error) {
	stuck, err := r.stuckTasks(ctx, timeout, true, limit)
	if err != nil {
		return nil, err
	}
	var aborted []domain.Task
	for _, t := range stuck {
		res := stuckResult(t, timeout, r.now())
		ok, err := r.PushExecutionResult(ctx, t, res, domain.TaskAborted, time.Time{})
		if err != nil {
			return aborted, err
		}
		if ok {
			t.Status = domain.TaskAborted
			t.ExecutionResults = append(t.ExecutionResults, res)
			aborted = append(aborted, t)
		}
	}
	return aborted, nil
}
