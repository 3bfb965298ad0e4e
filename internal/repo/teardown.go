package repo

import (
	"context"
	"database/sql"

	"boxoffice/internal/events"
)

// DeleteProject removes every record of a project. It is the only path that
// deletes transactions. The returned map counts deleted rows per table.
func (r Repo) DeleteProject(ctx context.Context, project, actor string) (map[string]int64, error) {
	counts := map[string]int64{}
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"invoices", "orders", "tasks", "actions", "transactions"} {
			res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE project=?`, project)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			counts[table] = n
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE project_id=?`, project)
		if err != nil {
			return err
		}
		if counts["events"], err = res.RowsAffected(); err != nil {
			return err
		}
		payload := events.EventPayload{}
		for k, v := range counts {
			payload[k] = v
		}
		return r.Events.Append(ctx, tx, events.ProjectTeardown, "", "project", project, actor, payload)
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
