package repo

import (
	"context"
	"database/sql"

	"gateline/internal/domain"
)

// IncrementAttempt bumps the per-(task, checkpoint) counter and returns the
// new value.
func (r Repo) IncrementAttempt(ctx context.Context, tx *sql.Tx, taskID string, cp domain.Checkpoint) (int, error) {
	_, err := tx.ExecContext(ctx, `INSERT INTO attempts(task_id,checkpoint,count) VALUES (?,?,1)
ON CONFLICT(task_id,checkpoint) DO UPDATE SET count=count+1`, taskID, string(cp))
	if err != nil {
		return 0, err
	}
	var count int
	err = tx.QueryRowContext(ctx, `SELECT count FROM attempts WHERE task_id=? AND checkpoint=?`, taskID, string(cp)).Scan(&count)
	return count, err
}

func (r Repo) ResetAttempt(ctx context.Context, tx *sql.Tx, taskID string, cp domain.Checkpoint) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO attempts(task_id,checkpoint,count) VALUES (?,?,0)
ON CONFLICT(task_id,checkpoint) DO UPDATE SET count=0`, taskID, string(cp))
	return err
}

// AttemptCounts returns all recorded counters for a task keyed by checkpoint.
func (r Repo) AttemptCounts(ctx context.Context, taskID string) (map[domain.Checkpoint]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT checkpoint, count FROM attempts WHERE task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Checkpoint]int{}
	for rows.Next() {
		var cp string
		var count int
		if err := rows.Scan(&cp, &count); err != nil {
			return nil, err
		}
		res[domain.Checkpoint(cp)] = count
	}
	return res, rows.Err()
}
