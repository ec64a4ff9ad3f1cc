package repo

import (
	"context"
	"database/sql"
	"strings"

	"gateline/internal/domain"
)

const escalationColumns = `id,task_id,checkpoint,reason,risk_tag,raised_at,decision,resolved_at`

func scanEscalation(scan func(dest ...any) error) (domain.Escalation, error) {
	var e domain.Escalation
	var riskTag, decision, resolvedAt sql.NullString
	err := scan(&e.ID, &e.TaskID, &e.Checkpoint, &e.Reason, &riskTag, &e.RaisedAt, &decision, &resolvedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if riskTag.Valid {
		e.RiskTag = riskTag.String
	}
	if decision.Valid {
		e.Decision = &decision.String
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.String
	}
	return e, nil
}

func (r Repo) InsertEscalation(ctx context.Context, tx *sql.Tx, e domain.Escalation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escalations(`+escalationColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, string(e.Checkpoint), e.Reason, nullable(e.RiskTag), e.RaisedAt,
		nullableStringPtr(e.Decision), nullableStringPtr(e.ResolvedAt))
	return err
}

// ResolveEscalation records the decision; decision and resolved_at are set
// exactly once.
func (r Repo) ResolveEscalation(ctx context.Context, tx *sql.Tx, id, decision, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE escalations SET decision=?, resolved_at=? WHERE id=? AND decision IS NULL`,
		decision, resolvedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetEscalation(ctx context.Context, id string) (domain.Escalation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id=?`, id)
	return scanEscalation(row.Scan)
}

func (r Repo) GetEscalationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Escalation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id=?`, id)
	return scanEscalation(row.Scan)
}

// OpenEscalation returns the task's unresolved escalation, ErrNotFound if none.
func (r Repo) OpenEscalation(ctx context.Context, taskID string) (domain.Escalation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE task_id=? AND decision IS NULL`, taskID)
	return scanEscalation(row.Scan)
}

func (r Repo) OpenEscalationTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.Escalation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE task_id=? AND decision IS NULL`, taskID)
	return scanEscalation(row.Scan)
}

type EscalationFilters struct {
	TaskID     string
	Unresolved bool
	Limit      int
}

func (r Repo) ListEscalations(ctx context.Context, f EscalationFilters) ([]domain.Escalation, error) {
	var clauses []string
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Unresolved {
		clauses = append(clauses, "decision IS NULL")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + escalationColumns + ` FROM escalations ` + where + ` ORDER BY raised_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
