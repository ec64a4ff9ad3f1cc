package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"gateline/internal/domain"
)

const handoffColumns = `id,task_id,from_role,to_role,checkpoint_completed,proof_refs_json,ts`

func scanHandoff(scan func(dest ...any) error) (domain.Handoff, error) {
	var h domain.Handoff
	var refsJSON string
	err := scan(&h.ID, &h.TaskID, &h.FromRole, &h.ToRole, &h.CheckpointCompleted, &refsJSON, &h.TS)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal([]byte(refsJSON), &h.ProofRefs); err != nil {
		return h, err
	}
	return h, nil
}

// InsertHandoff appends a handoff record. The log is append-only; there is no
// update or delete counterpart.
func (r Repo) InsertHandoff(ctx context.Context, tx *sql.Tx, h domain.Handoff) error {
	refs := h.ProofRefs
	if refs == nil {
		refs = []string{}
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO handoffs(`+handoffColumns+`) VALUES (?,?,?,?,?,?,?)`,
		h.ID, h.TaskID, string(h.FromRole), string(h.ToRole), string(h.CheckpointCompleted), string(refsJSON), h.TS)
	return err
}

func (r Repo) GetHandoff(ctx context.Context, id string) (domain.Handoff, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+handoffColumns+` FROM handoffs WHERE id=?`, id)
	return scanHandoff(row.Scan)
}

func (r Repo) ListHandoffs(ctx context.Context, taskID string) ([]domain.Handoff, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+handoffColumns+` FROM handoffs WHERE task_id=? ORDER BY ts ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Handoff
	for rows.Next() {
		h, err := scanHandoff(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}
