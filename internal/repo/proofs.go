package repo

import (
	"context"
	"database/sql"
	"strings"

	"gateline/internal/domain"
)

const proofColumns = `id,task_id,checkpoint,kind,result,ref,submitted_by,submitted_at`

func scanProof(scan func(dest ...any) error) (domain.Proof, error) {
	var p domain.Proof
	var ref sql.NullString
	err := scan(&p.ID, &p.TaskID, &p.Checkpoint, &p.Kind, &p.Result, &ref, &p.SubmittedBy, &p.SubmittedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if ref.Valid {
		p.Ref = ref.String
	}
	return p, nil
}

// InsertProof records a proof. Proofs are append-only; there is no update or
// delete counterpart.
func (r Repo) InsertProof(ctx context.Context, tx *sql.Tx, p domain.Proof) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proofs(`+proofColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.TaskID, string(p.Checkpoint), p.Kind, p.Result, nullable(p.Ref), string(p.SubmittedBy), p.SubmittedAt)
	return err
}

type ProofFilters struct {
	TaskID     string
	Checkpoint string
	Kind       string
}

func (r Repo) ListProofs(ctx context.Context, f ProofFilters) ([]domain.Proof, error) {
	return listProofs(ctx, r.DB.QueryContext, f)
}

func (r Repo) ListProofsTx(ctx context.Context, tx *sql.Tx, f ProofFilters) ([]domain.Proof, error) {
	return listProofs(ctx, tx.QueryContext, f)
}

func listProofs(ctx context.Context, query func(context.Context, string, ...any) (*sql.Rows, error), f ProofFilters) ([]domain.Proof, error) {
	var clauses []string
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Checkpoint != "" {
		clauses = append(clauses, "checkpoint=?")
		args = append(args, f.Checkpoint)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := query(ctx, `SELECT `+proofColumns+` FROM proofs `+where+` ORDER BY submitted_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proof
	for rows.Next() {
		p, err := scanProof(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
