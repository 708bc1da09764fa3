package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/expert-settlement/internal/model"
)

// AuditRepo appends to and reads the transfer_audit_log table.  Rows are
// never updated or deleted.
type AuditRepo struct {
	db *sql.DB
}

// NewAuditRepo constructs a new AuditRepo.
func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

// AppendTx writes an audit entry in the same transaction as the change it
// describes.
func (r *AuditRepo) AppendTx(ctx context.Context, tx *sql.Tx, e *model.AuditEntry) error {
	const q = `INSERT INTO transfer_audit_log (transfer_id, operator_id, action, from_status, to_status, note, created_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, q, e.TransferID, e.OperatorID, e.Action, e.FromStatus, e.ToStatus, e.Note, dbTime(e.CreatedAt))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = uint64(id)
	return nil
}

// ListByTransfer returns the trail for one record, oldest first.
func (r *AuditRepo) ListByTransfer(ctx context.Context, transferID uint64) ([]model.AuditEntry, error) {
	const q = `SELECT id, transfer_id, operator_id, action, from_status, to_status, note, created_at
	           FROM transfer_audit_log WHERE transfer_id = ? ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.TransferID, &e.OperatorID, &e.Action, &e.FromStatus, &e.ToStatus, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
