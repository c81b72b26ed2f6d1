package localstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/algodoeira/baletrack/pkg/datamodel"
)

// OperationFilter narrows ListOperations. Zero values mean "any".
type OperationFilter struct {
	Kind   datamodel.OperationKind
	Status datamodel.OperationStatus
}

// OperationPatch is a partial update applied by the drain loop. Nil fields
// are left untouched.
type OperationPatch struct {
	Status           *datamodel.OperationStatus
	AttemptCount     *int
	LastAttemptAt    *time.Time
	ResolvedServerID *string
}

// Enqueue appends op to the pending queue and returns its id. The size check
// and the insert run in one transaction so the bound holds even if callers
// race. Fails with ErrQuotaExceeded at the cap, the caller must surface that
// to the user instead of dropping the mutation silently.
func (s *Store) Enqueue(op datamodel.PendingOperation) (string, error) {
	if op.ID == "" {
		return "", errors.New("pending operation requires an id")
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return "", fmt.Errorf("failed to begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.Get(&count, `SELECT COUNT(*) FROM pending_operations`); err != nil {
		return "", fmt.Errorf("failed to count pending operations: %w", err)
	}
	if count >= s.queueCap {
		return "", ErrQuotaExceeded
	}

	createdAt := op.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err = tx.Exec(
		`INSERT INTO pending_operations (op_id, kind, payload, status, attempt_count, created_at, resolved_server_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Kind, op.Payload, datamodel.OpPending, 0, createdAt, op.ResolvedServerID,
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue operation %s: %w", op.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return op.ID, nil
}

// Dequeue removes a single operation, normally after it succeeded against
// the server (or turned out terminally impossible).
func (s *Store) Dequeue(id string) error {
	res, err := s.db.Exec(`DELETE FROM pending_operations WHERE op_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to dequeue operation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to dequeue operation %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateOperation applies a partial update to one queued operation.
func (s *Store) UpdateOperation(id string, patch OperationPatch) error {
	set := ""
	args := make([]interface{}, 0, 5)
	add := func(clause string, v interface{}) {
		if set != "" {
			set += ", "
		}
		set += clause
		args = append(args, v)
	}
	if patch.Status != nil {
		add("status = ?", *patch.Status)
	}
	if patch.AttemptCount != nil {
		add("attempt_count = ?", *patch.AttemptCount)
	}
	if patch.LastAttemptAt != nil {
		add("last_attempt_at = ?", *patch.LastAttemptAt)
	}
	if patch.ResolvedServerID != nil {
		add("resolved_server_id = ?", *patch.ResolvedServerID)
	}
	if set == "" {
		return nil
	}
	args = append(args, id)

	res, err := s.db.Exec(`UPDATE pending_operations SET `+set+` WHERE op_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update operation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update operation %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOperations returns queued operations in insertion order. There is no
// per-entity sub-ordering: the drain relies on this global FIFO so a create
// always precedes the status updates that depend on it.
func (s *Store) ListOperations(filter OperationFilter) ([]datamodel.PendingOperation, error) {
	q := `SELECT op_id, kind, payload, status, attempt_count, created_at, last_attempt_at, resolved_server_id
	      FROM pending_operations`
	where := ""
	args := make([]interface{}, 0, 2)
	if filter.Kind != "" {
		where = ` WHERE kind = ?`
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		if where == "" {
			where = ` WHERE status = ?`
		} else {
			where += ` AND status = ?`
		}
		args = append(args, filter.Status)
	}
	q += where + ` ORDER BY rowid`

	var ops []datamodel.PendingOperation
	if err := s.db.Select(&ops, q, args...); err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	return ops, nil
}

// GetOperation returns a single queued operation or ErrNotFound.
func (s *Store) GetOperation(id string) (datamodel.PendingOperation, error) {
	var op datamodel.PendingOperation
	err := s.db.Get(&op,
		`SELECT op_id, kind, payload, status, attempt_count, created_at, last_attempt_at, resolved_server_id
		 FROM pending_operations WHERE op_id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return datamodel.PendingOperation{}, ErrNotFound
		}
		return datamodel.PendingOperation{}, fmt.Errorf("failed to read operation %s: %w", id, err)
	}
	return op, nil
}

// SweepOlderThan ages out failed operations past the retention window.
// Pending operations are never swept, they either succeed or fail first.
func (s *Store) SweepOlderThan(retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention)
	res, err := s.db.Exec(
		`DELETE FROM pending_operations WHERE status = ? AND created_at < ?`,
		datamodel.OpFailed, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep failed operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to sweep failed operations: %w", err)
	}
	return n, nil
}

// QueueDepth returns the number of operations currently held, regardless of
// status.
func (s *Store) QueueDepth() (int, error) {
	var count int
	if err := s.db.Get(&count, `SELECT COUNT(*) FROM pending_operations`); err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return count, nil
}
