// Package localstore is the durable on-device storage of the field agent:
// cached bale snapshots, the pending-operation queue and the mirrored
// per-season sequence counters. Everything lives in one sqlite file so the
// agent survives power loss between syncs.
package localstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/algodoeira/baletrack/pkg/datamodel"
)

var (
	// ErrQuotaExceeded is returned by Enqueue once the queue holds the
	// configured maximum of operations.
	ErrQuotaExceeded = errors.New("pending operation queue is full")

	// ErrNotFound is returned when the addressed snapshot or operation does
	// not exist.
	ErrNotFound = errors.New("not found")
)

// DefaultQueueCap bounds the pending-operation queue. A device that has been
// offline long enough to pile up this many operations needs operator
// attention, not more queueing.
const DefaultQueueCap = 1000

const schema = `
CREATE TABLE IF NOT EXISTS bale_snapshots (
	bale_id         TEXT PRIMARY KEY CHECK (bale_id <> ''),
	season          TEXT NOT NULL,
	field           TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	status          TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	created_offline INTEGER NOT NULL DEFAULT 0,
	updated_offline INTEGER NOT NULL DEFAULT 0,
	cached_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_operations (
	op_id              TEXT PRIMARY KEY,
	kind               TEXT NOT NULL,
	payload            BLOB NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	attempt_count      INTEGER NOT NULL DEFAULT 0,
	created_at         TIMESTAMP NOT NULL,
	last_attempt_at    TIMESTAMP,
	resolved_server_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_pending_operations_kind ON pending_operations (kind);
CREATE INDEX IF NOT EXISTS idx_pending_operations_created_at ON pending_operations (created_at);

CREATE TABLE IF NOT EXISTS season_counters (
	season      TEXT PRIMARY KEY,
	last_number INTEGER NOT NULL,
	cached_at   TIMESTAMP NOT NULL
);
`

// Store wraps the sqlite database. All mutating calls are expected to be
// awaited sequentially by their caller, there is no internal locking beyond
// sqlite's own.
type Store struct {
	db       *sqlx.DB
	queueCap int
	now      func() time.Time
}

// Option adjusts a Store on Open.
type Option func(*Store)

// WithQueueCap overrides the pending-operation queue bound.
func WithQueueCap(n int) Option {
	return func(s *Store) { s.queueCap = n }
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (and if needed bootstraps) the sqlite file at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open local store %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to bootstrap local store schema: %w", err)
	}
	s := &Store{db: db, queueCap: DefaultQueueCap, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertSnapshots writes the given bales into the snapshot cache, replacing
// existing records whole. Each record is one atomic replace, there are no
// partial column writes.
func (s *Store) UpsertSnapshots(bales []datamodel.Bale) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin snapshot upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertInTx(tx, bales, s.now()); err != nil {
		return err
	}
	return tx.Commit()
}

// MergeSnapshots reconciles the cache with a full server fetch. Rows without
// offline markers are replaced wholesale; rows still flagged created- or
// updated-offline are kept untouched, their queued operations have not landed
// yet and the optimistic state must stay visible. One transaction: either the
// whole merge lands or the previous cache stays visible.
func (s *Store) MergeSnapshots(bales []datamodel.Bale) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin snapshot merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM bale_snapshots WHERE created_offline = 0 AND updated_offline = 0`); err != nil {
		return fmt.Errorf("failed to clear synced snapshots: %w", err)
	}

	// DO NOTHING on the id conflict so a surviving offline row wins over the
	// server's (older) view of the same bale.
	const q = `
		INSERT INTO bale_snapshots (
			bale_id, season, field, sequence_number, status,
			created_at, updated_at, created_offline, updated_offline, cached_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?)
		ON CONFLICT (bale_id) DO NOTHING`
	stmt, err := tx.Prepare(q)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot merge: %w", err)
	}
	defer stmt.Close()

	cachedAt := s.now()
	for _, b := range bales {
		_, err := stmt.Exec(
			b.ID, b.Season, b.Field, b.SequenceNumber, b.Status,
			b.CreatedAt, b.UpdatedAt, cachedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to merge snapshot %s: %w", b.ID, err)
		}
	}
	return tx.Commit()
}

func upsertInTx(tx *sqlx.Tx, bales []datamodel.Bale, cachedAt time.Time) error {
	const q = `
		INSERT OR REPLACE INTO bale_snapshots (
			bale_id, season, field, sequence_number, status,
			created_at, updated_at, created_offline, updated_offline, cached_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := tx.Prepare(q)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bales {
		_, err := stmt.Exec(
			b.ID, b.Season, b.Field, b.SequenceNumber, b.Status,
			b.CreatedAt, b.UpdatedAt, b.CreatedOffline, b.UpdatedOffline, cachedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert snapshot %s: %w", b.ID, err)
		}
	}
	return nil
}

// GetAllSnapshots returns every cached bale in identifier order.
func (s *Store) GetAllSnapshots() ([]datamodel.Bale, error) {
	var bales []datamodel.Bale
	err := s.db.Select(&bales, `SELECT * FROM bale_snapshots ORDER BY bale_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshots: %w", err)
	}
	return bales, nil
}

// GetSnapshot returns one cached bale or ErrNotFound.
func (s *Store) GetSnapshot(id string) (datamodel.Bale, error) {
	var b datamodel.Bale
	err := s.db.Get(&b, `SELECT * FROM bale_snapshots WHERE bale_id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return datamodel.Bale{}, ErrNotFound
		}
		return datamodel.Bale{}, fmt.Errorf("failed to read snapshot %s: %w", id, err)
	}
	return b, nil
}

// DeleteSnapshot drops one cached bale, used when a local placeholder is
// superseded by the canonical server record.
func (s *Store) DeleteSnapshot(id string) error {
	_, err := s.db.Exec(`DELETE FROM bale_snapshots WHERE bale_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", id, err)
	}
	return nil
}

// PatchStatus applies an optimistic status change to the cached record and
// marks it updated-offline so the UI can flag it as not yet synced.
func (s *Store) PatchStatus(id string, status datamodel.BaleStatus) error {
	now := s.now()
	res, err := s.db.Exec(
		`UPDATE bale_snapshots SET status = ?, updated_offline = 1, updated_at = ?, cached_at = ? WHERE bale_id = ?`,
		status, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to patch snapshot %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to patch snapshot %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSynced clears the offline markers on a cached record once the server
// has confirmed it, making the row replaceable by the next snapshot merge.
func (s *Store) MarkSynced(id string) error {
	res, err := s.db.Exec(
		`UPDATE bale_snapshots SET created_offline = 0, updated_offline = 0, cached_at = ? WHERE bale_id = ?`,
		s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark snapshot %s synced: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark snapshot %s synced: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCounter mirrors the server's last-issued sequence number for a season.
func (s *Store) SetCounter(season string, lastNumber int) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO season_counters (season, last_number, cached_at) VALUES (?, ?, ?)`,
		season, lastNumber, s.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to set counter for season %s: %w", season, err)
	}
	return nil
}

// GetCounter returns the mirrored counter for a season, zero if the season
// has never been seen.
func (s *Store) GetCounter(season string) (int, error) {
	var n int
	err := s.db.Get(&n, `SELECT last_number FROM season_counters WHERE season = ?`, season)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read counter for season %s: %w", season, err)
	}
	return n, nil
}
