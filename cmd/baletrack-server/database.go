// Copyright 2024 Algodoeira Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/lib/pq"
	"github.com/omeid/pgerror"
	"go.uber.org/zap"

	"github.com/algodoeira/baletrack/pkg/datamodel"
)

var db *sql.DB

// seasonMutex serializes same-season allocations inside this process. The
// row lock in the allocation transaction is the actual correctness
// guarantee, this just keeps concurrent batch requests from piling up on
// the database lock.
var seasonMutex *mapmutex.Mutex

var errSeasonLockBusy = errors.New("season counter is busy")

// SetupDB opens the postgres pool and stores the handle in a global, then
// makes sure the schema exists.
func SetupDB(PQUser string, PQPassword string, PWDBName string, PQHost string, PQPort int, PQSSLMode string) {
	psqlInfo := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		PQHost, PQPort, PQUser, PQPassword, PWDBName, PQSSLMode)
	var err error
	db, err = sql.Open("postgres", psqlInfo)
	if err != nil {
		panic(err)
	}

	// default configs: maxDelay: 100000000, // 0.1 second, baseDelay: 10 nanosecond
	seasonMutex = mapmutex.NewCustomizedMapMutex(800, 100000000, 10, 1.1, 0.2)

	createSchema()
}

// ShutdownDB closes all database connections
func ShutdownDB() {
	err := db.Close()
	if err != nil {
		panic(err)
	}
}

func createSchema() {
	sqlStatement := `
	CREATE TABLE IF NOT EXISTS baleTable (
		bale_id         TEXT PRIMARY KEY,
		season          TEXT NOT NULL,
		field           TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		status          TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_baleTable_season ON baleTable (season);
	CREATE INDEX IF NOT EXISTS idx_baleTable_status ON baleTable (status);

	CREATE TABLE IF NOT EXISTS sequenceTable (
		season      TEXT PRIMARY KEY,
		last_number INTEGER NOT NULL DEFAULT 0
	);`
	_, err := db.Exec(sqlStatement)
	if err != nil {
		PQErrorHandling(sqlStatement, err, true)
	}
}

// PQErrorHandling logs and classifies postgresql errors. Connection loss is
// critical and takes the service down for the orchestrator to restart.
func PQErrorHandling(sqlStatement string, err error, isCritical bool) {
	if e := pgerror.ConnectionException(err); e != nil {
		zap.S().Errorw("PostgreSQL failed: ConnectionException",
			"error", err,
			"sqlStatement", sqlStatement)
		isCritical = true
	} else {
		zap.S().Errorw("PostgreSQL failed",
			"error", err,
			"sqlStatement", sqlStatement)
	}

	if isCritical {
		ShutdownApplicationGraceful()
	}
}

// GetBales returns the authoritative snapshot, optionally filtered by season
// and/or status.
func GetBales(season string, status string) (bales []datamodel.Bale, err error) {
	sqlStatement := `
		SELECT bale_id, season, field, sequence_number, status, created_at, updated_at
		FROM baleTable
		WHERE ($1 = '' OR season = $1) AND ($2 = '' OR status = $2)
		ORDER BY bale_id`

	rows, err := db.Query(sqlStatement, season, status)
	if err != nil {
		PQErrorHandling(sqlStatement, err, false)
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var b datamodel.Bale
		err = rows.Scan(&b.ID, &b.Season, &b.Field, &b.SequenceNumber, &b.Status, &b.CreatedAt, &b.UpdatedAt)
		if err != nil {
			PQErrorHandling(sqlStatement, err, false)
			return nil, err
		}
		bales = append(bales, b)
	}
	if err = rows.Err(); err != nil {
		PQErrorHandling(sqlStatement, err, false)
		return nil, err
	}
	return bales, nil
}

// GetBale returns one canonical record. found is false when the identifier
// does not exist.
func GetBale(id string) (bale datamodel.Bale, found bool, err error) {
	sqlStatement := `
		SELECT bale_id, season, field, sequence_number, status, created_at, updated_at
		FROM baleTable WHERE bale_id = $1`

	err = db.QueryRow(sqlStatement, id).Scan(
		&bale.ID, &bale.Season, &bale.Field, &bale.SequenceNumber, &bale.Status, &bale.CreatedAt, &bale.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return datamodel.Bale{}, false, nil
	}
	if err != nil {
		PQErrorHandling(sqlStatement, err, false)
		return datamodel.Bale{}, false, err
	}
	return bale, true, nil
}

// GetSeasonCounter returns the last issued sequence number for a season,
// zero if the season has no counter row yet.
func GetSeasonCounter(season string) (lastNumber int, err error) {
	sqlStatement := `SELECT last_number FROM sequenceTable WHERE season = $1`

	err = db.QueryRow(sqlStatement, season).Scan(&lastNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		PQErrorHandling(sqlStatement, err, false)
		return 0, err
	}
	return lastNumber, nil
}

// NextNumbers issues count monotonically increasing sequence numbers for a
// season and persists the advanced counter. The counter row is locked with
// SELECT ... FOR UPDATE inside the same transaction that advances it, so two
// concurrent batch requests can never be handed overlapping ranges.
func NextNumbers(season string, count int) (numbers []int, err error) {
	if count <= 0 {
		return nil, fmt.Errorf("invalid sequence count %d", count)
	}
	if !seasonMutex.TryLock(season) {
		return nil, errSeasonLockBusy
	}
	defer seasonMutex.Unlock(season)

	txn, err := db.Begin()
	if err != nil {
		PQErrorHandling("BEGIN", err, false)
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = txn.Rollback()
		}
	}()

	// Make sure the counter row exists before locking it.
	sqlStatement := `INSERT INTO sequenceTable (season, last_number) VALUES ($1, 0) ON CONFLICT (season) DO NOTHING`
	if _, err = txn.Exec(sqlStatement, season); err != nil {
		PQErrorHandling(sqlStatement, err, false)
		return nil, err
	}

	sqlStatement = `SELECT last_number FROM sequenceTable WHERE season = $1 FOR UPDATE`
	var last int
	if err = txn.QueryRow(sqlStatement, season).Scan(&last); err != nil {
		PQErrorHandling(sqlStatement, err, false)
		return nil, err
	}

	numbers = make([]int, 0, count)
	for i := 1; i <= count; i++ {
		numbers = append(numbers, last+i)
	}

	sqlStatement = `UPDATE sequenceTable SET last_number = $1 WHERE season = $2`
	if _, err = txn.Exec(sqlStatement, last+count, season); err != nil {
		PQErrorHandling(sqlStatement, err, false)
		return nil, err
	}

	if err = txn.Commit(); err != nil {
		PQErrorHandling("COMMIT", err, false)
		return nil, err
	}
	return numbers, nil
}

// AdvanceCounterPast bumps a season counter so it covers externally proposed
// numbers (the explicit-numbers batch path). Never moves the counter back.
func AdvanceCounterPast(season string, number int) (err error) {
	if !seasonMutex.TryLock(season) {
		return errSeasonLockBusy
	}
	defer seasonMutex.Unlock(season)

	txn, err := db.Begin()
	if err != nil {
		PQErrorHandling("BEGIN", err, false)
		return err
	}
	defer func() {
		if err != nil {
			_ = txn.Rollback()
		}
	}()

	sqlStatement := `INSERT INTO sequenceTable (season, last_number) VALUES ($1, 0) ON CONFLICT (season) DO NOTHING`
	if _, err = txn.Exec(sqlStatement, season); err != nil {
		PQErrorHandling(sqlStatement, err, false)
		return err
	}

	sqlStatement = `SELECT last_number FROM sequenceTable WHERE season = $1 FOR UPDATE`
	var last int
	if err = txn.QueryRow(sqlStatement, season).Scan(&last); err != nil {
		PQErrorHandling(sqlStatement, err, false)
		return err
	}
	if number > last {
		sqlStatement = `UPDATE sequenceTable SET last_number = $1 WHERE season = $2`
		if _, err = txn.Exec(sqlStatement, number, season); err != nil {
			PQErrorHandling(sqlStatement, err, false)
			return err
		}
	}
	if err = txn.Commit(); err != nil {
		PQErrorHandling("COMMIT", err, false)
		return err
	}
	return nil
}

// FilterExistingIDs returns the subset of candidate identifiers already
// present. This is the second line of defense that makes batch insertion
// idempotent under retry.
func FilterExistingIDs(ids []string) (existing map[string]bool, err error) {
	existing = make(map[string]bool)
	if len(ids) == 0 {
		return existing, nil
	}
	sqlStatement := `SELECT bale_id FROM baleTable WHERE bale_id = ANY($1)`

	rows, err := db.Query(sqlStatement, pq.Array(ids))
	if err != nil {
		PQErrorHandling(sqlStatement, err, false)
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			PQErrorHandling(sqlStatement, err, false)
			return nil, err
		}
		existing[id] = true
	}
	if err = rows.Err(); err != nil {
		PQErrorHandling(sqlStatement, err, false)
		return nil, err
	}
	return existing, nil
}

// BatchInsert builds deterministic identifiers for the given numbers, skips
// the ones that already exist and inserts only the remainder. Resubmitting
// the same batch after a dropped response therefore creates no duplicate
// rows; a fully skipped batch is the expected outcome of such a retry, not
// an error.
func BatchInsert(season string, field string, numbers []int) (created []datamodel.Bale, skipped int, err error) {
	candidates := make([]string, 0, len(numbers))
	for _, n := range numbers {
		candidates = append(candidates, datamodel.FormatBaleID(season, field, n))
	}

	existing, err := FilterExistingIDs(candidates)
	if err != nil {
		return nil, 0, err
	}

	txn, err := db.Begin()
	if err != nil {
		PQErrorHandling("BEGIN", err, false)
		return nil, 0, err
	}
	defer func() {
		if err != nil {
			_ = txn.Rollback()
		}
	}()

	sqlStatement := `
		INSERT INTO baleTable (bale_id, season, field, sequence_number, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (bale_id) DO NOTHING`
	stmt, err := txn.Prepare(sqlStatement)
	if err != nil {
		PQErrorHandling(sqlStatement, err, false)
		return nil, 0, err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, id := range candidates {
		if existing[id] {
			skipped++
			continue
		}
		var res sql.Result
		res, err = stmt.Exec(id, season, datamodel.NormalizeField(field), numbers[i], datamodel.StatusField, now)
		if err != nil {
			PQErrorHandling(sqlStatement, err, false)
			return nil, 0, err
		}
		// A row that appeared between the filter and the insert counts as
		// skipped, same as one caught by the filter.
		if n, _ := res.RowsAffected(); n == 0 {
			skipped++
			continue
		}
		created = append(created, datamodel.Bale{
			ID:             id,
			Season:         season,
			Field:          datamodel.NormalizeField(field),
			SequenceNumber: numbers[i],
			Status:         datamodel.StatusField,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if err = txn.Commit(); err != nil {
		PQErrorHandling("COMMIT", err, false)
		return nil, 0, err
	}
	return created, skipped, nil
}

// InsertBale creates a single bale with a caller-proposed identifier.
// created is false when the identifier already exists (the 409 path).
func InsertBale(bale datamodel.Bale) (createdBale datamodel.Bale, created bool, err error) {
	sqlStatement := `
		INSERT INTO baleTable (bale_id, season, field, sequence_number, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (bale_id) DO NOTHING`

	now := time.Now().UTC()
	res, err := db.Exec(sqlStatement, bale.ID, bale.Season, bale.Field, bale.SequenceNumber, bale.Status, now)
	if err != nil {
		PQErrorHandling(sqlStatement, err, false)
		return datamodel.Bale{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		PQErrorHandling(sqlStatement, err, false)
		return datamodel.Bale{}, false, err
	}
	if n == 0 {
		return datamodel.Bale{}, false, nil
	}
	bale.CreatedAt = now
	bale.UpdatedAt = now
	return bale, true, nil
}

// statusUpdateResult classifies UpdateBaleStatus outcomes for the handler.
type statusUpdateResult int

const (
	statusUpdated statusUpdateResult = iota
	statusUnchanged
	statusNotFound
	statusConflict
)

// UpdateBaleStatus transitions a bale's lifecycle stage. The row is locked
// so concurrent transitions serialize. Requesting the already-held status is
// a no-op success (convergence); anything but the next forward stage is a
// conflict.
func UpdateBaleStatus(id string, desired datamodel.BaleStatus) (result statusUpdateResult, bale datamodel.Bale, err error) {
	txn, err := db.Begin()
	if err != nil {
		PQErrorHandling("BEGIN", err, false)
		return statusNotFound, datamodel.Bale{}, err
	}
	defer func() {
		if err != nil {
			_ = txn.Rollback()
		}
	}()

	sqlStatement := `
		SELECT bale_id, season, field, sequence_number, status, created_at, updated_at
		FROM baleTable WHERE bale_id = $1 FOR UPDATE`
	err = txn.QueryRow(sqlStatement, id).Scan(
		&bale.ID, &bale.Season, &bale.Field, &bale.SequenceNumber, &bale.Status, &bale.CreatedAt, &bale.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		err = txn.Rollback()
		return statusNotFound, datamodel.Bale{}, nil
	}
	if err != nil {
		PQErrorHandling(sqlStatement, err, false)
		return statusNotFound, datamodel.Bale{}, err
	}

	if bale.Status == desired {
		if err = txn.Commit(); err != nil {
			PQErrorHandling("COMMIT", err, false)
			return statusNotFound, datamodel.Bale{}, err
		}
		return statusUnchanged, bale, nil
	}
	if !datamodel.IsForwardTransition(bale.Status, desired) {
		err = txn.Rollback()
		return statusConflict, bale, nil
	}

	sqlStatement = `UPDATE baleTable SET status = $1, updated_at = $2 WHERE bale_id = $3`
	now := time.Now().UTC()
	if _, err = txn.Exec(sqlStatement, desired, now, id); err != nil {
		PQErrorHandling(sqlStatement, err, false)
		return statusNotFound, datamodel.Bale{}, err
	}
	if err = txn.Commit(); err != nil {
		PQErrorHandling("COMMIT", err, false)
		return statusNotFound, datamodel.Bale{}, err
	}
	bale.Status = desired
	bale.UpdatedAt = now
	return statusUpdated, bale, nil
}
