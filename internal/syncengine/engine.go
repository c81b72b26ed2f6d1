// Package syncengine orchestrates offline-first synchronization: it decides
// whether a mutation is applied immediately or queued, drains the queue when
// connectivity is confirmed, and reconciles conflicts against the
// server-authoritative state.
package syncengine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/algodoeira/baletrack/internal"
	"github.com/algodoeira/baletrack/internal/connectivity"
	"github.com/algodoeira/baletrack/internal/localstore"
	"github.com/algodoeira/baletrack/pkg/datamodel"
)

const (
	// DefaultMaxAttempts is the retry cap per operation. After this many
	// transient failures an operation is parked as failed for operator
	// review instead of being retried forever.
	DefaultMaxAttempts = 3

	// DefaultRetention is how long failed operations stay visible before the
	// periodic sweep ages them out.
	DefaultRetention = 7 * 24 * time.Hour

	// CacheCollectionBales prefixes every bale-related read-cache key, so a
	// drain can invalidate the whole collection at once.
	CacheCollectionBales = "bales"
)

// Engine is the sync orchestrator. One engine per agent process; the
// single-flight drain lock is scoped to this process and does not coordinate
// across devices (the server-side idempotent insert covers that gap).
type Engine struct {
	store *localstore.Store
	api   *Client
	probe *connectivity.Probe

	policy      BackoffPolicy
	maxAttempts int
	retention   time.Duration

	draining atomic.Bool

	mu      sync.Mutex
	session datamodel.SyncSession
}

// Option adjusts an Engine on construction.
type Option func(*Engine)

// WithBackoffPolicy overrides the retry backoff policy.
func WithBackoffPolicy(p BackoffPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithMaxAttempts overrides the per-operation attempt cap.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) { e.maxAttempts = n }
}

// WithRetention overrides the failed-operation retention window.
func WithRetention(d time.Duration) Option {
	return func(e *Engine) { e.retention = d }
}

// New wires the engine to its collaborators.
func New(store *localstore.Store, api *Client, probe *connectivity.Probe, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		api:         api,
		probe:       probe,
		policy:      DefaultBackoff,
		maxAttempts: DefaultMaxAttempts,
		retention:   DefaultRetention,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Progress returns a copy of the current drain progress for UI reporting.
func (e *Engine) Progress() datamodel.SyncSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Create registers one new bale. Online it lets the server allocate the
// sequence number; offline it mints a placeholder identifier from the
// mirrored season counter, applies it optimistically and queues the create.
// queued reports which path was taken.
func (e *Engine) Create(ctx context.Context, season string, field string) (bale datamodel.Bale, queued bool, err error) {
	field = datamodel.NormalizeField(field)

	if e.probe.IsOnline() {
		resp, status, reqErr := e.api.BatchCreate(ctx, datamodel.BatchCreateRequest{
			Season: season,
			Field:  field,
			Count:  1,
		})
		if reqErr == nil && status == http.StatusCreated && len(resp.Bales) == 1 {
			bale = resp.Bales[0]
			if upErr := e.store.UpsertSnapshots([]datamodel.Bale{bale}); upErr != nil {
				zap.S().Warnf("Failed to cache created bale %s: %s", bale.ID, upErr)
			}
			if cErr := e.store.SetCounter(season, bale.SequenceNumber); cErr != nil {
				zap.S().Warnf("Failed to mirror counter for season %s: %s", season, cErr)
			}
			return bale, false, nil
		}
		if reqErr != nil {
			zap.S().Infow("Create fell back to the queue, server unreachable", "error", reqErr)
		} else {
			return datamodel.Bale{}, false, fmt.Errorf("create returned status %d", status)
		}
	}

	// Offline path: deterministic placeholder from the mirrored counter.
	last, err := e.store.GetCounter(season)
	if err != nil {
		return datamodel.Bale{}, false, err
	}
	number := last + 1
	now := time.Now()
	bale = datamodel.Bale{
		ID:             datamodel.FormatBaleID(season, field, number),
		Season:         season,
		Field:          field,
		SequenceNumber: number,
		Status:         datamodel.StatusField,
		CreatedAt:      now,
		UpdatedAt:      now,
		CreatedOffline: true,
	}
	payload, err := json.Marshal(datamodel.CreatePayload{
		ID:             bale.ID,
		Season:         season,
		Field:          field,
		SequenceNumber: number,
		Status:         bale.Status,
	})
	if err != nil {
		return datamodel.Bale{}, false, fmt.Errorf("failed to marshal create payload: %w", err)
	}

	if _, err := e.store.Enqueue(datamodel.PendingOperation{
		ID:      uuid.NewString(),
		Kind:    datamodel.OpCreate,
		Payload: payload,
	}); err != nil {
		// Quota errors are raised synchronously, never swallowed.
		return datamodel.Bale{}, false, err
	}
	if err := e.store.UpsertSnapshots([]datamodel.Bale{bale}); err != nil {
		return datamodel.Bale{}, false, err
	}
	if err := e.store.SetCounter(season, number); err != nil {
		zap.S().Warnf("Failed to advance mirrored counter for season %s: %s", season, err)
	}
	return bale, true, nil
}

// UpdateStatus transitions a bale's lifecycle status. Online it patches the
// server directly; offline it patches the cached snapshot optimistically and
// queues the operation.
func (e *Engine) UpdateStatus(ctx context.Context, id string, status datamodel.BaleStatus) (queued bool, err error) {
	if !datamodel.IsValidStatus(status) {
		return false, fmt.Errorf("unknown bale status %q", status)
	}

	if e.probe.IsOnline() {
		code, reqErr := e.api.PatchStatus(ctx, id, status)
		if reqErr == nil {
			switch classify(code, nil) {
			case outcomeSuccess:
				if err := e.store.PatchStatus(id, status); err != nil {
					if err != localstore.ErrNotFound {
						zap.S().Warnf("Failed to patch cached snapshot %s: %s", id, err)
					}
				} else if err := e.store.MarkSynced(id); err != nil {
					zap.S().Warnf("Failed to mark snapshot %s synced: %s", id, err)
				}
				internal.InvalidateCollection(CacheCollectionBales)
				return false, nil
			case outcomeNotFound:
				return false, fmt.Errorf("bale %s does not exist on the server", id)
			case outcomeConflict:
				return false, fmt.Errorf("status transition for %s conflicts with server state", id)
			default:
				return false, fmt.Errorf("status update returned status %d", code)
			}
		}
		zap.S().Infow("Status update fell back to the queue, server unreachable", "error", reqErr)
	}

	payload, err := json.Marshal(datamodel.UpdateStatusPayload{BaleID: id, Status: status})
	if err != nil {
		return false, fmt.Errorf("failed to marshal status payload: %w", err)
	}
	if _, err := e.store.Enqueue(datamodel.PendingOperation{
		ID:      uuid.NewString(),
		Kind:    datamodel.OpUpdateStatus,
		Payload: payload,
	}); err != nil {
		return false, err
	}
	if err := e.store.PatchStatus(id, status); err != nil {
		return false, err
	}
	return true, nil
}

// RefreshSnapshots merges the full server snapshot into the local cache.
// Records that still carry offline markers are left alone: their operations
// are queued or parked, and the optimistic state stays visible until the
// server confirms or the operator resolves them.
func (e *Engine) RefreshSnapshots(ctx context.Context) error {
	bales, err := e.api.FetchBales(ctx)
	if err != nil {
		return err
	}
	return e.store.MergeSnapshots(bales)
}

// MirrorCounter refreshes the local copy of one season's sequence counter.
func (e *Engine) MirrorCounter(ctx context.Context, season string) error {
	counter, err := e.api.FetchCounter(ctx, season)
	if err != nil {
		return err
	}
	return e.store.SetCounter(counter.Season, counter.LastNumber)
}

// opOutcome is the drain-loop result for one operation.
type opOutcome int

const (
	opSucceeded opOutcome = iota // dequeued, server converged
	opFailed                     // marked failed or terminally dropped
	opDeferred                   // transient failure below the cap, stays pending
)

// Drain runs one full pass over the pending queue: retention sweep, then
// every pending operation strictly in insertion order. Re-entrant calls
// while a drain is running are no-ops. A started drain runs to completion,
// timeouts are enforced per HTTP call, not per drain.
func (e *Engine) Drain(ctx context.Context) (datamodel.SyncSession, error) {
	if !e.draining.CompareAndSwap(false, true) {
		return e.Progress(), nil
	}
	// The lock is released whatever happens below.
	defer e.draining.Store(false)
	defer func() {
		e.mu.Lock()
		e.session.IsSyncing = false
		e.mu.Unlock()
	}()

	if swept, err := e.store.SweepOlderThan(e.retention); err != nil {
		zap.S().Warnf("Retention sweep failed: %s", err)
	} else if swept > 0 {
		zap.S().Infof("Retention sweep removed %d failed operations", swept)
	}

	ops, err := e.store.ListOperations(localstore.OperationFilter{Status: datamodel.OpPending})
	if err != nil {
		return e.Progress(), err
	}

	e.mu.Lock()
	e.session = datamodel.SyncSession{IsSyncing: true, TotalOps: len(ops)}
	e.mu.Unlock()

	if len(ops) == 0 {
		return e.Progress(), nil
	}
	zap.S().Infof("Draining %d pending operations", len(ops))

	// Placeholder identifiers resolved to server-assigned ones during this
	// pass, so later status updates hit the canonical record.
	resolved := make(map[string]string)

	var succeeded, failed int
	for _, op := range ops {
		outcome := e.processOne(ctx, op, resolved)
		e.mu.Lock()
		switch outcome {
		case opSucceeded:
			succeeded++
			e.session.ProcessedOps++
		case opFailed, opDeferred:
			failed++
			e.session.FailedOps++
		}
		e.mu.Unlock()
	}

	zap.S().Infow("Drain pass finished",
		"total", len(ops),
		"succeeded", succeeded,
		"failed", failed,
	)

	if succeeded > 0 || failed > 0 {
		internal.InvalidateCollection(CacheCollectionBales)
		if err := e.RefreshSnapshots(ctx); err != nil {
			zap.S().Warnf("Post-drain snapshot refresh failed: %s", err)
		}
	}
	return e.Progress(), nil
}

func (e *Engine) processOne(ctx context.Context, op datamodel.PendingOperation, resolved map[string]string) opOutcome {
	// Operations at the cap are parked, never attempted again.
	if op.AttemptCount >= e.maxAttempts {
		return e.markFailed(op, "attempt cap reached")
	}
	if op.AttemptCount > 0 {
		time.Sleep(e.policy.Delay(op.AttemptCount))
	}

	switch op.Kind {
	case datamodel.OpCreate:
		return e.processCreate(ctx, op, resolved)
	case datamodel.OpUpdateStatus:
		return e.processUpdate(ctx, op, resolved)
	default:
		zap.S().Errorf("Unknown operation kind %q for %s", op.Kind, op.ID)
		return e.markFailed(op, "unknown operation kind")
	}
}

func (e *Engine) processCreate(ctx context.Context, op datamodel.PendingOperation, resolved map[string]string) opOutcome {
	var p datamodel.CreatePayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		zap.S().Errorf("Malformed create payload on %s: %s", op.ID, err)
		return e.markFailed(op, "malformed payload")
	}

	bale, code, err := e.api.CreateBale(ctx, p)
	switch classify(code, err) {
	case outcomeSuccess:
		if bale.ID != "" && bale.ID != p.ID {
			// Server assigned a different identity: adopt it and drop the
			// local placeholder.
			resolved[p.ID] = bale.ID
			if delErr := e.store.DeleteSnapshot(p.ID); delErr != nil {
				zap.S().Warnf("Failed to drop placeholder %s: %s", p.ID, delErr)
			}
		}
		if bale.ID == "" {
			bale = datamodel.Bale{
				ID: p.ID, Season: p.Season, Field: p.Field,
				SequenceNumber: p.SequenceNumber, Status: p.Status,
				CreatedAt: time.Now(), UpdatedAt: time.Now(),
			}
		}
		if upErr := e.store.UpsertSnapshots([]datamodel.Bale{bale}); upErr != nil {
			zap.S().Warnf("Failed to cache canonical bale %s: %s", bale.ID, upErr)
		}
		return e.dequeue(op)

	case outcomeConflict:
		// Already exists: a previous attempt landed but the response was
		// lost. Converge on the canonical record, this is a success.
		canonical, fetchCode, fetchErr := e.api.FetchBale(ctx, p.ID)
		if fetchErr == nil && fetchCode == 200 {
			if upErr := e.store.UpsertSnapshots([]datamodel.Bale{canonical}); upErr != nil {
				zap.S().Warnf("Failed to cache canonical bale %s: %s", canonical.ID, upErr)
			}
			return e.dequeue(op)
		}
		return e.retry(op)

	case outcomePermanent:
		zap.S().Errorw("Create rejected by server, not retryable",
			"operation", op.ID, "status", code)
		return e.markFailed(op, "rejected by server")

	default:
		return e.retry(op)
	}
}

func (e *Engine) processUpdate(ctx context.Context, op datamodel.PendingOperation, resolved map[string]string) opOutcome {
	var p datamodel.UpdateStatusPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		zap.S().Errorf("Malformed status payload on %s: %s", op.ID, err)
		return e.markFailed(op, "malformed payload")
	}

	target := p.BaleID
	if op.ResolvedServerID != "" {
		target = op.ResolvedServerID
	} else if serverID, ok := resolved[p.BaleID]; ok {
		target = serverID
		if upErr := e.store.UpdateOperation(op.ID, localstore.OperationPatch{ResolvedServerID: &serverID}); upErr != nil {
			zap.S().Warnf("Failed to record resolved id on %s: %s", op.ID, upErr)
		}
	}

	code, err := e.api.PatchStatus(ctx, target, p.Status)
	switch classify(code, err) {
	case outcomeSuccess:
		if mErr := e.store.MarkSynced(target); mErr != nil && mErr != localstore.ErrNotFound {
			zap.S().Warnf("Failed to mark snapshot %s synced: %s", target, mErr)
		}
		return e.dequeue(op)

	case outcomeNotFound:
		// The remote bale no longer exists, no retry can ever succeed. The
		// cached snapshot goes with it.
		zap.S().Warnw("Dropping status update, remote bale gone",
			"operation", op.ID, "bale", target)
		if delErr := e.store.DeleteSnapshot(target); delErr != nil {
			zap.S().Warnf("Failed to drop snapshot %s: %s", target, delErr)
		}
		if delErr := e.store.Dequeue(op.ID); delErr != nil {
			zap.S().Warnf("Failed to drop operation %s: %s", op.ID, delErr)
		}
		return opFailed

	case outcomeConflict:
		canonical, fetchCode, fetchErr := e.api.FetchBale(ctx, target)
		if fetchErr == nil && fetchCode == 200 {
			if canonical.Status == p.Status {
				// Server already holds the desired status: converged.
				if upErr := e.store.UpsertSnapshots([]datamodel.Bale{canonical}); upErr != nil {
					zap.S().Warnf("Failed to cache canonical bale %s: %s", canonical.ID, upErr)
				}
				return e.dequeue(op)
			}
			// Genuine conflict: a blind overwrite could lose information,
			// so this counts toward the cap and ends up in manual review.
			zap.S().Warnw("Status conflict needs review",
				"operation", op.ID, "bale", target,
				"desired", p.Status, "canonical", canonical.Status)
		}
		return e.retry(op)

	case outcomePermanent:
		zap.S().Errorw("Status update rejected by server, not retryable",
			"operation", op.ID, "status", code)
		return e.markFailed(op, "rejected by server")

	default:
		return e.retry(op)
	}
}

// dequeue removes a completed operation.
func (e *Engine) dequeue(op datamodel.PendingOperation) opOutcome {
	if err := e.store.Dequeue(op.ID); err != nil {
		zap.S().Errorf("Failed to dequeue %s: %s", op.ID, err)
	}
	return opSucceeded
}

// retry stamps the attempt and either leaves the operation pending or parks
// it as failed once the cap is reached.
func (e *Engine) retry(op datamodel.PendingOperation) opOutcome {
	attempts := op.AttemptCount + 1
	now := time.Now()
	patch := localstore.OperationPatch{AttemptCount: &attempts, LastAttemptAt: &now}
	outcome := opDeferred
	if attempts >= e.maxAttempts {
		failedStatus := datamodel.OpFailed
		patch.Status = &failedStatus
		outcome = opFailed
		zap.S().Warnw("Operation exhausted its retries",
			"operation", op.ID, "attempts", attempts)
	}
	if err := e.store.UpdateOperation(op.ID, patch); err != nil {
		zap.S().Errorf("Failed to update operation %s: %s", op.ID, err)
	}
	return outcome
}

// markFailed parks an operation as failed without counting an attempt.
func (e *Engine) markFailed(op datamodel.PendingOperation, reason string) opOutcome {
	zap.S().Warnw("Parking operation as failed", "operation", op.ID, "reason", reason)
	failedStatus := datamodel.OpFailed
	if err := e.store.UpdateOperation(op.ID, localstore.OperationPatch{Status: &failedStatus}); err != nil {
		zap.S().Errorf("Failed to mark operation %s failed: %s", op.ID, err)
	}
	return opFailed
}

// outcome classes for one HTTP exchange, per the retry taxonomy: transport
// errors and 5xx are transient, 409 may converge, 404 is terminal for
// updates, remaining 4xx are validation failures and never retried.
type httpOutcome int

const (
	outcomeSuccess httpOutcome = iota
	outcomeConflict
	outcomeNotFound
	outcomeTransient
	outcomePermanent
)

func classify(status int, err error) httpOutcome {
	if err != nil {
		return outcomeTransient
	}
	switch {
	case status >= 200 && status < 300:
		return outcomeSuccess
	case status == 409:
		return outcomeConflict
	case status == 404:
		return outcomeNotFound
	case status == 408 || status == 429:
		return outcomeTransient
	case status >= 500:
		return outcomeTransient
	case status >= 400:
		return outcomePermanent
	default:
		return outcomeTransient
	}
}
