package datamodel

import "time"

// OperationKind discriminates what a queued operation will do against the
// server once connectivity is back.
type OperationKind string

const (
	OpCreate       OperationKind = "create"
	OpUpdateStatus OperationKind = "updateStatus"
)

// OperationStatus is the queue-side state of a pending operation. There is
// deliberately no "succeeded" state: successful operations are dequeued,
// failed ones are retained for operator inspection.
type OperationStatus string

const (
	OpPending OperationStatus = "pending"
	OpFailed  OperationStatus = "failed"
)

// PendingOperation is a durable intent to mutate server state, written by the
// sync engine while offline and replayed by the drain loop.
type PendingOperation struct {
	ID               string          `json:"id" db:"op_id"`
	Kind             OperationKind   `json:"kind" db:"kind"`
	Payload          []byte          `json:"payload" db:"payload"`
	Status           OperationStatus `json:"status" db:"status"`
	AttemptCount     int             `json:"attemptCount" db:"attempt_count"`
	CreatedAt        time.Time       `json:"createdAt" db:"created_at"`
	LastAttemptAt    *time.Time      `json:"lastAttemptAt,omitempty" db:"last_attempt_at"`
	ResolvedServerID string          `json:"resolvedServerId,omitempty" db:"resolved_server_id"`
}

// CreatePayload is the payload of an OpCreate operation. The ID is the
// placeholder the agent minted offline; the server may answer with a
// different canonical identifier.
type CreatePayload struct {
	ID             string     `json:"id"`
	Season         string     `json:"season"`
	Field          string     `json:"field"`
	SequenceNumber int        `json:"sequenceNumber"`
	Status         BaleStatus `json:"status"`
}

// UpdateStatusPayload is the payload of an OpUpdateStatus operation.
type UpdateStatusPayload struct {
	BaleID string     `json:"baleId"`
	Status BaleStatus `json:"status"`
}
