package datamodel

// EventBaleUpdate is broadcast whenever any mutating bale operation completes
// server-side. It is a hint to refetch, it carries no data.
const EventBaleUpdate = "bale-update"

// ChangeEvent is the ephemeral signal pushed to connected clients.
type ChangeEvent struct {
	Kind string `json:"kind"`
}

// SyncSession is the process-local progress state of one drain pass. It is
// never persisted and is reset whenever a drain starts.
type SyncSession struct {
	IsSyncing    bool `json:"isSyncing"`
	TotalOps     int  `json:"totalOps"`
	ProcessedOps int  `json:"processedOps"`
	FailedOps    int  `json:"failedOps"`
}

// BatchCreateRequest creates a season-scoped batch of bales. Either Numbers
// is set (the caller proposes explicit sequence numbers, which makes a retry
// of the same request idempotent) or Count is set and the server allocates
// the next Count numbers itself.
type BatchCreateRequest struct {
	Season  string `json:"season" binding:"required"`
	Field   string `json:"field" binding:"required"`
	Count   int    `json:"count,omitempty"`
	Numbers []int  `json:"numbers,omitempty"`
}

// BatchCreateResponse reports how much of the batch actually landed. A fully
// skipped batch (Created == 0) is the expected outcome of a retried request
// that already landed, not an error.
type BatchCreateResponse struct {
	Requested int    `json:"requested"`
	Created   int    `json:"created"`
	Skipped   int    `json:"skipped"`
	Bales     []Bale `json:"bales"`
}

// SeasonCounter mirrors the server-side last-issued sequence number for one
// harvest season.
type SeasonCounter struct {
	Season     string `json:"season" db:"season"`
	LastNumber int    `json:"lastNumber" db:"last_number"`
}
