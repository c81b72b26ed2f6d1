package datamodel

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BaleStatus is the lifecycle stage of a bale. Bales only ever move forward
// through field -> yard -> processed.
type BaleStatus string

const (
	// StatusField means the bale is still lying on the field it was pressed on
	StatusField BaleStatus = "field"

	// StatusYard means the bale has been hauled to the storage yard
	StatusYard BaleStatus = "yard"

	// StatusProcessed means the bale has been taken in by the processing plant
	StatusProcessed BaleStatus = "processed"
)

var statusRank = map[BaleStatus]int{
	StatusField:     0,
	StatusYard:      1,
	StatusProcessed: 2,
}

// IsValidStatus reports whether s is one of the known lifecycle stages
func IsValidStatus(s BaleStatus) bool {
	_, ok := statusRank[s]
	return ok
}

// IsForwardTransition reports whether moving from -> to advances the
// lifecycle. Equal statuses are not a forward transition (callers treat them
// as a no-op).
func IsForwardTransition(from BaleStatus, to BaleStatus) bool {
	fromRank, okFrom := statusRank[from]
	toRank, okTo := statusRank[to]
	if !okFrom || !okTo {
		return false
	}
	return toRank == fromRank+1
}

// Bale is one physical cotton bale. On the server this is the authoritative
// record; on the agent it is a cached snapshot carrying the local-only
// offline markers.
type Bale struct {
	ID             string     `json:"id" db:"bale_id"`
	Season         string     `json:"season" db:"season"`
	Field          string     `json:"field" db:"field"`
	SequenceNumber int        `json:"sequenceNumber" db:"sequence_number"`
	Status         BaleStatus `json:"status" db:"status"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time  `json:"updatedAt" db:"updated_at"`

	// Local-only markers, never sent to the server
	CreatedOffline bool      `json:"createdOffline,omitempty" db:"created_offline"`
	UpdatedOffline bool      `json:"updatedOffline,omitempty" db:"updated_offline"`
	CachedAt       time.Time `json:"cachedAt,omitempty" db:"cached_at"`
}

// NormalizeField upper-cases a talhao code and prefixes the customary T if
// the operator left it off ("1a" -> "T1A").
func NormalizeField(field string) string {
	field = strings.ToUpper(strings.TrimSpace(field))
	if field == "" {
		return field
	}
	if !strings.HasPrefix(field, "T") {
		field = "T" + field
	}
	return field
}

// FormatBaleID builds the deterministic bale identifier, e.g. season "25/26",
// field "T1A", number 1 -> "S25/26-T1A-00001". The numeric suffix is always
// zero-padded to five digits.
func FormatBaleID(season string, field string, number int) string {
	return fmt.Sprintf("S%s-%s-%05d", season, NormalizeField(field), number)
}

// ParseBaleID splits an identifier back into season, field and number.
// The season itself may contain dashes, so the id is split from the right.
func ParseBaleID(id string) (season string, field string, number int, err error) {
	if !strings.HasPrefix(id, "S") {
		return "", "", 0, fmt.Errorf("invalid bale id %q: missing season prefix", id)
	}
	lastDash := strings.LastIndex(id, "-")
	if lastDash < 0 {
		return "", "", 0, fmt.Errorf("invalid bale id %q", id)
	}
	number, err = strconv.Atoi(id[lastDash+1:])
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid bale id %q: bad sequence number", id)
	}
	rest := id[1:lastDash]
	fieldDash := strings.LastIndex(rest, "-")
	if fieldDash < 0 {
		return "", "", 0, fmt.Errorf("invalid bale id %q: missing field code", id)
	}
	season = rest[:fieldDash]
	field = rest[fieldDash+1:]
	if season == "" || field == "" {
		return "", "", 0, fmt.Errorf("invalid bale id %q: empty segment", id)
	}
	return season, field, number, nil
}
