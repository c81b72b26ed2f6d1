package datamodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBaleID(t *testing.T) {
	assert.Equal(t, "S25/26-T1A-00001", FormatBaleID("25/26", "T1A", 1))
	assert.Equal(t, "S25/26-T1A-00002", FormatBaleID("25/26", "T1A", 2))
	assert.Equal(t, "S25/26-T1A-00003", FormatBaleID("25/26", "T1A", 3))
	// Operators sometimes leave off the talhao prefix or type lowercase
	assert.Equal(t, "S25/26-T1A-00001", FormatBaleID("25/26", "1a", 1))
	// Padding holds up to five digits and degrades gracefully beyond
	assert.Equal(t, "S25/26-T1A-12345", FormatBaleID("25/26", "T1A", 12345))
	assert.Equal(t, "S25/26-T1A-123456", FormatBaleID("25/26", "T1A", 123456))
}

func TestParseBaleID(t *testing.T) {
	season, field, number, err := ParseBaleID("S25/26-T1A-00003")
	require.NoError(t, err)
	assert.Equal(t, "25/26", season)
	assert.Equal(t, "T1A", field)
	assert.Equal(t, 3, number)

	// The season may itself contain a dash
	season, field, number, err = ParseBaleID("S2025-26-T9-00042")
	require.NoError(t, err)
	assert.Equal(t, "2025-26", season)
	assert.Equal(t, "T9", field)
	assert.Equal(t, 42, number)

	for _, bad := range []string{"", "25/26-T1A-00001", "S25/26", "S25/26-T1A-xyz", "S-T1A-00001"} {
		_, _, _, err := ParseBaleID(bad)
		assert.Error(t, err, "expected %q to be rejected", bad)
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	id := FormatBaleID("25/26", "T1A", 7)
	season, field, number, err := ParseBaleID(id)
	require.NoError(t, err)
	assert.Equal(t, id, FormatBaleID(season, field, number))
}

func TestLifecycleTransitions(t *testing.T) {
	assert.True(t, IsForwardTransition(StatusField, StatusYard))
	assert.True(t, IsForwardTransition(StatusYard, StatusProcessed))

	// No skipping, no going back, no self-transitions
	assert.False(t, IsForwardTransition(StatusField, StatusProcessed))
	assert.False(t, IsForwardTransition(StatusYard, StatusField))
	assert.False(t, IsForwardTransition(StatusProcessed, StatusYard))
	assert.False(t, IsForwardTransition(StatusField, StatusField))
	assert.False(t, IsForwardTransition(StatusProcessed, "burned"))

	assert.True(t, IsValidStatus(StatusField))
	assert.False(t, IsValidStatus("burned"))
}
