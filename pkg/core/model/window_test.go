package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWindow_ClockRange(t *testing.T) {
	w, err := NewWindow("2025-03-01", "10:00", "2:30 PM", time.UTC)
	require.NoError(t, err)

	assert.Equal(t, "2025-03-01", w.Date)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2025, 3, 1, 14, 30, 0, 0, time.UTC), w.End)
	assert.False(t, w.WholeDay())
	assert.Equal(t, "10:00", w.StartClock())
	assert.Equal(t, "14:30", w.EndClock())
}

func TestNewWindow_BlankTimesCoverWholeDay(t *testing.T) {
	w, err := NewWindow("2025-03-01", "", "", time.UTC)
	require.NoError(t, err)

	assert.True(t, w.WholeDay())
	assert.Equal(t, 24*time.Hour, w.End.Sub(w.Start))
	assert.Empty(t, w.StartClock())
	assert.Empty(t, w.EndClock())
}

func TestNewWindow_Rejects(t *testing.T) {
	tests := []struct {
		name             string
		date, start, end string
	}{
		{"malformed date", "01/03/2025", "10:00", "11:00"},
		{"only start", "2025-03-01", "10:00", ""},
		{"only end", "2025-03-01", "", "11:00"},
		{"end before start", "2025-03-01", "12:00", "11:00"},
		{"zero length", "2025-03-01", "12:00", "12:00"},
		{"malformed clock", "2025-03-01", "noon", "13:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWindow(tt.date, tt.start, tt.end, time.UTC)
			assert.Error(t, err)
		})
	}
}

func TestWindow_Overlaps(t *testing.T) {
	mk := func(start, end string) Window {
		w, err := NewWindow("2025-03-01", start, end, time.UTC)
		require.NoError(t, err)
		return w
	}

	assert.True(t, mk("10:00", "12:00").Overlaps(mk("11:00", "13:00")))
	assert.True(t, mk("10:00", "12:00").Overlaps(mk("10:30", "11:00")))
	assert.False(t, mk("10:00", "12:00").Overlaps(mk("12:00", "13:00")), "touching windows do not overlap")
	assert.False(t, mk("12:00", "13:00").Overlaps(mk("10:00", "12:00")))
}

func TestTimestampRoundTrip(t *testing.T) {
	ts := time.Date(2025, 3, 1, 9, 30, 0, 0, time.FixedZone("BST", 3600))
	parsed, err := ParseTimestamp(FormatTimestamp(ts))
	require.NoError(t, err)
	assert.True(t, ts.Equal(parsed))

	zero, err := ParseTimestamp("  ")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
	assert.Empty(t, FormatTimestamp(time.Time{}))
}
