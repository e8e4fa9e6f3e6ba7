package assignment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakechorley/escort-dispatch/pkg/db"
)

func suggestedIDs(t *testing.T, h *harness, requestID string, limit int) []string {
	t.Helper()
	got, err := h.engine.SuggestRiders(context.Background(), requestID, limit)
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, s := range got {
		ids[i] = s.Rider.ID
	}
	return ids
}

func TestSuggestRiders_RanksByWeekLoad(t *testing.T) {
	h := newHarness(t, Config{})
	h.seed(
		morningRequest("Q1", 2),
		db.Rider{ID: "R5", Name: "Aaron", Email: "aaron@example.com"},
		// Alice has two rides this week, Bob one, Carol one next week
		db.Assignment{ID: "x-1", RequestID: "Q2", RiderID: "R1", Status: "Confirmed", EventDate: "2025-02-24"},
		db.Assignment{ID: "x-2", RequestID: "Q3", RiderID: "R1", Status: "Pending", EventDate: "2025-02-26"},
		db.Assignment{ID: "x-3", RequestID: "Q4", RiderID: "R2", Status: "Pending", EventDate: "2025-02-27"},
		db.Assignment{ID: "x-4", RequestID: "Q5", RiderID: "R3", Status: "Pending", EventDate: "2025-03-03"},
		db.Assignment{ID: "x-5", RequestID: "Q6", RiderID: "R5", Status: "Cancelled", EventDate: "2025-02-27"},
	)

	assert.Equal(t, []string{"R5", "R3", "R2", "R1"}, suggestedIDs(t, h, "Q1", 0))
	assert.Equal(t, []string{"R5", "R3"}, suggestedIDs(t, h, "Q1", 2))
}

func TestSuggestRiders_SkipsUnavailableAssignedAndInactive(t *testing.T) {
	h := newHarness(t, Config{})
	h.seed(
		db.Request{ID: "Q1", EventDate: "2025-03-01", StartTime: "10:00", EndTime: "12:00", RidersNeeded: 2, Status: "Pending", AssignedRiderIDs: "R1"},
		db.Assignment{ID: "x-1", RequestID: "Q1", RiderID: "R1", Status: "Pending", EventDate: "2025-03-01", StartTime: "10:00", EndTime: "12:00"},
		db.Availability{ID: "v1", RiderID: "R2", Date: "2025-03-01", StartTime: "11:00", EndTime: "11:30", Status: "Busy"},
	)

	assert.Equal(t, []string{"R3"}, suggestedIDs(t, h, "Q1", 0))
}
