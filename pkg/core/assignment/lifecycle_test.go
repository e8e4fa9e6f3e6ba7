package assignment

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakechorley/escort-dispatch/pkg/core/model"
	"github.com/jakechorley/escort-dispatch/pkg/db"
)

func seedStaffed(t *testing.T, h *harness) {
	t.Helper()
	h.seed(
		db.Request{ID: "Q1", EventDate: "2025-03-01", StartTime: "10:00", EndTime: "12:00", RidersNeeded: 3, Status: "Assigned", AssignedRiderIDs: "R1,R2,R3"},
		db.Assignment{ID: "x-1", RequestID: "Q1", RiderID: "R1", Status: "Pending", EventDate: "2025-03-01", StartTime: "10:00", EndTime: "12:00"},
		db.Assignment{ID: "x-2", RequestID: "Q1", RiderID: "R2", Status: "Confirmed", EventDate: "2025-03-01", StartTime: "10:00", EndTime: "12:00"},
		db.Assignment{ID: "x-3", RequestID: "Q1", RiderID: "R3", Status: "Declined", EventDate: "2025-03-01", StartTime: "10:00", EndTime: "12:00"},
		db.Assignment{ID: "x-4", RequestID: "Q1", RiderID: "R4", Status: "Cancelled", EventDate: "2025-03-01", StartTime: "10:00", EndTime: "12:00"},
	)
}

func statuses(rows []db.Assignment) map[string]string {
	out := make(map[string]string)
	for _, r := range rows {
		out[r.ID] = r.Status
	}
	return out
}

func TestCancelRequest_CascadesToAssignments(t *testing.T) {
	h := newHarness(t, Config{})
	seedStaffed(t, h)

	res, err := h.engine.CancelRequest(context.Background(), RequestCommand{RequestID: "Q1", Actor: "dispatcher"})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Len(t, res.Assignments, 3)

	assert.Equal(t, map[string]string{"x-1": "Cancelled", "x-2": "Cancelled", "x-3": "Cancelled", "x-4": "Cancelled"}, statuses(h.assignments("Q1")))
	stored := h.request("Q1")
	assert.Equal(t, "Cancelled", stored.Status)
	assert.Empty(t, stored.AssignedRiderIDs)
	h.assertConsistent("Q1")

	assert.Len(t, h.notifier.sent, 3)
	assert.Len(t, h.calendar.events, 1)

	again, err := h.engine.CancelRequest(context.Background(), RequestCommand{RequestID: "Q1"})
	require.NoError(t, err)
	assert.False(t, again.Changed)
}

func TestCancelRequest_CompletedIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	h.seed(db.Request{ID: "Q1", EventDate: "2025-03-01", Status: "Completed"})

	_, err := h.engine.CancelRequest(context.Background(), RequestCommand{RequestID: "Q1"})
	assert.True(t, model.IsKind(err, model.KindValidation))
}

func TestCompleteRequest(t *testing.T) {
	h := newHarness(t, Config{})
	seedStaffed(t, h)

	res, err := h.engine.CompleteRequest(context.Background(), RequestCommand{RequestID: "Q1"})
	require.NoError(t, err)
	assert.Len(t, res.Assignments, 2)

	assert.Equal(t, map[string]string{"x-1": "Completed", "x-2": "Completed", "x-3": "Declined", "x-4": "Cancelled"}, statuses(h.assignments("Q1")))
	assert.Equal(t, "Completed", h.request("Q1").Status)
	h.assertConsistent("Q1")

	// a completed request keeps its status through later edits
	_, err = h.engine.Unassign(context.Background(), UnassignCommand{RequestID: "Q1", RiderID: "R3"})
	require.NoError(t, err)
	assert.Equal(t, "Completed", h.request("Q1").Status)

	_, err = h.engine.CancelRequest(context.Background(), RequestCommand{RequestID: "Q1"})
	assert.True(t, model.IsKind(err, model.KindValidation))
}

func TestCompleteRequest_CancelledIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	h.seed(db.Request{ID: "Q1", EventDate: "2025-03-01", Status: "Cancelled"})

	_, err := h.engine.CompleteRequest(context.Background(), RequestCommand{RequestID: "Q1"})
	assert.True(t, model.IsKind(err, model.KindValidation))
}

func TestDeleteRequest(t *testing.T) {
	h := newHarness(t, Config{})
	seedStaffed(t, h)
	ctx := context.Background()

	err := h.engine.DeleteRequest(ctx, RequestCommand{RequestID: "Q1"})
	var merr *model.Error
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, model.KindValidation, merr.Kind)
	assert.ElementsMatch(t, []string{"R1", "R2", "R3"}, merr.Riders)

	_, err = h.engine.CancelRequest(ctx, RequestCommand{RequestID: "Q1"})
	require.NoError(t, err)
	require.NoError(t, h.engine.DeleteRequest(ctx, RequestCommand{RequestID: "Q1"}))

	assert.Empty(t, h.assignments("Q1"))
	rows, err := db.Load[db.Request](ctx, h.store)
	require.NoError(t, err)
	assert.Empty(t, rows)

	err = h.engine.DeleteRequest(ctx, RequestCommand{RequestID: "Q1"})
	assert.True(t, model.IsKind(err, model.KindValidation))
}
