package assignment

import (
	"context"
	"sort"

	"github.com/jakechorley/escort-dispatch/pkg/core/availability"
	"github.com/jakechorley/escort-dispatch/pkg/core/model"
)

// Suggestion is a rider who could take a request
type Suggestion struct {
	Rider model.Rider `json:"rider"`
	// WeekLoad counts the rider's live assignments in the request's ISO week
	WeekLoad int `json:"weekLoad"`
}

// SuggestRiders lists active riders who are free for the request and not
// already on it, least loaded first. It reads a snapshot and takes no locks.
func (e *Engine) SuggestRiders(ctx context.Context, requestID string, limit int) ([]Suggestion, error) {
	const op = "suggest riders"

	req, err := e.loadRequest(ctx, op, requestID)
	if err != nil {
		return nil, err
	}
	snap, err := e.loadSnapshot(ctx, true)
	if err != nil {
		return nil, model.StoreError(op, err)
	}

	var entries []model.AvailabilityEntry
	for _, r := range snap.availability {
		entry, err := model.AvailabilityFromRow(r, e.cfg.Location)
		if err != nil {
			// an unreadable entry might hide a conflict, so its rider is not suggested
			entries = append(entries, model.AvailabilityEntry{RiderID: r.RiderID, Status: model.Unavailable, Window: req.Window})
			continue
		}
		entries = append(entries, entry)
	}

	assigned := make(map[string]struct{})
	load := make(map[string]int)
	year, week := req.Window.Start.ISOWeek()
	var assignments []model.Assignment
	for _, r := range snap.assignments {
		a, err := model.AssignmentFromRow(r, e.cfg.Location)
		if err != nil {
			continue
		}
		if !a.Status.IsActive() {
			continue
		}
		if a.RequestID == req.ID {
			assigned[a.RiderID] = struct{}{}
			continue
		}
		assignments = append(assignments, a)
		if y, w := a.Window.Start.ISOWeek(); y == year && w == week {
			load[a.RiderID]++
		}
	}

	idx, err := availability.Build(entries, assignments,
		availability.ExcludeRequest(req.ID),
		availability.WithLocation(e.cfg.Location),
		availability.WithBlackouts(e.cfg.Blackouts))
	if err != nil {
		return nil, model.ValidationError(op, "%v", err)
	}

	var out []Suggestion
	for _, rider := range e.ridersByID(snap.riders) {
		if rider.Status != model.RiderActive {
			continue
		}
		if _, ok := assigned[rider.ID]; ok {
			continue
		}
		if idx.HasConflict(rider.ID, req.Window) {
			continue
		}
		out = append(out, Suggestion{Rider: rider, WeekLoad: load[rider.ID]})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].WeekLoad != out[j].WeekLoad {
			return out[i].WeekLoad < out[j].WeekLoad
		}
		if out[i].Rider.Name != out[j].Rider.Name {
			return out[i].Rider.Name < out[j].Rider.Name
		}
		return out[i].Rider.ID < out[j].Rider.ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
