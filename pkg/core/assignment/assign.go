package assignment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jakechorley/escort-dispatch/pkg/core/availability"
	"github.com/jakechorley/escort-dispatch/pkg/core/model"
	"github.com/jakechorley/escort-dispatch/pkg/core/notify"
	"github.com/jakechorley/escort-dispatch/pkg/core/tokens"
	"github.com/jakechorley/escort-dispatch/pkg/lock"
	"github.com/jakechorley/escort-dispatch/pkg/sheetssql"
)

// AssignCommand sets the complete rider set of a request
type AssignCommand struct {
	RequestID         string
	RiderIDs          []string
	OverrideConflicts bool
	Actor             string
}

type UnassignCommand struct {
	RequestID string
	RiderID   string
	Actor     string
}

type AssignResult struct {
	Request model.Request
	Added   []model.Assignment
	Removed []model.Assignment
	Kept    []model.Assignment
	Links   []tokens.Links
	// Warnings lists side effects that failed after the commit succeeded
	Warnings []string
	Changed  bool
}

// Assign replaces the request's rider set with cmd.RiderIDs. Riders already
// assigned keep their assignment and its status, missing riders have their
// assignment cancelled and new riders get a Pending assignment with a
// confirm/decline token pair. Nothing is written if any check fails.
func (e *Engine) Assign(ctx context.Context, cmd AssignCommand) (*AssignResult, error) {
	const op = "assign"

	riderIDs, err := normaliseIDs(cmd.RiderIDs)
	if err != nil {
		return nil, model.ValidationError(op, "%v", err)
	}
	if strings.TrimSpace(cmd.RequestID) == "" {
		return nil, model.ValidationError(op, "request id is required")
	}

	return e.apply(ctx, op, cmd.RequestID, cmd.Actor, cmd.OverrideConflicts, func(current []string) ([]string, error) {
		return riderIDs, nil
	})
}

// Unassign removes one rider from a request
func (e *Engine) Unassign(ctx context.Context, cmd UnassignCommand) (*AssignResult, error) {
	const op = "unassign"

	if strings.TrimSpace(cmd.RequestID) == "" || strings.TrimSpace(cmd.RiderID) == "" {
		return nil, model.ValidationError(op, "request id and rider id are required")
	}
	riderID := strings.TrimSpace(cmd.RiderID)

	return e.apply(ctx, op, cmd.RequestID, cmd.Actor, false, func(current []string) ([]string, error) {
		next := make([]string, 0, len(current))
		found := false
		for _, id := range current {
			if id == riderID {
				found = true
				continue
			}
			next = append(next, id)
		}
		if !found {
			return nil, model.ValidationError(op, "rider %s is not assigned to request %s", riderID, cmd.RequestID)
		}
		return next, nil
	})
}

func normaliseIDs(ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			return nil, errBlankRider
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

var errBlankRider = errors.New("rider ids must not be blank")

// apply runs the assign algorithm. target receives the riders currently
// assigned and returns the desired rider set.
func (e *Engine) apply(ctx context.Context, op, requestID, actor string, override bool, target func(current []string) ([]string, error)) (*AssignResult, error) {
	log := e.logger.With(zap.String("op", op), zap.String("request_id", requestID), zap.String("actor", actor))

	// Step 1: serialise every change to this request
	unlock, err := e.lockRequest(ctx, op, requestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err := e.loadRequest(ctx, op, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status == model.RequestCancelled {
		return nil, model.ValidationError(op, "request %s is cancelled", requestID)
	}

	// Step 2: load assignments and diff against the desired rider set
	snap, err := e.loadSnapshot(ctx, false)
	if err != nil {
		return nil, model.StoreError(op, err)
	}
	existing, err := e.requestAssignments(op, requestID, snap.assignments)
	if err != nil {
		return nil, err
	}

	active := make(map[string]model.Assignment)
	var currentIDs []string
	var duplicates []model.Assignment
	for _, a := range existing {
		if !a.Status.IsActive() {
			continue
		}
		if _, ok := active[a.RiderID]; ok {
			duplicates = append(duplicates, a)
			continue
		}
		active[a.RiderID] = a
		currentIDs = append(currentIDs, a.RiderID)
	}

	desired, err := target(currentIDs)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(desired))
	for _, id := range desired {
		wanted[id] = struct{}{}
	}

	var additions []string
	for _, id := range desired {
		if _, ok := active[id]; !ok {
			additions = append(additions, id)
		}
	}

	// Step 3: lock the added riders' day and re-read what the conflict check depends on
	releaseRiders := func() {}
	if len(additions) > 0 {
		keys := make([]string, len(additions))
		for i, id := range additions {
			keys[i] = lock.RiderDayKey(id, req.Window.Date)
		}
		unlockRiders, err := lock.AcquireAll(ctx, e.locker, keys...)
		if err != nil {
			return nil, lockError(op, err)
		}
		defer unlockRiders()
		releaseRiders = unlockRiders

		snap, err = e.loadSnapshot(ctx, true)
		if err != nil {
			return nil, model.StoreError(op, err)
		}
	}
	riders := e.ridersByID(snap.riders)

	for _, id := range additions {
		rider, ok := riders[id]
		if !ok {
			return nil, model.ValidationError(op, "rider %s not found", id)
		}
		if rider.Status != model.RiderActive {
			return nil, model.ValidationError(op, "rider %s is %s", id, rider.Status)
		}
	}

	// Step 4: conflict check against every other commitment of the added riders
	overridden := make(map[string]bool)
	if len(additions) > 0 {
		conflicts, err := e.conflicts(op, req, additions, snap)
		if err != nil {
			return nil, err
		}
		if len(conflicts) > 0 {
			if !override {
				log.Info("Assignment rejected by conflicts", zap.Int("conflicts", len(conflicts)))
				return nil, model.ConflictError(op, conflicts)
			}
			for _, c := range conflicts {
				overridden[c.RiderID] = true
			}
			log.Warn("Overriding conflicts", zap.Int("conflicts", len(conflicts)))
		}
	}

	// Step 5: build the new assignment set in memory
	now := e.now().UTC()
	result := &AssignResult{}
	var changed []model.Assignment

	for _, id := range currentIDs {
		a := active[id]
		if _, ok := wanted[id]; ok {
			result.Kept = append(result.Kept, a)
			continue
		}
		a.Status = model.AssignmentCancelled
		a.CancelledAt = now
		result.Removed = append(result.Removed, a)
		changed = append(changed, a)
	}
	for _, a := range duplicates {
		a.Status = model.AssignmentCancelled
		a.CancelledAt = now
		changed = append(changed, a)
	}

	var pairs []tokens.Pair
	var minted []model.ConfirmationToken
	for _, id := range additions {
		a := model.Assignment{
			ID:        e.newID(),
			RequestID: req.ID,
			RiderID:   id,
			Status:    model.AssignmentPending,
			Window:    req.Window,
			Override:  overridden[id],
			CreatedAt: now,
		}
		pair, err := e.tokens.MintPair(a)
		if err != nil {
			return nil, model.StoreError(op, err)
		}
		pairs = append(pairs, pair)
		minted = append(minted, pair.Confirm, pair.Decline)
		result.Added = append(result.Added, a)
		changed = append(changed, a)
	}

	// Step 6: derive the request from the committed set
	var assigned []string
	for _, a := range result.Kept {
		assigned = append(assigned, a.RiderID)
	}
	for _, a := range result.Added {
		assigned = append(assigned, a.RiderID)
	}
	updated := req
	updated.AssignedRiderIDs = assigned
	updated.Status = e.statusFor(req.Status, len(assigned), req.RidersNeeded)

	requestChanged := updated.Status != req.Status || !sameIDs(updated.AssignedRiderIDs, req.AssignedRiderIDs)
	if len(changed) == 0 && !requestChanged {
		log.Debug("Rider set unchanged")
		result.Request = req
		return result, nil
	}
	updated.LastModified = now

	mutations, err := mutationsFor(changed, &updated)
	if err != nil {
		return nil, model.StoreError(op, err)
	}
	if len(result.Added) > 0 {
		mutations[0].Guard = noActiveAssignment(requestID, additions)
		m, err := tokens.Mutation(minted...)
		if err != nil {
			return nil, model.StoreError(op, err)
		}
		mutations = append(mutations, m)
	}

	// Step 7: one atomic commit for assignments, request and tokens
	if err := e.commit(ctx, op, mutations...); err != nil {
		return nil, err
	}
	releaseRiders()
	unlock()

	result.Request = updated
	result.Changed = true
	for _, p := range pairs {
		result.Links = append(result.Links, e.tokens.Links(p))
	}

	log.Info("Updated request riders",
		zap.Int("added", len(result.Added)),
		zap.Int("removed", len(result.Removed)),
		zap.Int("kept", len(result.Kept)),
		zap.String("status", string(updated.Status)))

	// Step 8: best-effort side effects, outside the request lock
	result.Warnings = e.announce(ctx, updated, riders, result)
	return result, nil
}

func (e *Engine) conflicts(op string, req model.Request, riderIDs []string, snap *snapshot) ([]model.ConflictDetail, error) {
	relevant := make(map[string]struct{}, len(riderIDs))
	for _, id := range riderIDs {
		relevant[id] = struct{}{}
	}

	var entries []model.AvailabilityEntry
	for _, r := range snap.availability {
		if _, ok := relevant[r.RiderID]; !ok {
			continue
		}
		entry, err := model.AvailabilityFromRow(r, e.cfg.Location)
		if err != nil {
			return nil, model.ValidationError(op, "%v", err)
		}
		entries = append(entries, entry)
	}

	var assignments []model.Assignment
	for _, r := range snap.assignments {
		if _, ok := relevant[r.RiderID]; !ok || r.RequestID == req.ID {
			continue
		}
		a, err := model.AssignmentFromRow(r, e.cfg.Location)
		if err != nil {
			return nil, model.ValidationError(op, "%v", err)
		}
		assignments = append(assignments, a)
	}

	idx, err := availability.Build(entries, assignments,
		availability.ExcludeRequest(req.ID),
		availability.WithLocation(e.cfg.Location),
		availability.WithBlackouts(e.cfg.Blackouts))
	if err != nil {
		return nil, model.ValidationError(op, "%v", err)
	}

	var out []model.ConflictDetail
	for _, id := range riderIDs {
		for _, iv := range idx.Conflicts(id, req.Window) {
			out = append(out, iv.Detail(e.cfg.Location))
		}
	}
	return out, nil
}

// noActiveAssignment rejects the commit if another process assigned one of
// the riders to the request since the snapshot was read
func noActiveAssignment(requestID string, riderIDs []string) func(*sheetssql.Table) error {
	return func(current *sheetssql.Table) error {
		adding := make(map[string]struct{}, len(riderIDs))
		for _, id := range riderIDs {
			adding[id] = struct{}{}
		}
		for _, row := range current.Rows {
			if row["request_id"] != requestID {
				continue
			}
			if _, ok := adding[row["rider_id"]]; !ok {
				continue
			}
			if status, err := model.ParseAssignmentStatus(row["status"]); err != nil || status.IsActive() {
				return fmt.Errorf("rider %s was assigned concurrently", row["rider_id"])
			}
		}
		return nil
	}
}

func (e *Engine) announce(ctx context.Context, req model.Request, riders map[string]model.Rider, result *AssignResult) []string {
	var warnings []string
	add := func(w string) {
		if w != "" {
			warnings = append(warnings, w)
		}
	}

	for i, a := range result.Added {
		rider := riders[a.RiderID]
		links := result.Links[i]
		add(e.send(ctx, rider, notify.AssignmentMessage(rider, req, links.ConfirmURL, links.DeclineURL)))
	}
	for _, a := range result.Removed {
		rider, ok := riders[a.RiderID]
		if !ok {
			continue
		}
		add(e.send(ctx, rider, notify.CancellationMessage(rider, req)))
	}
	add(e.mirror(ctx, req, riders))
	return warnings
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}
