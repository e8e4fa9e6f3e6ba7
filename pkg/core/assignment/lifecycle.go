package assignment

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/jakechorley/escort-dispatch/pkg/core/model"
	"github.com/jakechorley/escort-dispatch/pkg/core/notify"
	"github.com/jakechorley/escort-dispatch/pkg/db"
)

type RequestCommand struct {
	RequestID string
	Actor     string
}

// LifecycleResult reports a request status change and the assignments it cascaded to
type LifecycleResult struct {
	Request     model.Request
	Assignments []model.Assignment
	Warnings    []string
	Changed     bool
}

// CancelRequest cancels a request and every assignment on it. Cancelling a
// cancelled request changes nothing.
func (e *Engine) CancelRequest(ctx context.Context, cmd RequestCommand) (*LifecycleResult, error) {
	const op = "cancel request"

	res, riders, err := e.transition(ctx, op, cmd, func(req model.Request, assignments []model.Assignment) (*model.Request, []model.Assignment, error) {
		switch req.Status {
		case model.RequestCancelled:
			return nil, nil, nil
		case model.RequestCompleted:
			return nil, nil, model.ValidationError(op, "request %s is already completed", req.ID)
		}

		now := e.now().UTC()
		var changed []model.Assignment
		for _, a := range assignments {
			if !a.Status.IsActive() {
				continue
			}
			a.Status = model.AssignmentCancelled
			a.CancelledAt = now
			changed = append(changed, a)
		}
		req.Status = model.RequestCancelled
		req.AssignedRiderIDs = nil
		req.LastModified = now
		return &req, changed, nil
	})
	if err != nil || !res.Changed {
		return res, err
	}

	for _, a := range res.Assignments {
		rider, ok := riders[a.RiderID]
		if !ok {
			continue
		}
		if w := e.send(ctx, rider, notify.CancellationMessage(rider, res.Request)); w != "" {
			res.Warnings = append(res.Warnings, w)
		}
	}
	if w := e.mirror(ctx, res.Request, riders); w != "" {
		res.Warnings = append(res.Warnings, w)
	}
	return res, nil
}

// CompleteRequest marks a request done. Pending and Confirmed assignments
// become Completed; declined ones keep their status for the record.
func (e *Engine) CompleteRequest(ctx context.Context, cmd RequestCommand) (*LifecycleResult, error) {
	const op = "complete request"

	res, riders, err := e.transition(ctx, op, cmd, func(req model.Request, assignments []model.Assignment) (*model.Request, []model.Assignment, error) {
		switch req.Status {
		case model.RequestCompleted:
			return nil, nil, nil
		case model.RequestCancelled:
			return nil, nil, model.ValidationError(op, "request %s is cancelled", req.ID)
		}

		var changed []model.Assignment
		for _, a := range assignments {
			if a.Status != model.AssignmentPending && a.Status != model.AssignmentConfirmed {
				continue
			}
			a.Status = model.AssignmentCompleted
			changed = append(changed, a)
		}
		req.Status = model.RequestCompleted
		req.LastModified = e.now().UTC()
		return &req, changed, nil
	})
	if err != nil || !res.Changed {
		return res, err
	}

	if w := e.mirror(ctx, res.Request, riders); w != "" {
		res.Warnings = append(res.Warnings, w)
	}
	return res, nil
}

// transition loads a request and its assignments under the request lock and
// commits whatever change returns. A nil request from change means no-op.
func (e *Engine) transition(
	ctx context.Context,
	op string,
	cmd RequestCommand,
	change func(req model.Request, assignments []model.Assignment) (*model.Request, []model.Assignment, error),
) (*LifecycleResult, map[string]model.Rider, error) {
	if strings.TrimSpace(cmd.RequestID) == "" {
		return nil, nil, model.ValidationError(op, "request id is required")
	}

	unlock, err := e.lockRequest(ctx, op, cmd.RequestID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	req, err := e.loadRequest(ctx, op, cmd.RequestID)
	if err != nil {
		return nil, nil, err
	}
	snap, err := e.loadSnapshot(ctx, false)
	if err != nil {
		return nil, nil, model.StoreError(op, err)
	}
	assignments, err := e.requestAssignments(op, req.ID, snap.assignments)
	if err != nil {
		return nil, nil, err
	}

	updated, changed, err := change(req, assignments)
	if err != nil {
		return nil, nil, err
	}
	if updated == nil {
		e.logger.Debug("Request already in target state",
			zap.String("op", op),
			zap.String("request_id", req.ID),
			zap.String("status", string(req.Status)))
		return &LifecycleResult{Request: req}, nil, nil
	}

	mutations, err := mutationsFor(changed, updated)
	if err != nil {
		return nil, nil, model.StoreError(op, err)
	}
	if err := e.commit(ctx, op, mutations...); err != nil {
		return nil, nil, err
	}
	unlock()

	e.logger.Info("Request status changed",
		zap.String("op", op),
		zap.String("request_id", req.ID),
		zap.String("actor", cmd.Actor),
		zap.String("from", string(req.Status)),
		zap.String("to", string(updated.Status)),
		zap.Int("assignments", len(changed)))

	return &LifecycleResult{
		Request:     *updated,
		Assignments: changed,
		Changed:     true,
	}, e.ridersByID(snap.riders), nil
}

// DeleteRequest removes a request that has no live assignments, together
// with its cancelled assignment history
func (e *Engine) DeleteRequest(ctx context.Context, cmd RequestCommand) error {
	const op = "delete request"

	if strings.TrimSpace(cmd.RequestID) == "" {
		return model.ValidationError(op, "request id is required")
	}

	unlock, err := e.lockRequest(ctx, op, cmd.RequestID)
	if err != nil {
		return err
	}
	defer unlock()

	req, err := e.loadRequest(ctx, op, cmd.RequestID)
	if err != nil {
		return err
	}
	snap, err := e.loadSnapshot(ctx, false)
	if err != nil {
		return model.StoreError(op, err)
	}
	assignments, err := e.requestAssignments(op, req.ID, snap.assignments)
	if err != nil {
		return err
	}
	var live []string
	for _, a := range assignments {
		if a.Status.IsActive() {
			live = append(live, a.RiderID)
		}
	}
	if len(live) > 0 {
		return &model.Error{
			Kind:    model.KindValidation,
			Op:      op,
			Message: "request " + req.ID + " still has assigned riders",
			Riders:  live,
		}
	}

	removeAssignments, err := db.Replace(func(a db.Assignment) bool { return a.RequestID == req.ID })
	if err != nil {
		return model.StoreError(op, err)
	}
	removeRequest, err := db.Replace(func(r db.Request) bool { return r.ID == req.ID })
	if err != nil {
		return model.StoreError(op, err)
	}
	if err := e.commit(ctx, op, removeAssignments, removeRequest); err != nil {
		return err
	}

	e.logger.Info("Deleted request",
		zap.String("request_id", req.ID),
		zap.String("actor", cmd.Actor),
		zap.Int("assignments", len(assignments)))
	return nil
}
