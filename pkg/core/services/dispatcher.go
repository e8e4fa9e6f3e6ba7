// Package services exposes the dispatch operations called by the HTTP API
// and the CLI.
package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jakechorley/escort-dispatch/pkg/core/assignment"
	"github.com/jakechorley/escort-dispatch/pkg/core/model"
	"github.com/jakechorley/escort-dispatch/pkg/core/reconcile"
	"github.com/jakechorley/escort-dispatch/pkg/core/tokens"
)

// AssignmentEngine defines the assignment operations the dispatcher needs
type AssignmentEngine interface {
	Assign(ctx context.Context, cmd assignment.AssignCommand) (*assignment.AssignResult, error)
	Unassign(ctx context.Context, cmd assignment.UnassignCommand) (*assignment.AssignResult, error)
	CancelRequest(ctx context.Context, cmd assignment.RequestCommand) (*assignment.LifecycleResult, error)
	CompleteRequest(ctx context.Context, cmd assignment.RequestCommand) (*assignment.LifecycleResult, error)
	DeleteRequest(ctx context.Context, cmd assignment.RequestCommand) error
	SuggestRiders(ctx context.Context, requestID string, limit int) ([]assignment.Suggestion, error)
}

// TokenService defines the token operations the dispatcher needs
type TokenService interface {
	Redeem(ctx context.Context, token string, action model.Action) (model.ConfirmationToken, error)
	IssueForAssignment(ctx context.Context, assignmentID string) (tokens.Links, error)
	PurgeExpired(ctx context.Context, olderThan time.Time) (int, error)
}

// ResponseReconciler defines the reconcile operations the dispatcher needs
type ResponseReconciler interface {
	Reconcile(ctx context.Context, ev reconcile.Event) (*reconcile.Result, error)
	Ingest(ctx context.Context, msg reconcile.InboundMessage) (*reconcile.Result, error)
	RecordRejected(ctx context.Context, ev reconcile.Event, reason string) error
}

// Dispatcher is the boundary between transports and the core components
type Dispatcher struct {
	engine     AssignmentEngine
	tokens     TokenService
	reconciler ResponseReconciler
	inbox      Inbox
	cfg        InboxConfig
	logger     *zap.Logger
}

func NewDispatcher(engine AssignmentEngine, tokenService TokenService, reconciler ResponseReconciler, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		engine:     engine,
		tokens:     tokenService,
		reconciler: reconciler,
		logger:     logger,
	}
}

func (d *Dispatcher) Assign(ctx context.Context, cmd assignment.AssignCommand) (*assignment.AssignResult, error) {
	res, err := d.engine.Assign(ctx, cmd)
	if err != nil {
		d.logFailure("assign", cmd.RequestID, err)
		return nil, err
	}
	for _, w := range res.Warnings {
		d.logger.Warn("Assigned with warning", zap.String("request_id", cmd.RequestID), zap.String("warning", w))
	}
	return res, nil
}

func (d *Dispatcher) Unassign(ctx context.Context, cmd assignment.UnassignCommand) (*assignment.AssignResult, error) {
	res, err := d.engine.Unassign(ctx, cmd)
	if err != nil {
		d.logFailure("unassign", cmd.RequestID, err)
		return nil, err
	}
	return res, nil
}

// IssueConfirmationLinks issues a fresh confirm/decline link pair for an assignment
func (d *Dispatcher) IssueConfirmationLinks(ctx context.Context, assignmentID string) (tokens.Links, error) {
	links, err := d.tokens.IssueForAssignment(ctx, assignmentID)
	if err != nil {
		d.logger.Warn("Failed to issue confirmation links", zap.String("assignment_id", assignmentID), zap.Error(err))
		return tokens.Links{}, err
	}
	return links, nil
}

// PurgeTokens deletes confirmation tokens that expired before olderThan
func (d *Dispatcher) PurgeTokens(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := d.tokens.PurgeExpired(ctx, olderThan)
	if err != nil {
		d.logger.Error("Failed to purge tokens", zap.Error(err))
		return 0, err
	}
	return n, nil
}

func (d *Dispatcher) SuggestRiders(ctx context.Context, requestID string, limit int) ([]assignment.Suggestion, error) {
	return d.engine.SuggestRiders(ctx, requestID, limit)
}

func (d *Dispatcher) CancelRequest(ctx context.Context, cmd assignment.RequestCommand) (*assignment.LifecycleResult, error) {
	return d.engine.CancelRequest(ctx, cmd)
}

func (d *Dispatcher) CompleteRequest(ctx context.Context, cmd assignment.RequestCommand) (*assignment.LifecycleResult, error) {
	return d.engine.CompleteRequest(ctx, cmd)
}

func (d *Dispatcher) DeleteRequest(ctx context.Context, cmd assignment.RequestCommand) error {
	return d.engine.DeleteRequest(ctx, cmd)
}

func (d *Dispatcher) logFailure(op, requestID string, err error) {
	fields := []zap.Field{zap.String("op", op), zap.String("request_id", requestID), zap.Error(err)}
	switch model.KindOf(err) {
	case model.KindStore:
		d.logger.Error("Dispatch operation failed", fields...)
	case model.KindConcurrency:
		d.logger.Warn("Dispatch operation busy", fields...)
	default:
		d.logger.Info("Dispatch operation rejected", fields...)
	}
}
