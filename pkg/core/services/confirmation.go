package services

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/jakechorley/escort-dispatch/pkg/core/model"
	"github.com/jakechorley/escort-dispatch/pkg/core/reconcile"
)

// ResponseCode is the outcome of a confirmation link click
type ResponseCode string

const (
	CodeSuccess             ResponseCode = "success"
	CodeInvalidToken        ResponseCode = "invalid_token"
	CodeExpiredToken        ResponseCode = "expired_token"
	CodeAlreadyUsed         ResponseCode = "already_used"
	CodeUnresolvedReference ResponseCode = "unresolved_reference"
)

type ConfirmationResponse struct {
	Code       ResponseCode      `json:"code"`
	HTTPStatus int               `json:"-"`
	Message    string            `json:"message"`
	Result     *reconcile.Result `json:"result,omitempty"`
}

// HandleConfirmationRequest redeems a confirmation link. Every rejection is a
// response with its own code; only store and lock failures are errors.
func (d *Dispatcher) HandleConfirmationRequest(ctx context.Context, token, action string) (*ConfirmationResponse, error) {
	act, err := model.ParseAction(action)
	if err != nil {
		d.recordRejected(ctx, reconcile.Event{Action: model.Action(action), Token: token}, model.ReasonInvalid)
		return rejected(CodeInvalidToken, "This link is not valid."), nil
	}

	tok, err := d.tokens.Redeem(ctx, token, act)
	if err != nil {
		reason := model.TokenReasonOf(err)
		var resp *ConfirmationResponse
		switch reason {
		case model.ReasonInvalid:
			resp = rejected(CodeInvalidToken, "This link is not valid.")
		case model.ReasonExpired:
			resp = rejected(CodeExpiredToken, "This link has expired. Please contact dispatch.")
		case model.ReasonAlreadyUsed:
			resp = rejected(CodeAlreadyUsed, "This link has already been used.")
		default:
			d.logger.Error("Failed to redeem token", zap.Error(err))
			return nil, err
		}
		d.recordRejected(ctx, reconcile.Event{
			AssignmentID: tok.AssignmentID,
			RequestID:    tok.RequestID,
			RiderID:      tok.RiderID,
			Action:       act,
			Token:        token,
		}, reason)
		return resp, nil
	}

	res, err := d.reconciler.Reconcile(ctx, reconcile.Event{
		AssignmentID: tok.AssignmentID,
		RequestID:    tok.RequestID,
		RiderID:      tok.RiderID,
		Action:       tok.Action,
		Source:       model.SourceToken,
		Token:        tok.Token,
		Timestamp:    tok.ConsumedAt,
		RawPayload:   "action=" + string(tok.Action),
	})
	if err != nil {
		switch model.KindOf(err) {
		case model.KindUnresolvedReference, model.KindValidation:
			// the token was genuine but its assignment is gone or closed
			d.logger.Warn("Confirmation link for unusable assignment",
				zap.String("assignment_id", tok.AssignmentID),
				zap.Error(err))
			return rejected(CodeUnresolvedReference, "This ride is no longer open. Please contact dispatch."), nil
		}
		d.logger.Error("Token redeemed but response not applied",
			zap.String("assignment_id", tok.AssignmentID),
			zap.Error(err))
		return nil, err
	}

	msg := "Thanks, your ride is confirmed."
	if tok.Action == model.ActionDecline {
		msg = "Thanks for letting us know. Dispatch will find another rider."
	}
	return &ConfirmationResponse{Code: CodeSuccess, HTTPStatus: http.StatusOK, Message: msg, Result: res}, nil
}

// recordRejected writes a rejected link click to the response log. A failed
// write is logged and does not change the response.
func (d *Dispatcher) recordRejected(ctx context.Context, ev reconcile.Event, reason model.TokenReason) {
	ev.Source = model.SourceToken
	ev.RawPayload = "action=" + string(ev.Action)
	if err := d.reconciler.RecordRejected(ctx, ev, string(reason)); err != nil {
		d.logger.Error("Rejected confirmation link was not recorded", zap.Error(err))
	}
}

func rejected(code ResponseCode, msg string) *ConfirmationResponse {
	return &ConfirmationResponse{Code: code, HTTPStatus: statusFor(code), Message: msg}
}

func statusFor(code ResponseCode) int {
	switch code {
	case CodeSuccess:
		return http.StatusOK
	case CodeInvalidToken:
		return http.StatusBadRequest
	case CodeExpiredToken:
		return http.StatusGone
	case CodeAlreadyUsed:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

// IngestInboundMessage reconciles a free-text reply from a rider
func (d *Dispatcher) IngestInboundMessage(ctx context.Context, fromAddress, body string) (*reconcile.Result, error) {
	return d.reconciler.Ingest(ctx, reconcile.InboundMessage{
		From: fromAddress,
		Body: body,
	})
}
