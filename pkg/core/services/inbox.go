package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jakechorley/escort-dispatch/pkg/clients/gmailclient"
	"github.com/jakechorley/escort-dispatch/pkg/core/model"
	"github.com/jakechorley/escort-dispatch/pkg/core/reconcile"
)

const defaultInboxBatch = 50

// Inbox defines the mailbox operations needed to poll for rider replies
type Inbox interface {
	ListMessages(ctx context.Context, query string, max int64) ([]gmailclient.InboundMessage, error)
	MarkRead(ctx context.Context, messageID string) error
}

type InboxConfig struct {
	Query string
	Batch int64
}

// WithInbox enables PollInbox
func (d *Dispatcher) WithInbox(inbox Inbox, cfg InboxConfig) *Dispatcher {
	if cfg.Batch <= 0 {
		cfg.Batch = defaultInboxBatch
	}
	d.inbox = inbox
	d.cfg = cfg
	return d
}

// PollResult summarises one pass over the inbox
type PollResult struct {
	Applied    int
	Duplicates int
	NoChange   int
	Unresolved int
	Rejected   int
	// Failed messages hit a store or lock error and stay unread for the next poll
	Failed []FailedMessage
}

type FailedMessage struct {
	MessageID string
	From      string
	Error     string
}

// PollInbox reconciles every unread reply. Messages are marked read once
// handled, including ones that could not be matched, which are left in the
// response log for a human.
func (d *Dispatcher) PollInbox(ctx context.Context) (*PollResult, error) {
	if d.inbox == nil {
		return nil, fmt.Errorf("no inbox configured")
	}

	d.logger.Debug("Polling inbox", zap.String("query", d.cfg.Query))
	messages, err := d.inbox.ListMessages(ctx, d.cfg.Query, d.cfg.Batch)
	if err != nil {
		return nil, fmt.Errorf("failed to list inbox: %w", err)
	}
	d.logger.Debug("Found messages", zap.Int("count", len(messages)))

	result := &PollResult{}
	for _, m := range messages {
		res, err := d.reconciler.Ingest(ctx, reconcile.InboundMessage{
			MessageID:  m.ID,
			From:       m.From,
			Subject:    m.Subject,
			Body:       m.Body,
			ReceivedAt: m.ReceivedAt,
		})
		if err != nil {
			switch model.KindOf(err) {
			case model.KindUnresolvedReference:
				result.Unresolved++
			case model.KindValidation:
				result.Rejected++
			default:
				d.logger.Error("Failed to process message", zap.String("message_id", m.ID), zap.Error(err))
				result.Failed = append(result.Failed, FailedMessage{MessageID: m.ID, From: m.From, Error: err.Error()})
				continue
			}
		} else {
			switch res.Outcome {
			case reconcile.OutcomeApplied:
				result.Applied++
			case reconcile.OutcomeDuplicate:
				result.Duplicates++
			case reconcile.OutcomeNoChange:
				result.NoChange++
			}
		}

		if err := d.inbox.MarkRead(ctx, m.ID); err != nil {
			// a message left unread is reprocessed next time and deduplicated
			d.logger.Warn("Failed to mark message read", zap.String("message_id", m.ID), zap.Error(err))
		}
	}

	d.logger.Info("Inbox processed",
		zap.Int("applied", result.Applied),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("unresolved", result.Unresolved),
		zap.Int("rejected", result.Rejected),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}
