// Package notify delivers best-effort side effects after a commit: rider
// emails and the shared calendar.
package notify

import (
	"context"
	"time"

	"github.com/jakechorley/escort-dispatch/pkg/clients/calendarclient"
)

// Notifier sends a message to a rider
type Notifier interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// MirrorEvent is the calendar view of one request
type MirrorEvent struct {
	RequestID   string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
}

// CalendarMirror keeps one calendar event per request up to date
type CalendarMirror interface {
	UpsertEvent(ctx context.Context, ev MirrorEvent) error
}

type NopNotifier struct{}

func (NopNotifier) Send(context.Context, string, string, string) error { return nil }

type NopCalendar struct{}

func (NopCalendar) UpsertEvent(context.Context, MirrorEvent) error { return nil }

// EmailSender is the part of the Gmail client the notifier uses
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// GmailNotifier sends notifications as plain text email
type GmailNotifier struct {
	client EmailSender
}

func NewGmailNotifier(client EmailSender) *GmailNotifier {
	return &GmailNotifier{client: client}
}

func (n *GmailNotifier) Send(ctx context.Context, recipient, subject, body string) error {
	return n.client.SendEmail(ctx, recipient, subject, body)
}

// EventUpserter is the part of the Calendar client the mirror uses
type EventUpserter interface {
	UpsertEvent(ctx context.Context, ev calendarclient.Event) error
}

// GoogleCalendar mirrors requests into a Google calendar, one event per request id
type GoogleCalendar struct {
	client EventUpserter
}

func NewGoogleCalendar(client EventUpserter) *GoogleCalendar {
	return &GoogleCalendar{client: client}
}

func (g *GoogleCalendar) UpsertEvent(ctx context.Context, ev MirrorEvent) error {
	summary := ev.Summary
	if summary == "" {
		summary = "Escort " + ev.RequestID
	}
	return g.client.UpsertEvent(ctx, calendarclient.Event{
		Key:         ev.RequestID,
		Summary:     summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       ev.Start,
		End:         ev.End,
	})
}
