package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakechorley/escort-dispatch/pkg/clients/calendarclient"
	"github.com/jakechorley/escort-dispatch/pkg/core/model"
)

type mockSender struct {
	to, subject, body string
	err               error
}

func (m *mockSender) SendEmail(ctx context.Context, to, subject, body string) error {
	m.to, m.subject, m.body = to, subject, body
	return m.err
}

type mockUpserter struct {
	events []calendarclient.Event
}

func (m *mockUpserter) UpsertEvent(ctx context.Context, ev calendarclient.Event) error {
	m.events = append(m.events, ev)
	return nil
}

func testRequest(t *testing.T) model.Request {
	w, err := model.NewWindow("2025-03-01", "10:00", "12:00", time.UTC)
	require.NoError(t, err)
	return model.Request{
		ID:               "Q1",
		Window:           w,
		StartLocation:    "Library",
		EndLocation:      "Station",
		RidersNeeded:     2,
		Status:           model.RequestPending,
		AssignedRiderIDs: []string{"R1"},
	}
}

func TestGmailNotifier_Send(t *testing.T) {
	sender := &mockSender{}
	n := NewGmailNotifier(sender)

	require.NoError(t, n.Send(context.Background(), "rider@example.com", "subj", "body"))
	assert.Equal(t, "rider@example.com", sender.to)

	sender.err = errors.New("quota")
	assert.Error(t, n.Send(context.Background(), "rider@example.com", "subj", "body"))
}

func TestGoogleCalendar_UsesRequestIDAsKey(t *testing.T) {
	client := &mockUpserter{}
	g := NewGoogleCalendar(client)
	req := testRequest(t)

	require.NoError(t, g.UpsertEvent(context.Background(), CalendarEvent(req, []model.Rider{{ID: "R1", Name: "Alice Smith"}})))
	require.NoError(t, g.UpsertEvent(context.Background(), MirrorEvent{RequestID: "Q2"}))

	require.Len(t, client.events, 2)
	assert.Equal(t, "Q1", client.events[0].Key)
	assert.Equal(t, "Escort #Q1 (Pending)", client.events[0].Summary)
	assert.Equal(t, "Library to Station", client.events[0].Location)
	assert.Contains(t, client.events[0].Description, "Riders: 1 of 2")
	assert.Contains(t, client.events[0].Description, "- Alice Smith")
	assert.Equal(t, "Escort Q2", client.events[1].Summary)
}

func TestAssignmentMessage(t *testing.T) {
	msg := AssignmentMessage(model.Rider{Name: "Alice Smith"}, testRequest(t), "https://x/confirm", "https://x/decline")

	assert.Equal(t, "Escort request #Q1 on 2025-03-01 10:00-12:00", msg.Subject)
	assert.Contains(t, msg.Body, "Hi Alice\n")
	assert.Contains(t, msg.Body, "Where: Library to Station")
	assert.Contains(t, msg.Body, "https://x/confirm")
	assert.Contains(t, msg.Body, "https://x/decline")
}

func TestCancellationMessage(t *testing.T) {
	msg := CancellationMessage(model.Rider{}, testRequest(t))
	assert.Contains(t, msg.Subject, "#Q1")
	assert.Contains(t, msg.Body, "Hi\n")
}

func TestNop(t *testing.T) {
	assert.NoError(t, NopNotifier{}.Send(context.Background(), "", "", ""))
	assert.NoError(t, NopCalendar{}.UpsertEvent(context.Background(), MirrorEvent{}))
}
