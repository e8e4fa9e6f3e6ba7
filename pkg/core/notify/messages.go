package notify

import (
	"fmt"
	"strings"

	"github.com/jakechorley/escort-dispatch/pkg/core/model"
)

// Message is a rendered email
type Message struct {
	Subject string
	Body    string
}

func riderGreeting(r model.Rider) string {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return "Hi"
	}
	return "Hi " + strings.Fields(name)[0]
}

func route(req model.Request) string {
	switch {
	case req.StartLocation != "" && req.EndLocation != "":
		return fmt.Sprintf("%s to %s", req.StartLocation, req.EndLocation)
	case req.StartLocation != "":
		return req.StartLocation
	default:
		return req.EndLocation
	}
}

// AssignmentMessage asks a rider to confirm or decline a new assignment. The
// request id in the subject lets a plain reply be matched back to the request.
func AssignmentMessage(rider model.Rider, req model.Request, confirmURL, declineURL string) Message {
	subject := fmt.Sprintf("Escort request #%s on %s", req.ID, req.Window.String())

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nYou have been assigned to escort request #%s.\n\n", riderGreeting(rider), req.ID)
	fmt.Fprintf(&b, "When: %s\n", req.Window.String())
	if r := route(req); r != "" {
		fmt.Fprintf(&b, "Where: %s\n", r)
	}
	if req.Notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", req.Notes)
	}
	fmt.Fprintf(&b, "\nPlease confirm you can ride:\n%s\n\nOr let us know you can't:\n%s\n\n", confirmURL, declineURL)
	b.WriteString("You can also reply to this email with \"confirm\" or \"decline\".\n\nThanks\nDispatch\n")

	return Message{Subject: subject, Body: b.String()}
}

// CancellationMessage tells a rider they are no longer needed on a request
func CancellationMessage(rider model.Rider, req model.Request) Message {
	return Message{
		Subject: fmt.Sprintf("Cancelled: escort request #%s on %s", req.ID, req.Window.String()),
		Body: fmt.Sprintf("%s\n\nYou are no longer needed for escort request #%s on %s. No action is needed.\n\nThanks\nDispatch\n",
			riderGreeting(rider), req.ID, req.Window.String()),
	}
}

// CalendarEvent renders the mirror event for a request and its riders
func CalendarEvent(req model.Request, riders []model.Rider) MirrorEvent {
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s\nRiders: %d of %d\n", req.Status, len(req.AssignedRiderIDs), req.RidersNeeded)
	for _, r := range riders {
		fmt.Fprintf(&b, "- %s\n", r.Name)
	}
	if req.Notes != "" {
		fmt.Fprintf(&b, "\n%s\n", req.Notes)
	}
	return MirrorEvent{
		RequestID:   req.ID,
		Summary:     fmt.Sprintf("Escort #%s (%s)", req.ID, req.Status),
		Description: b.String(),
		Location:    route(req),
		Start:       req.Window.Start,
		End:         req.Window.End,
	}
}
