package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/jakechorley/escort-dispatch/pkg/db"
)

// Request is an escort job with its resolved time window
type Request struct {
	ID               string
	Window           Window
	StartLocation    string
	EndLocation      string
	RidersNeeded     int
	Status           RequestStatus
	AssignedRiderIDs []string
	Notes            string
	LastModified     time.Time
}

// Rider is a member of the escort roster
type Rider struct {
	ID          string
	Name        string
	Email       string
	Phone       string
	Status      RiderStatus
	ContactInfo string
}

// Assignment binds one rider to one request
type Assignment struct {
	ID          string
	RequestID   string
	RiderID     string
	Status      AssignmentStatus
	Window      Window
	Override    bool
	CreatedAt   time.Time
	ConfirmedAt time.Time
	DeclinedAt  time.Time
	CancelledAt time.Time
}

// AvailabilityEntry is a rider's declared availability. Recurrence, when set,
// is an RRULE expanded from the entry's own window.
type AvailabilityEntry struct {
	ID         string
	RiderID    string
	Window     Window
	Status     AvailabilityStatus
	Recurrence string
	Notes      string
}

// ConfirmationToken is a single-use capability to confirm or decline an assignment
type ConfirmationToken struct {
	Token        string
	AssignmentID string
	RequestID    string
	RiderID      string
	Action       Action
	IssuedAt     time.Time
	ExpiresAt    time.Time
	ConsumedAt   time.Time
	Outcome      TokenOutcome
}

// Consumed reports whether the token can no longer be redeemed
func (t ConfirmationToken) Consumed() bool {
	return !t.ConsumedAt.IsZero()
}

// ResponseRecord is one line of the append-only response log
type ResponseRecord struct {
	ID           string
	Timestamp    time.Time
	Source       Source
	RiderID      string
	RiderName    string
	RequestID    string
	AssignmentID string
	Action       Action
	Token        string
	Outcome      LogOutcome
	RawPayload   string
}

// RequestFromRow converts a stored request into its domain form
func RequestFromRow(r db.Request, loc *time.Location) (Request, error) {
	w, err := NewWindow(r.EventDate, r.StartTime, r.EndTime, loc)
	if err != nil {
		return Request{}, fmt.Errorf("request %s: %w", r.ID, err)
	}
	status, err := ParseRequestStatus(r.Status)
	if err != nil {
		return Request{}, fmt.Errorf("request %s: %w", r.ID, err)
	}
	modified, err := ParseTimestamp(r.LastModified)
	if err != nil {
		return Request{}, fmt.Errorf("request %s: %w", r.ID, err)
	}
	if r.RidersNeeded < 0 {
		return Request{}, fmt.Errorf("request %s: riders needed must not be negative", r.ID)
	}
	return Request{
		ID:               r.ID,
		Window:           w,
		StartLocation:    r.StartLocation,
		EndLocation:      r.EndLocation,
		RidersNeeded:     r.RidersNeeded,
		Status:           status,
		AssignedRiderIDs: SplitIDs(r.AssignedRiderIDs),
		Notes:            r.Notes,
		LastModified:     modified,
	}, nil
}

// Row converts the request back into its stored form
func (r Request) Row() db.Request {
	return db.Request{
		ID:               r.ID,
		EventDate:        r.Window.Date,
		StartTime:        r.Window.StartClock(),
		EndTime:          r.Window.EndClock(),
		StartLocation:    r.StartLocation,
		EndLocation:      r.EndLocation,
		RidersNeeded:     r.RidersNeeded,
		Status:           string(r.Status),
		AssignedRiderIDs: JoinIDs(r.AssignedRiderIDs),
		Notes:            r.Notes,
		LastModified:     FormatTimestamp(r.LastModified),
	}
}

func RiderFromRow(r db.Rider) (Rider, error) {
	status, err := ParseRiderStatus(r.Status)
	if err != nil {
		return Rider{}, fmt.Errorf("rider %s: %w", r.ID, err)
	}
	return Rider{
		ID:          r.ID,
		Name:        r.Name,
		Email:       strings.ToLower(strings.TrimSpace(r.Email)),
		Phone:       r.Phone,
		Status:      status,
		ContactInfo: r.ContactInfo,
	}, nil
}

func AssignmentFromRow(r db.Assignment, loc *time.Location) (Assignment, error) {
	w, err := NewWindow(r.EventDate, r.StartTime, r.EndTime, loc)
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment %s: %w", r.ID, err)
	}
	status, err := ParseAssignmentStatus(r.Status)
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment %s: %w", r.ID, err)
	}

	a := Assignment{
		ID:        r.ID,
		RequestID: r.RequestID,
		RiderID:   r.RiderID,
		Status:    status,
		Window:    w,
		Override:  r.Override,
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&a.CreatedAt, r.CreatedAt},
		{&a.ConfirmedAt, r.ConfirmedAt},
		{&a.DeclinedAt, r.DeclinedAt},
		{&a.CancelledAt, r.CancelledAt},
	} {
		if *f.dst, err = ParseTimestamp(f.src); err != nil {
			return Assignment{}, fmt.Errorf("assignment %s: %w", r.ID, err)
		}
	}
	return a, nil
}

func (a Assignment) Row() db.Assignment {
	return db.Assignment{
		ID:          a.ID,
		RequestID:   a.RequestID,
		RiderID:     a.RiderID,
		Status:      string(a.Status),
		EventDate:   a.Window.Date,
		StartTime:   a.Window.StartClock(),
		EndTime:     a.Window.EndClock(),
		Override:    a.Override,
		CreatedAt:   FormatTimestamp(a.CreatedAt),
		ConfirmedAt: FormatTimestamp(a.ConfirmedAt),
		DeclinedAt:  FormatTimestamp(a.DeclinedAt),
		CancelledAt: FormatTimestamp(a.CancelledAt),
	}
}

func AvailabilityFromRow(r db.Availability, loc *time.Location) (AvailabilityEntry, error) {
	w, err := NewWindow(r.Date, r.StartTime, r.EndTime, loc)
	if err != nil {
		return AvailabilityEntry{}, fmt.Errorf("availability %s: %w", r.ID, err)
	}
	status, err := ParseAvailabilityStatus(r.Status)
	if err != nil {
		return AvailabilityEntry{}, fmt.Errorf("availability %s: %w", r.ID, err)
	}
	return AvailabilityEntry{
		ID:         r.ID,
		RiderID:    r.RiderID,
		Window:     w,
		Status:     status,
		Recurrence: strings.TrimSpace(r.Recurrence),
		Notes:      r.Notes,
	}, nil
}

func (e AvailabilityEntry) Row() db.Availability {
	return db.Availability{
		ID:         e.ID,
		RiderID:    e.RiderID,
		Date:       e.Window.Date,
		StartTime:  e.Window.StartClock(),
		EndTime:    e.Window.EndClock(),
		Status:     string(e.Status),
		Recurrence: e.Recurrence,
		Notes:      e.Notes,
	}
}

func TokenFromRow(r db.ConfirmationToken) (ConfirmationToken, error) {
	action, err := ParseAction(r.Action)
	if err != nil {
		return ConfirmationToken{}, fmt.Errorf("token for assignment %s: %w", r.AssignmentID, err)
	}
	t := ConfirmationToken{
		Token:        r.Token,
		AssignmentID: r.AssignmentID,
		RequestID:    r.RequestID,
		RiderID:      r.RiderID,
		Action:       action,
		Outcome:      TokenOutcome(strings.ToLower(strings.TrimSpace(r.Outcome))),
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&t.IssuedAt, r.IssuedAt},
		{&t.ExpiresAt, r.ExpiresAt},
		{&t.ConsumedAt, r.ConsumedAt},
	} {
		if *f.dst, err = ParseTimestamp(f.src); err != nil {
			return ConfirmationToken{}, fmt.Errorf("token for assignment %s: %w", r.AssignmentID, err)
		}
	}
	return t, nil
}

func (t ConfirmationToken) Row() db.ConfirmationToken {
	return db.ConfirmationToken{
		Token:        t.Token,
		AssignmentID: t.AssignmentID,
		RequestID:    t.RequestID,
		RiderID:      t.RiderID,
		Action:       string(t.Action),
		IssuedAt:     FormatTimestamp(t.IssuedAt),
		ExpiresAt:    FormatTimestamp(t.ExpiresAt),
		ConsumedAt:   FormatTimestamp(t.ConsumedAt),
		Outcome:      string(t.Outcome),
	}
}

func (r ResponseRecord) Row() db.ResponseLog {
	return db.ResponseLog{
		ID:           r.ID,
		Timestamp:    FormatTimestamp(r.Timestamp),
		Source:       string(r.Source),
		RiderID:      r.RiderID,
		RiderName:    r.RiderName,
		RequestID:    r.RequestID,
		AssignmentID: r.AssignmentID,
		Action:       string(r.Action),
		Token:        r.Token,
		Outcome:      string(r.Outcome),
		RawPayload:   r.RawPayload,
	}
}

// ResponseFromRow converts a log row. Unknown actions are kept verbatim since
// unresolved events may carry anything.
func ResponseFromRow(r db.ResponseLog) (ResponseRecord, error) {
	ts, err := ParseTimestamp(r.Timestamp)
	if err != nil {
		return ResponseRecord{}, fmt.Errorf("response %s: %w", r.ID, err)
	}
	return ResponseRecord{
		ID:           r.ID,
		Timestamp:    ts,
		Source:       Source(r.Source),
		RiderID:      r.RiderID,
		RiderName:    r.RiderName,
		RequestID:    r.RequestID,
		AssignmentID: r.AssignmentID,
		Action:       Action(r.Action),
		Token:        r.Token,
		Outcome:      LogOutcome(r.Outcome),
		RawPayload:   r.RawPayload,
	}, nil
}

// SplitIDs parses a comma separated id list, dropping blanks and duplicates
func SplitIDs(s string) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(s, ",") {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func JoinIDs(ids []string) string {
	return strings.Join(ids, ",")
}
