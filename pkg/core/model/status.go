package model

import (
	"fmt"
	"strings"
)

// RequestStatus is the lifecycle state of an escort request
type RequestStatus string

const (
	RequestUnassigned RequestStatus = "Unassigned"
	RequestPending    RequestStatus = "Pending"
	RequestAssigned   RequestStatus = "Assigned"
	RequestCompleted  RequestStatus = "Completed"
	RequestCancelled  RequestStatus = "Cancelled"
)

var requestStatuses = []RequestStatus{RequestUnassigned, RequestPending, RequestAssigned, RequestCompleted, RequestCancelled}

func (s RequestStatus) IsValid() bool {
	for _, v := range requestStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the engine must leave the status unchanged
func (s RequestStatus) IsTerminal() bool {
	return s == RequestCompleted || s == RequestCancelled
}

// ParseRequestStatus parses a stored status case-insensitively. A blank cell
// is a request nobody has assigned yet.
func ParseRequestStatus(s string) (RequestStatus, error) {
	if strings.TrimSpace(s) == "" {
		return RequestUnassigned, nil
	}
	for _, v := range requestStatuses {
		if strings.EqualFold(strings.TrimSpace(s), string(v)) {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown request status %q", s)
}

// AssignmentStatus is the lifecycle state of one rider on one request
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "Pending"
	AssignmentConfirmed AssignmentStatus = "Confirmed"
	AssignmentDeclined  AssignmentStatus = "Declined"
	AssignmentCancelled AssignmentStatus = "Cancelled"
	AssignmentCompleted AssignmentStatus = "Completed"
)

var assignmentStatuses = []AssignmentStatus{AssignmentPending, AssignmentConfirmed, AssignmentDeclined, AssignmentCancelled, AssignmentCompleted}

func (s AssignmentStatus) IsValid() bool {
	for _, v := range assignmentStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsActive reports whether the assignment still binds its rider to the request
func (s AssignmentStatus) IsActive() bool {
	return s != AssignmentCancelled
}

// IsTerminal reports whether no rider response may change the assignment
func (s AssignmentStatus) IsTerminal() bool {
	return s == AssignmentCancelled || s == AssignmentCompleted
}

func ParseAssignmentStatus(s string) (AssignmentStatus, error) {
	for _, v := range assignmentStatuses {
		if strings.EqualFold(strings.TrimSpace(s), string(v)) {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown assignment status %q", s)
}

// AvailabilityStatus is what a rider declared for an interval
type AvailabilityStatus string

const (
	Available   AvailabilityStatus = "Available"
	Unavailable AvailabilityStatus = "Unavailable"
	Busy        AvailabilityStatus = "Busy"
)

// Blocks reports whether the interval prevents assignment
func (s AvailabilityStatus) Blocks() bool {
	return s == Unavailable || s == Busy
}

func ParseAvailabilityStatus(s string) (AvailabilityStatus, error) {
	for _, v := range []AvailabilityStatus{Available, Unavailable, Busy} {
		if strings.EqualFold(strings.TrimSpace(s), string(v)) {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown availability status %q", s)
}

// RiderStatus marks whether a rider may receive new assignments
type RiderStatus string

const (
	RiderActive   RiderStatus = "Active"
	RiderInactive RiderStatus = "Inactive"
)

// ParseRiderStatus parses a roster status. The roster leaves the column blank
// for ordinary active riders.
func ParseRiderStatus(s string) (RiderStatus, error) {
	switch {
	case strings.TrimSpace(s) == "", strings.EqualFold(strings.TrimSpace(s), string(RiderActive)):
		return RiderActive, nil
	case strings.EqualFold(strings.TrimSpace(s), string(RiderInactive)):
		return RiderInactive, nil
	}
	return "", fmt.Errorf("unknown rider status %q", s)
}

// Action is the transition a rider asks for
type Action string

const (
	ActionConfirm Action = "confirm"
	ActionDecline Action = "decline"
)

func (a Action) IsValid() bool {
	return a == ActionConfirm || a == ActionDecline
}

// Target returns the assignment status the action moves to
func (a Action) Target() AssignmentStatus {
	if a == ActionDecline {
		return AssignmentDeclined
	}
	return AssignmentConfirmed
}

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if !a.IsValid() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// Source identifies how a confirmation event arrived
type Source string

const (
	SourceToken          Source = "Token"
	SourceInboundMessage Source = "InboundMessage"
)

// LogOutcome is how a confirmation event was handled, as recorded in the response log
type LogOutcome string

const (
	LogApplied    LogOutcome = "applied"
	LogIgnored    LogOutcome = "ignored"
	LogUnresolved LogOutcome = "unresolved"
	LogRejected   LogOutcome = "rejected"
)

// TokenOutcome records why a token stopped being redeemable
type TokenOutcome string

const (
	TokenUsed    TokenOutcome = "used"
	TokenExpired TokenOutcome = "expired"
)
