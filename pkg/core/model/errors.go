package model

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error so transports can map it without inspecting messages
type Kind string

const (
	KindValidation          Kind = "validation"
	KindConflict            Kind = "conflict"
	KindConcurrency         Kind = "concurrency"
	KindToken               Kind = "token"
	KindStore               Kind = "store"
	KindUnresolvedReference Kind = "unresolved_reference"
)

// TokenReason explains why a token was refused
type TokenReason string

const (
	ReasonInvalid     TokenReason = "invalid"
	ReasonExpired     TokenReason = "expired"
	ReasonAlreadyUsed TokenReason = "already_used"
)

// ConflictDetail names one interval that blocks a rider
type ConflictDetail struct {
	RiderID string `json:"riderId"`
	Source  string `json:"source"`
	RefID   string `json:"refId"`
	Date    string `json:"date"`
	Start   string `json:"start,omitempty"`
	End     string `json:"end,omitempty"`
}

// Error is the error type returned by every core operation
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Riders    []string
	Conflicts []ConflictDetail
	Reason    TokenReason
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if len(e.Riders) > 0 {
		fmt.Fprintf(&b, " (riders: %s)", strings.Join(e.Riders, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func ValidationError(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// ConflictError lists the riders whose schedule blocks the requested window
func ConflictError(op string, conflicts []ConflictDetail) *Error {
	var riders []string
	seen := make(map[string]struct{})
	for _, c := range conflicts {
		if _, ok := seen[c.RiderID]; ok {
			continue
		}
		seen[c.RiderID] = struct{}{}
		riders = append(riders, c.RiderID)
	}
	return &Error{
		Kind:      KindConflict,
		Op:        op,
		Message:   "riders are unavailable or already assigned",
		Riders:    riders,
		Conflicts: conflicts,
	}
}

func ConcurrencyError(op string, err error) *Error {
	return &Error{Kind: KindConcurrency, Op: op, Message: "record is busy, retry later", Err: err}
}

func TokenError(op string, reason TokenReason) *Error {
	return &Error{Kind: KindToken, Op: op, Message: "token " + strings.ReplaceAll(string(reason), "_", " "), Reason: reason}
}

func StoreError(op string, err error) *Error {
	return &Error{Kind: KindStore, Op: op, Message: "record store failure", Err: err}
}

func UnresolvedError(op, format string, args ...any) *Error {
	return &Error{Kind: KindUnresolvedReference, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func TokenReasonOf(err error) TokenReason {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindToken {
		return e.Reason
	}
	return ""
}

func ConflictsOf(err error) []ConflictDetail {
	var e *Error
	if errors.As(err, &e) {
		return e.Conflicts
	}
	return nil
}

// Retryable reports whether repeating the call unchanged may succeed
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindConcurrency || k == KindStore
}
