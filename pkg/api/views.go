package api

import (
	"github.com/jakechorley/escort-dispatch/pkg/core/assignment"
	"github.com/jakechorley/escort-dispatch/pkg/core/model"
	"github.com/jakechorley/escort-dispatch/pkg/core/reconcile"
	"github.com/jakechorley/escort-dispatch/pkg/core/tokens"
)

type requestView struct {
	ID               string   `json:"id"`
	Window           string   `json:"window"`
	Status           string   `json:"status"`
	RidersNeeded     int      `json:"ridersNeeded"`
	AssignedRiderIDs []string `json:"assignedRiderIds"`
	LastModified     string   `json:"lastModified,omitempty"`
}

type assignmentView struct {
	ID          string `json:"id"`
	RequestID   string `json:"requestId"`
	RiderID     string `json:"riderId"`
	Status      string `json:"status"`
	Override    bool   `json:"override,omitempty"`
	ConfirmedAt string `json:"confirmedAt,omitempty"`
	DeclinedAt  string `json:"declinedAt,omitempty"`
	CancelledAt string `json:"cancelledAt,omitempty"`
}

type assignResponse struct {
	Request  requestView      `json:"request"`
	Added    []assignmentView `json:"added"`
	Removed  []assignmentView `json:"removed"`
	Kept     []assignmentView `json:"kept"`
	Links    []tokens.Links   `json:"links"`
	Warnings []string         `json:"warnings,omitempty"`
	Changed  bool             `json:"changed"`
}

type lifecycleResponse struct {
	Request     requestView      `json:"request"`
	Assignments []assignmentView `json:"assignments"`
	Warnings    []string         `json:"warnings,omitempty"`
	Changed     bool             `json:"changed"`
}

type suggestionView struct {
	RiderID  string `json:"riderId"`
	Name     string `json:"name"`
	WeekLoad int    `json:"weekLoad"`
}

type reconcileResponse struct {
	Outcome    string         `json:"outcome"`
	Previous   string         `json:"previousStatus,omitempty"`
	Assignment assignmentView `json:"assignment"`
	LogID      string         `json:"logId,omitempty"`
}

func toRequestView(r model.Request) requestView {
	ids := r.AssignedRiderIDs
	if ids == nil {
		ids = []string{}
	}
	return requestView{
		ID:               r.ID,
		Window:           r.Window.String(),
		Status:           string(r.Status),
		RidersNeeded:     r.RidersNeeded,
		AssignedRiderIDs: ids,
		LastModified:     model.FormatTimestamp(r.LastModified),
	}
}

func toAssignmentViews(as []model.Assignment) []assignmentView {
	out := make([]assignmentView, 0, len(as))
	for _, a := range as {
		out = append(out, toAssignmentView(a))
	}
	return out
}

func toAssignmentView(a model.Assignment) assignmentView {
	return assignmentView{
		ID:          a.ID,
		RequestID:   a.RequestID,
		RiderID:     a.RiderID,
		Status:      string(a.Status),
		Override:    a.Override,
		ConfirmedAt: model.FormatTimestamp(a.ConfirmedAt),
		DeclinedAt:  model.FormatTimestamp(a.DeclinedAt),
		CancelledAt: model.FormatTimestamp(a.CancelledAt),
	}
}

func toAssignResponse(res *assignment.AssignResult) assignResponse {
	links := res.Links
	if links == nil {
		links = []tokens.Links{}
	}
	return assignResponse{
		Request:  toRequestView(res.Request),
		Added:    toAssignmentViews(res.Added),
		Removed:  toAssignmentViews(res.Removed),
		Kept:     toAssignmentViews(res.Kept),
		Links:    links,
		Warnings: res.Warnings,
		Changed:  res.Changed,
	}
}

func toLifecycleResponse(res *assignment.LifecycleResult) lifecycleResponse {
	return lifecycleResponse{
		Request:     toRequestView(res.Request),
		Assignments: toAssignmentViews(res.Assignments),
		Warnings:    res.Warnings,
		Changed:     res.Changed,
	}
}

func toReconcileResponse(res *reconcile.Result) reconcileResponse {
	return reconcileResponse{
		Outcome:    string(res.Outcome),
		Previous:   string(res.Previous),
		Assignment: toAssignmentView(res.Assignment),
		LogID:      res.LogID,
	}
}
