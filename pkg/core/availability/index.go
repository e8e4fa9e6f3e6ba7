// Package availability answers whether a rider is free for a window, from a
// snapshot of availability entries and assignments.
package availability

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/jakechorley/escort-dispatch/pkg/core/model"
)

// Source says where a blocking interval came from
type Source string

const (
	SourceAvailability Source = "availability"
	SourceAssignment   Source = "assignment"
	SourceBlackout     Source = "blackout"
)

// Interval is a half-open [Start, End) period during which a rider cannot take work
type Interval struct {
	RiderID string
	Start   time.Time
	End     time.Time
	Source  Source
	// RefID is the availability entry, assignment or blackout rule behind the interval
	RefID  string
	Status string
}

// Detail renders the interval for a conflict error
func (iv Interval) Detail(loc *time.Location) model.ConflictDetail {
	start, end := iv.Start.In(loc), iv.End.In(loc)
	d := model.ConflictDetail{
		RiderID: iv.RiderID,
		Source:  string(iv.Source),
		RefID:   iv.RefID,
		Date:    start.Format(model.DateLayout),
	}
	if !(start.Hour() == 0 && start.Minute() == 0 && end.Equal(start.AddDate(0, 0, 1))) {
		d.Start = start.Format(model.ClockLayout)
		d.End = end.Format(model.ClockLayout)
	}
	return d
}

type span struct {
	start, end time.Time
}

type recurring struct {
	entry    model.AvailabilityEntry
	opt      rrule.ROption
	duration time.Duration
}

type blackout struct {
	rule string
	opt  rrule.ROption
}

type options struct {
	excludeRequest string
	loc            *time.Location
	blackouts      []string
}

type Option func(*options)

// ExcludeRequest leaves out assignments of the request being edited
func ExcludeRequest(requestID string) Option {
	return func(o *options) { o.excludeRequest = requestID }
}

// WithLocation sets the zone that whole-day entries and blackouts are resolved in
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		if loc != nil {
			o.loc = loc
		}
	}
}

// WithBlackouts blocks every rider on each day matched by one of the RRULEs
func WithBlackouts(rules []string) Option {
	return func(o *options) { o.blackouts = rules }
}

// Index holds per-rider blocking intervals. It is built from one snapshot and
// must not outlive the operation that loaded it.
type Index struct {
	loc       *time.Location
	fixed     map[string][]Interval
	merged    map[string][]span
	recurring map[string][]recurring
	blackouts []blackout
}

// Build indexes the blocking availability entries and the non-cancelled
// assignments. Available entries and cancelled assignments never block.
func Build(entries []model.AvailabilityEntry, assignments []model.Assignment, opts ...Option) (*Index, error) {
	o := options{loc: time.UTC}
	for _, opt := range opts {
		opt(&o)
	}

	idx := &Index{
		loc:       o.loc,
		fixed:     make(map[string][]Interval),
		merged:    make(map[string][]span),
		recurring: make(map[string][]recurring),
	}

	for _, e := range entries {
		if !e.Status.Blocks() {
			continue
		}
		if e.Window.Start.IsZero() || !e.Window.End.After(e.Window.Start) {
			return nil, fmt.Errorf("availability %s has an empty window", e.ID)
		}
		if e.Recurrence != "" {
			opt, err := parseRule(e.Recurrence)
			if err != nil {
				return nil, fmt.Errorf("availability %s: %w", e.ID, err)
			}
			opt.Dtstart = e.Window.Start
			idx.recurring[e.RiderID] = append(idx.recurring[e.RiderID], recurring{
				entry:    e,
				opt:      *opt,
				duration: e.Window.End.Sub(e.Window.Start),
			})
			continue
		}
		idx.fixed[e.RiderID] = append(idx.fixed[e.RiderID], Interval{
			RiderID: e.RiderID,
			Start:   e.Window.Start,
			End:     e.Window.End,
			Source:  SourceAvailability,
			RefID:   e.ID,
			Status:  string(e.Status),
		})
	}

	for _, a := range assignments {
		if !a.Status.IsActive() {
			continue
		}
		if o.excludeRequest != "" && a.RequestID == o.excludeRequest {
			continue
		}
		idx.fixed[a.RiderID] = append(idx.fixed[a.RiderID], Interval{
			RiderID: a.RiderID,
			Start:   a.Window.Start,
			End:     a.Window.End,
			Source:  SourceAssignment,
			RefID:   a.ID,
			Status:  string(a.Status),
		})
	}

	for i, r := range o.blackouts {
		opt, err := ParseBlackout(r, o.loc)
		if err != nil {
			return nil, fmt.Errorf("blackout rule %d: %w", i, err)
		}
		idx.blackouts = append(idx.blackouts, blackout{rule: r, opt: opt})
	}

	for rider, ivs := range idx.fixed {
		sort.Slice(ivs, func(i, j int) bool { return ivs[i].Start.Before(ivs[j].Start) })
		idx.merged[rider] = merge(ivs)
	}

	return idx, nil
}

func parseRule(s string) (*rrule.ROption, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "RRULE:"), "rrule:")
	opt, err := rrule.StrToROption(s)
	if err != nil {
		return nil, fmt.Errorf("invalid recurrence %q: %w", s, err)
	}
	return opt, nil
}

// blackoutEpoch anchors blackout rules that carry no DTSTART. Only rules
// whose occurrences do not depend on their start may omit one.
var blackoutEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// ParseBlackout parses an organisation-wide blackout rule, for example
// "FREQ=YEARLY;BYMONTH=12;BYMONTHDAY=25" or
// "DTSTART=20250301;FREQ=WEEKLY;INTERVAL=2;BYDAY=SA". DTSTART is required when
// INTERVAL or COUNT is set, or when no BY* part fixes the days.
func ParseBlackout(rule string, loc *time.Location) (rrule.ROption, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := strings.TrimSpace(rule)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "RRULE:"), "rrule:")
	opt, err := rrule.StrToROptionInLocation(s, loc)
	if err != nil {
		return rrule.ROption{}, fmt.Errorf("invalid recurrence %q: %w", s, err)
	}

	if opt.Dtstart.IsZero() {
		if dependsOnStart(opt) {
			return rrule.ROption{}, fmt.Errorf("recurrence %q needs a DTSTART", s)
		}
		opt.Dtstart = blackoutEpoch
	}
	// whole days in loc, whatever zone DTSTART was written in
	y, m, d := opt.Dtstart.Date()
	opt.Dtstart = time.Date(y, m, d, 0, 0, 0, 0, loc)
	return *opt, nil
}

func dependsOnStart(opt *rrule.ROption) bool {
	if opt.Interval > 1 || opt.Count > 0 {
		return true
	}
	if opt.Freq == rrule.DAILY {
		return false
	}
	fixed := len(opt.Byweekday) + len(opt.Bymonthday) + len(opt.Byyearday) +
		len(opt.Byweekno) + len(opt.Byeaster) + len(opt.Bysetpos)
	if opt.Freq == rrule.YEARLY {
		fixed += len(opt.Bymonth)
	}
	return fixed == 0
}

// merge collapses overlapping intervals. Touching intervals stay separate,
// which does not change any overlap answer.
func merge(ivs []Interval) []span {
	var out []span
	for _, iv := range ivs {
		if n := len(out); n > 0 && iv.Start.Before(out[n-1].end) {
			if iv.End.After(out[n-1].end) {
				out[n-1].end = iv.End
			}
			continue
		}
		out = append(out, span{start: iv.Start, end: iv.End})
	}
	return out
}

// HasConflict reports whether any blocking interval overlaps w
func (idx *Index) HasConflict(riderID string, w model.Window) bool {
	spans := idx.merged[riderID]
	// first span ending after the window starts
	i := sort.Search(len(spans), func(i int) bool { return spans[i].end.After(w.Start) })
	if i < len(spans) && spans[i].start.Before(w.End) {
		return true
	}
	return len(idx.expand(riderID, w.Start, w.End)) > 0
}

// Conflicts lists every blocking interval overlapping w
func (idx *Index) Conflicts(riderID string, w model.Window) []Interval {
	return idx.Intervals(riderID, w.Start, w.End)
}

// Intervals returns the blocking intervals overlapping [from, to), sorted by start
func (idx *Index) Intervals(riderID string, from, to time.Time) []Interval {
	var out []Interval
	for _, iv := range idx.fixed[riderID] {
		if iv.Start.Before(to) && from.Before(iv.End) {
			out = append(out, iv)
		}
	}
	out = append(out, idx.expand(riderID, from, to)...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (idx *Index) expand(riderID string, from, to time.Time) []Interval {
	var out []Interval

	for _, r := range idx.recurring[riderID] {
		rule, err := rrule.NewRRule(r.opt)
		if err != nil {
			continue
		}
		for _, occ := range rule.Between(from.Add(-r.duration), to, true) {
			end := occ.Add(r.duration)
			if occ.Before(to) && from.Before(end) {
				out = append(out, Interval{
					RiderID: riderID,
					Start:   occ,
					End:     end,
					Source:  SourceAvailability,
					RefID:   r.entry.ID,
					Status:  string(r.entry.Status),
				})
			}
		}
	}

	if len(idx.blackouts) == 0 {
		return out
	}
	first := dayStart(from.In(idx.loc)).AddDate(0, 0, -1)
	for _, b := range idx.blackouts {
		rule, err := rrule.NewRRule(b.opt)
		if err != nil {
			continue
		}
		for _, occ := range rule.Between(first, to, true) {
			start := dayStart(occ.In(idx.loc))
			end := start.AddDate(0, 0, 1)
			if start.Before(to) && from.Before(end) {
				out = append(out, Interval{
					RiderID: riderID,
					Start:   start,
					End:     end,
					Source:  SourceBlackout,
					RefID:   b.rule,
				})
			}
		}
	}
	return out
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
