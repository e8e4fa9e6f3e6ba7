package model

import (
	"fmt"
	"strings"
	"time"
)

const (
	DateLayout      = "2006-01-02"
	ClockLayout     = "15:04"
	TimestampLayout = time.RFC3339
)

var clockLayouts = []string{"15:04", "15:04:05", "3:04 PM", "3:04PM", "3:04 pm", "3:04pm", "3PM", "3 PM"}

// Window is a half-open [Start, End) interval on one calendar date
type Window struct {
	Date  string
	Start time.Time
	End   time.Time
}

// ParseClock accepts 24 hour and 12 hour clock times and returns the hour and minute
func ParseClock(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, strings.ToUpper(s)); err == nil {
			return t.Hour(), t.Minute(), nil
		}
	}
	return 0, 0, fmt.Errorf("malformed time %q", s)
}

// NewWindow builds the window for a date and clock range in loc. Blank start
// and end times cover the whole day.
func NewWindow(date, start, end string, loc *time.Location) (Window, error) {
	if loc == nil {
		loc = time.UTC
	}

	day, err := time.ParseInLocation(DateLayout, strings.TrimSpace(date), loc)
	if err != nil {
		return Window{}, fmt.Errorf("malformed date %q", date)
	}

	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" && end == "" {
		return Window{Date: day.Format(DateLayout), Start: day, End: day.AddDate(0, 0, 1)}, nil
	}
	if start == "" || end == "" {
		return Window{}, fmt.Errorf("start and end time must both be set or both be blank")
	}

	sh, sm, err := ParseClock(start)
	if err != nil {
		return Window{}, err
	}
	eh, em, err := ParseClock(end)
	if err != nil {
		return Window{}, err
	}

	w := Window{
		Date:  day.Format(DateLayout),
		Start: time.Date(day.Year(), day.Month(), day.Day(), sh, sm, 0, 0, loc),
		End:   time.Date(day.Year(), day.Month(), day.Day(), eh, em, 0, 0, loc),
	}
	if !w.End.After(w.Start) {
		return Window{}, fmt.Errorf("end time %s must be after start time %s", end, start)
	}
	return w, nil
}

// Overlaps reports whether two windows share any instant. Touching windows do not overlap.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// WholeDay reports whether the window spans its full date
func (w Window) WholeDay() bool {
	return w.Start.Hour() == 0 && w.Start.Minute() == 0 && w.End.Equal(w.Start.AddDate(0, 0, 1))
}

// StartClock returns the stored start time, blank for whole-day windows
func (w Window) StartClock() string {
	if w.WholeDay() {
		return ""
	}
	return w.Start.Format(ClockLayout)
}

// EndClock returns the stored end time, blank for whole-day windows
func (w Window) EndClock() string {
	if w.WholeDay() {
		return ""
	}
	return w.End.Format(ClockLayout)
}

func (w Window) String() string {
	if w.WholeDay() {
		return w.Date + " (all day)"
	}
	return fmt.Sprintf("%s %s-%s", w.Date, w.StartClock(), w.EndClock())
}

// FormatTimestamp renders t for storage, blank for the zero time
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a stored timestamp, returning the zero time for a blank cell
func ParseTimestamp(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(TimestampLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp %q", s)
	}
	return t, nil
}
