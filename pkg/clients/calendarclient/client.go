package calendarclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Client wraps the Google Calendar API client for a single calendar
type Client struct {
	service    *calendar.Service
	calendarID string
}

// Event is a timed calendar entry keyed by a caller-chosen identifier
type Event struct {
	Key         string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
}

// NewClient creates a new Calendar client from a shared token source
func NewClient(ctx context.Context, ts oauth2.TokenSource, calendarID string, opts ...option.ClientOption) (*Client, error) {
	service, err := calendar.NewService(ctx, append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	if calendarID == "" {
		calendarID = "primary"
	}

	return &Client{
		service:    service,
		calendarID: calendarID,
	}, nil
}

// EventID derives a stable Calendar event id from key. Calendar ids must use
// base32hex characters, which hex digits satisfy.
func EventID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "esc" + hex.EncodeToString(sum[:16])
}

// UpsertEvent updates the event derived from ev.Key, creating it on first use
func (c *Client) UpsertEvent(ctx context.Context, ev Event) error {
	id := EventID(ev.Key)
	body := &calendar.Event{
		Id:          id,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339)},
	}

	_, err := c.service.Events.Update(c.calendarID, id, body).Context(ctx).Do()
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusNotFound {
		return fmt.Errorf("failed to update event %s: %w", id, err)
	}

	if _, err := c.service.Events.Insert(c.calendarID, body).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to insert event %s: %w", id, err)
	}
	return nil
}
