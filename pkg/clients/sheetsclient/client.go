package sheetsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 250 * time.Millisecond
)

// Client wraps the Google Sheets API. Calls rejected for quota or a transient
// server error are retried a few times with exponential backoff.
type Client struct {
	service  *sheets.Service
	ctx      context.Context
	attempts int
	backoff  time.Duration
}

// NewClient creates a new Sheets client from a shared token source
func NewClient(ctx context.Context, ts oauth2.TokenSource, opts ...option.ClientOption) (*Client, error) {
	service, err := sheets.NewService(ctx, append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	return &Client{
		service:  service,
		ctx:      ctx,
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
	}, nil
}

// GetValues reads values from a spreadsheet range
func (c *Client) GetValues(spreadsheetID, sheetRange string) ([][]interface{}, error) {
	var resp *sheets.ValueRange
	err := c.retry(func() (err error) {
		resp, err = c.service.Spreadsheets.Values.Get(spreadsheetID, sheetRange).Context(c.ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get values for %s: %w", sheetRange, err)
	}
	return resp.Values, nil
}

// AppendRows appends rows after the last filled row of a range. Appends are
// not idempotent so they are never retried.
func (c *Client) AppendRows(spreadsheetID, sheetRange string, values [][]interface{}) error {
	_, err := c.service.Spreadsheets.Values.Append(spreadsheetID, sheetRange, &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		Context(c.ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to append rows to %s: %w", sheetRange, err)
	}
	return nil
}

// BatchUpdateValues writes every range in one request. The API applies the
// request as a whole: either all ranges are written or none are.
func (c *Client) BatchUpdateValues(spreadsheetID string, data []*sheets.ValueRange) error {
	req := &sheets.BatchUpdateValuesRequest{ValueInputOption: "RAW", Data: data}
	err := c.retry(func() error {
		_, err := c.service.Spreadsheets.Values.BatchUpdate(spreadsheetID, req).Context(c.ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to batch update values: %w", err)
	}
	return nil
}

// CreateSheet adds a tab to the spreadsheet and returns its sheet id
func (c *Client) CreateSheet(spreadsheetID, sheetTitle string) (int64, error) {
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: sheetTitle}},
		}},
	}

	resp, err := c.service.Spreadsheets.BatchUpdate(spreadsheetID, req).Context(c.ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("failed to create sheet %s: %w", sheetTitle, err)
	}
	if len(resp.Replies) == 0 || resp.Replies[0].AddSheet == nil {
		return 0, errors.New("unexpected response from create sheet")
	}
	return resp.Replies[0].AddSheet.Properties.SheetId, nil
}

// ListSheets returns the titles of every tab in the spreadsheet
func (c *Client) ListSheets(spreadsheetID string) ([]string, error) {
	var resp *sheets.Spreadsheet
	err := c.retry(func() (err error) {
		resp, err = c.service.Spreadsheets.Get(spreadsheetID).Fields("sheets.properties.title").Context(c.ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get spreadsheet: %w", err)
	}

	titles := make([]string, 0, len(resp.Sheets))
	for _, s := range resp.Sheets {
		if s.Properties != nil {
			titles = append(titles, s.Properties.Title)
		}
	}
	return titles, nil
}

func (c *Client) retry(call func() error) error {
	wait := c.backoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = call(); err == nil || !transient(err) || attempt >= c.attempts {
			return err
		}
		select {
		case <-c.ctx.Done():
			return err
		case <-time.After(wait):
		}
		wait *= 2
	}
}

// transient reports whether the API refused the call for quota or a server fault
func transient(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return true
	}
	return false
}
