package sheetsclient

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test"})
	c, err := NewClient(t.Context(), ts, option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	c.backoff = time.Millisecond
	return c
}

func TestBatchUpdateValues_SendsOneRequest(t *testing.T) {
	var calls int
	var body sheets.BatchUpdateValuesRequest

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/v4/spreadsheets/sheet-1/values:batchUpdate")
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"spreadsheetId":"sheet-1"}`))
	})

	err := c.BatchUpdateValues("sheet-1", []*sheets.ValueRange{
		{Range: "assignment!A3:B4", Values: [][]interface{}{{"a1", "Q1"}, {"", ""}}},
		{Range: "request!A3:B3", Values: [][]interface{}{{"Q1", "Assigned"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, "RAW", body.ValueInputOption)
	require.Len(t, body.Data, 2)
	assert.Equal(t, "assignment!A3:B4", body.Data[0].Range)
}

func TestBatchUpdateValues_GivesUpAfterRetries(t *testing.T) {
	var calls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"message":"quota"}}`))
	})

	err := c.BatchUpdateValues("sheet-1", []*sheets.ValueRange{{Range: "request!A3:A3"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to batch update values")
	assert.Equal(t, defaultAttempts, calls)
}

func TestGetValues_RetriesQuotaThenSucceeds(t *testing.T) {
	var calls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"code":429,"message":"quota"}}`))
			return
		}
		w.Write([]byte(`{"range":"rider!A1:B2","values":[["id","name"],["R1","Alice"]]}`))
	})

	values, err := c.GetValues("sheet-1", "rider!A1:B2")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, values, 2)
	assert.Equal(t, "Alice", values[1][1])
}

func TestGetValues_DoesNotRetryClientErrors(t *testing.T) {
	var calls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":404,"message":"not found"}}`))
	})

	_, err := c.GetValues("sheet-1", "missing!A1:A1")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestListSheets_ReturnsTitles(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sheets.properties.title", r.URL.Query().Get("fields"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sheets":[{"properties":{"title":"request"}},{"properties":{"title":"rider"}}]}`))
	})

	titles, err := c.ListSheets("sheet-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"request", "rider"}, titles)
}
