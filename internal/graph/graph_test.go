package graph

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		BaseURL:       srv.URL,
		TokenProvider: StaticToken("test-token"),
		MaxRetries:    2,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
	})
}

func TestTable_ListRows(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/drives/d1/items/i1/workbook/tables/Pallets/rows", r.URL.Path)
		_, _ = io.WriteString(w, `{"value":[
			{"index":0,"values":[["T1","J100",2,"P1","","","New","alice",45292,"rail, cap","","first"]]},
			{"index":1,"values":[["T2","J100",2,"P2","","","Done","",null,"","",""]]}
		]}`)
	})

	rows, err := NewTable(c, "d1", "i1", "Pallets").ListRows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "0", rows[0].ID)
	assert.Equal(t, "2", rows[0].Values[ColReleaseNumber], "whole numbers render without a decimal")

	task, err := RowToTask(rows[0])
	require.NoError(t, err)
	assert.Equal(t, "T1", task.TaskID)
	assert.Equal(t, domain.StatusNew, task.Status)
	assert.Equal(t, "2024-01-01", task.DueDate, "serial day numbers become dates")
	assert.Equal(t, []string{"rail", "cap"}, task.Accessories)
}

func TestClient_RetriesThrottling(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, `{"value":[]}`)
	})

	rows, err := NewTable(c, "", "i1", "Pallets").ListRows(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_ProviderError(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"code":"serviceNotAvailable","message":"try later"}}`)
	})

	_, err := NewTable(c, "", "i1", "Pallets").ListRows(context.Background())
	require.Error(t, err)
	var perr *domain.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusServiceUnavailable, perr.StatusCode)
	assert.Equal(t, "serviceNotAvailable", perr.Code)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "one try plus two retries")
}

func TestClient_NotFoundIsNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetSubscription(context.Background(), "sub-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_ClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":"InvalidRequest","message":"bad expiry"}}`)
	})

	_, err := c.CreateSubscription(context.Background(), RemoteSubscription{Resource: "/me/drive/root"})
	assert.ErrorIs(t, err, domain.ErrProvider)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_PostRetryPolicy(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
	}{
		{name: "server error is not resent", status: http.StatusServiceUnavailable, wantCalls: 1},
		{name: "bad gateway is not resent", status: http.StatusBadGateway, wantCalls: 1},
		{name: "throttling is resent", status: http.StatusTooManyRequests, wantCalls: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				atomic.AddInt32(&calls, 1)
				w.Header().Set("Retry-After", "0")
				w.WriteHeader(tt.status)
			})

			_, err := NewTable(c, "", "i1", "Pallets").InsertRow(context.Background(), make([]string, ColumnCount), nil)
			assert.ErrorIs(t, err, domain.ErrProvider)
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestClient_PostResentWhenDialFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := NewClient(Options{
		BaseURL:       addr,
		TokenProvider: StaticToken("test-token"),
		MaxRetries:    1,
		BaseDelay:     time.Millisecond,
		MaxDelay:      time.Millisecond,
	})
	_, err := c.CreateSubscription(context.Background(), RemoteSubscription{Resource: "/me/drive/root"})
	require.Error(t, err)

	assert.True(t, resendable(http.MethodPost, &net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.False(t, resendable(http.MethodPost, &net.OpError{Op: "read", Err: errors.New("reset")}))
	assert.True(t, resendable(http.MethodPatch, errors.New("unexpected EOF")))
	assert.False(t, retryable(http.MethodDelete, http.StatusInternalServerError))
	assert.True(t, retryable(http.MethodGet, http.StatusInternalServerError))
}

func TestTable_UpdateAndInsertRow(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = io.WriteString(w, `{"index":4,"values":[["T9","","","","","","New","","","","",""]]}`)
	})
	table := NewTable(c, "", "i1", "Pallets")

	values := TaskToValues(domain.Task{TaskID: "T9", Status: domain.StatusInProgress, Accessories: []string{"rail", "cap"}})
	assert.Equal(t, "In Progress", values[ColStatus])
	assert.Equal(t, "rail, cap", values[ColAccessories])

	_, err := table.UpdateRow(context.Background(), 4, values)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/me/drive/items/i1/workbook/tables/Pallets/rows/itemAt(index=4)", gotPath)

	row, err := table.InsertRow(context.Background(), values, nil)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Nil(t, gotBody["index"])
	assert.Equal(t, 4, row.Index)

	_, err = table.InsertRow(context.Background(), values[:3], nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestTable_FindRow(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"value":[{"index":0,"values":[["T1"]]},{"index":1,"values":[["T2"]]}]}`)
	})
	table := NewTable(c, "", "i1", "Pallets")

	row, err := table.FindRow(context.Background(), "T2")
	require.NoError(t, err)
	assert.Equal(t, 1, row.Index)

	_, err = table.FindRow(context.Background(), "T3")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRowToTask_Validation(t *testing.T) {
	tests := []struct {
		name      string
		values    []string
		wantID    string
		wantField string
	}{
		{name: "blank id", values: []string{"  "}, wantField: "taskId"},
		{name: "id with space", values: []string{"T 1"}, wantField: "taskId"},
		{name: "unknown status keeps id", values: []string{"T1", "", "", "", "", "", "Lost"}, wantID: "T1", wantField: "status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := RowToTask(domain.ExternalRow{Values: tt.values})
			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.wantField, verr.Field)
			assert.Equal(t, tt.wantID, task.TaskID)
		})
	}
}

func TestCapLifetime(t *testing.T) {
	assert.Equal(t, MaxDriveItemLifetime, CapLifetime(0))
	assert.Equal(t, MaxDriveItemLifetime, CapLifetime(60*24*time.Hour))
	assert.Equal(t, 72*time.Hour, CapLifetime(72*time.Hour))
}

func TestClient_RenewSubscription(t *testing.T) {
	expires := time.Date(2026, 10, 20, 12, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/subscriptions/sub-1", r.URL.Path)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "2026-10-20T12:00:00Z", body["expirationDateTime"])
		_ = json.NewEncoder(w).Encode(RemoteSubscription{ID: "sub-1", ExpirationDateTime: expires})
	})

	got, err := c.RenewSubscription(context.Background(), "sub-1", expires)
	require.NoError(t, err)
	assert.True(t, got.ExpirationDateTime.Equal(expires))
}
