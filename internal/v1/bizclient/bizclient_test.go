package bizclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitGiftBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/internal/gifts/batch", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Internal-Key"))
		var body struct {
			Transactions []GiftTransaction `json:"transactions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Transactions, 1)

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(GiftBatchResult{Processed: 1})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")
	result, err := c.SubmitGiftBatch(context.Background(), []GiftTransaction{{TransactionID: "tx-1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
}

func TestReportRoomStatus_ErrorsAreSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")
	assert.NotPanics(t, func() {
		c.ReportRoomStatus(context.Background(), "room-1", true, 3, nil)
	})
}

func TestGetRoom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/internal/rooms/room-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(RoomInfo{OwnerID: 99})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")
	info, err := c.GetRoom(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, int64(99), info.OwnerID)
}

func TestGetRoom_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")
	_, err := c.GetRoom(context.Background(), "missing")
	assert.Error(t, err)
}
