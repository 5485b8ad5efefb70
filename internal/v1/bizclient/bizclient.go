// Package bizclient is the HTTP client to the business backend: gift batch
// settlement, room liveness/participant-count reporting, and owner lookup.
package bizclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const requestTimeout = 10 * time.Second

// GiftTransaction is one entry of a gift-batch request.
type GiftTransaction struct {
	TransactionID string `json:"transaction_id"`
	RoomID        string `json:"room_id"`
	SenderID      int64  `json:"sender_id"`
	RecipientID   int64  `json:"recipient_id"`
	GiftID        int64  `json:"gift_id"`
	Quantity      int64  `json:"quantity"`
	Timestamp     string `json:"timestamp"`
}

// GiftBatchResult is the response to a gift-batch request.
type GiftBatchResult struct {
	Processed int `json:"processed"`
	Failed    []struct {
		TransactionID string `json:"transaction_id"`
		Error         string `json:"error"`
		SenderID      int64  `json:"sender_id"`
	} `json:"failed"`
}

// RoomInfo is the response to a room lookup.
type RoomInfo struct {
	OwnerID int64 `json:"owner_id"`
}

// Client calls the business backend's internal API, circuit-breaker protected.
type Client struct {
	baseURL     string
	internalKey string
	http        *http.Client
	cb          *gobreaker.CircuitBreaker
}

// New constructs a Client.
func New(baseURL, internalKey string) *Client {
	st := gobreaker.Settings{
		Name:        "bizclient",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("bizclient").Set(v)
		},
	}
	return &Client{
		baseURL:     baseURL,
		internalKey: internalKey,
		http:        &http.Client{Timeout: requestTimeout},
		cb:          gobreaker.NewCircuitBreaker(st),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.cb.Execute(func() (any, error) {
		var reader *bytes.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("marshal request: %w", err)
			}
			reader = bytes.NewReader(raw)
		} else {
			reader = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Internal-Key", c.internalKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("biz backend request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("biz backend returned status %d", resp.StatusCode)
		}
		if out != nil && resp.StatusCode != http.StatusNoContent {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("decode biz backend response: %w", err)
			}
		}
		return nil, nil
	})
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("bizclient").Inc()
	}
	return err
}

// SubmitGiftBatch posts a batch of gift transactions for settlement.
func (c *Client) SubmitGiftBatch(ctx context.Context, txns []GiftTransaction) (*GiftBatchResult, error) {
	var out GiftBatchResult
	body := struct {
		Transactions []GiftTransaction `json:"transactions"`
	}{Transactions: txns}
	if err := c.do(ctx, http.MethodPost, "/api/v1/internal/gifts/batch", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportRoomStatus notifies the backend of a room's liveness and size,
// fire-and-forget from the caller's perspective (errors are logged, not propagated
// to the triggering client event).
func (c *Client) ReportRoomStatus(ctx context.Context, roomID string, isLive bool, participantCount int, closedAt *time.Time) {
	body := struct {
		IsLive           bool    `json:"is_live"`
		ParticipantCount int     `json:"participant_count"`
		ClosedAt         *string `json:"closed_at,omitempty"`
	}{IsLive: isLive, ParticipantCount: participantCount}
	if closedAt != nil {
		s := closedAt.UTC().Format(time.RFC3339)
		body.ClosedAt = &s
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/internal/rooms/%s/status", roomID), body, nil); err != nil {
		logging.Warn(ctx, "failed to report room status to biz backend", zap.String("room_id", roomID), zap.Error(err))
	}
}

// GetRoom fetches room metadata, primarily the owner id, with the spec's 5s timeout.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*RoomInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var out RoomInfo
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/internal/rooms/%s", roomID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
