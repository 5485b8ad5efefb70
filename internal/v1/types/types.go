// Package types defines shared domain types and cross-package interfaces.
package types

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// RoomIDType identifies a room. Typically numeric in practice but carried as a string.
type RoomIDType string

// UserIDType identifies an authenticated user.
type UserIDType int64

// ConnIDType identifies a single live socket connection.
type ConnIDType string

// SeatIndex is a small-integer seat slot within a room, 0..seatCount-1.
type SeatIndex int

// Timestamp is a Unix timestamp in milliseconds.
type Timestamp int64

const (
	// DefaultSeatCount is the seat count assumed for a room that did not request one explicitly.
	DefaultSeatCount = 15
	// MaxSeatCount is the upper bound on seatCount accepted from a client.
	MaxSeatCount = 15
	// InviteTTLSeconds is the fixed lifetime of a pending seat invite.
	InviteTTLSeconds = 30
)

// UserProfile is the snapshot of a user carried on a Connection, returned to
// other clients in room-state broadcasts and the room:join ACK.
type UserProfile struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Signature   string  `json:"signature,omitempty"`
	Avatar      string  `json:"avatar,omitempty"`
	Frame       string  `json:"frame,omitempty"`
	Gender      string  `json:"gender,omitempty"`
	Country     string  `json:"country,omitempty"`
	Phone       string  `json:"phone,omitempty"`
	Email       string  `json:"email,omitempty"`
	DateOfBirth string  `json:"date_of_birth,omitempty"`
	WealthXP    float64 `json:"wealth_xp,omitempty"`
	CharmXP     float64 `json:"charm_xp,omitempty"`
	IsSpeaker   bool    `json:"isSpeaker"`
}

// ChatMessage is a single chat entry broadcast to the whole room.
type ChatMessage struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"userId"`
	UserName  string    `json:"userName"`
	Avatar    string    `json:"avatar,omitempty"`
	Content   string    `json:"content"`
	Type      string    `json:"type,omitempty"`
	Timestamp Timestamp `json:"timestamp"`
}

// ValidateChatContent enforces the 1..500 character bound after trimming, as specified.
func ValidateChatContent(content string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(content))
	if n == 0 {
		return errors.New("chat content cannot be empty")
	}
	if n > 500 {
		return errors.New("chat content cannot exceed 500 characters")
	}
	return nil
}

// SeatSnapshot is one entry of the seats array returned on room:join, per-seat,
// including empty seats (nulled occupant fields), following the BL-007 ACK shape.
type SeatSnapshot struct {
	SeatIndex SeatIndex    `json:"seatIndex"`
	User      *UserProfile `json:"user"`
	IsMuted   bool         `json:"isMuted"`
}

// ProducerSnapshot is one entry of existingProducers returned on room:join.
type ProducerSnapshot struct {
	ProducerID string `json:"producerId"`
	UserID     int64  `json:"userId"`
}

// AckFunc is the per-event response callback handed to a handler. Handlers
// invoke it exactly once: with a payload on success, or with errMsg set (one
// of the apierrors taxonomy strings) on failure. Fire-and-forget events pass
// a nil AckFunc.
type AckFunc func(payload any, errMsg string)

// BusPayload is the generalized pub/sub envelope used for both intra-cluster
// room/user fan-out and the backend relay channel.
type BusPayload struct {
	RoomID    string          `json:"room_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Event     string          `json:"event"`
	Payload   []byte          `json:"payload"`
	SenderID  string          `json:"sender_id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Corr      string          `json:"correlation_id,omitempty"`
	Roles     []string        `json:"roles,omitempty"`
}
