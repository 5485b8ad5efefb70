// Package apierrors collects the stable error-code strings returned to
// clients via event acks. Handlers return these verbatim rather than
// formatting ad hoc messages, so the client-side error taxonomy stays fixed
// across releases.
package apierrors

import "errors"

// Validation.
var ErrInvalidPayload = errors.New("Invalid payload")

// Authentication and authorization.
var (
	ErrAuthRequired          = errors.New("Authentication required")
	ErrInvalidCredentials    = errors.New("Invalid credentials")
	ErrAuthFailed            = errors.New("Authentication failed")
	ErrNotAuthorized         = errors.New("Not authorized")
	ErrAuthorizationCheckFailed = errors.New("Authorization check failed")
)

// Resource lookup.
var (
	ErrRoomNotFound      = errors.New("Room not found")
	ErrTransportNotFound = errors.New("Transport not found")
	ErrConsumerNotFound  = errors.New("Consumer not found")
)

// Seat domain.
var (
	ErrSeatInvalid         = errors.New("SEAT_INVALID")
	ErrSeatLocked          = errors.New("SEAT_LOCKED")
	ErrSeatTaken           = errors.New("SEAT_TAKEN")
	ErrNotSeated           = errors.New("NOT_SEATED")
	ErrSeatAlreadyLocked   = errors.New("SEAT_ALREADY_LOCKED")
	ErrSeatNotLocked       = errors.New("SEAT_NOT_LOCKED")
	ErrInvitePending       = errors.New("Invite already pending for this seat")
	ErrNoPendingInvite     = errors.New("No pending invite found")
	ErrSeatNoLongerOpen    = errors.New("Seat is no longer available")
)

// Media.
var (
	ErrCannotConsume = errors.New("Cannot consume")
	ErrProduceFailed = errors.New("Produce failed")
	ErrConnectFailed = errors.New("Connect failed")
	ErrResumeFailed  = errors.New("Resume failed")
	ErrConsumeFailed = errors.New("Consume failed")
)

// Limiting.
var (
	ErrTooManyMessages = errors.New("Too many messages")
	ErrTooManyGifts    = errors.New("Too many gifts, please slow down")
	ErrOverloaded      = errors.New("overloaded")
)

// Fallback for anything not otherwise classified.
var ErrInternal = errors.New("Internal server error")
