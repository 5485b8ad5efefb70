// Package auth authenticates inbound socket connections against the external
// auth-validate endpoint, with a KV-store cache and revocation check in front
// of it (§4.1, §6 of the external KV store schema).
package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flylive/msab/internal/v1/kv"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/types"
	"go.uber.org/zap"
)

// Sentinel errors surfaced to the dispatcher's connect-error hook.
var (
	ErrAuthRequired      = errors.New("Authentication required")
	ErrInvalidCredentials = errors.New("Invalid credentials")
	ErrAuthFailed         = errors.New("Authentication failed")
)

const (
	tokenCacheTTL  = 5 * time.Minute
	revokedMinTTL  = 24 * time.Hour
	validateTimeout = 10 * time.Second
)

// Validator authenticates bearer tokens via the cache/revocation-aware flow
// described for the dispatcher's connect handshake.
type Validator struct {
	kv          *kv.Client
	httpClient  *http.Client
	authURL     string
	internalKey string
}

// NewValidator constructs a Validator against the given auth-validate base URL.
func NewValidator(kvClient *kv.Client, authURL, internalKey string) *Validator {
	return &Validator{
		kv:          kvClient,
		httpClient:  &http.Client{Timeout: validateTimeout},
		authURL:     authURL,
		internalKey: internalKey,
	}
}

// Authenticate runs the five-step handshake: hash, revocation check, cache
// lookup, external validate call, cache write. token is the raw bearer token
// value with no "Bearer " prefix.
func (v *Validator) Authenticate(ctx context.Context, token string) (*types.UserProfile, error) {
	if token == "" {
		return nil, ErrAuthRequired
	}

	hash := hashToken(token)

	revoked, err := v.kv.Exists(ctx, revokedKey(hash))
	if err == nil && revoked {
		return nil, ErrInvalidCredentials
	}

	if cached, err := v.kv.Get(ctx, tokenKey(hash)); err == nil && cached != "" {
		var profile types.UserProfile
		if jsonErr := json.Unmarshal([]byte(cached), &profile); jsonErr == nil {
			return &profile, nil
		}
		logging.Warn(ctx, "discarding corrupt auth cache entry", zap.String("hash", hash))
	}

	profile, err := v.callValidate(ctx, token)
	if err != nil {
		return nil, err
	}

	if raw, jsonErr := json.Marshal(profile); jsonErr == nil {
		if setErr := v.kv.Set(ctx, tokenKey(hash), string(raw), tokenCacheTTL); setErr != nil {
			logging.Warn(ctx, "failed to cache auth profile", zap.Error(setErr))
		}
	}

	return profile, nil
}

// Revoke marks a token hash as revoked for at least revokedMinTTL.
func (v *Validator) Revoke(ctx context.Context, token string) error {
	return v.kv.Set(ctx, revokedKey(hashToken(token)), "1", revokedMinTTL)
}

func (v *Validator) callValidate(ctx context.Context, token string) (*types.UserProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.authURL+"/api/v1/internal/auth/validate", bytes.NewReader(nil))
	if err != nil {
		return nil, fmt.Errorf("build auth-validate request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Internal-Key", v.internalKey)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		logging.Error(ctx, "auth-validate transport error", zap.Error(err))
		return nil, ErrAuthFailed
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ErrAuthFailed
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var profile types.UserProfile
		if err := json.Unmarshal(body, &profile); err != nil {
			logging.Error(ctx, "auth-validate returned unparseable body", zap.Error(err))
			return nil, ErrAuthFailed
		}
		return &profile, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrInvalidCredentials
	default:
		logging.Error(ctx, "auth-validate returned unexpected status", zap.Int("status", resp.StatusCode))
		return nil, ErrAuthFailed
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func tokenKey(hash string) string   { return "auth:token:" + hash }
func revokedKey(hash string) string { return "auth:revoked:" + hash }
