package model

import (
	"strings"
	"time"
)

type KeyStatus string

const (
	KeyActive    KeyStatus = "active"
	KeySuspended KeyStatus = "suspended"
	KeyRevoked   KeyStatus = "revoked"
)

func (s KeyStatus) String() string { return string(s) }

func (s KeyStatus) Valid() bool {
	return s == KeyActive || s == KeySuspended || s == KeyRevoked
}

type KeyEnv string

const (
	KeyEnvLive KeyEnv = "live"
	KeyEnvTest KeyEnv = "test"
)

// ParseKeyEnv normalizes input; empty => test.
func ParseKeyEnv(s string) (KeyEnv, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "test":
		return KeyEnvTest, true
	case "live":
		return KeyEnvLive, true
	default:
		return KeyEnvTest, false
	}
}

// RateLimitOverrides replace the gateway defaults for a single key.
// Zero fields keep the default. Unlimited bypasses every window.
type RateLimitOverrides struct {
	PerMinute int  `json:"per_minute,omitempty"`
	PerHour   int  `json:"per_hour,omitempty"`
	PerDay    int  `json:"per_day,omitempty"`
	Burst     int  `json:"burst,omitempty"`
	Unlimited bool `json:"unlimited,omitempty"`
}

// APIKey is the DB entity persisted in partner_api_keys table.
// The raw secret is never stored; only its SHA-256 hash.
type APIKey struct {
	ID          string                         `db:"id" json:"id"`
	PartnerID   string                         `db:"partner_id" json:"partner_id"`
	Name        string                         `db:"name" json:"name"`
	Prefix      string                         `db:"prefix" json:"prefix"`
	KeyHash     string                         `db:"key_hash" json:"-"`
	Status      KeyStatus                      `db:"status" json:"status"`
	ExpiresAt   *time.Time                     `db:"expires_at" json:"expires_at,omitempty"`
	LastUsedAt  *time.Time                     `db:"last_used_at" json:"last_used_at,omitempty"`
	Permissions Permissions                    `db:"permissions" json:"permissions"`
	RateLimits  JSONColumn[RateLimitOverrides] `db:"rate_limits" json:"rate_limits"`
	CreatedAt   time.Time                      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time                      `db:"updated_at" json:"updated_at"`
}

// ExpiredAt reports whether the key has expired at now.
func (k *APIKey) ExpiredAt(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}
