package model

import (
	"strings"
	"time"
)

type PartnerStatus string

const (
	PartnerActive    PartnerStatus = "active"
	PartnerSuspended PartnerStatus = "suspended"
	PartnerTrial     PartnerStatus = "trial"
)

func (s PartnerStatus) String() string { return string(s) }

func (s PartnerStatus) Valid() bool {
	return s == PartnerActive || s == PartnerSuspended || s == PartnerTrial
}

// ParsePartnerStatus normalizes input; returns (value, true) if valid.
func ParsePartnerStatus(s string) (PartnerStatus, bool) {
	st := PartnerStatus(strings.ToLower(strings.TrimSpace(s)))
	return st, st.Valid()
}

// UsageLimits are the contractual ceilings of a partner. They are reported,
// not enforced, by the admission pipeline.
type UsageLimits struct {
	MonthlyRequests int64 `json:"monthly_requests,omitempty"`
	MaxKeys         int   `json:"max_keys,omitempty"`
}

// Partner is the DB entity persisted in partners table.
type Partner struct {
	ID             string                  `db:"id" json:"id"`
	CompanyName    string                  `db:"company_name" json:"company_name"`
	Status         PartnerStatus           `db:"status" json:"status"` // active|suspended|trial
	AllowedDomains JSONColumn[[]string]    `db:"allowed_domains" json:"allowed_domains"`
	ContactName    string                  `db:"contact_name" json:"contact_name,omitempty"`
	ContactEmail   string                  `db:"contact_email" json:"contact_email,omitempty"`
	UsageLimits    JSONColumn[UsageLimits] `db:"usage_limits" json:"usage_limits"`
	CreatedAt      time.Time               `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time               `db:"updated_at" json:"updated_at"`
}

// Active reports whether the partner may authenticate.
func (p *Partner) Active() bool {
	return p.Status == PartnerActive
}
