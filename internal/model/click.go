package model

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Provider identifies the attribution back-end that resolves a click id.
type Provider string

const (
	ProviderFacebook Provider = "facebook"
	ProviderGoogle   Provider = "google"
)

// ParseProvider accepts the provider names used by operators and lead exports.
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fb", "facebook", "fbclid":
		return ProviderFacebook, nil
	case "google", "gclid":
		return ProviderGoogle, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// State is the enrichment lifecycle state of a click identifier.
type State string

const (
	StatePending  State = "pending"
	StateResolved State = "resolved"
	StateNotFound State = "not_found"
	StateError    State = "error"
)

const (
	// NotFoundSentinel is stored as campaign_name for ids the upstream cannot resolve.
	NotFoundSentinel = "Não encontrado"
	// PendingSentinel is displayed for ids that have not been enriched yet.
	PendingSentinel = "Pendente"
	// DefaultTenant is applied when the ingesting system does not name one.
	DefaultTenant = "degrau"
)

// ClickIdentifier represents one row of the click_attribution table.
type ClickIdentifier struct {
	// RawID is the identifier exactly as received.
	RawID string `json:"raw_id" gorm:"column:raw_id;primaryKey"`
	// CanonicalID is the vendor wire form (fb.1.<ts>.<raw> for Facebook).
	CanonicalID string   `json:"canonical_id" gorm:"column:canonical_id;index:idx_click_attribution_canonical_id"`
	Provider    Provider `json:"provider" gorm:"column:provider;not null;default:facebook;index:idx_click_attribution_state_updated,priority:1"`
	// Tenant is set on insert and never changed afterwards.
	Tenant       string  `json:"tenant" gorm:"column:tenant;not null;default:degrau;index:idx_click_attribution_tenant"`
	CampaignName *string `json:"campaign_name,omitempty" gorm:"column:campaign_name;index:idx_click_attribution_campaign_name"`
	CampaignID   *string `json:"campaign_id,omitempty" gorm:"column:campaign_id"`
	AdsetName    *string `json:"adset_name,omitempty" gorm:"column:adset_name"`
	AdsetID      *string `json:"adset_id,omitempty" gorm:"column:adset_id"`
	AdName       *string `json:"ad_name,omitempty" gorm:"column:ad_name"`
	AdID         *string `json:"ad_id,omitempty" gorm:"column:ad_id"`
	State        State   `json:"state" gorm:"column:state;not null;default:pending;index:idx_click_attribution_state_updated,priority:2"`
	// LastUpdated is monotonic and bumped on every state transition.
	LastUpdated      time.Time  `json:"last_updated" gorm:"column:last_updated;index:idx_click_attribution_state_updated,priority:3"`
	CreationTimeHint *time.Time `json:"creation_time_hint,omitempty" gorm:"column:creation_time_hint"`
	CreatedAt        time.Time  `json:"created_at" gorm:"column:created_at"`
	// Attempts counts enrichment passes, whatever their outcome.
	Attempts    int            `json:"attempts" gorm:"column:attempts;not null;default:0"`
	LastPayload datatypes.JSON `json:"last_payload,omitempty" gorm:"column:last_payload"`
}

// TableName pins the table name; the default namer would pluralize it.
func (ClickIdentifier) TableName() string {
	return "click_attribution"
}

// ClickError records why an enrichment attempt failed. Rows are append-only.
type ClickError struct {
	ID     int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	RawID  string    `json:"raw_id" gorm:"column:raw_id;not null;index:idx_click_attribution_errors_raw_id"`
	Reason string    `json:"reason" gorm:"column:reason;not null"`
	Ts     time.Time `json:"ts" gorm:"column:ts;not null"`
}

// TableName specifies the table name for GORM.
func (ClickError) TableName() string {
	return "click_attribution_errors"
}

// CampaignTuple is the first campaign / adset / ad returned by an upstream search.
type CampaignTuple struct {
	CampaignName string `json:"campaign_name"`
	CampaignID   string `json:"campaign_id"`
	AdsetName    string `json:"adset_name,omitempty"`
	AdsetID      string `json:"adset_id,omitempty"`
	AdName       string `json:"ad_name,omitempty"`
	AdID         string `json:"ad_id,omitempty"`
	// Raw is the upstream response body the tuple was taken from.
	Raw []byte `json:"-"`
}

// PendingClick is the input of a single pending upsert.
type PendingClick struct {
	RawID            string
	Provider         Provider
	Tenant           string
	CreationTimeHint *time.Time
}

// TokenInfo is the subset of debug_token output used for credential housekeeping.
type TokenInfo struct {
	AppID     string    `json:"app_id"`
	Type      string    `json:"type"`
	IsValid   bool      `json:"is_valid"`
	ExpiresAt time.Time `json:"expires_at"`
	Scopes    []string  `json:"scopes"`
	UserID    string    `json:"user_id,omitempty"`
}

// Stats aggregates click rows for a tenant and window.
type Stats struct {
	Total           int64 `json:"total"`
	Pending         int64 `json:"pending"`
	Resolved        int64 `json:"resolved"`
	NotFound        int64 `json:"not_found"`
	Error           int64 `json:"error"`
	UniqueCampaigns int64 `json:"unique_campaigns"`
}
