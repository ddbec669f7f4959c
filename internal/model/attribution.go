package model

import "time"

// Attribution is the dashboard view of a click identifier.
// DisplayName never comes back empty, so a view can always render it.
type Attribution struct {
	RawID        string     `json:"raw_id"`
	CanonicalID  string     `json:"canonical_id,omitempty"`
	Provider     Provider   `json:"provider,omitempty"`
	Tenant       string     `json:"tenant,omitempty"`
	State        State      `json:"state"`
	Known        bool       `json:"known"`
	DisplayName  string     `json:"display_name"`
	CampaignName *string    `json:"campaign_name,omitempty"`
	CampaignID   *string    `json:"campaign_id,omitempty"`
	AdsetName    *string    `json:"adset_name,omitempty"`
	AdName       *string    `json:"ad_name,omitempty"`
	LastUpdated  *time.Time `json:"last_updated,omitempty"`
}

// NewAttribution builds the view of a stored row.
func NewAttribution(c *ClickIdentifier) Attribution {
	updated := c.LastUpdated
	return Attribution{
		RawID:        c.RawID,
		CanonicalID:  c.CanonicalID,
		Provider:     c.Provider,
		Tenant:       c.Tenant,
		State:        c.State,
		Known:        true,
		DisplayName:  DisplayName(c.State, c.CampaignName),
		CampaignName: c.CampaignName,
		CampaignID:   c.CampaignID,
		AdsetName:    c.AdsetName,
		AdName:       c.AdName,
		LastUpdated:  &updated,
	}
}

// MissingAttribution is the view of an id the store has never seen.
func MissingAttribution(rawID string) Attribution {
	return Attribution{
		RawID:       rawID,
		State:       StatePending,
		DisplayName: PendingSentinel,
	}
}

// ErroredAttribution is the view served when a row cannot be read.
func ErroredAttribution(rawID string) Attribution {
	return Attribution{
		RawID:       rawID,
		State:       StateError,
		DisplayName: NotFoundSentinel,
	}
}

// DisplayName maps a state to the campaign label shown in dashboards.
func DisplayName(state State, campaignName *string) string {
	switch state {
	case StateResolved:
		if campaignName != nil && *campaignName != "" {
			return *campaignName
		}
		return NotFoundSentinel
	case StatePending:
		return PendingSentinel
	default:
		return NotFoundSentinel
	}
}
