package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/pkg/logger"
	"gitlab.com/timkado/api/click-attribution/pkg/utils"
)

const (
	opSearchCampaign = "search_campaign"
	opPushEvent      = "push_conversion_event"
	opExchangeToken  = "exchange_token"
	opDebugToken     = "debug_token"

	campaignFields = "name,id,adsets{name,id,ads{name,id}}"
)

type namedNode struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

type adNode struct {
	namedNode
}

type adsetNode struct {
	namedNode
	Ads struct {
		Data []adNode `json:"data"`
	} `json:"ads"`
}

type campaignNode struct {
	namedNode
	Adsets struct {
		Data []adsetNode `json:"data"`
	} `json:"adsets"`
}

type searchResponse struct {
	Data []campaignNode `json:"data"`
}

// SearchCampaign looks up the campaign a canonical click id belongs to. The
// first campaign, its first adset and that adset's first ad are returned, in
// response order. A nil tuple means upstream has no match.
func (c *Client) SearchCampaign(ctx context.Context, canonicalID string) (*model.CampaignTuple, error) {
	if strings.TrimSpace(canonicalID) == "" {
		return nil, fmt.Errorf("%w: canonical id is empty", apperrors.ErrInvalidIdentifier)
	}

	var resp searchResponse
	raw, err := c.do(ctx, request{
		operation: opSearchCampaign,
		method:    http.MethodGet,
		path:      c.versioned("/search"),
		query: url.Values{
			"type":   {"adcampaign"},
			"q":      {canonicalID},
			"fields": {campaignFields},
		},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, nil
	}

	campaign := resp.Data[0]
	tuple := &model.CampaignTuple{
		CampaignName: campaign.Name,
		CampaignID:   campaign.ID,
		Raw:          raw,
	}
	if tuple.CampaignName == "" {
		tuple.CampaignName = campaign.ID
	}
	if tuple.CampaignName == "" {
		logger.FromContext(ctx).Warn("Search returned a campaign without name or id", zap.String("canonical_id", canonicalID))
		return nil, nil
	}
	if len(campaign.Adsets.Data) > 0 {
		adset := campaign.Adsets.Data[0]
		tuple.AdsetName = adset.Name
		tuple.AdsetID = adset.ID
		if len(adset.Ads.Data) > 0 {
			tuple.AdName = adset.Ads.Data[0].Name
			tuple.AdID = adset.Ads.Data[0].ID
		}
	}
	return tuple, nil
}

// ConversionEvent is a single Conversions API event keyed by a click id.
type ConversionEvent struct {
	CanonicalID string
	EventName   string
	EventTime   time.Time
	// EventID must be a caller generated UUID; the vendor dedups on it.
	EventID string
}

type eventUserData struct {
	Fbc             string `json:"fbc"`
	ClientIPAddress string `json:"client_ip_address,omitempty"`
	ClientUserAgent string `json:"client_user_agent,omitempty"`
}

type eventPayload struct {
	EventName      string        `json:"event_name"`
	EventTime      int64         `json:"event_time"`
	EventID        string        `json:"event_id"`
	ActionSource   string        `json:"action_source"`
	EventSourceURL string        `json:"event_source_url,omitempty"`
	UserData       eventUserData `json:"user_data"`
}

type eventsRequest struct {
	Data []eventPayload `json:"data"`
}

type eventsResponse struct {
	EventsReceived int    `json:"events_received"`
	TraceID        string `json:"fbtrace_id"`
}

// PushConversionEvent posts one event with user_data.fbc set to the canonical
// id and returns events_received.
func (c *Client) PushConversionEvent(ctx context.Context, ev ConversionEvent) (int, error) {
	if c.opts.PixelID == "" {
		return 0, fmt.Errorf("%w: pixel id is not configured", apperrors.ErrValidation)
	}
	if strings.TrimSpace(ev.CanonicalID) == "" {
		return 0, fmt.Errorf("%w: canonical id is empty", apperrors.ErrInvalidIdentifier)
	}
	if _, err := uuid.Parse(ev.EventID); err != nil {
		return 0, fmt.Errorf("%w: event id must be a UUID: %w", apperrors.ErrValidation, err)
	}
	if ev.EventName == "" {
		ev.EventName = "Lead"
	}
	if ev.EventTime.IsZero() {
		ev.EventTime = utils.Now()
	}

	body := eventsRequest{Data: []eventPayload{{
		EventName:      ev.EventName,
		EventTime:      ev.EventTime.Unix(),
		EventID:        ev.EventID,
		ActionSource:   "website",
		EventSourceURL: c.opts.EventSourceURL,
		UserData: eventUserData{
			Fbc:             ev.CanonicalID,
			ClientIPAddress: c.opts.ClientIP,
			ClientUserAgent: c.opts.ClientUserAgent,
		},
	}}}

	var resp eventsResponse
	if _, err := c.do(ctx, request{
		operation: opPushEvent,
		method:    http.MethodPost,
		path:      c.versioned("/" + url.PathEscape(c.opts.PixelID) + "/events"),
		body:      body,
	}, &resp); err != nil {
		return 0, err
	}

	logger.FromContext(ctx).Debug("Conversion event accepted",
		zap.String("event_id", ev.EventID),
		zap.Int("events_received", resp.EventsReceived),
		zap.String("fbtrace_id", resp.TraceID))
	return resp.EventsReceived, nil
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// ExchangeLongLivedToken trades a short-lived user token for a long-lived one
// and rotates the client onto it.
func (c *Client) ExchangeLongLivedToken(ctx context.Context, shortToken string) (string, time.Time, error) {
	if c.opts.AppID == "" || c.opts.AppSecret == "" {
		return "", time.Time{}, fmt.Errorf("%w: app id and secret are required to exchange tokens", apperrors.ErrValidation)
	}
	if strings.TrimSpace(shortToken) == "" {
		return "", time.Time{}, fmt.Errorf("%w: short-lived token is empty", apperrors.ErrValidation)
	}

	var resp exchangeResponse
	if _, err := c.do(ctx, request{
		operation: opExchangeToken,
		method:    http.MethodGet,
		path:      c.versioned("/oauth/access_token"),
		query: url.Values{
			"grant_type":        {"fb_exchange_token"},
			"client_id":         {c.opts.AppID},
			"client_secret":     {c.opts.AppSecret},
			"fb_exchange_token": {shortToken},
		},
		token: "-",
	}, &resp); err != nil {
		return "", time.Time{}, err
	}
	if resp.AccessToken == "" {
		return "", time.Time{}, &apperrors.UpstreamError{
			Kind:       apperrors.KindPermanent,
			Operation:  opExchangeToken,
			StatusCode: http.StatusOK,
			Message:    "response carried no access token",
		}
	}

	var expiresAt time.Time
	if resp.ExpiresIn > 0 {
		expiresAt = utils.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	c.RotateToken(resp.AccessToken, expiresAt)
	return resp.AccessToken, expiresAt, nil
}

type debugTokenResponse struct {
	Data struct {
		AppID     string   `json:"app_id"`
		Type      string   `json:"type"`
		IsValid   bool     `json:"is_valid"`
		ExpiresAt int64    `json:"expires_at"`
		Scopes    []string `json:"scopes"`
		UserID    string   `json:"user_id"`
	} `json:"data"`
}

// DebugToken inspects token, or the current access token when token is empty.
// The app token (app_id|app_secret) is used as the inspecting credential when configured.
func (c *Client) DebugToken(ctx context.Context, token string) (*model.TokenInfo, error) {
	if token == "" {
		token = c.creds.Load().accessToken
	}
	if token == "" {
		return nil, fmt.Errorf("%w: no token to inspect", apperrors.ErrValidation)
	}

	inspector := ""
	if c.opts.AppID != "" && c.opts.AppSecret != "" {
		inspector = c.opts.AppID + "|" + c.opts.AppSecret
	}

	var resp debugTokenResponse
	if _, err := c.do(ctx, request{
		operation: opDebugToken,
		method:    http.MethodGet,
		path:      "/debug_token",
		query:     url.Values{"input_token": {token}},
		token:     inspector,
	}, &resp); err != nil {
		return nil, err
	}

	info := &model.TokenInfo{
		AppID:   resp.Data.AppID,
		Type:    resp.Data.Type,
		IsValid: resp.Data.IsValid,
		Scopes:  resp.Data.Scopes,
		UserID:  resp.Data.UserID,
	}
	if resp.Data.ExpiresAt > 0 {
		info.ExpiresAt = utils.UnixToTime(resp.Data.ExpiresAt)
	}
	return info, nil
}
