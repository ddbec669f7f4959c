// Package upstream adapts the Facebook Graph and Conversions APIs to the
// narrow operations the enrichment pipeline needs.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/internal/config"
	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/internal/observer"
	"gitlab.com/timkado/api/click-attribution/pkg/logger"
	"gitlab.com/timkado/api/click-attribution/pkg/utils"
)

const maxResponseBytes = 4 << 20

// Options configures a Client.
type Options struct {
	GraphBaseURL string
	APIVersion   string

	AppID       string
	AppSecret   string
	AccessToken string
	PixelID     string

	EventSourceURL  string
	ClientIP        string
	ClientUserAgent string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	RateLimit      time.Duration

	// Limiters overrides the process-wide limiter registry.
	Limiters *Limiters
	// HTTPClient overrides the client built from the timeouts.
	HTTPClient *http.Client
}

// OptionsFromConfig maps the facebook and upstream config sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		GraphBaseURL:    cfg.Facebook.GraphBaseURL,
		APIVersion:      cfg.Facebook.APIVersion,
		AppID:           cfg.Facebook.AppID,
		AppSecret:       cfg.Facebook.AppSecret,
		AccessToken:     cfg.Facebook.AccessToken,
		PixelID:         cfg.Facebook.PixelID,
		EventSourceURL:  cfg.Facebook.EventSourceURL,
		ClientIP:        cfg.Facebook.ClientIP,
		ClientUserAgent: cfg.Facebook.ClientUserAgent,
		ConnectTimeout:  cfg.Upstream.ConnectTimeout,
		ReadTimeout:     cfg.Upstream.ReadTimeout,
		MaxAttempts:     cfg.Upstream.MaxAttempts,
		BaseBackoff:     cfg.Upstream.BaseBackoff,
		RateLimit:       cfg.Upstream.RateLimit,
	}
}

// credentials is swapped as a whole on rotation.
type credentials struct {
	accessToken string
	expiresAt   time.Time
}

// Client talks to the Graph API. It is safe for concurrent use.
type Client struct {
	opts     Options
	baseURL  string
	http     *http.Client
	limiters *Limiters
	creds    atomic.Pointer[credentials]
}

// New creates a Client, filling unset options with the documented defaults.
func New(opts Options) *Client {
	if opts.GraphBaseURL == "" {
		opts.GraphBaseURL = "https://graph.facebook.com"
	}
	if opts.APIVersion == "" {
		opts.APIVersion = "v18.0"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
		transport.TLSHandshakeTimeout = opts.ConnectTimeout
		transport.ResponseHeaderTimeout = opts.ReadTimeout
		httpClient = &http.Client{
			Transport: transport,
			Timeout:   opts.ConnectTimeout + opts.ReadTimeout,
		}
	}

	limiters := opts.Limiters
	if limiters == nil {
		limiters = sharedLimiters(opts.RateLimit)
	}

	c := &Client{
		opts:     opts,
		baseURL:  strings.TrimRight(opts.GraphBaseURL, "/"),
		http:     httpClient,
		limiters: limiters,
	}
	c.creds.Store(&credentials{accessToken: opts.AccessToken})
	return c
}

// Provider is the attribution back-end this client resolves.
func (c *Client) Provider() model.Provider {
	return model.ProviderFacebook
}

// Fingerprint identifies the current access token in logs and alerts.
func (c *Client) Fingerprint() string {
	return utils.Fingerprint(c.creds.Load().accessToken)
}

// RotateToken atomically replaces the access token. In-flight requests keep
// the token they started with.
func (c *Client) RotateToken(token string, expiresAt time.Time) {
	old := c.Fingerprint()
	c.creds.Store(&credentials{accessToken: token, expiresAt: expiresAt})
	logger.Log.Info("Upstream access token rotated",
		zap.String("previous_fingerprint", old),
		zap.String("token_fingerprint", utils.Fingerprint(token)),
		zap.Time("expires_at", expiresAt))
}

// TokenExpiresAt returns the expiry recorded at the last rotation, zero if unknown.
func (c *Client) TokenExpiresAt() time.Time {
	return c.creds.Load().expiresAt
}

type singleAttemptKey struct{}

// WithSingleAttempt disables retries for calls made with the returned context.
// The query facade uses it so a lookup costs at most one round-trip.
func WithSingleAttempt(ctx context.Context) context.Context {
	return context.WithValue(ctx, singleAttemptKey{}, true)
}

// IsSingleAttempt reports whether ctx was marked by WithSingleAttempt.
func IsSingleAttempt(ctx context.Context) bool {
	v, _ := ctx.Value(singleAttemptKey{}).(bool)
	return v
}

// request describes one logical API call.
type request struct {
	operation string
	method    string
	path      string
	query     url.Values
	body      interface{}
	// token overrides the access_token parameter. "-" sends none.
	token string
}

// newBackOff returns base, 2*base, 4*base... without jitter, capped at MaxAttempts tries.
func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BaseBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.opts.BaseBackoff << 10
	b.MaxElapsedTime = 0
	b.Reset()

	retries := uint64(c.opts.MaxAttempts - 1)
	if IsSingleAttempt(ctx) {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

// do sends req with rate limiting and retries, decoding a 2xx body into out.
// The raw body is returned for callers that keep the payload.
func (c *Client) do(ctx context.Context, req request, out interface{}) ([]byte, error) {
	log := logger.FromContext(ctx).With(
		zap.String("operation", req.operation),
		zap.String("token_fingerprint", c.Fingerprint()),
	)

	var payload []byte
	if req.body != nil {
		var err error
		payload, err = json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", req.operation, err)
		}
	}

	attempt := 0
	operation := func() ([]byte, error) {
		attempt++
		body, err := c.send(ctx, req, payload)
		if err == nil {
			return body, nil
		}
		if ue, ok := apperrors.AsUpstream(err); ok && ue.Kind == apperrors.KindTransient {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}
	notify := func(err error, d time.Duration) {
		observer.IncUpstreamRetry(req.operation)
		log.Warn("Retrying upstream request", zap.Int("attempt", attempt), zap.Duration("after", d), zap.Error(err))
	}

	body, err := backoff.RetryNotifyWithData(operation, c.newBackOff(ctx), notify)
	if err != nil {
		if ue, ok := apperrors.AsUpstream(err); ok && ue.Kind == apperrors.KindTransient && attempt > 1 {
			log.Warn("Upstream retries exhausted", zap.Int("attempts", attempt), zap.Error(err))
		}
		return nil, err
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return body, &apperrors.UpstreamError{
				Kind:       apperrors.KindPermanent,
				Operation:  req.operation,
				StatusCode: http.StatusOK,
				Message:    "failed to unmarshal response",
				Err:        err,
			}
		}
	}
	return body, nil
}

// send performs one attempt.
func (c *Client) send(ctx context.Context, req request, payload []byte) ([]byte, error) {
	token := c.creds.Load().accessToken
	if req.token != "" {
		token = req.token
	}

	if err := c.limiters.Wait(ctx, limiterKey(token)); err != nil {
		return nil, classifyTransport(ctx, req.operation, err)
	}

	query := url.Values{}
	for k, v := range req.query {
		query[k] = v
	}
	if token != "-" && token != "" {
		query.Set("access_token", token)
	}
	endpoint := c.baseURL + req.path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, bodyReader)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build %s request: %w", req.operation, err))
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		observer.ObserveUpstreamRequest(req.operation, "network", time.Since(start))
		return nil, classifyTransport(ctx, req.operation, stripToken(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	observer.ObserveUpstreamRequest(req.operation, strconv.Itoa(resp.StatusCode), time.Since(start))
	if err != nil {
		return nil, classifyTransport(ctx, req.operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyResponse(req.operation, resp.StatusCode, body)
	}
	return body, nil
}

// limiterKey buckets by token without keeping the token itself in memory twice.
func limiterKey(token string) string {
	return string(model.ProviderFacebook) + ":" + utils.Fingerprint(token)
}

// stripToken removes the request URL, and with it the access token, from transport errors.
func stripToken(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s request failed: %w", urlErr.Op, urlErr.Err)
	}
	return err
}

func (c *Client) versioned(path string) string {
	return "/" + c.opts.APIVersion + path
}
