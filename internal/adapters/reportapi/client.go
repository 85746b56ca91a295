// Package reportapi is a thin client for the remote reporting API batch endpoint.
// Every call is paced through a token bucket; retries are left to the caller's backoff policy
package reportapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"adlake/internal/platform/config"
	perr "adlake/internal/platform/errors"
	"adlake/internal/platform/logger"
)

const (
	baseURLDefault = "https://graph.facebook.com/v19.0/"
	defaultTimeout = 120 * time.Second
	defaultUA      = "adlake-import"
	defaultRPS     = 4
	defaultBurst   = 2
	maxBodyBytes   = 64 << 20
)

// DefaultThrottleCodes are provider error codes that signal rate limiting
var DefaultThrottleCodes = []int{4, 17, 32, 613, 80000, 80003, 80004, 80014}

// Options configures the Client
type Options struct {
	BaseURL   string
	Token     string
	UserAgent string
	Timeout   time.Duration

	// RPS and Burst pace outgoing batch calls
	RPS   float64
	Burst int

	// ThrottleCodes are provider error codes treated as throttle signals
	ThrottleCodes []int

	// Transport allows tests to stub the wire
	Transport http.RoundTripper
}

// FromConfig reads client options with the CORE_REPORTAPI_ prefix
func FromConfig(cfg config.Conf) Options {
	c := cfg.Prefix("CORE_REPORTAPI_")
	return Options{
		BaseURL:       c.MayString("BASE_URL", baseURLDefault),
		Token:         c.MayString("TOKEN", ""),
		UserAgent:     c.MayString("USER_AGENT", defaultUA),
		Timeout:       c.MayDuration("TIMEOUT", defaultTimeout),
		RPS:           c.MayFloat64("RPS", defaultRPS),
		Burst:         c.MayInt("BURST", defaultBurst),
		ThrottleCodes: c.MayIntCSV("THROTTLE_CODES", DefaultThrottleCodes),
	}
}

// Client posts batches of sub requests
type Client struct {
	http     *http.Client
	opts     Options
	limiter  *rate.Limiter
	throttle map[int]struct{}
	log      logger.Logger
	now      func() time.Time
}

// NewClient creates a new Client with sane defaults
func NewClient(o Options) *Client {
	if o.BaseURL == "" {
		o.BaseURL = baseURLDefault
	}
	if !strings.HasSuffix(o.BaseURL, "/") {
		o.BaseURL += "/"
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUA
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.RPS <= 0 {
		o.RPS = defaultRPS
	}
	if o.Burst <= 0 {
		o.Burst = defaultBurst
	}
	if o.ThrottleCodes == nil {
		o.ThrottleCodes = DefaultThrottleCodes
	}
	th := make(map[int]struct{}, len(o.ThrottleCodes))
	for _, c := range o.ThrottleCodes {
		th[c] = struct{}{}
	}
	return &Client{
		http:     &http.Client{Timeout: o.Timeout, Transport: o.Transport},
		opts:     o,
		limiter:  rate.NewLimiter(rate.Limit(o.RPS), o.Burst),
		throttle: th,
		log:      *logger.Named("reportapi"),
		now:      time.Now,
	}
}

// IsThrottleCode reports whether a provider error code is a throttle signal
func (c *Client) IsThrottleCode(code int) bool {
	_, ok := c.throttle[code]
	return ok
}

// Batch submits ops as one call and returns one Response per op in order.
// A non 200 on the outer call returns a *StatusError
func (c *Client) Batch(ctx context.Context, ops []Operation) ([]Response, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(ops)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeJSON, "reportapi encode batch")
	}
	form := url.Values{}
	form.Set("batch", string(payload))
	form.Set("include_headers", "true")
	if c.opts.Token != "" {
		form.Set("access_token", c.opts.Token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnknown, "reportapi new request failed")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := c.now()
	resp, err := c.http.Do(req)
	lat := c.now().Sub(start)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "reportapi do failed")
	}
	defer func() { _ = drainAndClose(resp.Body) }()

	usage := ParseUsage(resp.Header)
	c.log.Debug().
		Int("ops", len(ops)).
		Int("status", resp.StatusCode).
		Dur("latency", lat).
		Float64("usage_pct", usage.MaxPct).
		Str("usage_source", usage.Source).
		Msg("reportapi batch response")

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, c.statusError(resp.StatusCode, body, usage)
	}

	var wire []*wireResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&wire); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "reportapi decode batch")
	}
	if len(wire) != len(ops) {
		return nil, perr.Newf(perr.ErrorCodeUnavailable, "reportapi batch returned %d results for %d ops", len(wire), len(ops))
	}
	out := make([]Response, len(wire))
	for i, w := range wire {
		out[i] = w.toResponse()
	}
	return out, nil
}

func (c *Client) statusError(status int, body []byte, usage Usage) *StatusError {
	apiCode := ErrorCode(body)
	se := &StatusError{Status: status, APICode: apiCode, Body: string(body)}
	switch {
	case status == http.StatusTooManyRequests || c.IsThrottleCode(apiCode):
		se.Wait = usage.RegainAccess
		se.Err = perr.Throttledf("reportapi throttled status %d code %d", status, apiCode)
	case status >= 500:
		se.Err = perr.Unavailablef("reportapi transient status %d", status)
	default:
		se.Err = perr.Newf(perr.ErrorCodeUnknown, "reportapi unexpected status %d body %s", status, truncate(body, 512))
	}
	return se
}
