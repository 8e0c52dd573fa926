// Package delivery sends payloads to the New Relic Logs API with a status
// driven retry and backoff policy.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/newrelic/newrelic-logs-shipper/common"
	"github.com/newrelic/newrelic-logs-shipper/config"
	"github.com/newrelic/newrelic-logs-shipper/logger"
	"github.com/newrelic/newrelic-logs-shipper/payload"
)

// maxErrorBody bounds how much of an error response is kept for logging.
const maxErrorBody = 1024

// Outcome is the terminal state of a payload.
type Outcome int

// Payload outcomes.
const (
	OutcomeDelivered Outcome = iota
	OutcomeRejected
	OutcomeRetriesExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRejected:
		return "rejected"
	default:
		return "retries_exhausted"
	}
}

// Result describes how the delivery of one payload ended.
type Result struct {
	Outcome  Outcome
	Attempts int
	// Err is the error of the last attempt, nil when delivered.
	Err error
}

// HTTPDoer is the subset of *http.Client used to send requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client delivers payloads to one endpoint with one credential.
type Client struct {
	endpoint   string
	authHeader string
	authValue  string
	maxRetries int
	backoff    Backoff
	userAgent  string
	httpClient HTTPDoer
	sleep      func(ctx context.Context, d time.Duration)
	log        *logrus.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client built from the configuration.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) {
		c.httpClient = doer
	}
}

// WithLogger sets the logger used for delivery diagnostics.
func WithLogger(l *logrus.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithSleep replaces the function used to wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// NewClient returns a Client for cfg. It fails with a config.ErrConfiguration
// before any request is made when cfg is not usable, in particular when
// neither an api key nor a license key is configured.
func NewClient(cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	header, value, err := cfg.Credential()
	if err != nil {
		return nil, err
	}

	c := &Client{
		endpoint:   cfg.BaseURI,
		authHeader: header,
		authValue:  value,
		maxRetries: cfg.MaxRetries,
		backoff:    Backoff{Initial: cfg.RetryDelay, Max: cfg.MaxDelay},
		userAgent:  fmt.Sprintf("%s/%s", common.PluginType, common.PluginVersion),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if c.log == nil {
		c.log = logger.NewLogrusLogger(logger.WithDebugLevel())
	}
	return c, nil
}

// MaxAttempts is the upper bound of requests made for one payload.
func (c *Client) MaxAttempts() int {
	return 1 + c.maxRetries
}

// Deliver sends p until it is accepted, rejected, or the retries run out.
// It never returns an error: the outcome is reported in the Result.
func (c *Client) Deliver(ctx context.Context, p payload.Payload) Result {
	entry := c.log.WithFields(logrus.Fields{
		"payload_id": p.ID,
		"records":    p.Records,
		"size":       p.Size(),
	})

	for attempt := 1; ; attempt++ {
		err := c.send(ctx, p)

		switch Classify(err) {
		case ClassSuccess:
			entry.WithField("attempt", attempt).Debug("payload delivered")
			return Result{Outcome: OutcomeDelivered, Attempts: attempt}
		case ClassFatal:
			entry.WithError(err).WithField("attempt", attempt).
				WithField("kind", Kind(err)).
				Error("payload rejected by the logs API, dropping it")
			return Result{Outcome: OutcomeRejected, Attempts: attempt, Err: err}
		}

		if attempt > c.maxRetries {
			entry.WithError(err).WithField("attempt", attempt).
				WithField("kind", Kind(err)).
				Error("max retries exceeded, dropping payload")
			return Result{Outcome: OutcomeRetriesExhausted, Attempts: attempt, Err: err}
		}

		delay := c.backoff.Delay(attempt)
		entry.WithError(err).WithField("attempt", attempt).
			WithField("kind", Kind(err)).
			WithField("retry_in", delay).
			Warn("payload delivery failed, will retry")
		c.sleep(ctx, delay)
	}
}

// send performs one attempt. It returns nil for a 2xx response.
func (c *Client) send(ctx context.Context, p payload.Payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(p.Body))
	if err != nil {
		return &TransportError{Err: err}
	}
	req.Header.Set(common.HeaderContentType, common.ContentTypeJSON)
	req.Header.Set(common.HeaderContentEncoding, common.EncodingGzip)
	req.Header.Set(common.HeaderEventSource, common.EventSourceLogs)
	req.Header.Set(common.HeaderUserAgent, c.userAgent)
	req.Header.Set(c.authHeader, c.authValue)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if ClassifyStatus(resp.StatusCode) == ClassSuccess {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	return &StatusError{Code: resp.StatusCode, Body: string(body)}
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
