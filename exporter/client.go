// Package exporter delivers encoded telemetry batches to the collector with
// bounded exponential-backoff retries.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/itsneelabh/rumagent/core"
	"github.com/itsneelabh/rumagent/telemetry"
)

// HeaderForwardedFor carries the synthetic client location.
const HeaderForwardedFor = "X-Forwarded-For"

// Outcome classifies a finished send.
type Outcome int

const (
	// OutcomeDelivered means the collector answered 2xx.
	OutcomeDelivered Outcome = iota + 1
	// OutcomeRejected means the collector answered with any other status,
	// including a retryable one after the retry budget ran out.
	OutcomeRejected
	// OutcomeFailed means no response was received.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result describes a finished send.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Attempts   int
}

// Success reports whether the batch counts as exported. A response of any
// status is a success; only exhausted transport failures are not.
func (r Result) Success() bool {
	return r.Outcome == OutcomeDelivered || r.Outcome == OutcomeRejected
}

// Request is one batch to POST.
type Request struct {
	URL             string
	Body            []byte
	ContentType     string
	ContentEncoding string
	// SessionID selects the synthetic location.
	SessionID string
}

// ClientOptions configures a Client.
type ClientOptions struct {
	MaxRetries           int
	RetryableStatusCodes []int
	// BackoffUnit scales the min(2^n, 60) delay; one second in production.
	BackoffUnit time.Duration
	// AttemptTimeout bounds one HTTP attempt. Zero means no limit.
	AttemptTimeout time.Duration
	LocationPool   []string
	// Transport usually is an auth.SigningTransport.
	Transport http.RoundTripper
	Logger    core.Logger
	Metrics   *telemetry.Recorder
}

// Client is the retrying export client.
type Client struct {
	rc        *retryablehttp.Client
	opts      ClientOptions
	retryable map[int]struct{}
	logger    core.Logger
	metrics   *telemetry.Recorder

	mu           sync.Mutex
	sends        map[*sendState]struct{}
	shutdown     atomic.Bool
	retryStopped atomic.Bool
}

// sendState follows one Send across its attempts.
type sendState struct {
	mu       sync.Mutex
	inFlight bool
	waiting  bool // between attempts, in backoff
	attempts int
	cancel   context.CancelCauseFunc
}

type sendStateKey struct{}

func stateFrom(ctx context.Context) *sendState {
	st, _ := ctx.Value(sendStateKey{}).(*sendState)
	return st
}

// NewClient creates an export client.
func NewClient(opts ClientOptions) *Client {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryableStatusCodes == nil {
		opts.RetryableStatusCodes = core.DefaultRetryableStatusCodes()
	}
	if opts.BackoffUnit <= 0 {
		opts.BackoffUnit = time.Second
	}
	if opts.Transport == nil {
		opts.Transport = cleanhttp.DefaultPooledTransport()
	}

	c := &Client{
		opts:      opts,
		retryable: make(map[int]struct{}, len(opts.RetryableStatusCodes)),
		logger:    core.ComponentLogger(opts.Logger, "rumagent/exporter"),
		metrics:   opts.Metrics,
		sends:     make(map[*sendState]struct{}),
	}
	for _, code := range opts.RetryableStatusCodes {
		c.retryable[code] = struct{}{}
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: opts.Transport, Timeout: opts.AttemptTimeout}
	rc.Logger = leveledLogger{c.logger}
	rc.RetryMax = opts.MaxRetries
	rc.RetryWaitMin = opts.BackoffUnit
	rc.RetryWaitMax = core.DefaultMaxBackoff / time.Second * opts.BackoffUnit
	rc.CheckRetry = c.checkRetry
	rc.Backoff = c.backoff
	rc.RequestLogHook = c.beforeAttempt
	rc.PrepareRetry = c.prepareRetry
	rc.ErrorHandler = c.handleError
	c.rc = rc
	return c
}

// BackoffDelay is the wait before retry n (0-based): min(2^n, 60) units.
func BackoffDelay(n int, unit time.Duration) time.Duration {
	const maxFactor = 60
	if n < 0 {
		n = 0
	}
	factor := maxFactor
	if n < 6 {
		factor = min(1<<n, maxFactor)
	}
	return time.Duration(factor) * unit
}

// LocationFor maps a session to a pseudo-location from pool. The same
// session always maps to the same entry.
func LocationFor(sessionID string, pool []string) string {
	if len(pool) == 0 {
		return ""
	}
	return pool[xxhash.Sum64String(sessionID)%uint64(len(pool))]
}

// Send POSTs req, retrying transport errors and retryable statuses. The error
// is non-nil only for OutcomeFailed and wraps core.ErrTransport or
// core.ErrClientShutdown.
func (c *Client) Send(ctx context.Context, req *Request) (Result, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	st := &sendState{cancel: cancel}
	if !c.track(st) {
		return Result{Outcome: OutcomeFailed}, &core.AgentError{
			Op:   "exporter.Send",
			Kind: "export",
			Err:  core.ErrClientShutdown,
		}
	}
	defer c.untrack(st)
	ctx = context.WithValue(ctx, sendStateKey{}, st)

	hreq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, req.URL, req.Body)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, &core.AgentError{
			Op:      "exporter.Send",
			Kind:    "export",
			Message: "invalid export request",
			Err:     fmt.Errorf("%w: %v", core.ErrTransport, err),
		}
	}
	if req.ContentType != "" {
		hreq.Header.Set("Content-Type", req.ContentType)
	}
	if req.ContentEncoding != "" {
		hreq.Header.Set("Content-Encoding", req.ContentEncoding)
	}
	if loc := LocationFor(req.SessionID, c.opts.LocationPool); loc != "" {
		hreq.Header.Set(HeaderForwardedFor, loc)
	}

	start := time.Now()
	resp, err := c.rc.Do(hreq)
	result := Result{Attempts: st.attemptCount()}

	if err != nil {
		result.Outcome = OutcomeFailed
		c.metrics.ExportOutcome(ctx, result.Outcome.String(), time.Since(start))

		if errors.Is(err, core.ErrClientShutdown) || errors.Is(context.Cause(ctx), core.ErrClientShutdown) {
			c.logger.Warn("Export abandoned, client shut down", map[string]interface{}{
				"url":      req.URL,
				"attempts": result.Attempts,
			})
			return result, &core.AgentError{Op: "exporter.Send", Kind: "export", Err: core.ErrClientShutdown}
		}

		c.logger.Error("Export failed after retries", map[string]interface{}{
			"url":      req.URL,
			"attempts": result.Attempts,
			"error":    err,
		})
		return result, &core.AgentError{
			Op:      "exporter.Send",
			Kind:    "export",
			Message: fmt.Sprintf("giving up after %d attempt(s)", result.Attempts),
			Err:     fmt.Errorf("%w: %v", core.ErrTransport, err),
		}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	result.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Outcome = OutcomeDelivered
	} else {
		result.Outcome = OutcomeRejected
		fields := map[string]interface{}{
			"url":         req.URL,
			"status_code": resp.StatusCode,
			"attempts":    result.Attempts,
		}
		if _, ok := c.retryable[resp.StatusCode]; ok {
			fields["error_type"] = core.ErrRetryBudgetExhausted.Error()
		} else {
			fields["error_type"] = core.ErrNonRetryableStatus.Error()
		}
		c.logger.Warn("Export rejected by collector", fields)
	}
	c.metrics.ExportOutcome(ctx, result.Outcome.String(), time.Since(start))
	return result, nil
}

// StopRetries keeps accepting sends but gives each one a single attempt.
// Sends waiting out a backoff fail with core.ErrClientShutdown. Call it when
// shutdown begins so queued batches still get their first attempt.
func (c *Client) StopRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retryStopped.Swap(true) {
		return
	}
	for st := range c.sends {
		st.mu.Lock()
		if st.waiting {
			st.cancel(core.ErrClientShutdown)
		}
		st.mu.Unlock()
	}
}

// retriesAllowed is false once StopRetries or Shutdown was called.
func (c *Client) retriesAllowed() bool {
	return !c.retryStopped.Load() && !c.shutdown.Load()
}

// Shutdown stops new sends and pending retries. Attempts already on the wire
// run to completion.
func (c *Client) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown.Swap(true) {
		return
	}
	for st := range c.sends {
		st.mu.Lock()
		if !st.inFlight {
			st.cancel(core.ErrClientShutdown)
		}
		st.mu.Unlock()
	}
	c.logger.Info("Export client shut down", map[string]interface{}{
		"pending_sends": len(c.sends),
	})
}

// IsShutdown reports whether Shutdown was called.
func (c *Client) IsShutdown() bool {
	return c.shutdown.Load()
}

func (c *Client) track(st *sendState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown.Load() {
		return false
	}
	c.sends[st] = struct{}{}
	return true
}

func (c *Client) untrack(st *sendState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sends, st)
}

func (st *sendState) attemptCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.attempts
}

func (c *Client) beforeAttempt(_ retryablehttp.Logger, req *http.Request, n int) {
	if st := stateFrom(req.Context()); st != nil {
		st.mu.Lock()
		st.inFlight = true
		st.waiting = false
		st.attempts = n + 1
		st.mu.Unlock()
	}
	c.metrics.ExportAttempt(req.Context())
	c.logger.Debug("Export attempt", map[string]interface{}{
		"url":     req.URL.String(),
		"attempt": n,
	})
}

// checkRetry decides under the send's lock so that StopRetries either sees
// the send waiting or the send sees retries stopped.
func (c *Client) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	st := stateFrom(ctx)
	if st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
		st.inFlight = false
	}
	if ctx.Err() != nil {
		return false, context.Cause(ctx)
	}

	retry := err != nil
	if resp != nil {
		_, retry = c.retryable[resp.StatusCode]
	}
	if !retry {
		return false, nil
	}
	if !c.retriesAllowed() {
		// a response is final as received
		if resp != nil {
			return false, nil
		}
		return false, core.ErrClientShutdown
	}
	if st != nil && st.attempts <= c.opts.MaxRetries {
		st.waiting = true
	}
	return true, nil
}

func (c *Client) backoff(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
	if !c.retriesAllowed() {
		return 0
	}
	return BackoffDelay(attemptNum, c.opts.BackoffUnit)
}

func (c *Client) prepareRetry(req *http.Request) error {
	if !c.retriesAllowed() {
		return core.ErrClientShutdown
	}
	return nil
}

// handleError turns an exhausted retryable status back into a response and
// keeps transport failures as errors.
func (c *Client) handleError(resp *http.Response, err error, numTries int) (*http.Response, error) {
	if resp != nil && err == nil {
		return resp, nil
	}
	if resp != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
	}
	if err == nil {
		err = fmt.Errorf("giving up after %d attempt(s)", numTries)
	}
	return nil, err
}

// leveledLogger adapts core.Logger to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger core.Logger
}

func kvFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, kvFields(keysAndValues))
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, kvFields(keysAndValues))
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, kvFields(keysAndValues))
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn(msg, kvFields(keysAndValues))
}
