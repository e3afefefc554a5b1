// Package auth supplies credentials and SigV4 signatures for export requests.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"golang.org/x/sync/singleflight"

	"github.com/itsneelabh/rumagent/core"
	"github.com/itsneelabh/rumagent/telemetry"
)

// CredentialCache caches credentials from an upstream provider and refreshes
// them shortly before they expire. Concurrent callers share one refresh.
// It implements aws.CredentialsProvider.
type CredentialCache struct {
	provider aws.CredentialsProvider
	buffer   time.Duration
	now      func() time.Time
	logger   core.Logger
	metrics  *telemetry.Recorder

	mu    sync.RWMutex
	creds aws.Credentials
	valid bool

	group singleflight.Group
}

// CacheOption customises a CredentialCache.
type CacheOption func(*CredentialCache)

// WithRefreshBuffer sets how long before expiry credentials are refreshed.
func WithRefreshBuffer(d time.Duration) CacheOption {
	return func(c *CredentialCache) {
		if d >= 0 {
			c.buffer = d
		}
	}
}

// WithCacheClock overrides time.Now, for tests.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *CredentialCache) { c.now = now }
}

// WithCacheLogger sets the logger.
func WithCacheLogger(logger core.Logger) CacheOption {
	return func(c *CredentialCache) { c.logger = core.ComponentLogger(logger, "rumagent/auth") }
}

// WithCacheMetrics counts refreshes on r.
func WithCacheMetrics(r *telemetry.Recorder) CacheOption {
	return func(c *CredentialCache) { c.metrics = r }
}

// NewCredentialCache wraps provider.
func NewCredentialCache(provider aws.CredentialsProvider, opts ...CacheOption) *CredentialCache {
	c := &CredentialCache{
		provider: provider,
		buffer:   core.DefaultRefreshBuffer,
		now:      time.Now,
		logger:   &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Retrieve returns cached credentials or fetches new ones. A fetch error is
// returned as core.ErrCredentialFetchFailed wrapping the cause; the cache
// keeps no result and the next call tries again.
func (c *CredentialCache) Retrieve(ctx context.Context) (aws.Credentials, error) {
	if creds, ok := c.cached(); ok {
		return creds, nil
	}

	// The fetch outlives a single waiter's cancellation.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("refresh", func() (interface{}, error) {
		if creds, ok := c.cached(); ok {
			return creds, nil
		}
		return c.refresh(fetchCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return aws.Credentials{}, res.Err
		}
		return res.Val.(aws.Credentials), nil
	case <-ctx.Done():
		return aws.Credentials{}, &core.CredentialError{Cause: ctx.Err()}
	}
}

func (c *CredentialCache) refresh(ctx context.Context) (aws.Credentials, error) {
	if c.provider == nil {
		return aws.Credentials{}, &core.CredentialError{Cause: core.ErrMissingConfiguration}
	}

	creds, err := c.provider.Retrieve(ctx)
	c.metrics.CredentialRefresh(ctx, err)
	if err != nil {
		c.logger.Error("Credential refresh failed", map[string]interface{}{
			"error":      err,
			"error_type": core.ErrCredentialFetchFailed.Error(),
		})
		return aws.Credentials{}, &core.CredentialError{Cause: err}
	}

	c.mu.Lock()
	c.creds = creds
	c.valid = true
	c.mu.Unlock()

	fields := map[string]interface{}{"source": creds.Source}
	if creds.CanExpire {
		fields["expires"] = creds.Expires
	}
	c.logger.Debug("Credentials refreshed", fields)
	return creds, nil
}

func (c *CredentialCache) cached() (aws.Credentials, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.valid || c.needsRefresh(c.creds) {
		return aws.Credentials{}, false
	}
	return c.creds, true
}

// needsRefresh is true once now + buffer reaches the expiry.
func (c *CredentialCache) needsRefresh(creds aws.Credentials) bool {
	if !creds.CanExpire {
		return false
	}
	return !c.now().Add(c.buffer).Before(creds.Expires)
}

// Invalidate drops the cached credentials so the next Retrieve refreshes.
func (c *CredentialCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = aws.Credentials{}
	c.valid = false
}
