// Package remote talks to the HTTP services the validity rules depend on: the
// client release feed and the companion programme backend.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned for a 404.
	ErrNotFound = errors.New("remote resource not found")
	// ErrBreakerOpen is returned while the service is cooling down after
	// repeated server failures.
	ErrBreakerOpen = errors.New("remote service unavailable, breaker open")
)

// Opts configures a jsonClient.
type Opts struct {
	BaseURL string
	Headers map[string]string
	Timeout time.Duration // default 15s
	// MinInterval spaces consecutive requests. Default 200ms.
	MinInterval time.Duration
	// BreakerFailures consecutive server failures open the breaker for
	// BreakerCooldown. Defaults 3 and 30s.
	BreakerFailures int
	BreakerCooldown time.Duration
}

// jsonClient GETs JSON documents from one service, throttled and guarded by
// a circuit breaker.
type jsonClient struct {
	base    string
	headers map[string]string
	http    *http.Client
	opts    Opts

	mu        sync.Mutex
	next      time.Time // earliest start of the next request
	failures  int
	openUntil time.Time
}

func newJSONClient(o Opts) *jsonClient {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.MinInterval <= 0 {
		o.MinInterval = 200 * time.Millisecond
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
	return &jsonClient{
		base:    strings.TrimRight(o.BaseURL, "/"),
		headers: o.Headers,
		http:    &http.Client{Timeout: o.Timeout},
		opts:    o,
	}
}

// reserve claims the next request slot, failing fast while the breaker is
// open, and returns how long to wait for it.
func (c *jsonClient) reserve() (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.Before(c.openUntil) {
		return 0, ErrBreakerOpen
	}
	start := now
	if c.next.After(now) {
		start = c.next
	}
	c.next = start.Add(c.opts.MinInterval)
	return start.Sub(now), nil
}

func (c *jsonClient) wait(ctx context.Context) error {
	d, err := c.reserve()
	if err != nil || d == 0 {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *jsonClient) outcome(serverFailure bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !serverFailure {
		c.failures = 0
		return
	}
	c.failures++
	if c.failures >= c.opts.BreakerFailures {
		c.openUntil = time.Now().Add(c.opts.BreakerCooldown)
		c.failures = 0
	}
}

// get decodes the document at path into out.
func (c *jsonClient) get(ctx context.Context, path string, out any) error {
	if c.base == "" {
		return errors.New("remote endpoint not configured")
	}
	if err := c.wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.outcome(true)
		return err
	}
	defer func() {
		// Drain so the transport can reuse the connection.
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 500:
		c.outcome(true)
		return fmt.Errorf("%s: server error %d", path, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		c.outcome(false)
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	case resp.StatusCode >= 300:
		c.outcome(false)
		return fmt.Errorf("%s: http %d", path, resp.StatusCode)
	}
	c.outcome(false)

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
