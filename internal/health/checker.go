// Package health answers "is the backend alive" as distinct from raw
// connectivity. Probe results are cached briefly so interested callers
// do not turn into a probe storm.
package health

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/civiq/fieldsync/internal/remote"
)

type Result struct {
	Reachable      bool      `json:"reachable"`
	ResponseTimeMs int64     `json:"response_time_ms,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Prober performs one reachability check against the backend.
type Prober interface {
	Probe(ctx context.Context) remote.ProbeResult
}

type Config struct {
	CacheTTL time.Duration
}

type Checker struct {
	prober   Prober
	cacheTTL time.Duration
	onResult func(reachable bool)

	mu         sync.RWMutex
	last       *Result
	flight     chan struct{}
	periodicCh chan struct{}
	wg         sync.WaitGroup
}

func NewChecker(prober Prober, cfg Config) *Checker {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Second
	}
	return &Checker{
		prober:   prober,
		cacheTTL: cfg.CacheTTL,
	}
}

// OnResult registers a callback invoked with the verdict of every
// completed probe. Used to feed reachability into the connectivity
// monitor.
func (c *Checker) OnResult(fn func(reachable bool)) {
	c.mu.Lock()
	c.onResult = fn
	c.mu.Unlock()
}

// CheckHealth returns the cached verdict when it is fresh enough,
// otherwise runs a probe. skipCache forces a probe regardless.
func (c *Checker) CheckHealth(ctx context.Context, skipCache bool) Result {
	if !skipCache {
		c.mu.RLock()
		last := c.last
		c.mu.RUnlock()

		if last != nil && time.Since(last.CheckedAt) < c.cacheTTL {
			return *last
		}
	}

	return c.sharedProbe(ctx)
}

// sharedProbe issues at most one probe at a time. A caller arriving
// while a probe is in flight waits for that one and shares its verdict
// instead of adding another request to the pile.
func (c *Checker) sharedProbe(ctx context.Context) Result {
	c.mu.Lock()
	if c.flight != nil {
		done := c.flight
		c.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
		}

		c.mu.RLock()
		last := c.last
		c.mu.RUnlock()
		if last != nil {
			return *last
		}
		return Result{CheckedAt: time.Now()}
	}

	done := make(chan struct{})
	c.flight = done
	c.mu.Unlock()

	result := c.probe(ctx)

	c.mu.Lock()
	c.flight = nil
	c.mu.Unlock()
	close(done)

	return result
}

func (c *Checker) probe(ctx context.Context) Result {
	probed := c.prober.Probe(ctx)

	result := Result{
		Reachable:      probed.Reachable,
		ResponseTimeMs: probed.ResponseTimeMs,
		CheckedAt:      probed.CheckedAt,
	}

	c.mu.Lock()
	prev := c.last
	c.last = &result
	fn := c.onResult
	c.mu.Unlock()

	if prev == nil || prev.Reachable != result.Reachable {
		log.Printf("[health] backend reachable=%v response_time_ms=%d",
			result.Reachable, result.ResponseTimeMs)
	}

	if fn != nil {
		fn(result.Reachable)
	}

	return result
}

// IsHealthyNow is a non-blocking read of the last verdict. A stale or
// missing verdict kicks off a background refresh; the caller is never
// made to wait. No verdict yet means unhealthy.
func (c *Checker) IsHealthyNow() bool {
	c.mu.RLock()
	last := c.last
	stale := last == nil || time.Since(last.CheckedAt) >= c.cacheTTL
	refresh := stale && c.flight == nil
	c.mu.RUnlock()

	if refresh {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			c.sharedProbe(ctx)
		}()
	}

	if last == nil {
		return false
	}
	return last.Reachable
}

// StartPeriodicChecks begins a recurring probe. Calling it again while
// running is a no-op, so there is never more than one timer.
func (c *Checker) StartPeriodicChecks(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	c.mu.Lock()
	if c.periodicCh != nil {
		c.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	c.periodicCh = stopCh
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				c.sharedProbe(ctx)
				cancel()
			}
		}
	}()
}

func (c *Checker) StopPeriodicChecks() {
	c.mu.Lock()
	stopCh := c.periodicCh
	c.periodicCh = nil
	c.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	c.wg.Wait()
}
