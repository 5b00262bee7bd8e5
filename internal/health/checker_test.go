package health

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civiq/fieldsync/internal/remote"
)

type fakeProber struct {
	mu        sync.Mutex
	reachable bool
	calls     int64
}

func (p *fakeProber) Probe(context.Context) remote.ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	atomic.AddInt64(&p.calls, 1)
	return remote.ProbeResult{
		Reachable:      p.reachable,
		ResponseTimeMs: 12,
		CheckedAt:      time.Now(),
	}
}

func (p *fakeProber) set(reachable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reachable = reachable
}

func (p *fakeProber) callCount() int64 {
	return atomic.LoadInt64(&p.calls)
}

func TestCheckHealthCachesWithinTTL(t *testing.T) {
	prober := &fakeProber{reachable: true}
	c := NewChecker(prober, Config{CacheTTL: time.Minute})

	first := c.CheckHealth(context.Background(), false)
	assert.True(t, first.Reachable)
	assert.Equal(t, int64(12), first.ResponseTimeMs)
	require.Equal(t, int64(1), prober.callCount())

	// The backend flips but the cached verdict still answers.
	prober.set(false)
	second := c.CheckHealth(context.Background(), false)
	assert.True(t, second.Reachable)
	assert.Equal(t, first.CheckedAt, second.CheckedAt)
	assert.Equal(t, int64(1), prober.callCount())
}

// gatedProber parks every probe on a channel so a test can pile up
// concurrent callers behind one in-flight check.
type gatedProber struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
	calls   int64
}

func (p *gatedProber) Probe(context.Context) remote.ProbeResult {
	atomic.AddInt64(&p.calls, 1)
	p.once.Do(func() { close(p.started) })
	<-p.release
	return remote.ProbeResult{Reachable: true, ResponseTimeMs: 5, CheckedAt: time.Now()}
}

func TestConcurrentCheckHealthSharesOneProbe(t *testing.T) {
	prober := &gatedProber{started: make(chan struct{}), release: make(chan struct{})}
	c := NewChecker(prober, Config{CacheTTL: time.Minute})

	const callers = 5
	results := make(chan Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.CheckHealth(context.Background(), false)
		}()
	}

	<-prober.started
	// Let the remaining callers reach the in-flight check.
	time.Sleep(20 * time.Millisecond)
	close(prober.release)
	wg.Wait()
	close(results)

	assert.Equal(t, int64(1), atomic.LoadInt64(&prober.calls))
	for result := range results {
		assert.True(t, result.Reachable)
	}
}

func TestCheckHealthSkipCacheForcesProbe(t *testing.T) {
	prober := &fakeProber{reachable: true}
	c := NewChecker(prober, Config{CacheTTL: time.Minute})

	c.CheckHealth(context.Background(), false)
	prober.set(false)

	result := c.CheckHealth(context.Background(), true)
	assert.False(t, result.Reachable)
	assert.Equal(t, int64(2), prober.callCount())
}

func TestCheckHealthProbesWhenCacheExpired(t *testing.T) {
	prober := &fakeProber{reachable: true}
	c := NewChecker(prober, Config{CacheTTL: 10 * time.Millisecond})

	c.CheckHealth(context.Background(), false)
	time.Sleep(20 * time.Millisecond)

	prober.set(false)
	result := c.CheckHealth(context.Background(), false)
	assert.False(t, result.Reachable)
	assert.Equal(t, int64(2), prober.callCount())
}

func TestOnResultReceivesEveryVerdict(t *testing.T) {
	prober := &fakeProber{reachable: true}
	c := NewChecker(prober, Config{CacheTTL: time.Minute})

	var mu sync.Mutex
	var verdicts []bool
	c.OnResult(func(reachable bool) {
		mu.Lock()
		verdicts = append(verdicts, reachable)
		mu.Unlock()
	})

	c.CheckHealth(context.Background(), true)
	prober.set(false)
	c.CheckHealth(context.Background(), true)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, verdicts)
}

func TestIsHealthyNowBeforeAnyProbe(t *testing.T) {
	prober := &fakeProber{reachable: true}
	c := NewChecker(prober, Config{CacheTTL: time.Minute})

	// No verdict yet reads as unhealthy but kicks a background probe.
	assert.False(t, c.IsHealthyNow())

	require.Eventually(t, func() bool {
		return prober.callCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return c.IsHealthyNow()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), prober.callCount())
}

func TestIsHealthyNowReturnsCachedVerdict(t *testing.T) {
	prober := &fakeProber{reachable: true}
	c := NewChecker(prober, Config{CacheTTL: time.Minute})

	c.CheckHealth(context.Background(), false)
	prober.set(false)

	assert.True(t, c.IsHealthyNow(), "fresh verdict is not refreshed")
	assert.Equal(t, int64(1), prober.callCount())
}

func TestPeriodicChecksRunAndStop(t *testing.T) {
	prober := &fakeProber{reachable: true}
	c := NewChecker(prober, Config{CacheTTL: time.Minute})

	c.StartPeriodicChecks(10 * time.Millisecond)
	c.StartPeriodicChecks(10 * time.Millisecond)

	require.Eventually(t, func() bool {
		return prober.callCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	c.StopPeriodicChecks()
	settled := prober.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, prober.callCount())

	c.StopPeriodicChecks()
}
