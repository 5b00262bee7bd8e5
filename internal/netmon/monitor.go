// Package netmon tracks device network connectivity. It polls a probe
// target, debounces flapping links, and notifies subscribers only when
// the observable state actually changes.
package netmon

import (
	"log"
	"net"
	"sync"
	"time"
)

type Reachability string

const (
	ReachabilityUnknown     Reachability = "unknown"
	ReachabilityReachable   Reachability = "reachable"
	ReachabilityUnreachable Reachability = "unreachable"
)

type Status struct {
	Connected bool         `json:"connected"`
	Reachable Reachability `json:"reachable"`
	Kind      string       `json:"kind"`
	CheckedAt time.Time    `json:"checked_at"`
}

// Prober answers whether the network is currently usable. The default
// implementation dials a well-known address; tests supply their own.
type Prober interface {
	Probe() (connected bool, kind string)
}

type dialProber struct {
	address string
	timeout time.Duration
}

func (p *dialProber) Probe() (bool, string) {
	conn, err := net.DialTimeout("tcp", p.address, p.timeout)
	if err != nil {
		return false, "none"
	}
	conn.Close()
	return true, "ip"
}

func NewDialProber(address string, timeout time.Duration) Prober {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &dialProber{address: address, timeout: timeout}
}

type Config struct {
	PollInterval   time.Duration
	DebounceWindow time.Duration
}

type subscriber func(Status)

type Monitor struct {
	prober Prober
	config Config

	mu           sync.RWMutex
	status       Status
	pending      *Status
	pendingSince time.Time
	nextID       int
	subscribers  map[int]subscriber

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

func NewMonitor(prober Prober, cfg Config) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}

	return &Monitor{
		prober: prober,
		config: cfg,
		status: Status{
			Connected: false,
			Reachable: ReachabilityUnknown,
			Kind:      "unknown",
		},
		subscribers: make(map[int]subscriber),
		stopCh:      make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.Refresh()

	m.wg.Add(1)
	go m.pollLoop()
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) pollLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.observe()
		}
	}
}

// observe folds one probe result into the debounced state. A change is
// committed only once the same result has been seen for the whole
// debounce window; agreeing results clear any pending flip.
func (m *Monitor) observe() {
	connected, kind := m.prober.Probe()
	now := time.Now()

	m.mu.Lock()

	if connected == m.status.Connected {
		m.pending = nil
		m.status.Kind = kind
		m.status.CheckedAt = now
		m.mu.Unlock()
		return
	}

	candidate := Status{
		Connected: connected,
		Reachable: m.status.Reachable,
		Kind:      kind,
		CheckedAt: now,
	}

	if m.pending == nil || m.pending.Connected != connected {
		m.pending = &candidate
		m.pendingSince = now
		m.mu.Unlock()
		return
	}

	if now.Sub(m.pendingSince) < m.config.DebounceWindow {
		m.mu.Unlock()
		return
	}

	m.pending = nil
	m.commitLocked(candidate)
}

// commitLocked stores the new status and notifies subscribers outside
// the lock. Caller holds m.mu; it is released here.
func (m *Monitor) commitLocked(next Status) {
	prev := m.status
	m.status = next

	changed := prev.Connected != next.Connected || prev.Reachable != next.Reachable
	var fns []subscriber
	if changed {
		fns = make([]subscriber, 0, len(m.subscribers))
		for _, fn := range m.subscribers {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	log.Printf("[netmon] connectivity changed: connected=%v reachable=%s kind=%s",
		next.Connected, next.Reachable, next.Kind)

	for _, fn := range fns {
		fn(next)
	}
}

// Refresh forces an immediate probe, bypassing the debounce window.
func (m *Monitor) Refresh() Status {
	connected, kind := m.prober.Probe()

	m.mu.Lock()
	m.pending = nil
	next := Status{
		Connected: connected,
		Reachable: m.status.Reachable,
		Kind:      kind,
		CheckedAt: time.Now(),
	}
	m.commitLocked(next)

	m.mu.RLock()
	status := m.status
	m.mu.RUnlock()
	return status
}

// SetReachable records the backend reachability verdict produced by the
// health checker. Connectivity and reachability are distinct signals.
func (m *Monitor) SetReachable(reachable bool) {
	next := ReachabilityUnreachable
	if reachable {
		next = ReachabilityReachable
	}

	m.mu.Lock()
	if m.status.Reachable == next {
		m.mu.Unlock()
		return
	}
	updated := m.status
	updated.Reachable = next
	m.commitLocked(updated)
}

func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsOnline reports whether the device currently has network access.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Connected
}

// Subscribe registers a callback invoked whenever Connected or
// Reachable changes. The returned function removes the subscription.
func (m *Monitor) Subscribe(fn func(Status)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}
