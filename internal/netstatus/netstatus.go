// Package netstatus tracks whether the remote backend is reachable and
// notifies subscribers of online/offline transitions.
package netstatus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/gradesync/internal/clock"
	"github.com/marcus/gradesync/internal/remote"
)

// Transition is one change of connectivity.
type Transition struct {
	From bool
	To   bool
	At   time.Time
}

// Reconnected reports an offline to online change.
func (t Transition) Reconnected() bool { return !t.From && t.To }

// Monitor holds the current online state.
type Monitor struct {
	mu     sync.Mutex
	online bool
	clk    clock.Clock
	subs   map[int]chan Transition
	nextID int
}

// NewMonitor returns a monitor with the given initial state.
func NewMonitor(online bool, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	return &Monitor{online: online, clk: clk, subs: make(map[int]chan Transition)}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set updates the state and notifies subscribers when it changed. Returns
// whether it changed. Notifications never block: a subscriber whose buffer
// is full misses the event.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return false
	}
	tr := Transition{From: m.online, To: online, At: m.clk.Now()}
	m.online = online
	slog.Info("network status changed", "online", online)
	for _, ch := range m.subs {
		select {
		case ch <- tr:
		default:
		}
	}
	return true
}

// Subscribe returns a channel of transitions and a cancel func that closes it.
func (m *Monitor) Subscribe(buf int) (<-chan Transition, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Transition, buf)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Prober pings the remote on an interval and feeds the monitor.
type Prober struct {
	Pinger   remote.Pinger
	Monitor  *Monitor
	Interval time.Duration
	Timeout  time.Duration
	Clock    clock.Clock
}

// Probe pings once and records the outcome.
func (p *Prober) Probe(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := p.Pinger.Ping(ctx)
	if err != nil {
		slog.Debug("remote probe failed", "err", err)
	}
	p.Monitor.Set(err == nil)
	return err == nil
}

// Run probes immediately and then every Interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	clk := p.Clock
	if clk == nil {
		clk = clock.Real()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	p.Probe(ctx)
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.Probe(ctx)
		}
	}
}

// Detect returns a monitor initialised from one probe of c. Clients without
// a Pinger are assumed online.
func Detect(ctx context.Context, c remote.Client, clk clock.Clock) *Monitor {
	m := NewMonitor(true, clk)
	if pinger, ok := c.(remote.Pinger); ok {
		(&Prober{Pinger: pinger, Monitor: m}).Probe(ctx)
	}
	return m
}
