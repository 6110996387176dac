// Package online tracks server reachability with a periodic ping probe and
// notifies subscribers on up/down edges.
package online

import (
	"context"
	"sync"
	"time"

	"threadsync/internal/logging"
)

// DefaultInterval is how often the server is probed.
const DefaultInterval = 3 * time.Second

// Pinger probes the server, returning nil when it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor polls the pinger. It starts out offline until the first
// successful probe.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	log      logging.Logger

	mu     sync.Mutex
	online bool
	subs   map[int]func(up bool)
	nextID int
}

func New(p Pinger, interval time.Duration, log logging.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		pinger:   p,
		interval: interval,
		log:      log,
		subs:     make(map[int]func(up bool)),
	}
}

// Start probes immediately and then on every tick until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		m.probe(ctx)
		t := time.NewTicker(m.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.probe(ctx)
			}
		}
	}()
}

// Online reports the result of the most recent probe.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers an edge callback, invoked with true on the
// offline-to-online transition and false on the reverse. It returns an
// unsubscribe function.
func (m *Monitor) Subscribe(fn func(up bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) probe(ctx context.Context) {
	up := m.pinger.Ping(ctx) == nil

	m.mu.Lock()
	if up == m.online {
		m.mu.Unlock()
		return
	}
	m.online = up
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	if up {
		m.log.Info(ctx, "server reachable")
	} else {
		m.log.Warn(ctx, "server unreachable")
	}
	for _, fn := range fns {
		fn(up)
	}
}
