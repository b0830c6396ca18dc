// Package network holds queued uploads while the device is offline.
package network

import (
	"context"
	"net"
	"sync"
	"time"

	"trackup/pkg/logger"
)

// Prober answers whether the network is usable right now.
type Prober interface {
	Probe(ctx context.Context) error
}

// DialProber considers the network up when a TCP connection to Addr opens.
type DialProber struct {
	Addr    string
	Timeout time.Duration
}

func (p DialProber) Probe(ctx context.Context) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Gate stops and resumes dispatch of one queue. *asynq.Inspector satisfies it.
type Gate interface {
	PauseQueue(queue string) error
	UnpauseQueue(queue string) error
}

// Monitor probes connectivity on an interval and pauses the queue while the
// network is down. Paused tasks stay persisted and run once it is back.
type Monitor struct {
	prober   Prober
	gate     Gate
	queue    string
	interval time.Duration
	logger   *logger.Logger

	mu     sync.Mutex
	online *bool
}

func NewMonitor(prober Prober, gate Gate, queue string, interval time.Duration) *Monitor {
	return &Monitor{
		prober:   prober,
		gate:     gate,
		queue:    queue,
		interval: interval,
		logger:   logger.NewDefault().With(map[string]any{"component": "network", "queue": queue}),
	}
}

// Run probes immediately and then every interval until ctx is done. The
// queue is left unpaused on the way out so a restart without the monitor
// does not inherit a paused queue.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			m.resume()
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and applies a state change to the queue.
func (m *Monitor) Check(ctx context.Context) {
	err := m.prober.Probe(ctx)
	if ctx.Err() != nil {
		return
	}
	online := err == nil

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online != nil && *m.online == online {
		return
	}

	// A queue already in the wanted state makes the inspector return an
	// error; the state is recorded either way.
	if online {
		if gateErr := m.gate.UnpauseQueue(m.queue); gateErr != nil {
			m.logger.Debug("resume queue", map[string]any{"error": gateErr.Error()})
		}
		m.logger.Info("network is up, dispatch resumed", nil)
	} else {
		if gateErr := m.gate.PauseQueue(m.queue); gateErr != nil {
			m.logger.Debug("pause queue", map[string]any{"error": gateErr.Error()})
		}
		m.logger.Warn("network is down, dispatch paused", map[string]any{"error": err.Error()})
	}
	m.online = &online
}

// Online reports the last observed state; false before the first probe.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online != nil && *m.online
}

func (m *Monitor) resume() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online != nil && !*m.online {
		if err := m.gate.UnpauseQueue(m.queue); err != nil {
			m.logger.Error("failed to resume queue on shutdown", err, nil)
		}
	}
}
