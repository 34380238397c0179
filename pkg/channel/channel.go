// Package channel defines the contract external messaging adapters
// implement, a registry keyed by channel name, and the watchdog that
// restarts adapters failing liveness checks.
package channel

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chaiyawut/butler/pkg/log"
)

// MessageRef identifies a previously sent message for editing.
type MessageRef string

// Adapter is one external messaging channel. Send is best-effort.
// Typing and edit support are optional: adapters without them return
// ErrUnsupported and the dispatcher degrades to final-send-only.
type Adapter interface {
	Name() string

	Send(conversationID, body, senderTag string) (MessageRef, error)
	SetTyping(conversationID string) error
	StopTyping(conversationID string) error
	EditMessage(conversationID string, ref MessageRef, newBody string) error

	IsConnected() bool
	LastEventAt() time.Time

	Start() error
	Stop() error
}

// ErrUnsupported marks an optional adapter capability that is absent.
var ErrUnsupported = fmt.Errorf("capability not supported")

// Registry holds the live adapters keyed by channel name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   zerolog.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		logger:   log.WithComponent("channel"),
	}
}

// Register adds an adapter. A duplicate name replaces the previous
// adapter after stopping it.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	prev := r.adapters[a.Name()]
	r.adapters[a.Name()] = a
	r.mu.Unlock()
	if prev != nil {
		if err := prev.Stop(); err != nil {
			r.logger.Warn().Err(err).Str("channel", prev.Name()).Msg("failed to stop replaced adapter")
		}
	}
}

// Get looks an adapter up by name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// All returns the registered adapters.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// Connected reports per-channel connection state for the health surface.
func (r *Registry) Connected() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.adapters))
	for name, a := range r.adapters {
		out[name] = a.IsConnected()
	}
	return out
}

// Watchdog restarts adapters whose liveness checks fail: disconnected,
// or silent past the staleness bound.
type Watchdog struct {
	registry *Registry
	interval time.Duration
	maxIdle  time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewWatchdog builds the watchdog. maxIdle of zero disables the
// staleness check.
func NewWatchdog(r *Registry, interval, maxIdle time.Duration) *Watchdog {
	return &Watchdog{
		registry: r,
		interval: interval,
		maxIdle:  maxIdle,
		logger:   log.WithComponent("watchdog"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the liveness loop.
func (w *Watchdog) Start() {
	go w.run()
}

// Stop stops the liveness loop.
func (w *Watchdog) Stop() {
	close(w.stopCh)
}

func (w *Watchdog) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watchdog) check() {
	for _, a := range w.registry.All() {
		healthy := a.IsConnected()
		if healthy && w.maxIdle > 0 && time.Since(a.LastEventAt()) > w.maxIdle {
			healthy = false
		}
		if healthy {
			continue
		}
		w.logger.Warn().Str("channel", a.Name()).Msg("adapter failed liveness check, restarting")
		if err := a.Stop(); err != nil {
			w.logger.Warn().Err(err).Str("channel", a.Name()).Msg("adapter stop failed")
		}
		if err := a.Start(); err != nil {
			w.logger.Error().Err(err).Str("channel", a.Name()).Msg("adapter restart failed")
		}
	}
}
