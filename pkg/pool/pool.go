// Package pool maintains the warm pool of sandbox containers: spawn,
// ready tracking, acquisition with cold-spawn fallback, reuse caps, and
// the rate-limited warmer.
package pool

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/chaiyawut/butler/pkg/ipc"
	"github.com/chaiyawut/butler/pkg/log"
	"github.com/chaiyawut/butler/pkg/metrics"
	"github.com/chaiyawut/butler/pkg/runtime"
	"github.com/chaiyawut/butler/pkg/types"
)

// Config holds the pool's tunables.
type Config struct {
	Min int
	Max int
	// HardMax caps total instances including cold-spawn fallbacks past
	// Max. Values below Max (including zero) mean Max.
	HardMax        int
	MaxReuse       int
	SessionMaxAge  time.Duration
	// IdleTimeout reaps ready instances unused for this long, down to
	// Min. Zero disables reaping.
	IdleTimeout    time.Duration
	// CloseGrace bounds the wait for an agent to exit after the close
	// request, before the runtime teardown.
	CloseGrace     time.Duration
	WarmupInterval time.Duration
	WarmingMax     time.Duration
	IPCPoll        time.Duration

	Image       string
	MemoryLimit int64
	CPULimit    float64

	DataDir    string
	HMACSecret string
}

// Handle is one live instance held by a caller between Acquire and
// Release. Stdin and Stdout are the agent process streams.
type Handle struct {
	Inst   *types.Instance
	Slot   *ipc.Slot
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	// FirstUse is true until the first successful release; the
	// dispatcher writes the bootstrap document only then.
	FirstUse bool
}

// Pool owns every container instance. The mutex guards only the
// in-memory maps; spawn and destroy run outside it.
type Pool struct {
	cfg Config
	rt  runtime.Runtime

	mu      sync.Mutex
	ready   []*Handle
	inUse   map[string]*Handle
	warming int

	coldSpawns int64

	warmLimiter *rate.Limiter
	logger      zerolog.Logger
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New builds the pool.
func New(cfg Config, rt runtime.Runtime) *Pool {
	interval := cfg.WarmupInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Pool{
		cfg:         cfg,
		rt:          rt,
		inUse:       make(map[string]*Handle),
		warmLimiter: rate.NewLimiter(rate.Every(interval), 1),
		logger:      log.WithComponent("pool"),
		stopCh:      make(chan struct{}),
	}
}

// Start pulls the agent image and launches the maintainer loop that
// keeps the pool at its minimum size.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.rt.PullImage(ctx, p.cfg.Image); err != nil {
		return fmt.Errorf("failed to pull agent image: %w", err)
	}
	p.wg.Add(1)
	go p.maintain()
	return nil
}

// Stop drains the pool, destroying every instance.
func (p *Pool) Stop(ctx context.Context) {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.ready)+len(p.inUse))
	handles = append(handles, p.ready...)
	for _, h := range p.inUse {
		handles = append(handles, h)
	}
	p.ready = nil
	p.inUse = make(map[string]*Handle)
	p.mu.Unlock()

	for _, h := range handles {
		p.destroy(ctx, h)
	}
	p.updateGauges()
}

// Acquire pops a ready instance, preferring one already bound to the
// conversation, and binds it. With no ready instance it cold-spawns
// synchronously and counts the fallback.
func (p *Pool) Acquire(ctx context.Context, conversationID string) (*Handle, error) {
	p.mu.Lock()
	var h *Handle
	idx := -1
	for i, cand := range p.ready {
		if cand.Inst.ConversationID == conversationID {
			idx = i
			break
		}
	}
	if idx < 0 && len(p.ready) > 0 {
		idx = 0
	}
	if idx >= 0 {
		h = p.ready[idx]
		p.ready = append(p.ready[:idx], p.ready[idx+1:]...)
		if h.Inst.ConversationID != conversationID {
			// The instance's live session belongs to another
			// conversation; the next turn must re-bootstrap.
			h.FirstUse = true
		}
		h.Inst.State = types.InstanceStateInUse
		h.Inst.ConversationID = conversationID
		h.Inst.LastUsedAt = time.Now()
		p.inUse[h.Inst.Name] = h
	}
	p.mu.Unlock()

	if h != nil {
		p.updateGauges()
		return h, nil
	}

	// Cold spawn outside the lock, bounded by the hard cap. The cap is
	// never below Max, so the warm pool alone can always fill.
	hardMax := p.cfg.HardMax
	if hardMax < p.cfg.Max {
		hardMax = p.cfg.Max
	}
	p.mu.Lock()
	total := len(p.ready) + len(p.inUse) + p.warming
	if total >= hardMax {
		p.mu.Unlock()
		return nil, fmt.Errorf("container capacity reached: %d of %d in service", total, hardMax)
	}
	p.coldSpawns++
	p.mu.Unlock()
	metrics.ColdSpawnFallbacks.Inc()
	p.logger.Info().Str("conversation", conversationID).Msg("no warm instance, cold spawning")
	h, err := p.spawn(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	h.Inst.State = types.InstanceStateInUse
	h.Inst.ConversationID = conversationID
	h.Inst.LastUsedAt = time.Now()
	p.inUse[h.Inst.Name] = h
	p.mu.Unlock()
	p.updateGauges()
	return h, nil
}

// Release returns an instance to the pool. Unhealthy instances and
// instances past their reuse or age caps drain and are destroyed.
func (p *Pool) Release(ctx context.Context, h *Handle, healthy bool) {
	p.mu.Lock()
	delete(p.inUse, h.Inst.Name)
	h.Inst.ReuseCount++
	h.FirstUse = false
	age := time.Since(h.Inst.CreatedAt)
	keep := healthy &&
		h.Inst.ReuseCount < p.cfg.MaxReuse &&
		age < p.cfg.SessionMaxAge
	if keep {
		h.Inst.State = types.InstanceStateReady
		h.Inst.LastUsedAt = time.Now()
		p.ready = append(p.ready, h)
	} else {
		h.Inst.State = types.InstanceStateDraining
	}
	p.mu.Unlock()
	p.updateGauges()

	if !keep {
		p.destroy(ctx, h)
		p.updateGauges()
	}
}

// Stats is the snapshot reported by the health surface.
type Stats struct {
	Total              int   `json:"total"`
	Ready              int   `json:"ready"`
	InUse              int   `json:"inUse"`
	Warming            int   `json:"warming"`
	MaxSize            int   `json:"maxSize"`
	ReuseCount         int   `json:"reuseCount"`
	ColdSpawnFallbacks int64 `json:"coldSpawnFallbacks"`
}

// Snapshot returns the current pool statistics.
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	reuse := 0
	for _, h := range p.ready {
		reuse += h.Inst.ReuseCount
	}
	for _, h := range p.inUse {
		reuse += h.Inst.ReuseCount
	}
	return Stats{
		Total:              len(p.ready) + len(p.inUse) + p.warming,
		Ready:              len(p.ready),
		InUse:              len(p.inUse),
		Warming:            p.warming,
		MaxSize:            p.cfg.Max,
		ReuseCount:         reuse,
		ColdSpawnFallbacks: p.coldSpawns,
	}
}

// Drain empties the ready set, destroying the drained instances. Admin
// control; in-use instances finish their turns normally.
func (p *Pool) Drain(ctx context.Context) int {
	p.mu.Lock()
	drained := p.ready
	p.ready = nil
	for _, h := range drained {
		h.Inst.State = types.InstanceStateDraining
	}
	p.mu.Unlock()

	for _, h := range drained {
		p.destroy(ctx, h)
	}
	p.updateGauges()
	return len(drained)
}

// maintain keeps the pool at its minimum, rate-limited so a crash loop
// cannot spawn-storm the host.
func (p *Pool) maintain() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapIdle()
			p.mu.Lock()
			deficit := p.cfg.Min - (len(p.ready) + p.warming)
			total := len(p.ready) + len(p.inUse) + p.warming
			p.mu.Unlock()
			if deficit <= 0 || total >= p.cfg.Max {
				continue
			}
			if !p.warmLimiter.Allow() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WarmingMax+30*time.Second)
			h, err := p.spawn(ctx)
			cancel()
			if err != nil {
				p.logger.Error().Err(err).Msg("warm spawn failed")
				continue
			}
			p.mu.Lock()
			h.Inst.State = types.InstanceStateReady
			h.Inst.LastUsedAt = time.Now()
			p.ready = append(p.ready, h)
			p.mu.Unlock()
			p.updateGauges()
		}
	}
}

// reapIdle destroys ready instances unused past the idle timeout, never
// shrinking the warm set below Min.
func (p *Pool) reapIdle() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	p.mu.Lock()
	var keep, reap []*Handle
	remaining := len(p.ready)
	for _, h := range p.ready {
		if remaining > p.cfg.Min && h.Inst.LastUsedAt.Before(cutoff) {
			h.Inst.State = types.InstanceStateDraining
			reap = append(reap, h)
			remaining--
			continue
		}
		keep = append(keep, h)
	}
	p.ready = keep
	p.mu.Unlock()

	if len(reap) == 0 {
		return
	}
	for _, h := range reap {
		p.destroy(context.Background(), h)
	}
	p.logger.Info().Int("count", len(reap)).Msg("idle instances reaped")
	p.updateGauges()
}

// spawn creates and starts one instance and waits for its ready
// sentinel. The instance mounts the workspace root read-only, its IPC
// slot read-write, and the sessions root read-write.
func (p *Pool) spawn(ctx context.Context) (*Handle, error) {
	name := "butler-" + uuid.New().String()[:8]

	p.mu.Lock()
	p.warming++
	p.mu.Unlock()
	p.updateGauges()
	defer func() {
		p.mu.Lock()
		p.warming--
		p.mu.Unlock()
		p.updateGauges()
	}()

	slot, err := ipc.NewSlot(filepath.Join(p.cfg.DataDir, "ipc"), name, []byte(p.cfg.HMACSecret))
	if err != nil {
		return nil, err
	}

	for _, d := range []string{"groups", "sessions"} {
		if err := os.MkdirAll(filepath.Join(p.cfg.DataDir, d), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s dir: %w", d, err)
		}
	}

	spec := &runtime.Spec{
		Name:  name,
		Image: p.cfg.Image,
		Env: []string{
			"BUTLER_IPC_HMAC_SECRET=" + p.cfg.HMACSecret,
			"BUTLER_IPC_DIR=/ipc",
		},
		Mounts: []runtime.Mount{
			{Source: filepath.Join(p.cfg.DataDir, "groups"), Destination: "/workspace", ReadOnly: true},
			{Source: slot.Root(), Destination: "/ipc", ReadOnly: false},
			{Source: filepath.Join(p.cfg.DataDir, "sessions"), Destination: "/sessions", ReadOnly: false},
		},
		MemoryLimit: p.cfg.MemoryLimit,
		CPULimit:    p.cfg.CPULimit,
	}

	if err := p.rt.Create(ctx, spec); err != nil {
		slot.Remove()
		return nil, fmt.Errorf("failed to create instance %s: %w", name, err)
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	if err := p.rt.Start(ctx, name, stdinR, stdoutW, os.Stderr); err != nil {
		_ = p.rt.Delete(context.Background(), name)
		slot.Remove()
		return nil, fmt.Errorf("failed to start instance %s: %w", name, err)
	}

	h := &Handle{
		Inst: &types.Instance{
			Name:      name,
			State:     types.InstanceStateWarming,
			CreatedAt: time.Now(),
		},
		Slot:     slot,
		Stdin:    stdinW,
		Stdout:   stdoutR,
		FirstUse: true,
	}

	if err := slot.WaitReady(p.cfg.WarmingMax, p.cfg.IPCPoll); err != nil {
		p.destroy(context.Background(), h)
		return nil, fmt.Errorf("instance %s never became ready: %w", name, err)
	}
	p.logger.Debug().Str("instance", name).Msg("instance ready")
	return h, nil
}

// destroy tears down one instance: close request, stop, delete, and
// slot removal. Never leaks mounts or slot files.
func (p *Pool) destroy(ctx context.Context, h *Handle) {
	h.Inst.State = types.InstanceStateDraining

	// Ask the agent to finish and exit on its own; escalate to the
	// runtime teardown when the grace window runs out.
	grace := p.cfg.CloseGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	if err := h.Slot.RequestClose(); err == nil {
		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			if !p.rt.IsRunning(ctx, h.Inst.Name) {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
	if h.Slot.ConsumeClose() {
		p.logger.Debug().Str("instance", h.Inst.Name).Msg("agent ignored close request")
	}
	_ = h.Slot.DrainInput()

	if h.Stdin != nil {
		_ = h.Stdin.Close()
	}
	if err := p.rt.Stop(ctx, h.Inst.Name, 10*time.Second); err != nil {
		p.logger.Warn().Err(err).Str("instance", h.Inst.Name).Msg("stop failed during destroy")
	}
	if err := p.rt.Delete(ctx, h.Inst.Name); err != nil {
		p.logger.Warn().Err(err).Str("instance", h.Inst.Name).Msg("delete failed during destroy")
	}
	if err := h.Slot.Remove(); err != nil {
		p.logger.Warn().Err(err).Str("instance", h.Inst.Name).Msg("slot removal failed")
	}
	p.logger.Debug().Str("instance", h.Inst.Name).Int("reuse", h.Inst.ReuseCount).Msg("instance destroyed")
}

func (p *Pool) updateGauges() {
	p.mu.Lock()
	ready, inUse, warming := len(p.ready), len(p.inUse), p.warming
	p.mu.Unlock()
	metrics.PoolInstances.WithLabelValues(string(types.InstanceStateReady)).Set(float64(ready))
	metrics.PoolInstances.WithLabelValues(string(types.InstanceStateInUse)).Set(float64(inUse))
	metrics.PoolInstances.WithLabelValues(string(types.InstanceStateWarming)).Set(float64(warming))
}
