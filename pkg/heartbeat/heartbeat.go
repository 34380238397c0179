// Package heartbeat runs the recurring self-checks: each job's prompt
// flows through the normal dispatch pipeline, and the agent's response
// is either the literal HEARTBEAT_OK token or a free-form alert. The
// delivery knobs gate what the owning conversation actually sees.
package heartbeat

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chaiyawut/butler/pkg/bus"
	"github.com/chaiyawut/butler/pkg/log"
	"github.com/chaiyawut/butler/pkg/metrics"
	"github.com/chaiyawut/butler/pkg/store"
	"github.com/chaiyawut/butler/pkg/types"
)

// OKToken is the literal an agent returns when a check passed.
const OKToken = "HEARTBEAT_OK"

// deliveryPrefix marks synthetic heartbeat messages so the dispatcher's
// outbound filter can recognize their responses.
const deliveryPrefix = "hb-"

// Knobs are the four delivery-policy switches plus the alert cooldown.
type Knobs struct {
	ShowOK        bool
	ShowAlerts    bool
	UseIndicator  bool
	DeliveryMuted bool
	AlertCooldown time.Duration
}

// Heartbeat drives the configured heartbeat jobs.
type Heartbeat struct {
	knobs    Knobs
	interval time.Duration
	store    *store.BoltStore
	bus      *bus.Bus
	logger   zerolog.Logger

	mu         sync.Mutex
	lastAlerts map[string]time.Time // jobID+content -> last delivery
	lastRunAt  time.Time

	stopCh chan struct{}
}

// New builds the heartbeat driver.
func New(knobs Knobs, interval time.Duration, st *store.BoltStore, b *bus.Bus) *Heartbeat {
	return &Heartbeat{
		knobs:      knobs,
		interval:   interval,
		store:      st,
		bus:        b,
		logger:     log.WithComponent("heartbeat"),
		lastAlerts: make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the heartbeat clock.
func (h *Heartbeat) Start() {
	go h.run()
}

// Stop stops the heartbeat clock.
func (h *Heartbeat) Stop() {
	close(h.stopCh)
}

// LastRunAt reports when the last probe round started, for the health
// surface.
func (h *Heartbeat) LastRunAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastRunAt
}

func (h *Heartbeat) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.probe(time.Now())
		}
	}
}

// probe fires every configured heartbeat job through the bus. Muted
// delivery still runs the checks so internal state stays fresh.
func (h *Heartbeat) probe(now time.Time) {
	jobs, err := h.store.ListHeartbeats()
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list heartbeat jobs")
		return
	}
	h.mu.Lock()
	h.lastRunAt = now
	h.mu.Unlock()

	for _, job := range jobs {
		h.bus.Publish(&types.Message{
			ConversationID: job.ConversationID,
			Body:           job.Prompt,
			Author:         "heartbeat",
			DeliveryID:     deliveryPrefix + job.ID + "-" + uuid.New().String(),
			ReceivedAt:     now,
			Scheduled:      true,
		})
		job.LastRun = now
		if err := h.store.PutHeartbeat(job); err != nil {
			h.logger.Error().Err(err).Str("job", job.ID).Msg("failed to persist heartbeat run")
		}
	}
}

// UseTypingIndicator implements the dispatcher turn policy: heartbeat
// turns surface the indicator only when the knob allows it.
func (h *Heartbeat) UseTypingIndicator(entry *types.QueueEntry) bool {
	if jobID := h.jobFor(entry); jobID != "" {
		return h.knobs.UseIndicator && !h.knobs.DeliveryMuted
	}
	return true
}

// FilterOutbound implements the dispatcher turn policy: for heartbeat
// responses it applies the delivery knobs and the alert-repeat cooldown.
// Non-heartbeat traffic passes through untouched.
func (h *Heartbeat) FilterOutbound(entry *types.QueueEntry, body string) (string, bool) {
	jobID := h.jobFor(entry)
	if jobID == "" {
		return body, true
	}

	trimmed := strings.TrimSpace(body)
	if trimmed == OKToken {
		h.logger.Debug().Str("job", jobID).Msg("heartbeat ok")
		return "Heartbeat OK", h.knobs.ShowOK && !h.knobs.DeliveryMuted
	}

	metrics.HeartbeatAlerts.Inc()
	h.recordAlert(jobID, trimmed)

	if !h.knobs.ShowAlerts || h.knobs.DeliveryMuted {
		return "", false
	}
	if h.repeated(jobID, trimmed) {
		h.logger.Debug().Str("job", jobID).Msg("alert repeated within cooldown, suppressed")
		return "", false
	}
	h.markDelivered(jobID, trimmed)
	return trimmed, true
}

// jobFor extracts the heartbeat job id from the entry's synthetic
// delivery id, or returns empty for normal traffic.
func (h *Heartbeat) jobFor(entry *types.QueueEntry) string {
	if entry == nil || len(entry.Messages) == 0 {
		return ""
	}
	id := entry.Messages[0].DeliveryID
	if !strings.HasPrefix(id, deliveryPrefix) {
		return ""
	}
	rest := strings.TrimPrefix(id, deliveryPrefix)
	if i := strings.LastIndexByte(rest, '-'); i > 0 {
		// The uuid suffix occupies the last five dash-separated parts.
		parts := strings.Split(rest, "-")
		if len(parts) > 5 {
			return strings.Join(parts[:len(parts)-5], "-")
		}
	}
	return rest
}

func (h *Heartbeat) recordAlert(jobID, content string) {
	job, err := h.store.GetHeartbeat(jobID)
	if err != nil {
		return
	}
	job.LastAlert = content
	job.LastAlertAt = time.Now()
	if err := h.store.PutHeartbeat(job); err != nil {
		h.logger.Error().Err(err).Str("job", jobID).Msg("failed to persist alert")
	}
}

func (h *Heartbeat) repeated(jobID, content string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	last, ok := h.lastAlerts[jobID+"\x00"+content]
	return ok && time.Since(last) < h.knobs.AlertCooldown
}

func (h *Heartbeat) markDelivered(jobID, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastAlerts[jobID+"\x00"+content] = time.Now()
}
