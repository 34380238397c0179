package heartbeat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaiyawut/butler/pkg/bus"
	"github.com/chaiyawut/butler/pkg/store"
	"github.com/chaiyawut/butler/pkg/types"
)

type recordSink struct {
	mu   sync.Mutex
	msgs []*types.Message
}

func (r *recordSink) EnqueueBatch(conversationID string, msgs []*types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msgs...)
}

func (r *recordSink) all() []*types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Message(nil), r.msgs...)
}

func newTestHeartbeat(t *testing.T, knobs Knobs) (*Heartbeat, *store.BoltStore, *recordSink, *bus.Bus) {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.PutConversation(&types.Conversation{
		ID:        "wa:main",
		Name:      "main",
		Folder:    "main",
		IsMain:    true,
		CreatedAt: time.Now(),
	}))

	sink := &recordSink{}
	b := bus.New(st, sink, time.Millisecond)
	return New(knobs, time.Minute, st, b), st, sink, b
}

func hbEntry(jobID string) *types.QueueEntry {
	return &types.QueueEntry{
		ID:             "entry-1",
		ConversationID: "wa:main",
		Messages: []*types.Message{{
			DeliveryID:     deliveryPrefix + jobID + "-6ba7b810-9dad-11d1-80b4-00c04fd430c8",
			ConversationID: "wa:main",
			Scheduled:      true,
		}},
	}
}

func normalEntry() *types.QueueEntry {
	return &types.QueueEntry{
		ID:             "entry-2",
		ConversationID: "wa:main",
		Messages: []*types.Message{{
			DeliveryID:     "wa-msg-123",
			ConversationID: "wa:main",
		}},
	}
}

func TestJobForParsesDeliveryID(t *testing.T) {
	h, _, _, _ := newTestHeartbeat(t, Knobs{})

	assert.Equal(t, "disk-check", h.jobFor(hbEntry("disk-check")))
	assert.Equal(t, "multi-part-job-name", h.jobFor(hbEntry("multi-part-job-name")))
	assert.Empty(t, h.jobFor(normalEntry()))
	assert.Empty(t, h.jobFor(nil))
}

func TestProbePublishesEveryJob(t *testing.T) {
	h, st, sink, b := newTestHeartbeat(t, Knobs{DeliveryMuted: true})

	require.NoError(t, st.PutHeartbeat(&types.HeartbeatJob{
		ID:             "disk-check",
		ConversationID: "wa:main",
		Category:       types.HeartbeatMonitor,
		Prompt:         "check the disk usage",
	}))

	now := time.Now()
	h.probe(now)
	b.Flush()

	// Muted delivery still runs the probe.
	msgs := sink.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "check the disk usage", msgs[0].Body)
	assert.Equal(t, "heartbeat", msgs[0].Author)
	assert.True(t, msgs[0].Scheduled)

	job, err := st.GetHeartbeat("disk-check")
	require.NoError(t, err)
	assert.WithinDuration(t, now, job.LastRun, time.Second)
	assert.WithinDuration(t, now, h.LastRunAt(), time.Second)
}

func TestFilterOutboundPassesNormalTraffic(t *testing.T) {
	h, _, _, _ := newTestHeartbeat(t, Knobs{DeliveryMuted: true})
	body, deliver := h.FilterOutbound(normalEntry(), "a normal reply")
	assert.True(t, deliver)
	assert.Equal(t, "a normal reply", body)
}

func TestFilterOutboundOKToken(t *testing.T) {
	tests := []struct {
		name    string
		knobs   Knobs
		deliver bool
	}{
		{"ok hidden by default", Knobs{ShowAlerts: true}, false},
		{"ok shown when enabled", Knobs{ShowOK: true, ShowAlerts: true}, true},
		{"mute wins over show-ok", Knobs{ShowOK: true, DeliveryMuted: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _, _ := newTestHeartbeat(t, tt.knobs)
			body, deliver := h.FilterOutbound(hbEntry("disk-check"), "  "+OKToken+"  ")
			assert.Equal(t, tt.deliver, deliver)
			if deliver {
				assert.Equal(t, "Heartbeat OK", body)
			}
		})
	}
}

func TestFilterOutboundAlerts(t *testing.T) {
	h, st, _, _ := newTestHeartbeat(t, Knobs{ShowAlerts: true, AlertCooldown: time.Hour})
	require.NoError(t, st.PutHeartbeat(&types.HeartbeatJob{
		ID:             "disk-check",
		ConversationID: "wa:main",
		Category:       types.HeartbeatMonitor,
		Prompt:         "check the disk usage",
	}))

	body, deliver := h.FilterOutbound(hbEntry("disk-check"), "disk is 95% full")
	assert.True(t, deliver)
	assert.Equal(t, "disk is 95% full", body)

	// Same alert within the cooldown is suppressed.
	_, deliver = h.FilterOutbound(hbEntry("disk-check"), "disk is 95% full")
	assert.False(t, deliver)

	// A different alert content delivers immediately.
	body, deliver = h.FilterOutbound(hbEntry("disk-check"), "disk is 99% full")
	assert.True(t, deliver)
	assert.Equal(t, "disk is 99% full", body)

	// The alert is persisted on the job even when later suppressed.
	job, err := st.GetHeartbeat("disk-check")
	require.NoError(t, err)
	assert.Equal(t, "disk is 99% full", job.LastAlert)
	assert.False(t, job.LastAlertAt.IsZero())
}

func TestFilterOutboundAlertKnobs(t *testing.T) {
	tests := []struct {
		name  string
		knobs Knobs
	}{
		{"alerts hidden", Knobs{ShowAlerts: false}},
		{"mute wins over show-alerts", Knobs{ShowAlerts: true, DeliveryMuted: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _, _ := newTestHeartbeat(t, tt.knobs)
			_, deliver := h.FilterOutbound(hbEntry("disk-check"), "something is wrong")
			assert.False(t, deliver)
		})
	}
}

func TestUseTypingIndicator(t *testing.T) {
	tests := []struct {
		name  string
		knobs Knobs
		entry *types.QueueEntry
		want  bool
	}{
		{"normal traffic always shows", Knobs{DeliveryMuted: true}, normalEntry(), true},
		{"heartbeat hidden by default", Knobs{}, hbEntry("j"), false},
		{"heartbeat shown when enabled", Knobs{UseIndicator: true}, hbEntry("j"), true},
		{"mute wins over indicator", Knobs{UseIndicator: true, DeliveryMuted: true}, hbEntry("j"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _, _ := newTestHeartbeat(t, tt.knobs)
			assert.Equal(t, tt.want, h.UseTypingIndicator(tt.entry))
		})
	}
}
