// Package bus is the admission layer between channel adapters and the
// group queue: registration and trigger checks, delivery-id dedupe, and
// a short debounce window that coalesces bursts per conversation.
package bus

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chaiyawut/butler/pkg/log"
	"github.com/chaiyawut/butler/pkg/metrics"
	"github.com/chaiyawut/butler/pkg/store"
	"github.com/chaiyawut/butler/pkg/types"
)

// Sink receives admitted, debounced message batches. The group queue
// implements it.
type Sink interface {
	EnqueueBatch(conversationID string, msgs []*types.Message)
}

// Bus admits inbound messages and releases them in ordered batches.
type Bus struct {
	store    *store.BoltStore
	sink     Sink
	debounce time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]*burst
}

type burst struct {
	msgs  []*types.Message
	timer *time.Timer
}

// New builds the bus. debounce is the coalescing window.
func New(st *store.BoltStore, sink Sink, debounce time.Duration) *Bus {
	return &Bus{
		store:    st,
		sink:     sink,
		debounce: debounce,
		logger:   log.WithComponent("bus"),
		pending:  make(map[string]*burst),
	}
}

// Publish admits one inbound message. Admission failures drop silently
// with a counter: an unregistered conversation, a missing trigger, or a
// duplicate delivery id is not an error the sender can act on.
func (b *Bus) Publish(msg *types.Message) {
	conv, err := b.store.GetConversation(msg.ConversationID)
	if err != nil {
		metrics.AdmissionsDropped.WithLabelValues("unregistered").Inc()
		b.logger.Debug().Str("conversation", msg.ConversationID).Msg("dropped message for unregistered conversation")
		return
	}

	if !b.matchesTrigger(conv, msg) {
		metrics.AdmissionsDropped.WithLabelValues("no_trigger").Inc()
		return
	}

	seen, err := b.store.MarkSeen(msg.DeliveryID)
	if err != nil {
		b.logger.Error().Err(err).Str("delivery", msg.DeliveryID).Msg("dedupe check failed, dropping")
		metrics.AdmissionsDropped.WithLabelValues("dedupe_error").Inc()
		return
	}
	if seen {
		metrics.AdmissionsDropped.WithLabelValues("duplicate").Inc()
		return
	}

	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	metrics.MessagesAdmitted.Inc()

	b.mu.Lock()
	defer b.mu.Unlock()
	bu, ok := b.pending[msg.ConversationID]
	if !ok {
		bu = &burst{}
		bu.timer = time.AfterFunc(b.debounce, func() {
			b.release(msg.ConversationID)
		})
		b.pending[msg.ConversationID] = bu
	}
	bu.msgs = append(bu.msgs, msg)
}

// matchesTrigger applies the conversation's trigger policy. Scheduled
// messages and main conversations bypass the trigger token.
func (b *Bus) matchesTrigger(conv *types.Conversation, msg *types.Message) bool {
	if msg.Scheduled || conv.IsMain || conv.Trigger == "" {
		return true
	}
	return strings.Contains(msg.Body, conv.Trigger)
}

// release hands a coalesced burst to the sink in received-at order.
// Messages arrive on the bus already ordered per conversation, so the
// slice order is the admission order.
func (b *Bus) release(conversationID string) {
	b.mu.Lock()
	bu, ok := b.pending[conversationID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, conversationID)
	b.mu.Unlock()

	if len(bu.msgs) == 0 {
		return
	}
	b.sink.EnqueueBatch(conversationID, bu.msgs)
}

// Flush releases every pending burst immediately. Used at shutdown so a
// debounce window never loses admitted messages.
func (b *Bus) Flush() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.pending))
	for id, bu := range b.pending {
		bu.timer.Stop()
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.release(id)
	}
}
