// Package queue implements the per-conversation group queue: a bounded
// FIFO with durable state transitions, retry with exponential backoff,
// and dead-letter quarantine. Every transition is persisted before it is
// acknowledged, so crash recovery replays only unfinished entries.
package queue

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chaiyawut/butler/pkg/log"
	"github.com/chaiyawut/butler/pkg/metrics"
	"github.com/chaiyawut/butler/pkg/store"
	"github.com/chaiyawut/butler/pkg/types"
)

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// Disposition is the outcome of a failure report.
type Disposition string

const (
	DispositionRetry      Disposition = "retry"
	DispositionDeadLetter Disposition = "dead-letter"
)

// Queue owns the per-conversation FIFOs. Single-writer per conversation
// by construction: only that conversation's worker calls Next/Complete/
// Fail for it.
type Queue struct {
	store       *store.BoltStore
	capacity    int
	maxAttempts int
	logger      zerolog.Logger

	mu       sync.Mutex
	entries  map[string][]*types.QueueEntry // conversation -> FIFO
	inFlight map[string]bool

	wake chan string
}

// New builds the queue and replays unfinished entries from the store.
// Entries that were in-flight at crash time return to pending.
func New(st *store.BoltStore, capacity, maxAttempts int) (*Queue, error) {
	q := &Queue{
		store:       st,
		capacity:    capacity,
		maxAttempts: maxAttempts,
		logger:      log.WithComponent("queue"),
		entries:     make(map[string][]*types.QueueEntry),
		inFlight:    make(map[string]bool),
		wake:        make(chan string, 256),
	}

	pending, err := st.PendingEntries()
	if err != nil {
		return nil, fmt.Errorf("failed to replay queue entries: %w", err)
	}
	for _, e := range pending {
		if e.State == types.EntryStateInFlight {
			e.State = types.EntryStatePending
			if err := st.PutQueueEntry(e); err != nil {
				return nil, err
			}
		}
		q.entries[e.ConversationID] = append(q.entries[e.ConversationID], e)
	}
	for id := range q.entries {
		q.sortFIFO(id)
		q.notify(id)
		q.logger.Info().Str("conversation", id).Int("entries", len(q.entries[id])).Msg("replayed unfinished queue entries")
	}
	q.updateDepths()
	return q, nil
}

// Wake delivers conversation ids whose queue has work. Coalesced; the
// worker re-checks Next on each wakeup.
func (q *Queue) Wake() <-chan string { return q.wake }

// EnqueueBatch persists a new pending entry for the batch. On overflow
// the oldest waiting entry is dropped to the dead-letter store with a
// warning.
func (q *Queue) EnqueueBatch(conversationID string, msgs []*types.Message) {
	entry := &types.QueueEntry{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Messages:       msgs,
		State:          types.EntryStatePending,
		FirstSeenAt:    time.Now(),
	}

	q.mu.Lock()
	var overflow *types.QueueEntry
	if fifo := q.entries[conversationID]; len(fifo) >= q.capacity {
		// The victim is the oldest entry still waiting. An in-flight
		// entry belongs to a worker mid-turn and must keep its single
		// disposition; if everything is in flight the queue runs over
		// capacity for this one admission.
		for i, e := range fifo {
			if e.State == types.EntryStateInFlight {
				continue
			}
			overflow = e
			q.entries[conversationID] = append(fifo[:i], fifo[i+1:]...)
			break
		}
	}
	q.entries[conversationID] = append(q.entries[conversationID], entry)
	q.mu.Unlock()

	if overflow != nil {
		q.logger.Warn().Str("conversation", conversationID).Str("entry", overflow.ID).Msg("queue overflow, oldest entry dead-lettered")
		q.deadLetter(overflow, "queue overflow: oldest entry dropped")
	}
	if err := q.store.PutQueueEntry(entry); err != nil {
		q.logger.Error().Err(err).Str("entry", entry.ID).Msg("failed to persist queue entry")
	}
	q.updateDepths()
	q.notify(conversationID)
}

// Next pops the next eligible entry for the conversation and marks it
// in-flight. Returns nil when the conversation has an in-flight entry,
// no work, or only backoff-delayed work.
func (q *Queue) Next(conversationID string) *types.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight[conversationID] {
		return nil
	}
	fifo := q.entries[conversationID]
	if len(fifo) == 0 {
		return nil
	}
	head := fifo[0]
	if head.State == types.EntryStateRetry && time.Now().Before(head.NextEligibleAt) {
		// Re-arm a wakeup for when the backoff elapses.
		delay := time.Until(head.NextEligibleAt)
		conv := conversationID
		time.AfterFunc(delay, func() { q.notify(conv) })
		return nil
	}

	head.State = types.EntryStateInFlight
	if err := q.store.PutQueueEntry(head); err != nil {
		q.logger.Error().Err(err).Str("entry", head.ID).Msg("failed to persist in-flight transition")
		head.State = types.EntryStatePending
		return nil
	}
	q.inFlight[conversationID] = true
	return head
}

// Absorb pops every pending entry for the conversation while a turn is
// in flight and marks them in-flight, so the dispatcher can pipe their
// messages into the active agent turn instead of starting a new one.
// Retry-delayed entries are never absorbed.
func (q *Queue) Absorb(conversationID string) []*types.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.inFlight[conversationID] {
		return nil
	}
	var absorbed []*types.QueueEntry
	var remaining []*types.QueueEntry
	for _, e := range q.entries[conversationID] {
		if e.State == types.EntryStatePending {
			e.State = types.EntryStateInFlight
			if err := q.store.PutQueueEntry(e); err != nil {
				q.logger.Error().Err(err).Str("entry", e.ID).Msg("failed to persist absorbed entry")
				e.State = types.EntryStatePending
				remaining = append(remaining, e)
				continue
			}
			absorbed = append(absorbed, e)
			continue
		}
		remaining = append(remaining, e)
	}
	q.entries[conversationID] = remaining
	return absorbed
}

// Requeue returns an absorbed entry to the pending set, preserving FIFO
// order by first-seen time. Used when a turn fails before the absorbed
// messages reached the agent.
func (q *Queue) Requeue(entry *types.QueueEntry) {
	entry.State = types.EntryStatePending
	if err := q.store.PutQueueEntry(entry); err != nil {
		q.logger.Error().Err(err).Str("entry", entry.ID).Msg("failed to persist requeued entry")
	}
	q.mu.Lock()
	q.entries[entry.ConversationID] = append(q.entries[entry.ConversationID], entry)
	q.sortFIFO(entry.ConversationID)
	q.mu.Unlock()
	q.updateDepths()
	q.notify(entry.ConversationID)
}

// Complete finishes an in-flight entry successfully.
func (q *Queue) Complete(entry *types.QueueEntry) {
	entry.State = types.EntryStateDone
	if err := q.store.DeleteQueueEntry(entry.ID); err != nil {
		q.logger.Error().Err(err).Str("entry", entry.ID).Msg("failed to delete completed entry")
	}

	q.mu.Lock()
	q.dropLocked(entry)
	q.inFlight[entry.ConversationID] = false
	more := len(q.entries[entry.ConversationID]) > 0
	q.mu.Unlock()

	q.updateDepths()
	if more {
		q.notify(entry.ConversationID)
	}
}

// Fail reports a turn failure for an in-flight entry. Below the attempt
// cap the entry re-queues with exponential backoff and jitter; at the
// cap it moves to the dead-letter store. The caller sends the one
// user-visible notification according to the returned disposition.
func (q *Queue) Fail(entry *types.QueueEntry, cause string, failure error) Disposition {
	entry.Attempts++
	entry.LastError = failure.Error()
	metrics.TurnFailures.WithLabelValues(cause).Inc()

	q.mu.Lock()
	q.inFlight[entry.ConversationID] = false
	q.mu.Unlock()

	if entry.Attempts >= q.maxAttempts {
		q.mu.Lock()
		q.dropLocked(entry)
		q.mu.Unlock()
		q.deadLetter(entry, failure.Error())
		q.updateDepths()
		q.notify(entry.ConversationID)
		return DispositionDeadLetter
	}

	entry.State = types.EntryStateRetry
	entry.NextEligibleAt = time.Now().Add(backoff(entry.Attempts))
	if err := q.store.PutQueueEntry(entry); err != nil {
		q.logger.Error().Err(err).Str("entry", entry.ID).Msg("failed to persist retry transition")
	}
	q.logger.Info().
		Str("entry", entry.ID).
		Int("attempt", entry.Attempts).
		Time("next_eligible", entry.NextEligibleAt).
		Msg("turn failed, entry re-queued")
	q.updateDepths()
	q.notify(entry.ConversationID)
	return DispositionRetry
}

// deadLetter writes the quarantine record and removes the entry from the
// live queue state.
func (q *Queue) deadLetter(entry *types.QueueEntry, finalError string) {
	entry.State = types.EntryStateDeadLetter
	deliveryID := entry.ID
	if len(entry.Messages) > 0 {
		deliveryID = entry.Messages[0].DeliveryID
	}
	dl := &types.DeadLetter{
		DeliveryID: deliveryID,
		Entry:      entry,
		FinalError: finalError,
		ArrivedAt:  time.Now(),
	}
	if err := q.store.PutDeadLetter(dl); err != nil {
		q.logger.Error().Err(err).Str("entry", entry.ID).Msg("failed to write dead letter")
	}
	if err := q.store.DeleteQueueEntry(entry.ID); err != nil {
		q.logger.Error().Err(err).Str("entry", entry.ID).Msg("failed to delete dead-lettered entry")
	}
	metrics.DeadLetters.Inc()
}

// Depths returns the live queue depth per conversation.
func (q *Queue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.entries))
	for id, fifo := range q.entries {
		if len(fifo) > 0 {
			out[id] = len(fifo)
		}
	}
	return out
}

func (q *Queue) dropLocked(entry *types.QueueEntry) {
	fifo := q.entries[entry.ConversationID]
	for i, e := range fifo {
		if e.ID == entry.ID {
			q.entries[entry.ConversationID] = append(fifo[:i], fifo[i+1:]...)
			return
		}
	}
}

func (q *Queue) sortFIFO(conversationID string) {
	fifo := q.entries[conversationID]
	for i := 1; i < len(fifo); i++ {
		for j := i; j > 0 && fifo[j].FirstSeenAt.Before(fifo[j-1].FirstSeenAt); j-- {
			fifo[j], fifo[j-1] = fifo[j-1], fifo[j]
		}
	}
}

func (q *Queue) notify(conversationID string) {
	select {
	case q.wake <- conversationID:
	default:
	}
}

func (q *Queue) updateDepths() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, fifo := range q.entries {
		metrics.QueueDepth.WithLabelValues(id).Set(float64(len(fifo)))
	}
}

// backoff computes the exponential delay with jitter for the given
// attempt count, capped at 60 seconds.
func backoff(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	d += jitter
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
