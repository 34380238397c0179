package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaiyawut/butler/pkg/store"
	"github.com/chaiyawut/butler/pkg/types"
)

func newTestQueue(t *testing.T, capacity, maxAttempts int) (*Queue, *store.BoltStore) {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	q, err := New(st, capacity, maxAttempts)
	require.NoError(t, err)
	return q, st
}

func batch(conversationID string, bodies ...string) []*types.Message {
	msgs := make([]*types.Message, 0, len(bodies))
	for i, b := range bodies {
		msgs = append(msgs, &types.Message{
			DeliveryID:     fmt.Sprintf("%s-msg-%d-%s", conversationID, i, b),
			ConversationID: conversationID,
			Body:           b,
			ReceivedAt:     time.Now(),
		})
	}
	return msgs
}

func TestEnqueueNextComplete(t *testing.T) {
	q, _ := newTestQueue(t, 10, 5)

	q.EnqueueBatch("wa:group1", batch("wa:group1", "hello"))
	q.EnqueueBatch("wa:group1", batch("wa:group1", "second"))

	first := q.Next("wa:group1")
	require.NotNil(t, first)
	assert.Equal(t, "hello", first.Messages[0].Body)
	assert.Equal(t, types.EntryStateInFlight, first.State)

	// One in-flight entry per conversation.
	assert.Nil(t, q.Next("wa:group1"))

	q.Complete(first)
	second := q.Next("wa:group1")
	require.NotNil(t, second)
	assert.Equal(t, "second", second.Messages[0].Body)
}

func TestConversationsIndependent(t *testing.T) {
	q, _ := newTestQueue(t, 10, 5)

	q.EnqueueBatch("wa:a", batch("wa:a", "for a"))
	q.EnqueueBatch("wa:b", batch("wa:b", "for b"))

	a := q.Next("wa:a")
	b := q.Next("wa:b")
	require.NotNil(t, a)
	require.NotNil(t, b)

	depths := q.Depths()
	assert.Equal(t, 1, depths["wa:a"])
	assert.Equal(t, 1, depths["wa:b"])
}

func TestFailRetriesWithBackoff(t *testing.T) {
	q, _ := newTestQueue(t, 10, 5)

	q.EnqueueBatch("wa:g", batch("wa:g", "flaky"))
	entry := q.Next("wa:g")
	require.NotNil(t, entry)

	before := time.Now()
	disp := q.Fail(entry, "agent_error", fmt.Errorf("container crashed"))
	assert.Equal(t, DispositionRetry, disp)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, types.EntryStateRetry, entry.State)

	// First backoff is 1s base plus up to 50% jitter.
	delay := entry.NextEligibleAt.Sub(before)
	assert.GreaterOrEqual(t, delay, time.Second)
	assert.Less(t, delay, 2*time.Second)

	// Not eligible yet.
	assert.Nil(t, q.Next("wa:g"))
}

func TestFailDeadLettersAtAttemptCap(t *testing.T) {
	q, st := newTestQueue(t, 10, 2)

	q.EnqueueBatch("wa:g", batch("wa:g", "doomed"))
	entry := q.Next("wa:g")
	require.NotNil(t, entry)

	require.Equal(t, DispositionRetry, q.Fail(entry, "agent_error", fmt.Errorf("first failure")))

	// Force eligibility and run the final attempt.
	entry.NextEligibleAt = time.Now().Add(-time.Second)
	entry = q.Next("wa:g")
	require.NotNil(t, entry)
	disp := q.Fail(entry, "agent_error", fmt.Errorf("second failure"))
	assert.Equal(t, DispositionDeadLetter, disp)

	// Queue is empty; the record landed in the dead-letter store keyed by
	// the first message's delivery id.
	assert.Nil(t, q.Next("wa:g"))
	assert.Empty(t, q.Depths())

	dls, err := st.ListDeadLetters()
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, entry.Messages[0].DeliveryID, dls[0].DeliveryID)
	assert.Equal(t, "second failure", dls[0].FinalError)
}

func TestOverflowDropsOldestToDeadLetter(t *testing.T) {
	q, st := newTestQueue(t, 2, 5)

	q.EnqueueBatch("wa:g", batch("wa:g", "oldest"))
	q.EnqueueBatch("wa:g", batch("wa:g", "middle"))
	q.EnqueueBatch("wa:g", batch("wa:g", "newest"))

	assert.Equal(t, 2, q.Depths()["wa:g"])

	dls, err := st.ListDeadLetters()
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "oldest", dls[0].Entry.Messages[0].Body)

	// Survivors keep FIFO order.
	next := q.Next("wa:g")
	require.NotNil(t, next)
	assert.Equal(t, "middle", next.Messages[0].Body)
}

func TestOverflowSparesInFlightEntry(t *testing.T) {
	q, st := newTestQueue(t, 2, 5)

	q.EnqueueBatch("wa:g", batch("wa:g", "being processed"))
	q.EnqueueBatch("wa:g", batch("wa:g", "waiting"))

	active := q.Next("wa:g")
	require.NotNil(t, active)
	require.Equal(t, types.EntryStateInFlight, active.State)

	// The burst overflows while a worker holds the head: the victim is
	// the oldest waiting entry, never the in-flight one.
	q.EnqueueBatch("wa:g", batch("wa:g", "burst"))

	dls, err := st.ListDeadLetters()
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "waiting", dls[0].Entry.Messages[0].Body)

	// The active entry still completes normally.
	q.Complete(active)
	next := q.Next("wa:g")
	require.NotNil(t, next)
	assert.Equal(t, "burst", next.Messages[0].Body)
}

func TestCrashReplayReturnsInFlightToPending(t *testing.T) {
	dir := t.TempDir()
	st, err := store.NewBoltStore(dir)
	require.NoError(t, err)

	q, err := New(st, 10, 5)
	require.NoError(t, err)
	q.EnqueueBatch("wa:g", batch("wa:g", "survives the crash"))
	entry := q.Next("wa:g")
	require.NotNil(t, entry)
	require.Equal(t, types.EntryStateInFlight, entry.State)

	// Crash: the process dies mid-turn without Complete or Fail.
	require.NoError(t, st.Close())

	st2, err := store.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st2.Close() })

	q2, err := New(st2, 10, 5)
	require.NoError(t, err)
	replayed := q2.Next("wa:g")
	require.NotNil(t, replayed)
	assert.Equal(t, "survives the crash", replayed.Messages[0].Body)
}

func TestAbsorbAndRequeue(t *testing.T) {
	q, _ := newTestQueue(t, 10, 5)

	q.EnqueueBatch("wa:g", batch("wa:g", "turn opener"))
	active := q.Next("wa:g")
	require.NotNil(t, active)

	// Nothing to absorb yet; mid-turn arrivals become absorbable.
	assert.Empty(t, q.Absorb("wa:g"))
	q.EnqueueBatch("wa:g", batch("wa:g", "mid-turn one"))
	q.EnqueueBatch("wa:g", batch("wa:g", "mid-turn two"))

	absorbed := q.Absorb("wa:g")
	require.Len(t, absorbed, 2)
	assert.Equal(t, "mid-turn one", absorbed[0].Messages[0].Body)
	// Only the active entry remains in the live queue.
	assert.Equal(t, 1, q.Depths()["wa:g"])

	// The turn fails before the absorbed messages reached the agent:
	// they return in arrival order.
	q.Requeue(absorbed[0])
	q.Requeue(absorbed[1])
	q.Complete(active)

	next := q.Next("wa:g")
	require.NotNil(t, next)
	assert.Equal(t, "mid-turn one", next.Messages[0].Body)
}

func TestAbsorbRequiresInFlight(t *testing.T) {
	q, _ := newTestQueue(t, 10, 5)
	q.EnqueueBatch("wa:g", batch("wa:g", "waiting"))
	assert.Empty(t, q.Absorb("wa:g"), "absorb only feeds an active turn")
}

func TestBackoffGrowthAndCap(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoff(attempt)
		assert.LessOrEqual(t, d, 60*time.Second, "attempt %d", attempt)
		base := backoffBase << (attempt - 1)
		if base > backoffCap || base <= 0 {
			base = backoffCap
		}
		assert.GreaterOrEqual(t, d, base, "attempt %d", attempt)
		if attempt <= 6 {
			assert.Greater(t, d, prev/2, "roughly doubling")
		}
		prev = d
	}
}

func TestWakeSignals(t *testing.T) {
	q, _ := newTestQueue(t, 10, 5)
	q.EnqueueBatch("wa:g", batch("wa:g", "wake me"))

	select {
	case id := <-q.Wake():
		assert.Equal(t, "wa:g", id)
	case <-time.After(time.Second):
		t.Fatal("no wake signal after enqueue")
	}
}
