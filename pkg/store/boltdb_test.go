package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaiyawut/butler/pkg/types"
)

func openStore(t *testing.T, dir string) *BoltStore {
	t.Helper()
	st, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestConversationRoundTrip(t *testing.T) {
	st := openStore(t, t.TempDir())

	conv := &types.Conversation{
		ID:        "wa:family",
		Name:      "family",
		Folder:    "family",
		Trigger:   "@bot",
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.PutConversation(conv))

	got, err := st.GetConversation("wa:family")
	require.NoError(t, err)
	assert.Equal(t, "family", got.Folder)
	assert.Equal(t, "@bot", got.Trigger)

	_, err = st.GetConversation("wa:unknown")
	assert.True(t, errors.Is(err, ErrNotFound))

	all, err := st.ListConversations()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, st.DeleteConversation("wa:family"))
	_, err = st.GetConversation("wa:family")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPendingEntriesFiltersByState(t *testing.T) {
	st := openStore(t, t.TempDir())

	states := map[string]types.EntryState{
		"e-pending":  types.EntryStatePending,
		"e-retry":    types.EntryStateRetry,
		"e-inflight": types.EntryStateInFlight,
		"e-done":     types.EntryStateDone,
	}
	for id, state := range states {
		require.NoError(t, st.PutQueueEntry(&types.QueueEntry{
			ID:             id,
			ConversationID: "wa:g",
			State:          state,
		}))
	}

	pending, err := st.PendingEntries()
	require.NoError(t, err)
	require.Len(t, pending, 3, "finished entries are not replayed")
	for _, e := range pending {
		assert.NotEqual(t, types.EntryStateDone, e.State)
	}

	require.NoError(t, st.DeleteQueueEntry("e-pending"))
	pending, err = st.PendingEntries()
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestJobsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	st, err := NewBoltStore(dir)
	require.NoError(t, err)

	require.NoError(t, st.PutJob(&types.ScheduledJob{
		ID:             "job-1",
		ConversationID: "wa:main",
		Kind:           types.ScheduleCron,
		Value:          "0 9 * * *",
		Prompt:         "morning digest",
		Status:         types.JobStatusActive,
		NextRun:        time.Now().Add(time.Hour),
		CreatedAt:      time.Now(),
	}))
	require.NoError(t, st.Close())

	st = openStore(t, dir)
	job, err := st.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, "morning digest", job.Prompt)
	assert.Equal(t, types.JobStatusActive, job.Status)

	jobs, err := st.ListJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, st.DeleteJob("job-1"))
	_, err = st.GetJob("job-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHeartbeatRoundTrip(t *testing.T) {
	st := openStore(t, t.TempDir())

	require.NoError(t, st.PutHeartbeat(&types.HeartbeatJob{
		ID:             "disk-check",
		ConversationID: "wa:main",
		Category:       types.HeartbeatMonitor,
		Prompt:         "check disk usage",
	}))

	hb, err := st.GetHeartbeat("disk-check")
	require.NoError(t, err)
	assert.Equal(t, types.HeartbeatMonitor, hb.Category)

	all, err := st.ListHeartbeats()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, st.DeleteHeartbeat("disk-check"))
	_, err = st.GetHeartbeat("disk-check")
	assert.Equal(t, ErrNotFound, err)
}

func TestMarkSeenReportsDuplicates(t *testing.T) {
	st := openStore(t, t.TempDir())

	seen, err := st.MarkSeen("delivery-1")
	require.NoError(t, err)
	assert.False(t, seen, "first sighting")

	seen, err = st.MarkSeen("delivery-1")
	require.NoError(t, err)
	assert.True(t, seen, "second sighting is a duplicate")

	seen, err = st.MarkSeen("delivery-2")
	require.NoError(t, err)
	assert.False(t, seen, "independent ids do not collide")
}

func TestSessionRoundTrip(t *testing.T) {
	st := openStore(t, t.TempDir())

	require.NoError(t, st.PutSession(&types.Session{
		ConversationID: "wa:g",
		Token:          "sess-abc",
		UpdatedAt:      time.Now(),
	}))

	sess, err := st.GetSession("wa:g")
	require.NoError(t, err)
	assert.Equal(t, "sess-abc", sess.Token)

	require.NoError(t, st.DeleteSession("wa:g"))
	_, err = st.GetSession("wa:g")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeadLettersAreFiles(t *testing.T) {
	dir := t.TempDir()
	st := openStore(t, dir)

	require.NoError(t, st.PutDeadLetter(&types.DeadLetter{
		DeliveryID: "d-1",
		Entry: &types.QueueEntry{
			ID:             "entry-1",
			ConversationID: "wa:g",
		},
		FinalError: "gave up after retries",
		ArrivedAt:  time.Now(),
	}))

	// One JSON file per record, named by delivery id.
	_, err := os.Stat(filepath.Join(dir, "dead-letter", "d-1.json"))
	require.NoError(t, err)

	// Junk in the directory is skipped, not fatal.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dead-letter", "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dead-letter", "broken.json"), []byte("{"), 0o644))

	dls, err := st.ListDeadLetters()
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "gave up after retries", dls[0].FinalError)

	require.NoError(t, st.DeleteDeadLetter("d-1"))
	dls, err = st.ListDeadLetters()
	require.NoError(t, err)
	assert.Empty(t, dls)
}
