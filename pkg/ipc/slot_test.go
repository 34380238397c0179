package ipc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSlot(t *testing.T) *Slot {
	t.Helper()
	s, err := NewSlot(t.TempDir(), "butler-test", testSecret)
	require.NoError(t, err)
	return s
}

func TestSlotWriteInputSequencing(t *testing.T) {
	s := newTestSlot(t)

	require.NoError(t, s.WriteInput(map[string]interface{}{"body": "one"}))
	require.NoError(t, s.WriteInput(map[string]interface{}{"body": "two"}))

	entries, err := os.ReadDir(s.InputDir())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "000001.json", entries[0].Name())
	assert.Equal(t, "000002.json", entries[1].Name())

	// Every input file carries a signature the agent can verify.
	data, err := os.ReadFile(filepath.Join(s.InputDir(), "000001.json"))
	require.NoError(t, err)
	doc, err := Verify(data, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "one", doc["body"])
	assert.False(t, s.InputEmpty())
}

func TestSlotReadOutputsInOrder(t *testing.T) {
	s := newTestSlot(t)

	writeOutput(t, s, "002.json", map[string]interface{}{"n": "second"})
	writeOutput(t, s, "001.json", map[string]interface{}{"n": "first"})
	// Sentinels and temp files are never consumed as payloads.
	require.NoError(t, os.WriteFile(filepath.Join(s.OutputDir(), "_ready"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.OutputDir(), "003.json.tmp"), []byte("partial"), 0o644))

	msgs, err := s.ReadOutputs()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Doc["n"])
	assert.Equal(t, "second", msgs[1].Doc["n"])

	// Consumed payloads are gone; a second drain sees nothing.
	again, err := s.ReadOutputs()
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSlotQuarantinesBadSignature(t *testing.T) {
	s := newTestSlot(t)

	writeOutput(t, s, "001.json", map[string]interface{}{"n": "good"})
	require.NoError(t, os.WriteFile(
		filepath.Join(s.OutputDir(), "002.json"),
		[]byte(`{"n":"forged","_hmac":"deadbeef"}`), 0o644))

	msgs, err := s.ReadOutputs()
	assert.ErrorIs(t, err, ErrHMACMismatch)
	require.Len(t, msgs, 1)
	assert.Equal(t, "good", msgs[0].Doc["n"])

	// Forged file moved aside, never re-read.
	qdir := filepath.Join(s.Root(), "quarantine")
	entries, err := os.ReadDir(qdir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	again, err := s.ReadOutputs()
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSlotWaitReady(t *testing.T) {
	s := newTestSlot(t)

	err := s.WaitReady(30*time.Millisecond, 5*time.Millisecond)
	assert.Error(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		os.WriteFile(filepath.Join(s.OutputDir(), "_ready"), nil, 0o644)
	}()
	require.NoError(t, s.WaitReady(time.Second, 5*time.Millisecond))

	// Sentinel consumed.
	_, statErr := os.Stat(filepath.Join(s.OutputDir(), "_ready"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSlotCloseSentinel(t *testing.T) {
	s := newTestSlot(t)

	assert.False(t, s.ConsumeClose())
	require.NoError(t, s.RequestClose())
	assert.True(t, s.ConsumeClose())
	assert.False(t, s.ConsumeClose())
}

func TestSlotDrainInput(t *testing.T) {
	s := newTestSlot(t)

	require.NoError(t, s.WriteInput(map[string]interface{}{"body": "stale"}))
	require.NoError(t, s.WriteInput(map[string]interface{}{"body": "stale too"}))
	require.NoError(t, s.DrainInput())
	assert.True(t, s.InputEmpty())
}

func writeOutput(t *testing.T, s *Slot, name string, doc map[string]interface{}) {
	t.Helper()
	data, err := Sign(doc, testSecret)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.OutputDir(), name), data, 0o644))
}
