package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetRing() {
	recentErrors.mu.Lock()
	recentErrors.ring = nil
	recentErrors.mu.Unlock()
}

func TestInitJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	logger := WithComponent("dispatch")
	logger.Info().Str("conversation_id", "wa:g").Msg("turn started")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "dispatch", line["component"])
	assert.Equal(t, "wa:g", line["conversation_id"])
	assert.Equal(t, "turn started", line["message"])
	assert.Contains(t, line, "time")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	Debug("hidden")
	Info("also hidden")
	Warn("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
}

func TestRecentErrorsRing(t *testing.T) {
	resetRing()
	Init(Config{Level: ErrorLevel, JSONOutput: true, Output: &bytes.Buffer{}})

	Info("not an error")
	Error("first failure")
	Error("second failure")
	assert.Equal(t, []string{"first failure", "second failure"}, RecentErrors())

	// Overflow keeps only the newest entries.
	for i := 0; i < recentErrorsCap+5; i++ {
		Error(fmt.Sprintf("failure %d", i))
	}
	got := RecentErrors()
	require.Len(t, got, recentErrorsCap)
	assert.Equal(t, fmt.Sprintf("failure %d", recentErrorsCap+4), got[len(got)-1])
}
