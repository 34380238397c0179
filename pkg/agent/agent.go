// Package agent defines the contract between the dispatcher and the
// in-container agent program: the bootstrap document fed on stdin, the
// framed turn result on the output stream, and the stream scanner that
// separates the result from log noise.
package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Output framing markers. Anything on the stream outside a marker pair
// is treated as log noise.
const (
	OutputStartMarker = "---OUTPUT_START---"
	OutputEndMarker   = "---OUTPUT_END---"
)

// Bootstrap is the single JSON document the agent reads on stdin at
// spawn time. Subsequent turns arrive through the IPC input directory.
type Bootstrap struct {
	Prompt          string            `json:"prompt"`
	SessionID       string            `json:"sessionId,omitempty"`
	GroupFolder     string            `json:"groupFolder"`
	ChatJID         string            `json:"chatJid"`
	IsMain          bool              `json:"isMain"`
	IsScheduledTask bool              `json:"isScheduledTask,omitempty"`
	// Providers are the tool providers active for the group, resolved
	// from the registry at bootstrap time.
	Providers []string `json:"providers,omitempty"`
	// Secrets are delivered once at bootstrap; the agent must strip the
	// corresponding environment variables before spawning subprocesses.
	Secrets map[string]string `json:"secrets,omitempty"`
}

// TurnStatus is the agent-reported outcome of one turn.
type TurnStatus string

const (
	TurnSuccess TurnStatus = "success"
	TurnError   TurnStatus = "error"
)

// TurnResult is the single framed result emitted per turn.
type TurnResult struct {
	Status           TurnStatus `json:"status"`
	Result           *string    `json:"result"`
	NewSessionID     string     `json:"newSessionId,omitempty"`
	Error            string     `json:"error,omitempty"`
	OutputSentToUser bool       `json:"outputSentToUser,omitempty"`
}

// ScanResult reads the agent's output stream until a complete framed
// result is found or the stream ends. Log lines outside the frame are
// passed to logLine when non-nil. An EOF before a complete frame yields
// an error: an agent that exits without a framed result failed its turn.
func ScanResult(r io.Reader, logLine func(string)) (*TurnResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var frame strings.Builder
	inFrame := false
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == OutputStartMarker:
			inFrame = true
			frame.Reset()
		case trimmed == OutputEndMarker:
			if !inFrame {
				continue
			}
			var res TurnResult
			if err := json.Unmarshal([]byte(frame.String()), &res); err != nil {
				return nil, fmt.Errorf("malformed framed result: %w", err)
			}
			return &res, nil
		case inFrame:
			frame.WriteString(line)
			frame.WriteString("\n")
		default:
			if logLine != nil && trimmed != "" {
				logLine(line)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("agent stream read failed: %w", err)
	}
	return nil, fmt.Errorf("agent stream ended without a framed result")
}

// ParseResultDoc interprets a verified IPC output document as a turn
// result. Agents may deliver the framed result through the output
// directory instead of the stream.
func ParseResultDoc(doc map[string]interface{}) (*TurnResult, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var res TurnResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("malformed result document: %w", err)
	}
	if res.Status != TurnSuccess && res.Status != TurnError {
		return nil, fmt.Errorf("result document has no status")
	}
	return &res, nil
}
