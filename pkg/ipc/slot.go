// Package ipc implements the file-based channel between the dispatcher
// and in-container agents: a directory triple per slot, atomic
// write-temp-rename transfers, HMAC-signed JSON payloads, and the ready
// and close sentinels.
package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chaiyawut/butler/pkg/log"
)

const (
	readySentinel = "_ready"
	closeSentinel = "_close"

	inputDir     = "input"
	outputDir    = "output"
	artifactsDir = "artifacts"
	quarantine   = "quarantine"
)

// Slot is the per-container directory triple. The dispatcher owns the
// slot jointly with the container instance; RemoveAll on destruction.
type Slot struct {
	root   string
	secret []byte
	logger zerolog.Logger

	seq int // input file sequence within the slot's lifetime
}

// NewSlot creates (or reopens) the slot directories for a conversation
// folder under the IPC root.
func NewSlot(ipcRoot, folder string, secret []byte) (*Slot, error) {
	root := filepath.Join(ipcRoot, folder)
	for _, d := range []string{inputDir, outputDir, artifactsDir} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create slot dir %s: %w", d, err)
		}
	}
	return &Slot{
		root:   root,
		secret: secret,
		logger: log.WithComponent("ipc"),
	}, nil
}

// Root returns the slot directory, for mounting into the container.
func (s *Slot) Root() string { return s.root }

// InputDir returns the dispatcher-to-agent directory.
func (s *Slot) InputDir() string { return filepath.Join(s.root, inputDir) }

// OutputDir returns the agent-to-dispatcher directory.
func (s *Slot) OutputDir() string { return filepath.Join(s.root, outputDir) }

// ArtifactsDir returns the agent-authored artifacts directory.
func (s *Slot) ArtifactsDir() string { return filepath.Join(s.root, artifactsDir) }

// WriteInput signs the payload and drops it into input/ atomically. File
// names are zero-padded sequence numbers so the agent reads FIFO.
func (s *Slot) WriteInput(doc map[string]interface{}) error {
	data, err := Sign(doc, s.secret)
	if err != nil {
		return err
	}
	s.seq++
	name := fmt.Sprintf("%06d.json", s.seq)
	return atomicWrite(filepath.Join(s.root, inputDir, name), data)
}

// OutputMessage is one verified agent payload read from output/.
type OutputMessage struct {
	Name string
	Doc  map[string]interface{}
}

// ReadOutputs drains output/ in name order, verifying each payload.
// Verified files are deleted; files failing verification are moved to
// quarantine/ and reported via the returned error on the last one.
// Sentinel files are skipped.
func (s *Slot) ReadOutputs() ([]OutputMessage, error) {
	dir := filepath.Join(s.root, outputDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read output dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasPrefix(n, "_") || strings.HasSuffix(n, ".tmp") {
			continue
		}
		names = append(names, n)
	}
	sort.Strings(names)

	var out []OutputMessage
	var verifyErr error
	for _, n := range names {
		path := filepath.Join(dir, n)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // writer may still be renaming
		}
		doc, err := Verify(data, s.secret)
		if err != nil {
			s.quarantineFile(path, n)
			verifyErr = err
			continue
		}
		out = append(out, OutputMessage{Name: n, Doc: doc})
		if err := os.Remove(path); err != nil {
			s.logger.Warn().Err(err).Str("file", n).Msg("failed to remove consumed output")
		}
	}
	return out, verifyErr
}

// quarantineFile moves a file that failed verification out of the hot
// path so it is never re-read, and raises an alert-level record.
func (s *Slot) quarantineFile(path, name string) {
	qdir := filepath.Join(s.root, quarantine)
	if err := os.MkdirAll(qdir, 0o755); err != nil {
		s.logger.Error().Err(err).Msg("failed to create quarantine dir")
		return
	}
	dst := filepath.Join(qdir, fmt.Sprintf("%s.%d", name, time.Now().UnixNano()))
	if err := os.Rename(path, dst); err != nil {
		s.logger.Error().Err(err).Str("file", name).Msg("failed to quarantine output")
		return
	}
	s.logger.Error().Str("file", name).Msg("ipc payload failed hmac verification, quarantined")
}

// WaitReady blocks until the agent drops the _ready sentinel in output/,
// or the timeout expires. The sentinel is consumed.
func (s *Slot) WaitReady(timeout, poll time.Duration) error {
	path := filepath.Join(s.root, outputDir, readySentinel)
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			_ = os.Remove(path)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("agent not ready after %s", timeout)
		}
		time.Sleep(poll)
	}
}

// RequestClose drops the _close sentinel in input/, asking the agent to
// finish its current turn and exit without another round trip.
func (s *Slot) RequestClose() error {
	return atomicWrite(filepath.Join(s.root, inputDir, closeSentinel), []byte{})
}

// ConsumeClose removes a pending close sentinel, returning whether one
// was present.
func (s *Slot) ConsumeClose() bool {
	err := os.Remove(filepath.Join(s.root, inputDir, closeSentinel))
	return err == nil
}

// DrainInput removes all pending input files. Used on cancellation so a
// reused container never sees a dead turn's messages.
func (s *Slot) DrainInput() error {
	dir := filepath.Join(s.root, inputDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		_ = os.Remove(filepath.Join(dir, e.Name()))
	}
	return nil
}

// InputEmpty reports whether input/ holds no pending files.
func (s *Slot) InputEmpty() bool {
	entries, err := os.ReadDir(filepath.Join(s.root, inputDir))
	if err != nil {
		return true
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".tmp") {
			return false
		}
	}
	return true
}

// Remove deletes the slot and everything in it. Called on instance
// destruction.
func (s *Slot) Remove() error {
	return os.RemoveAll(s.root)
}

// atomicWrite writes to a temp file in the target directory and renames
// it into place, so readers never observe a partial file.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}
