package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaiyawut/butler/pkg/channel"
	"github.com/chaiyawut/butler/pkg/ipc"
	"github.com/chaiyawut/butler/pkg/pool"
	"github.com/chaiyawut/butler/pkg/provider"
	"github.com/chaiyawut/butler/pkg/queue"
	"github.com/chaiyawut/butler/pkg/runtime"
	"github.com/chaiyawut/butler/pkg/store"
	"github.com/chaiyawut/butler/pkg/types"
)

const testSecret = "dispatch-test-secret"

// scriptedRuntime runs an in-process "agent" per instance: it drops the
// ready sentinel on start, then feeds every stdin line to the script,
// which answers by writing signed documents into the slot output dir.
type scriptedRuntime struct {
	mu     sync.Mutex
	specs  map[string]*runtime.Spec
	script func(outDir string, line []byte)
}

func newScriptedRuntime(script func(outDir string, line []byte)) *scriptedRuntime {
	return &scriptedRuntime{specs: make(map[string]*runtime.Spec), script: script}
}

func (f *scriptedRuntime) PullImage(ctx context.Context, image string) error { return nil }

func (f *scriptedRuntime) Create(ctx context.Context, spec *runtime.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs[spec.Name] = spec
	return nil
}

func (f *scriptedRuntime) Start(ctx context.Context, name string, stdin io.Reader, stdout, stderr io.Writer) error {
	f.mu.Lock()
	spec := f.specs[name]
	f.mu.Unlock()
	if spec == nil {
		return fmt.Errorf("instance %s was never created", name)
	}
	var slotRoot string
	for _, m := range spec.Mounts {
		if m.Destination == "/ipc" {
			slotRoot = m.Source
		}
	}
	if slotRoot == "" {
		return fmt.Errorf("instance %s has no ipc mount", name)
	}
	outDir := filepath.Join(slotRoot, "output")
	if err := os.WriteFile(filepath.Join(outDir, "_ready"), nil, 0o644); err != nil {
		return err
	}
	go func() {
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			f.script(outDir, scanner.Bytes())
		}
	}()
	return nil
}

func (f *scriptedRuntime) Wait(ctx context.Context, name string) (uint32, error) { return 0, nil }
func (f *scriptedRuntime) Stop(ctx context.Context, name string, timeout time.Duration) error {
	return nil
}
func (f *scriptedRuntime) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.specs, name)
	return nil
}
// The scripted agent exits as soon as the dispatcher asks it to close.
func (f *scriptedRuntime) IsRunning(ctx context.Context, name string) bool { return false }
func (f *scriptedRuntime) Close() error { return nil }

// writeSigned drops one HMAC-signed document into the output dir.
func writeSigned(t testingT, outDir, name string, doc map[string]interface{}) {
	data, err := ipc.Sign(doc, []byte(testSecret))
	if err != nil {
		t.Errorf("sign failed: %v", err)
		return
	}
	if err := os.WriteFile(filepath.Join(outDir, name), data, 0o644); err != nil {
		t.Errorf("output write failed: %v", err)
	}
}

type testingT interface{ Errorf(format string, args ...interface{}) }

// recordingAdapter captures sends and edits.
type recordingAdapter struct {
	name        string
	supportEdit bool

	mu          sync.Mutex
	sends       []string
	edits       []string
	typingStops int
}

func (a *recordingAdapter) Name() string { return a.name }

func (a *recordingAdapter) Send(conversationID, body, senderTag string) (channel.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends = append(a.sends, body)
	return channel.MessageRef(fmt.Sprintf("ref-%d", len(a.sends))), nil
}

func (a *recordingAdapter) SetTyping(conversationID string) error { return nil }

func (a *recordingAdapter) StopTyping(conversationID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.typingStops++
	return nil
}

func (a *recordingAdapter) typingStopCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.typingStops
}

func (a *recordingAdapter) EditMessage(conversationID string, ref channel.MessageRef, newBody string) error {
	if !a.supportEdit {
		return channel.ErrUnsupported
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.edits = append(a.edits, newBody)
	return nil
}

func (a *recordingAdapter) IsConnected() bool      { return true }
func (a *recordingAdapter) LastEventAt() time.Time { return time.Now() }
func (a *recordingAdapter) Start() error           { return nil }
func (a *recordingAdapter) Stop() error            { return nil }

func (a *recordingAdapter) sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sends...)
}

type fixture struct {
	dispatcher *Dispatcher
	queue      *queue.Queue
	store      *store.BoltStore
	adapter    *recordingAdapter
	pool       *pool.Pool
}

func newFixture(t *testing.T, script func(outDir string, line []byte)) *fixture {
	return newTunedFixture(t, nil, nil, script)
}

// newTunedFixture lets a test adjust the dispatcher config or supply a
// provider registry before Start.
func newTunedFixture(t *testing.T, tune func(*Config), providers *provider.Registry, script func(outDir string, line []byte)) *fixture {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.PutConversation(&types.Conversation{
		ID:        "fake:group",
		Name:      "group",
		Folder:    "group",
		CreatedAt: time.Now(),
	}))

	rt := newScriptedRuntime(script)
	p := pool.New(pool.Config{
		Min:            0,
		Max:            2,
		MaxReuse:       10,
		SessionMaxAge:  time.Hour,
		WarmupInterval: time.Hour,
		WarmingMax:     2 * time.Second,
		CloseGrace:     100 * time.Millisecond,
		IPCPoll:        5 * time.Millisecond,
		Image:          "butler-agent:test",
		DataDir:        t.TempDir(),
		HMACSecret:     testSecret,
	}, rt)

	q, err := queue.New(st, 10, 3)
	require.NoError(t, err)

	adapter := &recordingAdapter{name: "fake", supportEdit: true}
	reg := channel.NewRegistry()
	reg.Register(adapter)

	cfg := Config{
		OutputTimeout: 2 * time.Second,
		HardKill:      5 * time.Second,
		SessionMaxAge: time.Hour,
		IPCPoll:       5 * time.Millisecond,
	}
	if tune != nil {
		tune(&cfg)
	}
	d := New(cfg, st, q, p, reg)
	if providers != nil {
		d.SetProviders(providers)
	}
	d.Start()
	t.Cleanup(func() {
		d.Stop()
		p.Stop(context.Background())
	})

	return &fixture{dispatcher: d, queue: q, store: st, adapter: adapter, pool: p}
}

func enqueue(f *fixture, body string) {
	f.queue.EnqueueBatch("fake:group", []*types.Message{{
		DeliveryID:     "d-" + body,
		ConversationID: "fake:group",
		Author:         "someone",
		Body:           body,
		ReceivedAt:     time.Now(),
	}})
}

func TestTurnSuccessDeliversResult(t *testing.T) {
	fx := newFixture(t, func(outDir string, line []byte) {
		var boot map[string]interface{}
		if json.Unmarshal(line, &boot) != nil {
			return
		}
		writeSigned(t, outDir, "result.json", map[string]interface{}{
			"status":       "success",
			"result":       "echo: " + boot["prompt"].(string),
			"newSessionId": "sess-1",
		})
	})

	enqueue(fx, "hello there")

	require.Eventually(t, func() bool {
		return len(fx.adapter.sent()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "echo: hello there", fx.adapter.sent()[0])

	// Session token persisted; entry gone; instance returned warm.
	sess, err := fx.store.GetSession("fake:group")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.Token)
	assert.Nil(t, fx.queue.Next("fake:group"))
	require.Eventually(t, func() bool {
		return fx.pool.Snapshot().Ready == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTurnAgentErrorSendsSingleFallback(t *testing.T) {
	fx := newFixture(t, func(outDir string, line []byte) {
		writeSigned(t, outDir, "result.json", map[string]interface{}{
			"status": "error",
			"result": nil,
			"error":  "tool exploded",
		})
	})

	enqueue(fx, "do something doomed")

	require.Eventually(t, func() bool {
		return len(fx.adapter.sent()) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	// Exactly one fallback for the failed turn; the retry fires no
	// earlier than the one-second backoff floor.
	time.Sleep(300 * time.Millisecond)
	sent := fx.adapter.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Something went wrong — retrying.", sent[0])
}

func TestInterimOutputProgressiveEdit(t *testing.T) {
	fx := newFixture(t, func(outDir string, line []byte) {
		writeSigned(t, outDir, "001.json", map[string]interface{}{"message": "working on it"})
		time.Sleep(50 * time.Millisecond)
		writeSigned(t, outDir, "002.json", map[string]interface{}{"message": " ... still going"})
		time.Sleep(50 * time.Millisecond)
		writeSigned(t, outDir, "003.json", map[string]interface{}{
			"status": "success",
			"result": "final answer",
		})
	})

	enqueue(fx, "long task")

	require.Eventually(t, func() bool {
		sent := fx.adapter.sent()
		return len(sent) >= 2 && sent[len(sent)-1] == "final answer"
	}, 5*time.Second, 10*time.Millisecond)

	sent := fx.adapter.sent()
	assert.Equal(t, "working on it", sent[0], "first interim creates the progressive message")
	fx.adapter.mu.Lock()
	edits := append([]string(nil), fx.adapter.edits...)
	fx.adapter.mu.Unlock()
	require.NotEmpty(t, edits, "second interim arrives as an edit")
	assert.Equal(t, "working on it ... still going", edits[0])
}

func TestForgedOutputFailsTurn(t *testing.T) {
	fx := newFixture(t, func(outDir string, line []byte) {
		// Unsigned payload: must be quarantined and fail the turn.
		os.WriteFile(filepath.Join(outDir, "evil.json"),
			[]byte(`{"status":"success","result":"pwned","_hmac":"deadbeef"}`), 0o644)
	})

	enqueue(fx, "innocuous request")

	require.Eventually(t, func() bool {
		return len(fx.adapter.sent()) >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Something went wrong — retrying.", fx.adapter.sent()[0],
		"forged result never reaches the user")
}

func TestCauseOf(t *testing.T) {
	tests := []struct {
		err  string
		want string
	}{
		{"turn deadline exceeded", "hard_kill"},
		{"no agent output within 30s", "output_timeout"},
		{"agent output rejected: hmac mismatch", "hmac_mismatch"},
		{"agent stream closed without a framed result", "unexpected_exit"},
		{"something else entirely", "error"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, causeOf(fmt.Errorf("%s", tt.err)))
		})
	}
}

func TestTypingIndicatorCapDuringLongTurn(t *testing.T) {
	fx := newTunedFixture(t, func(cfg *Config) {
		cfg.TypingMaxTTL = 30 * time.Millisecond
	}, nil, func(outDir string, line []byte) {
		var boot map[string]interface{}
		if json.Unmarshal(line, &boot) != nil {
			return
		}
		time.Sleep(400 * time.Millisecond)
		writeSigned(t, outDir, "result.json", map[string]interface{}{
			"status": "success",
			"result": "eventually done",
		})
	})

	enqueue(fx, "slow work")

	// The indicator is withdrawn while the turn is still running.
	require.Eventually(t, func() bool {
		return fx.adapter.typingStopCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, fx.adapter.sent(), "indicator cap fires before the result arrives")

	require.Eventually(t, func() bool {
		return len(fx.adapter.sent()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "eventually done", fx.adapter.sent()[0])
}

func TestBootstrapCarriesActiveProviders(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(regPath, []byte(`providers:
  - name: search
    enabled: true
    startupMode: eager
    command: ["search-server"]
  - name: mail
    enabled: true
    groupAllowlist: ["another-group"]
    startupMode: eager
    command: ["mail-server"]
`), 0o644))
	providers, err := provider.LoadRegistry(regPath)
	require.NoError(t, err)

	fx := newTunedFixture(t, nil, providers, func(outDir string, line []byte) {
		var boot map[string]interface{}
		if json.Unmarshal(line, &boot) != nil {
			return
		}
		writeSigned(t, outDir, "result.json", map[string]interface{}{
			"status": "success",
			"result": fmt.Sprintf("providers=%v", boot["providers"]),
		})
	})

	enqueue(fx, "which tools do I have")

	require.Eventually(t, func() bool {
		return len(fx.adapter.sent()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	// The allowlist keeps mail out of this group's bootstrap.
	assert.Equal(t, "providers=[search]", fx.adapter.sent()[0])
}

func TestPipeAbsorbedKeepsUnwrittenEntriesPending(t *testing.T) {
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	q, err := queue.New(st, 10, 3)
	require.NoError(t, err)
	d := New(Config{}, st, q, nil, channel.NewRegistry())

	slot, err := ipc.NewSlot(t.TempDir(), "group", []byte(testSecret))
	require.NoError(t, err)

	batch := func(id, body string) {
		q.EnqueueBatch("fake:group", []*types.Message{{
			DeliveryID:     id,
			ConversationID: "fake:group",
			Body:           body,
			ReceivedAt:     time.Now(),
		}})
	}

	batch("d-1", "opener")
	active := q.Next("fake:group")
	require.NotNil(t, active)

	batch("d-2", "piped fine")
	piped := d.pipeAbsorbed(d.logger, "fake:group", slot)
	require.Len(t, piped, 1)
	assert.False(t, slot.InputEmpty(), "absorbed message landed in the slot")

	// The input directory vanishes mid-turn, so the next absorbed entry
	// cannot be written and must return to pending untouched.
	require.NoError(t, os.RemoveAll(slot.InputDir()))
	batch("d-3", "stranded")
	require.Empty(t, d.pipeAbsorbed(d.logger, "fake:group", slot))

	q.Complete(active)
	for _, p := range piped {
		q.Complete(p)
	}
	next := q.Next("fake:group")
	require.NotNil(t, next)
	assert.Equal(t, "stranded", next.Messages[0].Body)
}

func TestAdapterFor(t *testing.T) {
	reg := channel.NewRegistry()
	wa := &recordingAdapter{name: "whatsapp"}
	reg.Register(wa)
	d := &Dispatcher{registry: reg}

	assert.Equal(t, wa, d.adapterFor("whatsapp:12345"))
	// Unknown prefix with exactly one adapter falls back to it.
	assert.Equal(t, wa, d.adapterFor("telegram:999"))
	assert.Equal(t, wa, d.adapterFor("bare-id"))

	reg.Register(&recordingAdapter{name: "telegram"})
	assert.Nil(t, d.adapterFor("bare-id"), "ambiguous with two adapters")
}
