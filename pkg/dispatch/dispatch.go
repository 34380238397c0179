// Package dispatch orchestrates agent turns: one worker per
// conversation drains the group queue, binds a pooled container, feeds
// the turn through the IPC slot, streams interim output back to the
// channel, and drives the queue entry's state machine.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chaiyawut/butler/pkg/agent"
	"github.com/chaiyawut/butler/pkg/channel"
	"github.com/chaiyawut/butler/pkg/ipc"
	"github.com/chaiyawut/butler/pkg/log"
	"github.com/chaiyawut/butler/pkg/pool"
	"github.com/chaiyawut/butler/pkg/provider"
	"github.com/chaiyawut/butler/pkg/queue"
	"github.com/chaiyawut/butler/pkg/store"
	"github.com/chaiyawut/butler/pkg/types"
)

// Config holds the dispatcher's timeouts.
type Config struct {
	OutputTimeout  time.Duration // acquire until first agent output
	HardKill       time.Duration // absolute turn wall clock
	IdleCloseStdin time.Duration // input inactivity before stdin closes
	SessionMaxAge  time.Duration
	TypingMaxTTL   time.Duration
	IPCPoll        time.Duration
}

// TurnPolicy lets a collaborator shape the user-visible side of a turn.
// The heartbeat implements it to gate delivery of probe responses.
type TurnPolicy interface {
	// UseTypingIndicator reports whether the typing indicator runs for
	// this entry.
	UseTypingIndicator(entry *types.QueueEntry) bool
	// FilterOutbound may rewrite or suppress the final outbound body.
	FilterOutbound(entry *types.QueueEntry, body string) (string, bool)
}

// Dispatcher runs the per-conversation workers.
type Dispatcher struct {
	cfg       Config
	store     *store.BoltStore
	queue     *queue.Queue
	pool      *pool.Pool
	registry  *channel.Registry
	policy    TurnPolicy
	providers *provider.Registry
	logger    zerolog.Logger

	mu      sync.Mutex
	workers map[string]chan struct{}

	// One framed-result reader per live container stdout stream.
	readersMu sync.Mutex
	readers   map[string]chan *agent.TurnResult

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds the dispatcher.
func New(cfg Config, st *store.BoltStore, q *queue.Queue, p *pool.Pool, reg *channel.Registry) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		store:    st,
		queue:    q,
		pool:     p,
		registry: reg,
		logger:   log.WithComponent("dispatch"),
		workers:  make(map[string]chan struct{}),
		readers:  make(map[string]chan *agent.TurnResult),
		stopCh:   make(chan struct{}),
	}
}

// SetPolicy installs the turn policy. Must be called before Start.
func (d *Dispatcher) SetPolicy(p TurnPolicy) {
	d.policy = p
}

// SetProviders installs the tool provider registry consulted per
// bootstrap. Must be called before Start.
func (d *Dispatcher) SetProviders(r *provider.Registry) {
	d.providers = r
}

// Start launches the wake router.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.route()
}

// Stop drains: workers finish their current turn and exit.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// route fans queue wakeups out to per-conversation workers, creating
// workers on demand.
func (d *Dispatcher) route() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case conversationID := <-d.queue.Wake():
			d.mu.Lock()
			wake, ok := d.workers[conversationID]
			if !ok {
				wake = make(chan struct{}, 1)
				d.workers[conversationID] = wake
				d.wg.Add(1)
				go d.worker(conversationID, wake)
			}
			d.mu.Unlock()
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}

// worker serializes everything for one conversation.
func (d *Dispatcher) worker(conversationID string, wake <-chan struct{}) {
	defer d.wg.Done()
	logger := log.WithConversation(conversationID)
	for {
		select {
		case <-d.stopCh:
			return
		case <-wake:
			for {
				entry := d.queue.Next(conversationID)
				if entry == nil {
					break
				}
				d.runTurn(logger, entry)
			}
		}
	}
}

// runTurn executes one queue entry end to end.
func (d *Dispatcher) runTurn(logger zerolog.Logger, entry *types.QueueEntry) {
	conv, err := d.store.GetConversation(entry.ConversationID)
	if err != nil {
		d.failTurn(logger, entry, nil, "missing_conversation", err)
		return
	}
	adapter := d.adapterFor(conv.ID)

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.HardKill)
	defer cancel()

	if adapter != nil && (d.policy == nil || d.policy.UseTypingIndicator(entry)) {
		if err := adapter.SetTyping(conv.ID); err == nil {
			defer adapter.StopTyping(conv.ID)
			// Cap the indicator so a long turn never shows typing
			// indefinitely.
			if d.cfg.TypingMaxTTL > 0 {
				ttl := time.AfterFunc(d.cfg.TypingMaxTTL, func() {
					_ = adapter.StopTyping(conv.ID)
				})
				defer ttl.Stop()
			}
		}
	}

	h, err := d.pool.Acquire(ctx, conv.ID)
	if err != nil {
		d.failTurn(logger, entry, nil, "acquire_failed", err)
		return
	}

	absorbed, res, err := d.executeTurn(ctx, logger, conv, entry, h, adapter)

	switch {
	case err != nil:
		for _, a := range absorbed {
			d.queue.Requeue(a)
		}
		d.pool.Release(context.Background(), h, false)
		d.failTurn(logger, entry, adapter, causeOf(err), err)
	case res.Status == agent.TurnError:
		for _, a := range absorbed {
			d.queue.Requeue(a)
		}
		d.pool.Release(context.Background(), h, false)
		d.failTurn(logger, entry, adapter, "agent_error", fmt.Errorf("agent reported error: %s", res.Error))
	case res.Result == nil && !res.OutputSentToUser:
		for _, a := range absorbed {
			d.queue.Requeue(a)
		}
		d.pool.Release(context.Background(), h, false)
		d.failTurn(logger, entry, adapter, "empty_result", fmt.Errorf("agent returned empty result"))
	default:
		d.recordSession(conv.ID, res.NewSessionID)
		if res.Result != nil && *res.Result != "" && adapter != nil {
			body, deliver := *res.Result, true
			if d.policy != nil {
				body, deliver = d.policy.FilterOutbound(entry, body)
			}
			if deliver {
				if _, err := adapter.Send(conv.ID, body, ""); err != nil {
					logger.Warn().Err(err).Msg("final send failed")
				}
			}
		}
		d.queue.Complete(entry)
		for _, a := range absorbed {
			d.queue.Complete(a)
		}
		d.pool.Release(context.Background(), h, true)
		logger.Info().Str("entry", entry.ID).Msg("turn completed")
	}
}

// executeTurn feeds the turn into the container and waits for the single
// framed result, forwarding interim output and piping in messages
// admitted mid-turn.
func (d *Dispatcher) executeTurn(ctx context.Context, logger zerolog.Logger, conv *types.Conversation, entry *types.QueueEntry, h *pool.Handle, adapter channel.Adapter) ([]*types.QueueEntry, *agent.TurnResult, error) {
	msgs := entry.Messages
	scheduled := len(msgs) > 0 && msgs[0].Scheduled

	if h.FirstUse {
		if err := d.writeBootstrap(conv, h, msgs, scheduled); err != nil {
			return nil, nil, fmt.Errorf("bootstrap write failed: %w", err)
		}
		msgs = msgs[1:] // first message travels in the bootstrap prompt
	}
	for _, m := range msgs {
		if err := d.writeMessage(h.Slot, m); err != nil {
			return nil, nil, fmt.Errorf("input write failed: %w", err)
		}
	}

	watcher, err := ipc.NewWatcher(h.Slot.OutputDir(), d.cfg.IPCPoll)
	if err != nil {
		return nil, nil, err
	}
	defer watcher.Close()

	resultCh := d.streamReader(h)

	var absorbed []*types.QueueEntry
	outputSeen := false
	lastInput := time.Now()
	stdinClosed := false

	var sentRef channel.MessageRef
	var sentText strings.Builder
	progressive := adapter != nil

	outputTimer := time.NewTimer(d.cfg.OutputTimeout)
	defer outputTimer.Stop()
	idleTicker := time.NewTicker(time.Second)
	defer idleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return absorbed, nil, fmt.Errorf("turn deadline exceeded")

		case <-outputTimer.C:
			if !outputSeen {
				return absorbed, nil, fmt.Errorf("no agent output within %s", d.cfg.OutputTimeout)
			}

		case <-idleTicker.C:
			if !stdinClosed && d.cfg.IdleCloseStdin > 0 && time.Since(lastInput) > d.cfg.IdleCloseStdin && h.Slot.InputEmpty() {
				_ = h.Stdin.Close()
				stdinClosed = true
			}

		case res, ok := <-resultCh:
			if !ok {
				return absorbed, nil, fmt.Errorf("agent stream closed without a framed result")
			}
			return absorbed, res, nil

		case <-watcher.Events():
			// Pipe in anything admitted mid-turn first, so the agent
			// observes follow-ups before finishing.
			if piped := d.pipeAbsorbed(logger, conv.ID, h.Slot); len(piped) > 0 {
				absorbed = append(absorbed, piped...)
				lastInput = time.Now()
			}

			outs, verr := h.Slot.ReadOutputs()
			if verr != nil {
				return absorbed, nil, fmt.Errorf("agent output rejected: %w", verr)
			}
			for _, out := range outs {
				outputSeen = true
				if res, err := agent.ParseResultDoc(out.Doc); err == nil {
					return absorbed, res, nil
				}
				body, _ := out.Doc["message"].(string)
				if body == "" {
					continue
				}
				// Interim output: progressive edit when the adapter
				// supports it, separate sends otherwise.
				if adapter == nil {
					continue
				}
				if progressive {
					sentText.WriteString(body)
					if sentRef == "" {
						ref, err := adapter.Send(conv.ID, sentText.String(), "")
						if err == nil {
							sentRef = ref
						}
						continue
					}
					if err := adapter.EditMessage(conv.ID, sentRef, sentText.String()); err == channel.ErrUnsupported {
						progressive = false
						_, _ = adapter.Send(conv.ID, body, "")
					}
					continue
				}
				_, _ = adapter.Send(conv.ID, body, "")
			}
		}
	}
}

// pipeAbsorbed moves entries admitted mid-turn into the live slot. An
// entry whose messages could not all be written goes straight back to
// pending; only fully piped entries share the turn's disposition.
func (d *Dispatcher) pipeAbsorbed(logger zerolog.Logger, conversationID string, slot *ipc.Slot) []*types.QueueEntry {
	var piped []*types.QueueEntry
	for _, extra := range d.queue.Absorb(conversationID) {
		wrote := true
		for _, m := range extra.Messages {
			if err := d.writeMessage(slot, m); err != nil {
				logger.Warn().Err(err).Str("entry", extra.ID).Msg("mid-turn input write failed")
				wrote = false
				break
			}
		}
		if !wrote {
			d.queue.Requeue(extra)
			continue
		}
		piped = append(piped, extra)
	}
	return piped
}

// streamReader returns the framed-result channel for the handle's stdout
// stream, starting the long-lived scanner on first use. The scanner
// survives across turns of a reused container and exits when the stream
// closes.
func (d *Dispatcher) streamReader(h *pool.Handle) chan *agent.TurnResult {
	d.readersMu.Lock()
	defer d.readersMu.Unlock()
	if ch, ok := d.readers[h.Inst.Name]; ok {
		return ch
	}
	ch := make(chan *agent.TurnResult, 4)
	d.readers[h.Inst.Name] = ch
	name := h.Inst.Name
	logger := log.WithInstance(name)
	go func() {
		defer func() {
			d.readersMu.Lock()
			delete(d.readers, name)
			d.readersMu.Unlock()
			close(ch)
		}()
		for {
			res, err := agent.ScanResult(h.Stdout, func(line string) {
				logger.Debug().Msg(line)
			})
			if err != nil {
				return
			}
			ch <- res
		}
	}()
	return ch
}

// writeBootstrap sends the one-time bootstrap document on the agent's
// stdin, carrying the first message as the prompt and the fresh session
// token when one exists.
func (d *Dispatcher) writeBootstrap(conv *types.Conversation, h *pool.Handle, msgs []*types.Message, scheduled bool) error {
	prompt := ""
	if len(msgs) > 0 {
		prompt = msgs[0].Body
	}
	boot := agent.Bootstrap{
		Prompt:          prompt,
		GroupFolder:     conv.Folder,
		ChatJID:         conv.ID,
		IsMain:          conv.IsMain,
		IsScheduledTask: scheduled,
	}
	if d.providers != nil {
		for _, rec := range d.providers.ActiveFor(conv.Folder) {
			boot.Providers = append(boot.Providers, rec.Name)
		}
		sort.Strings(boot.Providers)
	}
	if sess, err := d.store.GetSession(conv.ID); err == nil {
		if time.Since(sess.UpdatedAt) < d.cfg.SessionMaxAge {
			boot.SessionID = sess.Token
		} else {
			_ = d.store.DeleteSession(conv.ID)
		}
	}
	data, err := json.Marshal(&boot)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = h.Stdin.Write(data)
	return err
}

// writeMessage drops one admitted message into the slot input.
func (d *Dispatcher) writeMessage(slot *ipc.Slot, m *types.Message) error {
	return slot.WriteInput(map[string]interface{}{
		"type":       "message",
		"chatJid":    m.ConversationID,
		"author":     m.Author,
		"body":       m.Body,
		"receivedAt": m.ReceivedAt.Format(time.RFC3339Nano),
		"scheduled":  m.Scheduled,
	})
}

// failTurn reports the failure to the queue and sends the single
// user-visible fallback message per the disposition.
func (d *Dispatcher) failTurn(logger zerolog.Logger, entry *types.QueueEntry, adapter channel.Adapter, cause string, err error) {
	logger.Warn().Err(err).Str("entry", entry.ID).Str("cause", cause).Msg("turn failed")
	disposition := d.queue.Fail(entry, cause, err)
	if adapter == nil {
		adapter = d.adapterFor(entry.ConversationID)
	}
	if adapter == nil {
		return
	}
	switch disposition {
	case queue.DispositionRetry:
		_, _ = adapter.Send(entry.ConversationID, "Something went wrong — retrying.", "")
	case queue.DispositionDeadLetter:
		_, _ = adapter.Send(entry.ConversationID, "I couldn't complete that.", "")
	}
}

func (d *Dispatcher) recordSession(conversationID, token string) {
	if token == "" {
		return
	}
	if err := d.store.PutSession(&types.Session{
		ConversationID: conversationID,
		Token:          token,
		UpdatedAt:      time.Now(),
	}); err != nil {
		d.logger.Warn().Err(err).Str("conversation", conversationID).Msg("failed to persist session token")
	}
}

// adapterFor resolves the adapter for a conversation. Conversation ids
// may carry a channel prefix ("whatsapp:123..."); with no prefix and a
// single registered adapter, that adapter is used.
func (d *Dispatcher) adapterFor(conversationID string) channel.Adapter {
	if i := strings.IndexByte(conversationID, ':'); i > 0 {
		if a, ok := d.registry.Get(conversationID[:i]); ok {
			return a
		}
	}
	all := d.registry.All()
	if len(all) == 1 {
		return all[0]
	}
	return nil
}

// causeOf maps an execution error onto a failure-cause label.
func causeOf(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "deadline"):
		return "hard_kill"
	case strings.Contains(msg, "no agent output"):
		return "output_timeout"
	case strings.Contains(msg, "hmac"):
		return "hmac_mismatch"
	case strings.Contains(msg, "stream closed"):
		return "unexpected_exit"
	default:
		return "error"
	}
}
