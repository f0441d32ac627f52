// Package delta normalizes the gateway's two overlapping assistant-text
// wire conventions — cumulative snapshots and incremental deltas, arriving
// interleaved across a "chat" channel and an advisory "agent.event"
// channel — into one canonical delta sequence per run. This is the
// subtlest component in the client; there is no direct teacher precedent,
// so its shape follows the "single input sum type, one normalizer"
// structure named for this exact problem, with callback-style sinks for
// each output kind (text/thinking delta, tool lifecycle, terminal signal)
// in the same registration style as the teacher's Transport callbacks.
package delta

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"osaurus/internal/frame"
	"osaurus/internal/gwerrors"
)

// syncInterval is the throttle window: on_sync fires no more than once per
// interval during active streaming, regardless of event rate. §4.7 calls
// for this to adapt within 100-250ms rather than stay fixed; 150ms sits in
// that range but this implementation does not vary it by event rate.
const syncInterval = 150 * time.Millisecond

// Sink receives the normalizer's canonical output. Every field is optional;
// a nil field is simply not called.
type Sink struct {
	OnTextDelta     func(text string)
	OnTextReplace   func(text string)
	OnThinkingDelta func(text string)
	OnToolStart     func(id, name string, args json.RawMessage)
	OnToolUpdate    func(id string, partialResult json.RawMessage)
	OnToolResult    func(id string, result json.RawMessage, isError bool)
	OnSync          func()
	OnTerminal      func(err error)
}

// HistoryFallback queries chat.history and returns the last assistant
// message's error text when a chat "error" frame carries no errorMessage
// of its own. Implemented by the chat-run session, which owns the router
// and sessionKey this normalizer has no business holding.
type HistoryFallback func() (string, error)

// textState is the per-channel (assistant text, thinking text) streaming
// state described in the data model: accumulated text, whether the run has
// committed to explicit-delta mode, and the last emitted prefix (implicit
// in accumulated itself, since emission is always a suffix or full replace
// of accumulated).
type textState struct {
	accumulated      string
	sawExplicitDelta bool
}

// apply folds one observed (text, delta) pair into the state and returns
// the canonical output: ("", "", false) for no-op, (chunk, "", false) for a
// delta, or ("", full, true) for a non-prefix replace.
func (s *textState) apply(text, delta *string) (chunk string, replace string, isReplace bool) {
	if delta != nil {
		s.sawExplicitDelta = true
		s.accumulated += *delta
		if text != nil && *text != s.accumulated && *text != *delta {
			// The explicit delta still wins; the divergence is only logged.
			log.Printf("[delta] snapshot (%d bytes) diverges from accumulated explicit deltas (%d bytes)", len(*text), len(s.accumulated))
		}
		return *delta, "", false
	}
	if s.sawExplicitDelta {
		// Explicit-delta mode won permanently for this run; a snapshot-only
		// item with no delta field contributes nothing further.
		return "", "", false
	}
	if text == nil {
		return "", "", false
	}
	snapshot := *text
	switch {
	case snapshot == s.accumulated:
		return "", "", false
	case strings.HasPrefix(snapshot, s.accumulated):
		suffix := snapshot[len(s.accumulated):]
		s.accumulated = snapshot
		return suffix, "", false
	default:
		s.accumulated = snapshot
		return "", snapshot, true
	}
}

// Normalizer holds one run's delta-normalization state. Not safe for
// concurrent calls from more than one goroutine without external
// serialization, matching the chat-run session's single-producer use.
type Normalizer struct {
	sink            Sink
	historyFallback HistoryFallback

	mu          sync.Mutex
	assistant   textState
	thinking    textState
	lifecycleOn bool
	terminated  bool
	lastSync    time.Time
}

// New constructs a Normalizer for one run.
func New(sink Sink, historyFallback HistoryFallback) *Normalizer {
	return &Normalizer{sink: sink, historyFallback: historyFallback}
}

// HandleFrame parses f's payload according to its channel and dispatches to
// the matching handler. Frames on neither channel are ignored.
func (n *Normalizer) HandleFrame(f *frame.Frame) {
	switch f.Channel() {
	case "chat":
		var p ChatPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return
		}
		n.HandleChatPayload(p)
	case "agent":
		var p AgentPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return
		}
		n.HandleAgentPayload(p)
	}
}

// HandleChatPayload processes one chat-channel frame.
func (n *Normalizer) HandleChatPayload(p ChatPayload) {
	n.mu.Lock()
	if n.terminated {
		n.mu.Unlock()
		return
	}

	switch p.State {
	case "delta":
		n.applyMessageLocked(p.Message)
		n.mu.Unlock()
		n.maybeSync()

	case "final":
		lifecycleOn := n.lifecycleOn
		// Rule 4: a final carrying a message with no delta ever emitted is
		// treated as a single delta fallback.
		if p.Message != nil && n.assistant.accumulated == "" && !n.assistant.sawExplicitDelta {
			n.applyMessageLocked(p.Message)
		}
		n.mu.Unlock()
		n.maybeSync()
		if !lifecycleOn {
			n.terminate(nil)
		}
		// else: an agent.event lifecycle:start preempted this final; the
		// run keeps going until lifecycle:end/error arrives.

	case "error":
		n.mu.Unlock()
		msg := p.ErrorMessage
		var err error
		if msg == "" && n.historyFallback != nil {
			if fallback, fallbackErr := n.historyFallback(); fallbackErr == nil && fallback != "" {
				msg = fallback
			}
		}
		if msg == "" {
			msg = "chat run failed with no error detail"
		}
		err = annotateProviderHint(msg)
		n.terminate(err)

	default:
		n.mu.Unlock()
	}
}

// HandleAgentPayload processes one agent.event-channel frame.
func (n *Normalizer) HandleAgentPayload(p AgentPayload) {
	n.mu.Lock()
	if n.terminated {
		n.mu.Unlock()
		return
	}

	switch p.Stream {
	case "assistant":
		chunk, replace, isReplace := n.assistant.apply(p.Data.Text, p.Data.Delta)
		n.mu.Unlock()
		n.emitText(chunk, replace, isReplace)
		n.maybeSync()

	case "thinking":
		chunk, replace, isReplace := n.thinking.apply(p.Data.Text, p.Data.Delta)
		n.mu.Unlock()
		n.emitThinking(chunk, replace, isReplace)
		n.maybeSync()

	case "tool":
		n.mu.Unlock()
		n.handleTool(p.Data)
		n.maybeSync()

	case "lifecycle":
		n.handleLifecycleLocked(p.Data)

	default:
		n.mu.Unlock()
	}
}

func (n *Normalizer) applyMessageLocked(msg *ChatMessage) {
	if msg == nil {
		return
	}
	for _, item := range msg.Content {
		switch item.Type {
		case "text":
			chunk, replace, isReplace := n.assistant.apply(item.Text, item.Delta)
			if isReplace {
				n.emitReplaceUnlocked(replace)
			} else if chunk != "" {
				n.emitTextUnlocked(chunk)
			}
		case "thinking":
			chunk, replace, isReplace := n.thinking.apply(item.Thinking, item.Delta)
			if isReplace {
				n.emitThinkingReplaceUnlocked(replace)
			} else if chunk != "" {
				n.emitThinkingUnlocked(chunk)
			}
		}
	}
}

// The emit* helpers below never touch n.mu themselves. applyMessageLocked
// calls them while its caller still holds n.mu (held across the whole
// content loop so textState mutation stays atomic with the callback in that
// path); HandleAgentPayload releases the lock before calling them, since
// the terminate path it may reach next reacquires it.

func (n *Normalizer) emitTextUnlocked(s string) {
	if n.sink.OnTextDelta != nil {
		n.sink.OnTextDelta(s)
	}
}

func (n *Normalizer) emitReplaceUnlocked(s string) {
	if n.sink.OnTextReplace != nil {
		n.sink.OnTextReplace(s)
	}
}

func (n *Normalizer) emitThinkingUnlocked(s string) {
	if n.sink.OnThinkingDelta != nil {
		n.sink.OnThinkingDelta(s)
	}
}

func (n *Normalizer) emitThinkingReplaceUnlocked(s string) {
	// The wire protocol only names a text "replace" signal; thinking reuses
	// the same delta sink since no downstream consumer renders thinking
	// incrementally with overwrite semantics today.
	if n.sink.OnThinkingDelta != nil {
		n.sink.OnThinkingDelta(s)
	}
}

func (n *Normalizer) emitText(chunk, replace string, isReplace bool) {
	if isReplace {
		n.emitReplaceUnlocked(replace)
		return
	}
	if chunk != "" {
		n.emitTextUnlocked(chunk)
	}
}

func (n *Normalizer) emitThinking(chunk, replace string, isReplace bool) {
	if isReplace {
		n.emitThinkingReplaceUnlocked(replace)
		return
	}
	if chunk != "" {
		n.emitThinkingUnlocked(chunk)
	}
}

func (n *Normalizer) handleTool(d AgentData) {
	if d.ToolCallID == "" {
		return // frames missing toolCallId are dropped
	}
	switch d.Phase {
	case "start":
		if n.sink.OnToolStart != nil {
			n.sink.OnToolStart(d.ToolCallID, d.Name, d.Args)
		}
	case "update":
		if n.sink.OnToolUpdate != nil {
			n.sink.OnToolUpdate(d.ToolCallID, d.PartialResult)
		}
	case "result":
		if n.sink.OnToolResult != nil {
			n.sink.OnToolResult(d.ToolCallID, d.Result, d.IsError)
		}
	}
}

func (n *Normalizer) handleLifecycleLocked(d AgentData) {
	switch d.Phase {
	case "start":
		n.lifecycleOn = true
		n.mu.Unlock()
	case "end":
		n.mu.Unlock()
		n.terminate(nil)
	case "error":
		n.mu.Unlock()
		msg := d.ErrorMessage
		if msg == "" {
			msg = "agent run failed"
		}
		n.terminate(annotateProviderHint(msg))
	default:
		n.mu.Unlock()
	}
}

// maybeSync fires OnSync at most once per syncInterval.
func (n *Normalizer) maybeSync() {
	n.mu.Lock()
	now := time.Now()
	if now.Sub(n.lastSync) < syncInterval {
		n.mu.Unlock()
		return
	}
	n.lastSync = now
	n.mu.Unlock()

	if n.sink.OnSync != nil {
		n.sink.OnSync()
	}
}

// terminate finalizes the run exactly once: an explicit OnSync flush,
// followed by OnTerminal(err).
func (n *Normalizer) terminate(err error) {
	n.mu.Lock()
	if n.terminated {
		n.mu.Unlock()
		return
	}
	n.terminated = true
	n.mu.Unlock()

	if n.sink.OnSync != nil {
		n.sink.OnSync()
	}
	if n.sink.OnTerminal != nil {
		n.sink.OnTerminal(err)
	}
}

// annotateProviderHint wraps msg in a ChatError, adding a provider-debug
// hint when the message matches a recognizable upstream-auth failure.
func annotateProviderHint(msg string) error {
	ce := &gwerrors.ChatError{Message: msg}
	if strings.Contains(msg, "401") || strings.Contains(strings.ToLower(msg), "unauthorized") {
		ce.Hint = "upstream provider rejected credentials (HTTP 401)"
	}
	return ce
}

// LastAssistantError extracts the last assistant message with
// stopReason=="error" from a chat.history response, for the history
// fallback this package's caller wires via HistoryFallback.
func LastAssistantError(messages []HistoryMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role == "assistant" && m.StopReason == "error" {
			return m.ErrorMessage
		}
	}
	return ""
}
