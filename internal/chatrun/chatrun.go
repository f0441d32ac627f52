// Package chatrun drives one chat run end to end: validate the requested
// model, send chat.send, subscribe to the run's events, and feed every
// frame through sequence tracking and delta normalization before handing
// filtered text to the caller. Grounded on the teamclaw gateway client's
// "send then subscribe then pump" run shape, generalized from its
// single-sink callback style to this client's C3/C4/C6/C7/C9 pipeline.
package chatrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"osaurus/internal/controlfilter"
	"osaurus/internal/delta"
	"osaurus/internal/eventbus"
	"osaurus/internal/frame"
	"osaurus/internal/gwerrors"
	"osaurus/internal/router"
	"osaurus/internal/seqtracker"
)

const modelPrefix = "openclaw:"

// Message is one rendered chat turn, matching the wire shape chat.history
// reports back.
type Message struct {
	Role    string
	Content string
}

// Parameters carries generation parameters alongside a chat turn. They are
// threaded through to renderPrompt, which does not write them into the
// message text, and chat.send carries no separate field for them.
type Parameters struct {
	Temperature   *float64
	MaxTokens     *int
	StopSequences []string
}

// TurnSink receives one chat run's side effects, matching the bridge
// interface the external work-session collaborator implements.
type TurnSink struct {
	OnTextDelta      func(text string)
	OnThinkingDelta  func(text string)
	OnToolCallStart  func(id, name string, args json.RawMessage)
	OnToolCallResult func(id string, result json.RawMessage, isError bool)
	OnTerminal       func(err error)
}

// Session owns the components one chat run needs: the router to issue
// chat.send/chat.history/config.get/config.patch/sessions.patch, the event
// bus to subscribe for the run's frames, and a seq tracker shared across
// runs on the same connection.
type Session struct {
	router *router.Router
	bus    *eventbus.Bus
	seq    *seqtracker.Tracker

	// GapResync is invoked when seqtracker reports a gap for a run this
	// session is actively streaming; the default issues agent.wait.
	GapResync func(ctx context.Context, runID string)
}

// New constructs a Session over an already-connected router and event bus.
// seq is shared across every run on the connection, matching C6's
// independence from any "active run" registry.
func New(r *router.Router, bus *eventbus.Bus, seq *seqtracker.Tracker) *Session {
	s := &Session{router: r, bus: bus, seq: seq}
	s.GapResync = s.defaultGapResync
	return s
}

func validateModel(requestedModel string) (sessionKey string, err error) {
	if !strings.HasPrefix(requestedModel, modelPrefix) || len(requestedModel) == len(modelPrefix) {
		return "", gwerrors.ErrUnsupportedModelIdentifier
	}
	return strings.TrimPrefix(requestedModel, modelPrefix), nil
}

func renderPrompt(messages []Message, params Parameters) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// chatSendResult is chat.send's response shape.
type chatSendResult struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// sendChat issues chat.send for sessionKey, retrying once through the model
// hydration recovery path (§4.8) if the server rejects it with "model not
// allowed: <id>".
func (s *Session) sendChat(ctx context.Context, sessionKey, message, idempotencyKey, requestedModel string) (string, error) {
	raw, err := s.router.Call(ctx, "chat.send", map[string]any{
		"sessionKey":     sessionKey,
		"message":        message,
		"idempotencyKey": idempotencyKey,
	}, 0)
	if err != nil {
		if isModelNotAllowed(err, requestedModel) {
			if recoverErr := s.hydrateModelAllowlist(ctx, requestedModel); recoverErr != nil {
				return "", recoverErr
			}
			raw, err = s.router.Call(ctx, "chat.send", map[string]any{
				"sessionKey":     sessionKey,
				"message":        message,
				"idempotencyKey": idempotencyKey,
			}, 0)
		}
		if err != nil {
			return "", err
		}
	}

	var res chatSendResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("chatrun: decode chat.send result: %w", err)
	}
	return res.RunID, nil
}

func isModelNotAllowed(err error, model string) bool {
	rerr, ok := err.(*gwerrors.RequestError)
	if !ok {
		return false
	}
	return strings.Contains(rerr.Message, "model not allowed")
}

// hydrateModelAllowlist implements the recovery path sendChat takes: read
// the live config, patch agents.defaults.models to add model, and retry on
// a baseHash mismatch by re-reading the latest hash once.
func (s *Session) hydrateModelAllowlist(ctx context.Context, model string) error {
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := s.router.Call(ctx, "config.get", map[string]any{}, 0)
		if err != nil {
			return err
		}
		var cfg struct {
			Config   json.RawMessage `json:"config"`
			Hash     string          `json:"hash"`
			BaseHash string          `json:"baseHash"`
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("chatrun: decode config.get result: %w", err)
		}
		baseHash := cfg.BaseHash
		if baseHash == "" {
			baseHash = cfg.Hash
		}

		patched, err := addModelToAllowlist(cfg.Config, model)
		if err != nil {
			return err
		}

		_, err = s.router.Call(ctx, "config.patch", map[string]any{
			"raw":      string(patched),
			"baseHash": baseHash,
		}, 0)
		if err == nil {
			return nil
		}
		if !isBaseHashMismatch(err) {
			return err
		}
		// baseHash stale: loop re-reads config.get for the latest hash.
	}
	return fmt.Errorf("chatrun: model allowlist hydration: baseHash kept mismatching")
}

func isBaseHashMismatch(err error) bool {
	rerr, ok := err.(*gwerrors.RequestError)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(rerr.Message), "basehash")
}

// addModelToAllowlist adds model to agents.defaults.models in the raw
// config document, creating intermediate objects/arrays as needed.
func addModelToAllowlist(raw json.RawMessage, model string) (json.RawMessage, error) {
	var doc map[string]any
	if len(raw) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("chatrun: decode config document: %w", err)
	}

	agents, _ := doc["agents"].(map[string]any)
	if agents == nil {
		agents = map[string]any{}
	}
	defaults, _ := agents["defaults"].(map[string]any)
	if defaults == nil {
		defaults = map[string]any{}
	}
	models, _ := defaults["models"].([]any)
	for _, m := range models {
		if s, ok := m.(string); ok && s == model {
			doc["agents"] = agents
			agents["defaults"] = defaults
			out, err := json.Marshal(doc)
			return out, err
		}
	}
	defaults["models"] = append(models, model)
	agents["defaults"] = defaults
	doc["agents"] = agents

	return json.Marshal(doc)
}

func (s *Session) defaultGapResync(ctx context.Context, runID string) {
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.router.Call(waitCtx, "agent.wait", map[string]any{
		"runId":     runID,
		"timeoutMs": 5000,
	}, 6*time.Second); err != nil {
		log.Printf("[chatrun] gap resync for run %s failed: %v", runID, err)
	}
}

// historyFallback queries chat.history and extracts the last assistant
// error message, for delta.Normalizer's HistoryFallback hook.
func (s *Session) historyFallback(ctx context.Context, sessionKey string) delta.HistoryFallback {
	return func() (string, error) {
		raw, err := s.router.Call(ctx, "chat.history", map[string]any{"sessionKey": sessionKey}, 0)
		if err != nil {
			return "", err
		}
		var res struct {
			Messages []delta.HistoryMessage `json:"messages"`
		}
		if err := json.Unmarshal(raw, &res); err != nil {
			return "", err
		}
		return delta.LastAssistantError(res.Messages), nil
	}
}

// pump subscribes to runID's events and feeds every frame through seq
// tracking and the normalizer until a terminal signal arrives or ctx is
// cancelled. It always unsubscribes on exit.
func (s *Session) pump(ctx context.Context, runID, sessionKey string, sink delta.Sink) error {
	frames, unsubscribe := s.bus.Subscribe(ctx, runID)
	defer unsubscribe()

	done := make(chan error, 1)
	wrappedSink := sink
	wrappedSink.OnTerminal = func(err error) {
		if sink.OnTerminal != nil {
			sink.OnTerminal(err)
		}
		select {
		case done <- err:
		default:
		}
	}
	norm := delta.New(wrappedSink, s.historyFallback(ctx, sessionKey))

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return gwerrors.ErrSubscriberCancelled
			}
			s.observeAndNormalize(ctx, f, runID, norm)
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) observeAndNormalize(ctx context.Context, f *frame.Frame, runID string, norm *delta.Normalizer) {
	if f.Seq != nil {
		if accept := s.seq.Observe(runID, *f.Seq); !accept {
			return
		}
	}
	norm.HandleFrame(f)
}

// StreamChat implements stream_chat: it runs a chat run to completion and
// returns the concatenated, control-block-filtered text, or the run's
// terminal error. The returned text always equals the last observed
// snapshot (testable property §8#2): a non-prefix rewrite overwrites
// rather than appends, unlike the text forwarded through TurnSink below.
func (s *Session) StreamChat(ctx context.Context, messages []Message, params Parameters, requestedModel string, stopSequences []string) (string, error) {
	params.StopSequences = stopSequences
	return s.run(ctx, messages, params, requestedModel, TurnSink{})
}

// StreamRunIntoTurn implements stream_run_into_turn: validates the model,
// issues chat.send, and pumps the run's events into sink until terminal,
// filtering visible text through a control-block filter.
func (s *Session) StreamRunIntoTurn(ctx context.Context, messages []Message, requestedModel string, sink TurnSink) error {
	_, err := s.run(ctx, messages, Parameters{}, requestedModel, sink)
	return err
}

func (s *Session) run(ctx context.Context, messages []Message, params Parameters, requestedModel string, sink TurnSink) (string, error) {
	sessionKey, err := validateModel(requestedModel)
	if err != nil {
		return "", err
	}

	prompt := renderPrompt(messages, params)
	idempotencyKey := uuid.NewString()

	runID, err := s.sendChat(ctx, sessionKey, prompt, idempotencyKey, requestedModel)
	if err != nil {
		return "", err
	}

	var mu sync.Mutex
	filter := controlfilter.New()
	var accumulated strings.Builder

	// emitDelta handles an incremental chunk: filtered output is appended
	// both to the canonical accumulated text and to the caller's sink.
	emitDelta := func(text string) {
		mu.Lock()
		out := filter.Consume(text)
		if out != "" {
			accumulated.WriteString(out)
		}
		mu.Unlock()
		if out != "" && sink.OnTextDelta != nil {
			sink.OnTextDelta(out)
		}
	}

	// emitReplace handles a non-prefix rewrite: the control filter is reset
	// (a marker half-open against the old text can't resolve against the
	// new one) and the canonical accumulated text is overwritten rather
	// than appended, so StreamChat's return value always matches the last
	// observed snapshot. TurnSink has no replace signal of its own (§6's
	// bridge interface is append-only), so the corrected full text is
	// still forwarded via OnTextDelta for StreamRunIntoTurn callers; an
	// append-only consumer on that path will briefly hold stale text until
	// this correction arrives, which is a limitation of that bridge
	// interface, not of this normalization.
	emitReplace := func(text string) {
		mu.Lock()
		filter.Reset()
		out := filter.Consume(text)
		accumulated.Reset()
		accumulated.WriteString(out)
		mu.Unlock()
		if sink.OnTextDelta != nil {
			sink.OnTextDelta(out)
		}
	}

	terminalErr := s.pump(ctx, runID, sessionKey, delta.Sink{
		OnTextDelta:   emitDelta,
		OnTextReplace: emitReplace,
		OnThinkingDelta: func(text string) {
			if sink.OnThinkingDelta != nil {
				sink.OnThinkingDelta(text)
			}
		},
		OnToolStart: func(id, name string, args json.RawMessage) {
			if sink.OnToolCallStart != nil {
				sink.OnToolCallStart(id, name, args)
			}
		},
		OnToolResult: func(id string, result json.RawMessage, isError bool) {
			if sink.OnToolCallResult != nil {
				sink.OnToolCallResult(id, result, isError)
			}
		},
		OnTerminal: func(err error) {
			mu.Lock()
			tail := filter.Finalize()
			if tail != "" {
				accumulated.WriteString(tail)
			}
			mu.Unlock()
			if tail != "" && sink.OnTextDelta != nil {
				sink.OnTextDelta(tail)
			}
		},
	})

	if sink.OnTerminal != nil {
		sink.OnTerminal(terminalErr)
	}
	final := accumulated.String()
	if errors.Is(terminalErr, context.Canceled) || errors.Is(terminalErr, gwerrors.ErrSubscriberCancelled) {
		return final, nil
	}
	return final, terminalErr
}
