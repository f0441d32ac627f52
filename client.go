// Package osaurus is the gateway client core: a library, not a GUI. It owns
// the WebSocket connection to a local OpenClaw gateway, the JSON-RPC
// request/response correlation, the server-push event stream, reconnects,
// and the chat-run pipeline; it does not render UI, own tool execution, or
// authenticate end users. Client is the thin facade (C10) a GUI process
// wires up once per gateway connection — mirroring the teacher's App:
// Wails-bound methods delegate to Transport, kept thin.
package osaurus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"

	"osaurus/internal/chatrun"
	"osaurus/internal/config"
	"osaurus/internal/eventbus"
	"osaurus/internal/frame"
	"osaurus/internal/gwerrors"
	"osaurus/internal/reconnect"
	"osaurus/internal/router"
	"osaurus/internal/seqtracker"
	"osaurus/internal/transport"
)

// Client bridges this module's components into one connection's worth of
// state. Keep it thin — delegate to the internal packages.
type Client struct {
	transport *transport.Transport
	router    *router.Router
	bus       *eventbus.Bus
	seq       *seqtracker.Tracker
	reconnect *reconnect.Controller
	chat      *chatrun.Session
	notify    *NotificationFilter

	mu   sync.Mutex
	host string
	port int
	token string
	roleHints []string
}

// New constructs a disconnected Client. Call Connect to dial the gateway.
// notifySink may be nil when the caller has no toast surface.
func New(notifySink NotificationSink) *Client {
	c := &Client{
		bus: eventbus.New(),
	}
	c.seq = seqtracker.New(func(runID string, expected, received int64) {
		log.Printf("[osaurus] sequence gap on run %s: expected %d, got %d", runID, expected, received)
		if c.chat != nil {
			c.chat.GapResync(context.Background(), runID)
		}
	})
	c.transport = transport.New(func(f *frame.Frame) {
		if f.Kind == frame.KindResponse {
			c.router.HandleResponse(f)
			return
		}
		c.bus.HandleFrame(f)
	})
	c.router = router.New(c.transport.Send)
	c.chat = chatrun.New(c.router, c.bus, c.seq)
	c.notify = NewNotificationFilter(notifySink)

	c.reconnect = reconnect.New(c.dial, c.notify.Observe, c.resubscribe)
	// Fail every pending request immediately on close, whether intentional
	// or not: dial() also calls router.Reset() before a fresh connection
	// starts issuing requests, but that only runs once the reconnect
	// controller decides to redial, which never happens on an intentional
	// close and can be up to a full backoff window away on an unexpected
	// one. A caller blocked in router.Call must see NoChannel promptly.
	c.transport.SetOnClose(func(info transport.CloseInfo) {
		c.router.FailAll(&gwerrors.RequestError{Kind: gwerrors.RequestErrorNoChannel})
		c.reconnect.HandleClose(info)
	})
	return c
}

// Connect resolves addr via normalizeGatewayAddr and dials the gateway.
func (c *Client) Connect(ctx context.Context, addr, token string, roleHints []string) error {
	hostport, err := normalizeGatewayAddr(addr)
	if err != nil {
		return err
	}
	host, port, err := splitHostPort(hostport)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.host, c.port, c.token, c.roleHints = host, port, token, roleHints
	c.mu.Unlock()

	return c.transport.Connect(ctx, host, port, token, roleHints)
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	host, port, token, roles := c.host, c.port, c.token, c.roleHints
	c.mu.Unlock()
	c.router.Reset()
	return c.transport.Connect(ctx, host, port, token, roles)
}

// resubscribe runs after a successful reconnect and does nothing: no
// resync request is issued for any run at reconnect time, so frames lost
// during the outage are only noticed if a later frame of the same run
// reveals the gap. Event-bus subscriptions are not tied to the connection
// and stay registered across it.
func (c *Client) resubscribe() {
	// The seq tracker's own internal map isn't exposed for iteration by
	// design (C6 has no "active run" registry); deferred resync is driven
	// per-run by whatever chatrun session is still pumping that run, via
	// the gap callback wired in New.
}

// Disconnect closes the connection intentionally; the reconnect controller
// will not attempt to reconnect.
func (c *Client) Disconnect(reason string) error {
	return c.transport.Close(reason)
}

// Chat returns the chat-run session (C8) for issuing stream_chat /
// stream_run_into_turn calls.
func (c *Client) Chat() *chatrun.Session { return c.chat }

// ConnectionState returns the current reconnect-controller observable.
func (c *Client) ConnectionState() reconnect.Observable { return c.reconnect.State() }

func splitHostPort(hostport string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, fmt.Errorf("osaurus: invalid gateway address %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("osaurus: invalid gateway port %q: %w", portStr, err)
	}
	return host, port, nil
}

// --- C10 lifecycle facade: thin wrappers over the router, per §6. ---

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.router.Call(ctx, method, params, 0)
}

// SessionsList lists known sessions.
func (c *Client) SessionsList(ctx context.Context, limit int, includeDerivedTitles, includeLastMessage, includeGlobal, includeUnknown bool) (json.RawMessage, error) {
	return c.call(ctx, "sessions.list", map[string]any{
		"limit":                limit,
		"includeDerivedTitles": includeDerivedTitles,
		"includeLastMessage":   includeLastMessage,
		"includeGlobal":        includeGlobal,
		"includeUnknown":       includeUnknown,
	})
}

// SessionsCreate creates a new session with the given model allowlist hint.
func (c *Client) SessionsCreate(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	return c.call(ctx, "sessions.create", params)
}

// SessionsPatch patches session fields (key, model, sendPolicy, …).
func (c *Client) SessionsPatch(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	return c.call(ctx, "sessions.patch", params)
}

// SessionsDelete deletes a session by key.
func (c *Client) SessionsDelete(ctx context.Context, key string) (json.RawMessage, error) {
	return c.call(ctx, "sessions.delete", map[string]any{"key": key})
}

// SessionsCompact truncates a session's history to maxLines.
func (c *Client) SessionsCompact(ctx context.Context, key string, maxLines int) (json.RawMessage, error) {
	return c.call(ctx, "sessions.compact", map[string]any{"key": key, "maxLines": maxLines})
}

// SessionsReset clears a session's history, recording reason.
func (c *Client) SessionsReset(ctx context.Context, key, reason string) (json.RawMessage, error) {
	return c.call(ctx, "sessions.reset", map[string]any{"key": key, "reason": reason})
}

// ConfigGet fetches the live config envelope (config + hash/baseHash).
func (c *Client) ConfigGet(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "config.get", map[string]any{})
}

// ConfigFull is an alias kept for parity with the GUI's naming; behaves
// identically to ConfigGet (the server makes no "full" vs. "partial"
// distinction at this RPC boundary, only config.patch does).
func (c *Client) ConfigFull(ctx context.Context) (json.RawMessage, error) {
	return c.ConfigGet(ctx)
}

// ConfigPatch applies a raw JSON patch document against baseHash.
func (c *Client) ConfigPatch(ctx context.Context, raw, baseHash string) (json.RawMessage, error) {
	return c.call(ctx, "config.patch", map[string]any{"raw": raw, "baseHash": baseHash})
}

// ChannelsStatus reports the summarized channel connection status.
func (c *Client) ChannelsStatus(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "channels.status", map[string]any{})
}

// ChannelsDetailed reports per-channel detail.
func (c *Client) ChannelsDetailed(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "channels.detailed", map[string]any{})
}

// ChannelsLogout logs a channel out.
func (c *Client) ChannelsLogout(ctx context.Context, channel string) (json.RawMessage, error) {
	return c.call(ctx, "channels.logout", map[string]any{"channel": channel})
}

// SystemPresence fetches the deduplicated, sorted presence rows.
func (c *Client) SystemPresence(ctx context.Context) ([]PresenceRow, error) {
	raw, err := c.call(ctx, "system-presence", map[string]any{})
	if err != nil {
		return nil, err
	}
	var rows []PresenceRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("osaurus: decode system-presence: %w", err)
	}
	return DedupeAndSortPresence(rows), nil
}

// AnnouncePresence pushes a system-event announcing this client's presence.
func (c *Client) AnnouncePresence(ctx context.Context, text, platform string, roles, scopes []string) (json.RawMessage, error) {
	return c.call(ctx, "system-event", map[string]any{
		"text":     text,
		"platform": platform,
		"roles":    roles,
		"scopes":   scopes,
	})
}

// WizardStart begins the setup wizard flow.
func (c *Client) WizardStart(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "wizard.start", map[string]any{})
}

// WizardNext advances the wizard with step input.
func (c *Client) WizardNext(ctx context.Context, step string, input map[string]any) (json.RawMessage, error) {
	return c.call(ctx, "wizard.next", map[string]any{"step": step, "input": input})
}

// WizardCancel aborts the setup wizard flow.
func (c *Client) WizardCancel(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "wizard.cancel", map[string]any{})
}

// SkillsStatus reports installed/available skill state.
func (c *Client) SkillsStatus(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "skills.status", map[string]any{})
}

// SkillsBins lists skill binary entrypoints.
func (c *Client) SkillsBins(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "skills.bins", map[string]any{})
}

// SkillsInstall installs a named skill.
func (c *Client) SkillsInstall(ctx context.Context, name string) (json.RawMessage, error) {
	return c.call(ctx, "skills.install", map[string]any{"name": name})
}

// SkillsUpdate updates a named skill to its latest version.
func (c *Client) SkillsUpdate(ctx context.Context, name string) (json.RawMessage, error) {
	return c.call(ctx, "skills.update", map[string]any{"name": name})
}

// CronStatus reports the cron scheduler's overall status.
func (c *Client) CronStatus(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "cron.status", map[string]any{})
}

// CronList lists configured cron jobs.
func (c *Client) CronList(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "cron.list", map[string]any{})
}

// CronRun triggers an immediate run of a named cron job.
func (c *Client) CronRun(ctx context.Context, name string) (json.RawMessage, error) {
	return c.call(ctx, "cron.run", map[string]any{"name": name})
}

// CronUpdate updates a cron job's schedule/definition.
func (c *Client) CronUpdate(ctx context.Context, name string, params map[string]any) (json.RawMessage, error) {
	merged := map[string]any{"name": name}
	for k, v := range params {
		merged[k] = v
	}
	return c.call(ctx, "cron.update", merged)
}

// CronRuns lists a cron job's recent run history.
func (c *Client) CronRuns(ctx context.Context, name string, limit int) (json.RawMessage, error) {
	return c.call(ctx, "cron.runs", map[string]any{"name": name, "limit": limit})
}

// HeartbeatStatus reports the gateway's heartbeat configuration/state.
func (c *Client) HeartbeatStatus(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "heartbeat.status", map[string]any{})
}

// HeartbeatSet updates the heartbeat interval/enabled state.
func (c *Client) HeartbeatSet(ctx context.Context, enabled bool, intervalMs int) (json.RawMessage, error) {
	return c.call(ctx, "heartbeat.set", map[string]any{"enabled": enabled, "intervalMs": intervalMs})
}

// LoadPersistedState reads openclaw.json from dir, defaulting on any error.
func LoadPersistedState(dir string) config.State {
	return config.Load(dir)
}

// SavePersistedState writes state to dir as openclaw.json.
func SavePersistedState(dir string, state config.State) error {
	return config.Save(dir, state)
}
