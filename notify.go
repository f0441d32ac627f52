package osaurus

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"osaurus/internal/reconnect"
)

// NotificationSink receives toast-style notifications driven by connection
// state changes. The external GUI collaborator implements this; the core
// only decides when a transition is worth surfacing.
type NotificationSink interface {
	Notify(message string, severity string)
}

// ToastSuppressWindow is the default delay (per §7) within which a
// reconnect or an auth-failure recovery is considered transient and its
// toast is suppressed to avoid flicker.
const ToastSuppressWindow = 200 * time.Millisecond

// NotificationFilter watches a stream of reconnect.Observable transitions
// and forwards only the ones worth surfacing as a toast: a Reconnecting or
// Failed transition that resolves back to Connected within
// ToastSuppressWindow is suppressed.
type NotificationFilter struct {
	sink   NotificationSink
	window time.Duration

	mu      sync.Mutex
	pending *pendingToast
	timer   *time.Timer
}

type pendingToast struct {
	message  string
	severity string
}

// NewNotificationFilter constructs a filter delivering to sink with the
// default suppression window.
func NewNotificationFilter(sink NotificationSink) *NotificationFilter {
	return &NotificationFilter{sink: sink, window: ToastSuppressWindow}
}

// Observe feeds one connection-state transition through the filter.
func (f *NotificationFilter) Observe(o reconnect.Observable) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch o.State {
	case reconnect.StateReconnecting:
		if f.pending == nil {
			f.pending = &pendingToast{message: "connection lost, reconnecting", severity: "warning"}
			f.timer = time.AfterFunc(f.window, f.flush)
		}
	case reconnect.StateFailed:
		if f.pending == nil {
			f.pending = &pendingToast{message: o.Message, severity: "error"}
			f.timer = time.AfterFunc(f.window, f.flush)
		}
	case reconnect.StateConnected, reconnect.StateReconnected:
		if f.pending != nil {
			f.cancelLocked()
		}
	}
}

func (f *NotificationFilter) flush() {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.timer = nil
	f.mu.Unlock()

	if pending != nil && f.sink != nil {
		f.sink.Notify(pending.message, pending.severity)
	}
}

func (f *NotificationFilter) cancelLocked() {
	if f.timer != nil {
		f.timer.Stop()
	}
	f.pending = nil
	f.timer = nil
}

// PresenceRow is one device's presence entry, as reported by
// system-presence / system-event.
type PresenceRow struct {
	DeviceID   string `json:"deviceId,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
	Host       string `json:"host,omitempty"`
	IP         string `json:"ip,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// identity returns the row's deduplication/sort key, per the deterministic
// fallback chain deviceId → instanceId → host → ip.
func (p PresenceRow) identity() string {
	switch {
	case p.DeviceID != "":
		return p.DeviceID
	case p.InstanceID != "":
		return p.InstanceID
	case p.Host != "":
		return p.Host
	default:
		return p.IP
	}
}

// DedupeAndSortPresence removes duplicate rows by identity (first
// occurrence wins) and sorts the remainder by that same identity, for
// stable diffing by the UI layer. Generalized from the teacher's
// sessions-by-normalized-address map (app.go: "one entry per server
// address") to "one entry per derived presence identity".
func DedupeAndSortPresence(rows []PresenceRow) []PresenceRow {
	seen := make(map[string]bool, len(rows))
	out := make([]PresenceRow, 0, len(rows))
	for _, r := range rows {
		id := r.identity()
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].identity() < out[j].identity() })
	return out
}

// TokenSource supplies one candidate device token from one credential
// location, in the order named by the preference chain.
type TokenSource func(ctx context.Context) (token string, ok bool)

// ResolveDeviceToken tries each source in order, returning the first
// non-empty token found — its index names which source won. Per §6's
// preference order: local-device-auth-file, local-paired-registry,
// local-legacy-config, local-launch-agent-plist, keychain-device-auth,
// keychain-auth. The caller supplies TokenSource values in that order; the
// concrete sources are platform-specific collaborators outside this
// module's scope.
func ResolveDeviceToken(ctx context.Context, sources []TokenSource) (token string, sourceIndex int, found bool) {
	for i, src := range sources {
		tok, ok := src(ctx)
		if !ok || tok == "" {
			continue
		}
		return tok, i, true
	}
	return "", -1, false
}
