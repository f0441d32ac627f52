// Package reconnect drives the gateway client's reconnect state machine:
// classifying every Transport close, applying jittered exponential backoff,
// and coordinating resubscription plus gap resync once a connection comes
// back. Its cyclic relationship with the Transport is resolved the way the
// design notes require — the controller holds a function value it calls to
// trigger a (re)dial, not an ownership edge back to the transport itself.
package reconnect

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"osaurus/internal/backoff"
	"osaurus/internal/transport"
)

// State is the connection-state observable's discriminant.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateReconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateReconnected:
		return "reconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Observable is one connection-state transition, published via OnState.
type Observable struct {
	State   State
	Attempt int
	Message string
}

// CloseKind is the internal disconnect classification.
type CloseKind int

const (
	Intentional CloseKind = iota
	Unexpected
	SlowConsumer
	AuthFailure
	RateLimited
)

// Classification is the result of classifying one Transport close.
type Classification struct {
	Kind         CloseKind
	RetryAfterMs int
}

var rateLimitedPattern = regexp.MustCompile(`rate limited: retryAfterMs=(\d+)`)

// Classify implements the close-code classification rule: prefer the
// structured code+reason the Transport reports; fall back to substring
// matching over the formatted reason text only when no structured code is
// available (e.g. a read error that ended the connection with no WebSocket
// close frame behind it). The rate-limit pattern is read from the reason
// whatever the code. Failed dial attempts never reach Classify; see
// connectAndHandle.
func Classify(info transport.CloseInfo) Classification {
	if info.Intentional {
		return Classification{Kind: Intentional}
	}

	reasonLower := strings.ToLower(info.Reason)

	if info.Code != 0 {
		switch {
		case info.Code == 1000:
			return Classification{Kind: Intentional}
		case info.Code == 1008 && strings.Contains(reasonLower, "unauthorized"):
			return Classification{Kind: AuthFailure}
		case info.Code == 1008 && strings.Contains(reasonLower, "slow consumer"):
			return Classification{Kind: SlowConsumer}
		}
	}

	if ms, ok := parseRateLimited(info.Reason); ok {
		return Classification{Kind: RateLimited, RetryAfterMs: ms}
	}

	if info.Code == 0 {
		switch {
		case strings.Contains(info.Reason, "code=1000"):
			return Classification{Kind: Intentional}
		case strings.Contains(info.Reason, "code=1008") && strings.Contains(reasonLower, "unauthorized"):
			return Classification{Kind: AuthFailure}
		case strings.Contains(info.Reason, "code=1008") && strings.Contains(reasonLower, "slow consumer"):
			return Classification{Kind: SlowConsumer}
		}
	}

	return Classification{Kind: Unexpected}
}

func parseRateLimited(reason string) (int, bool) {
	m := rateLimitedPattern.FindStringSubmatch(reason)
	if m == nil {
		return 0, false
	}
	ms, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return ms, true
}

// Dialer performs one (re)connection attempt. A non-nil error's message is
// inspected for a "rate limited: retryAfterMs=N" pattern the same way a
// close reason is, since the server may reject a reconnect attempt itself
// with that same convention.
type Dialer func(ctx context.Context) error

// Controller runs the reconnect state machine for one Transport.
type Controller struct {
	dial          Dialer
	onState       func(Observable)
	onResubscribe func()
	seq           *backoff.Sequence
	after         func(time.Duration) <-chan time.Time

	mu     sync.Mutex
	state  Observable
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Controller. dial performs one connection attempt.
// onResubscribe runs after a successful reconnect, before the Connected
// transition is published, and is expected to replay the active
// subscription set and trigger gap resync for every affected run.
func New(dial Dialer, onState func(Observable), onResubscribe func()) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		dial:          dial,
		onState:       onState,
		onResubscribe: onResubscribe,
		seq:           backoff.New(),
		after:         time.After,
		ctx:           ctx,
		cancel:        cancel,
		state:         Observable{State: StateDisconnected},
	}
}

// SetBackoffSequence overrides the backoff source, for deterministic tests.
func (c *Controller) SetBackoffSequence(seq *backoff.Sequence) {
	c.mu.Lock()
	c.seq = seq
	c.mu.Unlock()
}

// SetAfterFunc overrides how the controller waits out a backoff delay, for
// tests that need to observe requested delays without actually sleeping
// them. fn is called with the computed delay and must return a channel that
// eventually receives a value.
func (c *Controller) SetAfterFunc(fn func(time.Duration) <-chan time.Time) {
	c.mu.Lock()
	c.after = fn
	c.mu.Unlock()
}

// Stop cancels any pending backoff sleep and in-flight reconnect attempt.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
}

func (c *Controller) setState(o Observable) {
	c.mu.Lock()
	c.state = o
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(o)
	}
}

// State returns the controller's current observable.
func (c *Controller) State() Observable {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HandleClose is the controller's sole entry point, invoked by whatever
// owns the Transport whenever it reports a close.
func (c *Controller) HandleClose(info transport.CloseInfo) {
	cls := Classify(info)

	switch cls.Kind {
	case Intentional:
		c.setState(Observable{State: StateDisconnected})

	case AuthFailure:
		c.setState(Observable{State: StateFailed, Message: "authentication failed"})

	case SlowConsumer:
		c.setState(Observable{State: StateReconnecting, Attempt: 1})
		c.scheduleConnect(0, 1)

	case Unexpected:
		delay := c.currentSeq().Delay(1)
		c.setState(Observable{State: StateReconnecting, Attempt: 1})
		c.scheduleConnect(delay, 1)

	case RateLimited:
		delay := floorDelay(cls.RetryAfterMs)
		c.setState(Observable{State: StateReconnecting, Attempt: 1})
		c.scheduleConnect(delay, 1)
	}
}

func (c *Controller) currentSeq() *backoff.Sequence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

func floorDelay(ms int) time.Duration {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Second {
		return time.Second
	}
	return d
}

// scheduleConnect sleeps for delay (skipped entirely if zero), then runs one
// connect attempt at the given attempt number. The sleep is cancellable via
// c.ctx, which Stop or an intentional close racing in will cancel.
func (c *Controller) scheduleConnect(delay time.Duration, attempt int) {
	c.mu.Lock()
	ctx := c.ctx
	after := c.after
	c.mu.Unlock()

	go func() {
		if delay > 0 {
			select {
			case <-after(delay):
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.connectAndHandle(ctx, attempt)
	}()
}

// connectAndHandle performs one dial attempt and drives the next
// transition: success resubscribes and reports Reconnected→Connected;
// failure re-classifies and schedules the next attempt per the state
// table (a rate-limited failure holds the attempt number; any other
// failure advances it).
func (c *Controller) connectAndHandle(ctx context.Context, attempt int) {
	err := c.dial(ctx)
	if err == nil {
		if c.onResubscribe != nil {
			c.onResubscribe()
		}
		c.setState(Observable{State: StateReconnected, Attempt: attempt})
		c.setState(Observable{State: StateConnected})
		return
	}

	if ms, ok := parseRateLimited(err.Error()); ok {
		c.setState(Observable{State: StateReconnecting, Attempt: attempt})
		c.scheduleConnect(floorDelay(ms), attempt)
		return
	}

	next := attempt + 1
	delay := c.currentSeq().Delay(next)
	c.setState(Observable{State: StateReconnecting, Attempt: next})
	c.scheduleConnect(delay, next)
}
