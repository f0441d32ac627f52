// Package transport owns the single WebSocket connection to the gateway.
// Its mutex discipline and callback-registration shape are carried over
// from the teacher's Transport (client/transport.go): one mutex guards the
// connection handle and its cancellation func, callbacks are set once
// before use, and Connect/Close reset per-session state under the same
// lock. The wire itself moves from WebTransport datagrams to a gorilla
// websocket text connection, since this protocol carries no audio plane.
package transport

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"osaurus/internal/frame"
	"osaurus/internal/gwerrors"
)

const connectTimeout = 10 * time.Second

// CloseInfo is the observable close report: a structured code+reason when
// the server performed a WebSocket close handshake, with Intentional true
// only when Close was called locally.
type CloseInfo struct {
	Code        int
	Reason      string
	Intentional bool
}

// Transport owns one WebSocket. Exactly one read goroutine drains frames
// per connection; OnFrame is invoked synchronously from that goroutine, so
// it must return quickly (the event bus's append step is O(1); subscriber
// fan-out happens off this call).
type Transport struct {
	onFrame func(*frame.Frame)
	onClose func(CloseInfo)

	mu          sync.Mutex
	conn        *websocket.Conn
	cancel      context.CancelFunc
	intentional bool

	writeMu sync.Mutex
}

// New constructs a Transport that invokes onFrame for every decoded push,
// request, or response frame it reads. onFrame is the single sink named in
// the transport's contract; it is registered once at construction.
func New(onFrame func(*frame.Frame)) *Transport {
	return &Transport{onFrame: onFrame}
}

// SetOnClose registers the close observer. Must be called before Connect.
func (t *Transport) SetOnClose(fn func(CloseInfo)) {
	t.onClose = fn
}

// Connect dials the gateway at host:port, presenting token and role_hints
// as query parameters, and starts the single read loop. It blocks until the
// dial completes or ctx/connectTimeout expires.
func (t *Transport) Connect(ctx context.Context, host string, port int, token string, roleHints []string) error {
	t.mu.Lock()
	t.intentional = false
	t.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(ctx, connectTimeout)
	defer dialCancel()

	u := url.URL{
		Scheme: "ws",
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/ws",
	}
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	for _, role := range roleHints {
		q.Add("role", role)
	}
	u.RawQuery = q.Encode()

	dialer := &websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return &gwerrors.TransportError{Op: "connect", Err: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.conn = conn
	t.cancel = cancel
	t.mu.Unlock()

	go t.readLoop(runCtx, conn)
	return nil
}

// Send writes text as one WebSocket text frame. Best-effort: it returns
// once the message is handed to the connection's write buffer.
func (t *Transport) Send(text string) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return &gwerrors.TransportError{Op: "send", Err: fmt.Errorf("not connected")}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return &gwerrors.TransportError{Op: "send", Err: err}
	}
	return nil
}

// Close initiates an intentional close: the next CloseInfo observed by the
// read loop will carry Intentional=true.
func (t *Transport) Close(reason string) error {
	t.mu.Lock()
	t.intentional = true
	conn := t.conn
	cancel := t.cancel
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	t.writeMu.Unlock()

	err := conn.Close()
	if cancel != nil {
		cancel()
	}
	return err
}

// readLoop drains frames until the connection closes or errors, then
// reports a CloseInfo exactly once.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
		_ = ctx
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.reportClose(err)
			return
		}

		f, decodeErr := frame.Decode(data)
		if decodeErr != nil {
			log.Printf("[transport] malformed frame: %v", decodeErr)
			continue
		}
		if t.onFrame != nil {
			t.onFrame(f)
		}
	}
}

func (t *Transport) reportClose(err error) {
	t.mu.Lock()
	intentional := t.intentional
	t.mu.Unlock()

	info := CloseInfo{Intentional: intentional}
	if ce, ok := err.(*websocket.CloseError); ok {
		info.Code = ce.Code
		info.Reason = ce.Text
	} else {
		info.Reason = err.Error()
	}
	if t.onClose != nil {
		t.onClose(info)
	}
}

// FormatCloseReason renders a close code and reason in the "code=N
// reason=..." form the reconnect controller's substring-fallback classifier
// recognizes in a CloseInfo that carries no structured code.
func FormatCloseReason(code int, reason string) string {
	return "code=" + strconv.Itoa(code) + " reason=" + reason
}
