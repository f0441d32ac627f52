// Package router correlates outbound JSON-RPC requests to their responses
// by id, grounded on the teamclaw gateway client's pendingRequest/rawRequest
// shape (a map of id to a completion channel, a per-call context.WithTimeout,
// and a disconnect path that drains every pending entry with an error).
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"osaurus/internal/frame"
	"osaurus/internal/gwerrors"
)

const (
	defaultTimeout = 30 * time.Second
	// chatSendTimeout is the shorter implicit deadline chat.send receives:
	// the server accepts nearly immediately and the actual work arrives via
	// pushed events, not the RPC response.
	chatSendTimeout = 5 * time.Second
)

type pendingRequest struct {
	resultCh chan pendingResult
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// Sender is the minimal transport surface the router needs to issue a
// request. Satisfied by *transport.Transport's Send method.
type Sender func(text string) error

// Router holds the in-flight id → completion-sink mapping for one
// connection's lifetime.
type Router struct {
	send Sender

	mu      sync.Mutex
	pending map[string]*pendingRequest
	nextID  uint64
}

// New constructs a Router that writes requests via send.
func New(send Sender) *Router {
	return &Router{
		send:    send,
		pending: make(map[string]*pendingRequest),
	}
}

// Reset zeroes the id counter and fails every still-pending request with
// NoChannel. The client's dial step calls it right before a fresh
// connection starts issuing requests, since ids are scoped to one
// connection's lifetime; when a connection drops, the client calls FailAll
// instead.
func (r *Router) Reset() {
	r.FailAll(&gwerrors.RequestError{Kind: gwerrors.RequestErrorNoChannel})
	r.mu.Lock()
	r.nextID = 0
	r.mu.Unlock()
}

// Call sends method with params and blocks for the matching response, a
// timeout, or ctx cancellation. timeout <= 0 selects the method's default
// (30s, or chatSendTimeout for "chat.send").
func (r *Router) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		if method == "chat.send" {
			timeout = chatSendTimeout
		} else {
			timeout = defaultTimeout
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := r.newID()
	pr := &pendingRequest{resultCh: make(chan pendingResult, 1)}

	r.mu.Lock()
	r.pending[id] = pr
	r.mu.Unlock()

	data, err := frame.EncodeRequest(id, method, params)
	if err != nil {
		r.drop(id)
		return nil, fmt.Errorf("router: encode %s: %w", method, err)
	}
	if err := r.send(string(data)); err != nil {
		r.drop(id)
		return nil, &gwerrors.TransportError{Op: "send " + method, Err: err}
	}

	select {
	case res := <-pr.resultCh:
		return res.result, res.err
	case <-ctx.Done():
		r.drop(id)
		return nil, &gwerrors.RequestError{Kind: gwerrors.RequestErrorTimeout}
	}
}

func (r *Router) drop(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Router) newID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return strconv.FormatUint(r.nextID, 10)
}

// HandleResponse resolves or fails the pending request matching f.ID. Frames
// that are not KindResponse, or whose id matches nothing pending (a stale or
// duplicate delivery), are ignored.
func (r *Router) HandleResponse(f *frame.Frame) {
	if f.Kind != frame.KindResponse {
		return
	}

	r.mu.Lock()
	pr := r.pending[f.ID]
	delete(r.pending, f.ID)
	r.mu.Unlock()
	if pr == nil {
		return
	}

	if f.Error != nil {
		pr.resultCh <- pendingResult{err: &gwerrors.RequestError{
			Kind:    gwerrors.RequestErrorServer,
			Code:    f.Error.Code,
			Message: f.Error.Message,
		}}
		return
	}
	pr.resultCh <- pendingResult{result: f.Result}
}

// FailAll fails every pending request with err, used on disconnect.
func (r *Router) FailAll(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*pendingRequest)
	r.mu.Unlock()

	for _, pr := range pending {
		pr.resultCh <- pendingResult{err: err}
	}
}
