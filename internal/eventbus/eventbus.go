// Package eventbus buffers push frames and fans them out to per-run
// subscribers without ever letting a slow subscriber block the producer or
// another subscriber, grounded on the Shannon orchestrator's streaming
// manager (subscribe-by-key returning a channel, one reader goroutine per
// subscription that owns the channel's lifecycle).
package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"osaurus/internal/frame"
)

// MaxBuffered is the replay buffer's capacity; oldest frames are evicted
// once it is exceeded.
const MaxBuffered = 128

// Bus owns the replay buffer and the active subscriber set exclusively;
// nothing else may mutate either.
type Bus struct {
	mu          sync.Mutex
	buffer      []*frame.Frame
	subscribers []*subscriber
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{}
}

// HandleFrame appends an event frame to the replay buffer and forwards it to
// every subscriber whose runId matches. Buffer maintenance runs under the
// bus's lock; matching then runs per subscriber after the lock is released,
// and a match only appends to that subscriber's queue. The actual delivery
// to a subscriber's channel happens on that subscriber's own drain
// goroutine, so a slow subscriber never delays this call.
func (b *Bus) HandleFrame(f *frame.Frame) {
	if f.Kind != frame.KindEvent {
		return
	}

	b.mu.Lock()
	b.buffer = append(b.buffer, f)
	if len(b.buffer) > MaxBuffered {
		b.buffer = b.buffer[len(b.buffer)-MaxBuffered:]
	}
	subs := make([]*subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, s := range subs {
		if matchesRun(f, s.runID) {
			s.enqueue(f)
		}
	}
}

// Subscribe returns a channel delivering every buffered frame matching
// runID (in arrival order), then live-forwards new matching frames. The
// returned cancel func unregisters the subscriber and releases its
// goroutine; it must be called on every exit path.
func (b *Bus) Subscribe(ctx context.Context, runID string) (<-chan *frame.Frame, func()) {
	sub := newSubscriber(runID)

	b.mu.Lock()
	for _, f := range b.buffer {
		if matchesRun(f, runID) {
			sub.enqueueLocked(f)
		}
	}
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	go sub.drain(ctx)
	go func() {
		<-ctx.Done()
		sub.close()
	}()

	cancel := func() {
		b.mu.Lock()
		for i, s := range b.subscribers {
			if s == sub {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.close()
	}
	return sub.out, cancel
}

// matchesRun implements the matching rule: payload.runId == run_id OR
// eventmeta.runId == run_id.
func matchesRun(f *frame.Frame, runID string) bool {
	if f.EventMeta != nil && f.EventMeta.RunID == runID {
		return true
	}
	if len(f.Payload) == 0 {
		return false
	}
	var p struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return false
	}
	return p.RunID == runID
}

// subscriber owns an unbounded FIFO queue decoupling the producer from the
// consumer's pace: HandleFrame appends and signals in O(1); drain is the
// only goroutine that ever sends on out, so per-subscriber FIFO order holds
// even when the consumer is slow.
type subscriber struct {
	runID string
	out   chan *frame.Frame

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*frame.Frame
	closed bool
}

func newSubscriber(runID string) *subscriber {
	s := &subscriber{
		runID: runID,
		out:   make(chan *frame.Frame),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) enqueue(f *frame.Frame) {
	s.mu.Lock()
	s.enqueueLocked(f)
	s.mu.Unlock()
}

func (s *subscriber) enqueueLocked(f *frame.Frame) {
	if s.closed {
		return
	}
	s.queue = append(s.queue, f)
	s.cond.Signal()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

// drain is the subscriber's sole delivery goroutine: it blocks on new queue
// entries, then blocks sending to out (or ctx being cancelled). Either
// blocking point only affects this subscriber.
func (s *subscriber) drain(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		f := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- f:
		case <-ctx.Done():
			return
		}
	}
}
