// Package router is the bridge's Event Router: it fans in events from every
// Connection Manager and dispatches them to registered Forwarders.
//
// This inverts the usual firehose-hub shape, which fans a single event type
// out to many best-effort, drop-on-full listeners: the Event Router instead
// fans *in* from multiple sources rather than out to multiple sinks, and it
// never drops an event for backpressure, since arrival-order delivery within
// a conversation matters and a drop-on-full policy would silently violate
// it. What's kept from that shape is the registration style (typed
// callbacks, no shared mutable event bus) and the goroutine-per-consumer
// isolation.
package router

import (
	"context"
	"sync"

	"github.com/chatrelay/bridge/pkg/coremsg"
	"github.com/chatrelay/bridge/pkg/log"
	"github.com/chatrelay/bridge/pkg/storage"
)

var logger = log.ForService("router")

// strandBuffer bounds how many events may be queued for one conversation
// before Dispatch blocks the calling connection manager. Generous enough
// that a momentarily slow Forwarder doesn't stall unrelated conversations,
// which are processed on their own strands.
const strandBuffer = 256

// MessageHandler processes one inbound MessageEvent.
type MessageHandler func(ctx context.Context, ev coremsg.MessageEvent)

// NoticeHandler processes one inbound NoticeEvent (after heartbeats have
// already been filtered out by the router).
type NoticeHandler func(ctx context.Context, ev coremsg.NoticeEvent)

// Router fans in events from every Connection Manager's event callback and
// dispatches them, preserving arrival order per (platform, conversation_id).
// Events from different conversations are dispatched concurrently.
type Router struct {
	store *storage.Store

	mu      sync.Mutex
	strands map[string]*strand
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	messageHandlers []MessageHandler
	noticeHandlers  []NoticeHandler
	catchAll        []func(ctx context.Context, platform coremsg.Platform, raw any)
}

// strand serializes dispatch for a single (platform, conversation_id).
type strand struct {
	tasks chan func(context.Context)
}

// New builds a Router. store records heartbeats without propagating them.
func New(store *storage.Store) *Router {
	return &Router{
		store:   store,
		strands: make(map[string]*strand),
	}
}

// OnMessage registers f to run for every dispatched MessageEvent.
func (r *Router) OnMessage(f MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messageHandlers = append(r.messageHandlers, f)
}

// OnNotice registers f to run for every dispatched NoticeEvent (excluding
// heartbeats, which the router consumes itself).
func (r *Router) OnNotice(f NoticeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.noticeHandlers = append(r.noticeHandlers, f)
}

// OnAny registers a catch-all invoked for every event regardless of kind,
// used for diagnostics; unparseable/unknown frames never reach here, they
// are logged and dropped by the Protocol Adapter before the router sees them.
func (r *Router) OnAny(f func(ctx context.Context, platform coremsg.Platform, raw any)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catchAll = append(r.catchAll, f)
}

// Start prepares the router to accept Dispatch calls. Stop drains all
// strands and waits for in-flight handlers to finish.
func (r *Router) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
}

func (r *Router) Stop() {
	r.mu.Lock()
	strands := make([]*strand, 0, len(r.strands))
	for _, s := range r.strands {
		strands = append(strands, s)
	}
	r.strands = make(map[string]*strand)
	r.mu.Unlock()

	for _, s := range strands {
		close(s.tasks)
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// DispatchMessage routes an inbound MessageEvent to its conversation strand.
func (r *Router) DispatchMessage(ev coremsg.MessageEvent) {
	key := strandKey(ev.Platform, ev.ConversationID)
	r.enqueue(key, func(ctx context.Context) {
		r.mu.Lock()
		handlers := append([]MessageHandler(nil), r.messageHandlers...)
		catchAll := append([]func(context.Context, coremsg.Platform, any)(nil), r.catchAll...)
		r.mu.Unlock()

		for _, h := range handlers {
			h(ctx, ev)
		}
		for _, h := range catchAll {
			h(ctx, ev.Platform, ev)
		}
	})
}

// DispatchNotice routes an inbound NoticeEvent. Heartbeats are recorded to
// the Mapping Store and never propagated to registered NoticeHandlers.
func (r *Router) DispatchNotice(ev coremsg.NoticeEvent) {
	if ev.NoticeKind == coremsg.NoticeHeartbeat {
		if err := r.store.SaveHeartbeat(ev.Platform, ev.Timestamp, rawHeartbeatStatus(ev)); err != nil {
			logger.Errorf("saving heartbeat for %s: %v", ev.Platform, err)
		}
		return
	}

	key := strandKey(ev.Platform, ev.ConversationID)
	r.enqueue(key, func(ctx context.Context) {
		r.mu.Lock()
		handlers := append([]NoticeHandler(nil), r.noticeHandlers...)
		catchAll := append([]func(context.Context, coremsg.Platform, any)(nil), r.catchAll...)
		r.mu.Unlock()

		for _, h := range handlers {
			h(ctx, ev)
		}
		for _, h := range catchAll {
			h(ctx, ev.Platform, ev)
		}
	})
}

func rawHeartbeatStatus(ev coremsg.NoticeEvent) string {
	if s, ok := ev.Raw["status"].(string); ok {
		return s
	}
	return ""
}

// strandKey groups events lacking a conversation id (pure connection-level
// notices; heartbeats are recorded before any strand and never reach one)
// under one per-platform strand rather than skipping ordering entirely.
func strandKey(platform coremsg.Platform, conversationID string) string {
	return string(platform) + "\x00" + conversationID
}

func (r *Router) enqueue(key string, task func(context.Context)) {
	r.mu.Lock()
	s, ok := r.strands[key]
	if !ok {
		s = &strand{tasks: make(chan func(context.Context), strandBuffer)}
		r.strands[key] = s
		r.wg.Add(1)
		go r.runStrand(s)
	}
	r.mu.Unlock()

	s.tasks <- task
}

func (r *Router) runStrand(s *strand) {
	defer r.wg.Done()
	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	for task := range s.tasks {
		task(ctx)
	}
}
