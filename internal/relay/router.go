package relay

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/sevir/agentrelay/pkg/models"
)

// Handler consumes one event. Handlers run on the agent's read loop and must
// not block on work that needs the read loop to make progress.
type Handler func(ctx context.Context, ev models.Event)

type subscription struct {
	id uint64
	h  Handler
}

// Router delivers agent events either to a single interceptor or, when none
// is set, to every subscriber in registration order.
type Router struct {
	logger *log.Logger

	mu            sync.Mutex
	subs          []subscription
	nextID        uint64
	interceptor   Handler
	interceptorID uint64
	idle          chan struct{}
	recipient     string
}

// NewRouter creates a router with no subscribers.
func NewRouter(logger *log.Logger) *Router {
	if logger == nil {
		logger = log.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &Router{
		logger: logger.WithPrefix("router"),
		idle:   idle,
	}
}

// Subscribe registers h for broadcast events. The returned function removes
// the subscription and is safe to call more than once.
func (r *Router) Subscribe(h Handler) (unsubscribe func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, subscription{id: id, h: h})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, s := range r.subs {
				if s.id == id {
					r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Intercept claims the interceptor slot for h. While claimed, h receives every
// event and subscribers receive none. The slot is released after h sees a
// terminal event or when release is called, whichever comes first.
func (r *Router) Intercept(h Handler) (release func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.interceptor != nil {
		return nil, ErrInterceptorBusy
	}
	r.nextID++
	id := r.nextID
	r.interceptor = h
	r.interceptorID = id
	r.idle = make(chan struct{})

	return func() { r.clearInterceptor(id) }, nil
}

func (r *Router) clearInterceptor(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.interceptor == nil || r.interceptorID != id {
		return
	}
	r.interceptor = nil
	r.interceptorID = 0
	close(r.idle)
}

// Intercepting reports whether the interceptor slot is claimed.
func (r *Router) Intercepting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interceptor != nil
}

// WaitIdle blocks until no interceptor is set or ctx is done.
func (r *Router) WaitIdle(ctx context.Context) error {
	for {
		r.mu.Lock()
		if r.interceptor == nil {
			r.mu.Unlock()
			return nil
		}
		idle := r.idle
		r.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetDefaultRecipient records the channel that system-originated output
// should go to.
func (r *Router) SetDefaultRecipient(channel string) {
	r.mu.Lock()
	r.recipient = channel
	r.mu.Unlock()
}

// DefaultRecipient returns the channel of the most recent user prompt, or ""
// when none has been seen.
func (r *Router) DefaultRecipient() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recipient
}

// Dispatch delivers ev. Handlers are called synchronously, so events reach
// each handler in the order Dispatch is called.
func (r *Router) Dispatch(ctx context.Context, ev models.Event) {
	r.mu.Lock()
	interceptor, id := r.interceptor, r.interceptorID
	var subs []subscription
	if interceptor == nil {
		subs = make([]subscription, len(r.subs))
		copy(subs, r.subs)
	}
	r.mu.Unlock()

	if interceptor != nil {
		r.safeCall(ctx, interceptor, ev)
		if ev.IsTerminal() {
			r.clearInterceptor(id)
		}
		return
	}

	for _, s := range subs {
		r.safeCall(ctx, s.h, ev)
	}
}

func (r *Router) safeCall(ctx context.Context, h Handler, ev models.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event handler panicked", "event", ev.Type, "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	h(ctx, ev)
}
