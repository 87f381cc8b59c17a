package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aeolun/talkative/pkg/protocol"
)

var (
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrHandlerNotFound  = errors.New("no handler for key")
)

// Handler executes one inbound envelope. A nil reply means nothing is sent
// back to the caller.
type Handler interface {
	Execute(ctx context.Context, sess *Session, env *protocol.Envelope) (*protocol.Envelope, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sess *Session, env *protocol.Envelope) (*protocol.Envelope, error)

func (f HandlerFunc) Execute(ctx context.Context, sess *Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	return f(ctx, sess, env)
}

// Router maps dispatch keys (an action name or a response code) to handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register binds key to h. Keys are unique.
func (r *Router) Register(key string, h Handler) error {
	if key == "" || h == nil {
		return fmt.Errorf("register %q: empty key or nil handler", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, key)
	}
	r.handlers[key] = h
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Router) MustRegister(key string, h Handler) {
	if err := r.Register(key, h); err != nil {
		panic(err)
	}
}

// Unregister removes key and reports whether it was bound.
func (r *Router) Unregister(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[key]
	delete(r.handlers, key)
	return ok
}

func (r *Router) Lookup(key string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key]
	return h, ok
}

// Keys returns the registered keys, sorted.
func (r *Router) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Dispatch runs the handler bound to env.Key(). It returns
// ErrHandlerNotFound when nothing is bound.
func (r *Router) Dispatch(ctx context.Context, sess *Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	key := env.Key()
	h, ok := r.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrHandlerNotFound, key)
	}
	return h.Execute(ctx, sess, env)
}
