package events

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Handler func(ctx context.Context, ev Event)

const wildcard Type = "*"

type subscription struct {
	id      string
	handler Handler
}

// Bus is a synchronous in-process pub/sub bus. Handlers for the specific event type
// run first, then wildcard handlers, each group in registration order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Type][]subscription
	logger zerolog.Logger
}

func NewBus() *Bus {
	return &Bus{
		subs:   make(map[Type][]subscription),
		logger: log.Logger.With().Str("component", "events.bus").Logger(),
	}
}

// Subscribe registers handler for each of the given event types and returns an id for Unsubscribe.
func (b *Bus) Subscribe(handler Handler, types ...Type) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	for _, t := range types {
		b.subs[t] = append(b.subs[t], subscription{id: id, handler: handler})
	}
	return id
}

func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(handler, wildcard)
}

// Unsubscribe removes every registration made under id.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	found := false
	for t, subs := range b.subs {
		kept := subs[:0:0]
		for _, s := range subs {
			if s.id == id {
				found = true
				continue
			}
			kept = append(kept, s)
		}
		b.subs[t] = kept
	}
	return found
}

func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	specific := append([]subscription(nil), b.subs[ev.Type]...)
	all := append([]subscription(nil), b.subs[wildcard]...)
	b.mu.RUnlock()

	for _, s := range specific {
		b.safeCall(ctx, s.handler, ev)
	}
	for _, s := range all {
		b.safeCall(ctx, s.handler, ev)
	}
	return nil
}

func (b *Bus) safeCall(ctx context.Context, handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event_type", string(ev.Type)).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("event handler panicked")
		}
	}()
	handler(ctx, ev)
}

func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}
