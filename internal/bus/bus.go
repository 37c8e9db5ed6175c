// Package bus is the in-process pub/sub spine connecting candle aggregation,
// signal management, execution and position monitoring.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/karanvir/opttrader/internal/models"
)

// EventType enumerates the published event kinds.
type EventType string

const (
	CandleClosed    EventType = "candle_closed"
	SignalGenerated EventType = "signal_generated"
	SignalActivated EventType = "signal_activated"
	SignalCompleted EventType = "signal_completed"
	SignalStopped   EventType = "signal_stopped"
	PositionOpened  EventType = "position_opened"
	PositionUpdated EventType = "position_updated"
	PositionClosed  EventType = "position_closed"
	OrderPlaced     EventType = "order_placed"
	OrderFilled     EventType = "order_filled"
	OrderRejected   EventType = "order_rejected"
)

// Event carries a full payload so handlers never need a store round-trip.
// Exactly one of Candle/Signal/Position is set depending on Type; order
// events also carry OrderID.
type Event struct {
	Type EventType
	At   time.Time

	Candle   *models.Candle
	Signal   *models.Signal
	Position *models.Position
	OrderID  string
	Reason   string
}

// Handler processes one delivered event. The context carries the
// per-delivery timeout.
type Handler func(ctx context.Context, ev Event)

// Filter drops events before they enter the subscription queue.
type Filter func(ev Event) bool

const (
	defaultQueueSize      = 256
	defaultHandlerTimeout = 30 * time.Second
)

type subscription struct {
	id      string
	ch      chan Event
	filter  Filter
	done    chan struct{}
	closeMu sync.Once
}

func (s *subscription) close() {
	s.closeMu.Do(func() { close(s.done) })
}

// Bus is a typed in-process event bus. Publish never blocks: each
// subscription has a bounded FIFO queue and deliveries that do not fit are
// dropped and counted. Per subscription, handlers run sequentially, so a
// subscriber observes events in publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]*subscription
	logger *slog.Logger

	queueSize      int
	handlerTimeout time.Duration

	wg sync.WaitGroup

	dropped atomic.Int64
	panics  atomic.Int64
}

// Option configures the bus.
type Option func(*Bus)

// WithQueueSize overrides the per-subscription queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithHandlerTimeout overrides the per-delivery handler timeout.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.handlerTimeout = d
		}
	}
}

// New creates an empty bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:           make(map[EventType][]*subscription),
		logger:         logger.With("component", "bus"),
		queueSize:      defaultQueueSize,
		handlerTimeout: defaultHandlerTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for events of the given type. filter may be
// nil. The returned cancel function detaches the subscription and stops its
// dispatcher once the queue drains.
func (b *Bus) Subscribe(typ EventType, id string, handler Handler, filter Filter) (cancel func()) {
	sub := &subscription{
		id:     id,
		ch:     make(chan Event, b.queueSize),
		filter: filter,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[typ] = append(b.subs[typ], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatch(sub, handler)

	return func() {
		b.mu.Lock()
		list := b.subs[typ]
		for i, s := range list {
			if s == sub {
				b.subs[typ] = append(list[:i], list[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.close()
	}
}

// Publish delivers ev to every matching subscription without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := b.subs[ev.Type]
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			n := b.dropped.Add(1)
			b.logger.Warn("subscription queue full, dropping event",
				"subscriber", sub.id, "event", string(ev.Type), "dropped_total", n)
		}
	}
}

// Close detaches every subscription and waits for dispatchers to finish
// their queued work.
func (b *Bus) Close() {
	b.mu.Lock()
	for typ, list := range b.subs {
		for _, sub := range list {
			sub.close()
		}
		delete(b.subs, typ)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Dropped reports events discarded across all subscriptions.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Panics reports recovered handler panics.
func (b *Bus) Panics() int64 { return b.panics.Load() }

func (b *Bus) dispatch(sub *subscription, handler Handler) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-sub.ch:
			b.deliver(sub, handler, ev)
		case <-sub.done:
			// drain what was queued before cancellation
			for {
				select {
				case ev := <-sub.ch:
					b.deliver(sub, handler, ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(sub *subscription, handler Handler, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.handlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			n := b.panics.Add(1)
			b.logger.Error("handler panic recovered",
				"subscriber", sub.id, "event", string(ev.Type),
				"panic", r, "panics_total", n)
		}
	}()
	handler(ctx, ev)
}
