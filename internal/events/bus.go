package events

import (
	"sync"
	"sync/atomic"

	"github.com/neo4j/neo4j-sub063/internal/logging"
)

// SubscriptionOptions configures the behavior of a subscription
type SubscriptionOptions struct {
	// If true, the bus blocks until the subscriber's channel accepts the event. Delivery is guaranteed, but a slow
	// subscriber stalls every other subscriber of the bus.
	IsBlocking bool
}

// SubscriberID identifies a single subscription. It is required to unsubscribe.
type SubscriberID uint64

// Event is a typed cluster event. Each payload type gives a distinct Event type.
type Event[T any] struct {
	Type    Type
	Payload T
}

func NewEvent[T any](eventType Type, payload T) *Event[T] {
	return &Event[T]{
		Type:    eventType,
		Payload: payload,
	}
}

// subscriber stores typed channels behind closures so that subscribers of every payload type share one registry.
// The type assertion back to T happens inside sendFunc.
type subscriber struct {
	sendFunc   func(eventType Type, payload any) bool
	closeFunc  func()
	options    SubscriptionOptions
	numDropped atomic.Uint64
}

type envelope struct {
	eventType Type
	payload   any
}

// Bus is the in-process event bus of a single HA instance. Membership, election and the role state machine talk to
// each other exclusively through it.
type Bus struct {
	mu sync.RWMutex
	wg sync.WaitGroup

	registry map[Type]map[SubscriberID]*subscriber
	nextID   atomic.Uint64
	// Number of live subscriptions per channel. A channel subscribed to several event types is closed when the
	// last of them goes.
	channels map[any]int

	// publishChan decouples Publish from the fan-out loop and lets GracefulShutdown drain in-flight events
	publishChan  chan envelope
	shuttingDown atomic.Bool

	logger logging.Logger
}

// NewBus creates a bus and starts its fan-out goroutine
func NewBus(logger logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Nop()
	}
	b := &Bus{
		registry:    make(map[Type]map[SubscriberID]*subscriber),
		channels:    make(map[any]int),
		publishChan: make(chan envelope, 256),
		logger:      logger,
	}

	b.wg.Add(1)
	go b.run()

	return b
}

// Subscribe registers ch for events of eventType. The caller owns the channel and picks its buffer size. One channel
// may be subscribed to several event types; the bus closes it once its last subscription is removed or on shutdown.
//
// Go methods cannot declare type parameters, so this is a free function taking the bus first.
func Subscribe[T any](b *Bus, eventType Type, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := SubscriberID(b.nextID.Add(1))

	sub := &subscriber{
		options: opts,
		sendFunc: func(evType Type, payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				b.logger.Warnf("[Events] Type mismatch for event %v. Expected %T, got %T", evType, *new(T), payload)
				return false
			}

			event := &Event[T]{Type: evType, Payload: typed}
			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		closeFunc: func() {
			b.channels[ch]--
			if b.channels[ch] == 0 {
				delete(b.channels, ch)
				close(ch)
			}
		},
	}
	b.channels[ch]++

	if _, ok := b.registry[eventType]; !ok {
		b.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	b.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscription and closes its channel
func (b *Bus) Unsubscribe(eventType Type, id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers, ok := b.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subscribers[id]
	if !ok {
		return
	}

	delete(subscribers, id)
	sub.closeFunc()
	if len(subscribers) == 0 {
		delete(b.registry, eventType)
	}
}

// Publish queues an event for fan-out. Events published after shutdown began are dropped.
func Publish[T any](b *Bus, event *Event[T]) {
	// Holding the read lock keeps shutdown from closing publishChan between the check and the send
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.shuttingDown.Load() {
		b.logger.Debugf("[Events] Dropping %v event, bus is shutting down", event.Type)
		return
	}

	b.publishChan <- envelope{eventType: event.Type, payload: event.Payload}
}

// Dropped returns how many events a subscriber missed because its channel was full
func (b *Bus) Dropped(eventType Type, id SubscriberID) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if sub, ok := b.registry[eventType][id]; ok {
		return sub.numDropped.Load()
	}
	return 0
}

// ForceShutdown stops accepting events and returns immediately
func (b *Bus) ForceShutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shuttingDown.Load() {
		return
	}
	b.shuttingDown.Store(true)
	close(b.publishChan)
}

// GracefulShutdown stops accepting events, drains the queue and closes every subscriber channel
func (b *Bus) GracefulShutdown() {
	b.mu.Lock()
	if b.shuttingDown.Load() {
		b.mu.Unlock()
		b.wg.Wait()
		return
	}
	b.shuttingDown.Store(true)
	close(b.publishChan)
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subscribers := range b.registry {
		for id, sub := range subscribers {
			sub.closeFunc()
			delete(subscribers, id)
		}
		delete(b.registry, eventType)
	}
}

func (b *Bus) run() {
	defer b.wg.Done()

	for msg := range b.publishChan {
		b.mu.RLock()
		for id, sub := range b.registry[msg.eventType] {
			if !sub.sendFunc(msg.eventType, msg.payload) && !sub.options.IsBlocking {
				dropped := sub.numDropped.Add(1)
				b.logger.Debugf("[Events] Dropped %v event for subscriber %d (channel full). Total dropped: %d",
					msg.eventType, id, dropped)
			}
		}
		b.mu.RUnlock()
	}
}
