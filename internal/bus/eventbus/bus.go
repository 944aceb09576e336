// Package eventbus provides the in-process synchronous dispatcher that fans canonical events
// out to subscribers.
package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/observability"
	"github.com/coachpo/tradegate/internal/telemetry"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Handler receives events published on a topic.
type Handler interface {
	Handle(ctx context.Context, topic schema.Topic, payload any) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, topic schema.Topic, payload any) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, topic schema.Topic, payload any) error {
	return f(ctx, topic, payload)
}

// Publisher is the publish half of the bus, accepted by producers.
type Publisher interface {
	Publish(ctx context.Context, topic schema.Topic, payload any) int
}

// Subscriber is the subscribe half of the bus, accepted by consumers.
type Subscriber interface {
	Subscribe(topic schema.Topic, handler Handler) SubscriptionID
	Unsubscribe(id SubscriptionID) bool
}

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Dispatcher delivers each published payload synchronously to every handler of its topic, in
// subscription order, on the publisher's goroutine. Late subscribers do not see earlier events.
type Dispatcher struct {
	logger observability.Logger

	mu     sync.RWMutex
	topics map[schema.Topic][]subscription
	index  map[SubscriptionID]schema.Topic

	published      metric.Int64Counter
	deliveryErrors metric.Int64Counter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for handler failures.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = observability.OrNop(logger).With(observability.F("component", "eventbus"))
	}
}

// WithMeter overrides the meter used for bus instruments.
func WithMeter(meter metric.Meter) Option {
	return func(d *Dispatcher) {
		if meter != nil {
			d.initInstruments(meter)
		}
	}
}

// New constructs an empty dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger: observability.Nop(),
		topics: make(map[schema.Topic][]subscription),
		index:  make(map[SubscriptionID]schema.Topic),
	}
	d.initInstruments(otel.Meter("eventbus"))
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

func (d *Dispatcher) initInstruments(meter metric.Meter) {
	d.published, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	d.deliveryErrors, _ = meter.Int64Counter("eventbus.delivery.errors",
		metric.WithDescription("Number of handler failures during delivery"),
		metric.WithUnit("{error}"))
}

// Subscribe registers handler for topic.
func (d *Dispatcher) Subscribe(topic schema.Topic, handler Handler) SubscriptionID {
	id := SubscriptionID(uuid.NewString())
	d.mu.Lock()
	d.topics[topic] = append(d.topics[topic], subscription{id: id, handler: handler})
	d.index[id] = topic
	d.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription. It reports whether the id was known.
func (d *Dispatcher) Unsubscribe(id SubscriptionID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	topic, ok := d.index[id]
	if !ok {
		return false
	}
	delete(d.index, id)
	subs := d.topics[topic]
	kept := make([]subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.id != id {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(d.topics, topic)
	} else {
		d.topics[topic] = kept
	}
	return true
}

// Subscribers returns the number of handlers registered for topic.
func (d *Dispatcher) Subscribers(topic schema.Topic) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.topics[topic])
}

// Publish delivers payload to every handler of topic and returns how many handlers ran without
// error. A failing or panicking handler is logged and does not stop delivery to the others.
func (d *Dispatcher) Publish(ctx context.Context, topic schema.Topic, payload any) int {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.RLock()
	subs := d.topics[topic]
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	d.mu.RUnlock()

	attrs := metric.WithAttributes(telemetry.AttrTopic.String(string(topic)))
	if d.published != nil {
		d.published.Add(ctx, 1, attrs)
	}

	delivered := 0
	for _, sub := range snapshot {
		if err := d.deliver(ctx, sub, topic, payload); err != nil {
			if d.deliveryErrors != nil {
				d.deliveryErrors.Add(ctx, 1, attrs)
			}
			d.logger.Error("handler failed",
				observability.F("topic", string(topic)),
				observability.F("subscription", string(sub.id)),
				observability.Err(err))
			continue
		}
		delivered++
	}
	return delivered
}

func (d *Dispatcher) deliver(ctx context.Context, sub subscription, topic schema.Topic, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler.Handle(ctx, topic, payload)
}

// On subscribes a typed callback. Payloads of another type are reported as delivery errors.
func On[T any](s Subscriber, topic schema.Topic, fn func(ctx context.Context, payload T) error) SubscriptionID {
	return s.Subscribe(topic, HandlerFunc(func(ctx context.Context, topic schema.Topic, payload any) error {
		typed, ok := payload.(T)
		if !ok {
			return fmt.Errorf("topic %s: unexpected payload %T", topic, payload)
		}
		return fn(ctx, typed)
	}))
}
