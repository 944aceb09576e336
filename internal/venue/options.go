package venue

import (
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradegate/internal/observability"
	"github.com/coachpo/tradegate/internal/stream"
)

// Options carries the collaborators every connector hands to its sessions.
type Options struct {
	Logger observability.Logger
	Dialer stream.Dialer
	Meter  metric.Meter
}

// Option configures Options.
type Option func(*Options)

// WithLogger sets the connector logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithDialer replaces the websocket dialer of every session.
func WithDialer(dialer stream.Dialer) Option {
	return func(o *Options) { o.Dialer = dialer }
}

// WithMeter sets the meter for session instruments.
func WithMeter(meter metric.Meter) Option {
	return func(o *Options) { o.Meter = meter }
}

// Apply folds opts into Options.
func Apply(opts ...Option) Options {
	o := Options{Logger: observability.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.Logger = observability.OrNop(o.Logger)
	return o
}

// StreamOptions converts Options into session options.
func (o Options) StreamOptions() []stream.Option {
	out := []stream.Option{stream.WithLogger(o.Logger)}
	if o.Dialer != nil {
		out = append(out, stream.WithDialer(o.Dialer))
	}
	if o.Meter != nil {
		out = append(out, stream.WithMeter(o.Meter))
	}
	return out
}
