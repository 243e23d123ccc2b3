package session

import (
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultJoinTimeout   = 10 * time.Second
	DefaultRetryInterval = 250 * time.Millisecond
	DefaultEventBuffer   = 64
)

type options struct {
	joinTimeout   time.Duration
	retryInterval time.Duration
	eventBuffer   int
	logger        *zerolog.Logger
	tracer        trace.Tracer
}

type Option func(*options)

// WithJoinTimeout bounds how long JoinRoom waits for the host.
func WithJoinTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.joinTimeout = d
		}
	}
}

// WithRetryInterval sets the pause between join attempts while the room's
// host is not registered yet.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryInterval = d
		}
	}
}

func WithEventBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}
