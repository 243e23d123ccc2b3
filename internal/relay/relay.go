// Package relay implements the star-topology fan-out of draw events: the
// host forwards every event to all guests except its sender, a guest only
// ever talks to its host, and every event is applied to the local sink.
package relay

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-canvas/internal/domain"
	"github.com/weiawesome/wes-io-canvas/internal/transport"
	pkglog "github.com/weiawesome/wes-io-canvas/pkg/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/weiawesome/wes-io-canvas/internal/relay"

// Topology is the connection state a relay decision depends on.
type Topology struct {
	Mode     domain.Mode
	Guests   *GuestSet
	Upstream transport.Conn
}

// Failure is one peer a send did not reach.
type Failure struct {
	PeerID string
	Err    error
}

// Result describes what one relay step did.
type Result struct {
	// Sent lists the peers the event was queued to, in send order.
	Sent     []string
	Failures []Failure
	// SinkErr is the ErrSinkApply from the local apply, if any. It never
	// affects sending.
	SinkErr error
}

// Relay applies the fan-out rules. It holds no connection state.
type Relay struct {
	sink   Sink
	logger zerolog.Logger
	tracer trace.Tracer
}

type Option func(*Relay)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

// WithTracer overrides the tracer taken from the global otel provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Relay) { r.tracer = tracer }
}

func New(sink Sink, opts ...Option) *Relay {
	r := &Relay{
		sink:   sink,
		logger: pkglog.L(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	return r
}

// Receive handles an event that arrived from peer from. A host forwards it
// to every other guest; a guest never rebroadcasts. The event is applied
// locally in every mode.
func (r *Relay) Receive(ctx context.Context, topo Topology, from string, ev domain.DrawEvent) Result {
	_, span := r.tracer.Start(ctx, "relay.receive", trace.WithAttributes(
		attribute.String("relay.mode", topo.Mode.String()),
		attribute.String("relay.from", from),
		attribute.String("relay.tool_mode", string(ev.ToolMode)),
	))
	defer span.End()

	var res Result
	if topo.Mode == domain.Hosting && topo.Guests != nil {
		targets := make([]transport.Conn, 0, topo.Guests.Len())
		for _, c := range topo.Guests.Conns() {
			if c.RemoteID() == from {
				continue
			}
			targets = append(targets, c)
		}
		res = r.send(ev, targets)
	}
	res.SinkErr = SafeApply(r.sink, ev.Clone(), r.logger)

	r.finish(span, res)
	return res
}

// Originate handles an event produced locally. A host broadcasts it to all
// guests, a guest sends it upstream, and any other mode only applies it.
func (r *Relay) Originate(ctx context.Context, topo Topology, ev domain.DrawEvent) Result {
	_, span := r.tracer.Start(ctx, "relay.originate", trace.WithAttributes(
		attribute.String("relay.mode", topo.Mode.String()),
		attribute.String("relay.tool_mode", string(ev.ToolMode)),
	))
	defer span.End()

	var res Result
	switch topo.Mode {
	case domain.Hosting:
		if topo.Guests != nil {
			res = r.send(ev, topo.Guests.Conns())
		}
	case domain.Guesting:
		if topo.Upstream != nil {
			res = r.send(ev, []transport.Conn{topo.Upstream})
		}
	}
	res.SinkErr = SafeApply(r.sink, ev.Clone(), r.logger)

	r.finish(span, res)
	return res
}

// send encodes ev once and queues it on each target. A failing peer is
// recorded and skipped.
func (r *Relay) send(ev domain.DrawEvent, targets []transport.Conn) Result {
	var res Result
	if len(targets) == 0 {
		return res
	}

	data, err := domain.EncodeDrawEvent(ev)
	if err != nil {
		for _, c := range targets {
			res.Failures = append(res.Failures, Failure{PeerID: c.RemoteID(), Err: err})
		}
		return res
	}

	for _, c := range targets {
		if err := c.Send(data); err != nil {
			res.Failures = append(res.Failures, Failure{PeerID: c.RemoteID(), Err: err})
			continue
		}
		res.Sent = append(res.Sent, c.RemoteID())
	}
	return res
}

func (r *Relay) finish(span trace.Span, res Result) {
	span.SetAttributes(
		attribute.Int("relay.fanout", len(res.Sent)),
		attribute.Int("relay.failures", len(res.Failures)),
	)
	if len(res.Failures) > 0 {
		span.SetStatus(codes.Error, res.Failures[0].Err.Error())
		for _, f := range res.Failures {
			r.logger.Warn().Err(f.Err).Str(pkglog.FieldRemoteID, f.PeerID).Msg("relay send failed")
		}
	}
	if res.SinkErr != nil {
		span.RecordError(res.SinkErr)
	}
	r.logger.Debug().Int(pkglog.FieldFanout, len(res.Sent)).Msg("relayed draw event")
}
