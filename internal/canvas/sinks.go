package canvas

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-canvas/internal/domain"
	"github.com/weiawesome/wes-io-canvas/internal/relay"
	pkglog "github.com/weiawesome/wes-io-canvas/pkg/log"
)

// LogSink writes every applied event to a logger.
type LogSink struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func NewLogSink(logger zerolog.Logger, level zerolog.Level) *LogSink {
	return &LogSink{logger: logger, level: level}
}

func (s *LogSink) Apply(ev domain.DrawEvent) error {
	e := s.logger.WithLevel(s.level).
		Str(pkglog.FieldToolMode, string(ev.ToolMode)).
		Int("points", len(ev.MousePositions)).
		Float64("mouse_x", ev.MouseX).
		Float64("mouse_y", ev.MouseY)
	if ev.ToolMode == domain.ToolMandala {
		e = e.Int("sides", ev.MandalaSides())
	}
	e.Msg("draw event applied")
	return nil
}

type multiSink []relay.Sink

// Multi applies each event to every sink in order. A failing or panicking
// sink does not stop the others; their errors are joined.
func Multi(sinks ...relay.Sink) relay.Sink {
	return multiSink(sinks)
}

func (m multiSink) Apply(ev domain.DrawEvent) error {
	var errs []error
	for _, s := range m {
		if err := applyOne(s, ev.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func applyOne(s relay.Sink, ev domain.DrawEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Apply(ev)
}
