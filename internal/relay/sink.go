package relay

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-canvas/internal/domain"
	pkglog "github.com/weiawesome/wes-io-canvas/pkg/log"
)

// Sink applies draw events to local presentation state. Apply is expected
// to return quickly; it is called from the session loop.
type Sink interface {
	Apply(ev domain.DrawEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev domain.DrawEvent) error

func (f SinkFunc) Apply(ev domain.DrawEvent) error { return f(ev) }

// SafeApply runs sink.Apply, turning errors and panics into a logged
// ErrSinkApply. The returned error is informational only.
func SafeApply(sink Sink, ev domain.DrawEvent, logger zerolog.Logger) (err error) {
	if sink == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", domain.ErrSinkApply, r)
		}
		if err != nil {
			logger.Error().Err(err).
				Str(pkglog.FieldToolMode, string(ev.ToolMode)).
				Msg("sink apply failed")
		}
	}()

	if applyErr := sink.Apply(ev); applyErr != nil {
		return fmt.Errorf("%w: %v", domain.ErrSinkApply, applyErr)
	}
	return nil
}
