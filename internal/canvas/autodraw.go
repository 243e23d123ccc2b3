package canvas

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-canvas/internal/domain"
	"github.com/weiawesome/wes-io-canvas/internal/relay"
	pkglog "github.com/weiawesome/wes-io-canvas/pkg/log"
)

// Canvas dimensions the cursor moves in. Positions in events are relative
// to the centre.
const (
	CanvasWidth  = 900
	CanvasHeight = 300
)

const (
	DefaultAutodrawInterval = 50 * time.Millisecond
	DefaultStrokeLength     = 24
	DefaultMaxHistory       = 256
)

// Drawer accepts locally produced events. session.Manager implements it.
type Drawer interface {
	Draw(ctx context.Context, ev domain.DrawEvent) (relay.Result, error)
}

// Autodraw produces synthetic drag gestures so a peer can draw without
// input. Each stroke is a random walk; finishing a stroke advances the
// mandala counter like releasing the mouse does.
type Autodraw struct {
	drawer     Drawer
	interval   time.Duration
	strokeLen  int
	maxHistory int
	tool       domain.ToolMode
	logger     zerolog.Logger
	rng        *rand.Rand

	x, y     float64
	heading  float64
	inStroke int
	counter  int
	history  []domain.Point
}

type AutodrawOption func(*Autodraw)

func WithInterval(d time.Duration) AutodrawOption {
	return func(a *Autodraw) {
		if d > 0 {
			a.interval = d
		}
	}
}

func WithStrokeLength(n int) AutodrawOption {
	return func(a *Autodraw) {
		if n > 0 {
			a.strokeLen = n
		}
	}
}

// WithMaxHistory caps the position history carried by each event; the
// oldest positions are dropped first.
func WithMaxHistory(n int) AutodrawOption {
	return func(a *Autodraw) {
		if n > 0 {
			a.maxHistory = n
		}
	}
}

func WithTool(t domain.ToolMode) AutodrawOption {
	return func(a *Autodraw) { a.tool = t }
}

func WithSeed(seed uint64) AutodrawOption {
	return func(a *Autodraw) { a.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

func WithAutodrawLogger(logger zerolog.Logger) AutodrawOption {
	return func(a *Autodraw) { a.logger = logger }
}

func NewAutodraw(d Drawer, opts ...AutodrawOption) *Autodraw {
	a := &Autodraw{
		drawer:     d,
		interval:   DefaultAutodrawInterval,
		strokeLen:  DefaultStrokeLength,
		maxHistory: DefaultMaxHistory,
		tool:       domain.ToolMandala,
		logger:     pkglog.L(),
		x:          CanvasWidth / 2,
		y:          CanvasHeight / 2,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.rng == nil {
		a.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return a
}

// Run draws one event per tick until ctx is done.
func (a *Autodraw) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info().Str(pkglog.FieldToolMode, string(a.tool)).Dur("interval", a.interval).Msg("autodraw started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.drawer.Draw(ctx, a.Next()); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Next advances the cursor and returns the resulting event.
func (a *Autodraw) Next() domain.DrawEvent {
	if a.inStroke == a.strokeLen {
		a.inStroke = 0
		a.counter = (a.counter + 1) % domain.MaxMandala
		a.heading = a.rng.Float64() * 2 * math.Pi
	}
	a.inStroke++

	a.heading += (a.rng.Float64() - 0.5) * 0.8
	step := 6 + a.rng.Float64()*10
	a.x = clamp(a.x+math.Cos(a.heading)*step, 0, CanvasWidth)
	a.y = clamp(a.y+math.Sin(a.heading)*step, 0, CanvasHeight)

	a.history = append(a.history, domain.Point{a.x - CanvasWidth/2, a.y - CanvasHeight/2})
	if over := len(a.history) - a.maxHistory; over > 0 {
		a.history = append(a.history[:0:0], a.history[over:]...)
	}

	return domain.DrawEvent{
		ToolMode:       a.tool,
		MandalaCounter: a.counter,
		MousePositions: append([]domain.Point(nil), a.history...),
		MouseX:         a.x,
		MouseY:         a.y,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
