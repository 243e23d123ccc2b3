package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// ToolMode selects the brush that reproduces a stroke.
type ToolMode string

const (
	ToolMandala ToolMode = "mandala"
	ToolSpray   ToolMode = "spray"
	ToolAnchor  ToolMode = "anchor"
)

// MaxMandala bounds the mandala counter; sides = counter + 3.
const MaxMandala = 3

// Valid reports whether t is a known tool.
func (t ToolMode) Valid() bool {
	switch t {
	case ToolMandala, ToolSpray, ToolAnchor:
		return true
	}
	return false
}

// Point is a cursor position relative to the canvas centre. It travels as
// a two-element JSON array.
type Point [2]float64

// X returns the horizontal coordinate.
func (p Point) X() float64 { return p[0] }

// Y returns the vertical coordinate.
func (p Point) Y() float64 { return p[1] }

// UnmarshalJSON accepts exactly [x, y].
func (p *Point) UnmarshalJSON(data []byte) error {
	var xy []float64
	if err := json.Unmarshal(data, &xy); err != nil {
		return err
	}
	if len(xy) != 2 {
		return fmt.Errorf("point must have 2 coordinates, got %d", len(xy))
	}
	p[0], p[1] = xy[0], xy[1]
	return nil
}

// DrawEvent describes one drawing gesture. It carries the full position
// history of the stroke so a receiver that missed earlier events can still
// render it.
type DrawEvent struct {
	ToolMode       ToolMode        `json:"toolMode"`
	MandalaCounter int             `json:"mandalaCounter"`
	MousePositions []Point         `json:"mousePositions"`
	MouseX         float64         `json:"mouseX"`
	MouseY         float64         `json:"mouseY"`
	ToolParams     json.RawMessage `json:"toolParams,omitempty"`
}

// MandalaSides is the number of rotational copies the mandala tool draws.
func (e DrawEvent) MandalaSides() int {
	return e.MandalaCounter + 3
}

// Validate checks the event before it is sent or applied.
func (e DrawEvent) Validate() error {
	if !e.ToolMode.Valid() {
		return fmt.Errorf("%w: unknown tool mode %q", ErrMalformedEvent, e.ToolMode)
	}
	if e.MandalaCounter < 0 || e.MandalaCounter >= MaxMandala {
		return fmt.Errorf("%w: mandala counter %d out of range [0,%d)", ErrMalformedEvent, e.MandalaCounter, MaxMandala)
	}
	if !finite(e.MouseX) || !finite(e.MouseY) {
		return fmt.Errorf("%w: cursor is not finite", ErrMalformedEvent)
	}
	for i, p := range e.MousePositions {
		if !finite(p[0]) || !finite(p[1]) {
			return fmt.Errorf("%w: position %d is not finite", ErrMalformedEvent, i)
		}
	}
	if len(e.ToolParams) > 0 && !json.Valid(e.ToolParams) {
		return fmt.Errorf("%w: tool params are not valid JSON", ErrMalformedEvent)
	}
	return nil
}

// Clone returns a deep copy so consumers never share the position slice.
func (e DrawEvent) Clone() DrawEvent {
	out := e
	if e.MousePositions != nil {
		out.MousePositions = make([]Point, len(e.MousePositions))
		copy(out.MousePositions, e.MousePositions)
	}
	if e.ToolParams != nil {
		out.ToolParams = append(json.RawMessage(nil), e.ToolParams...)
	}
	return out
}

// EncodeDrawEvent validates and serialises an event for the wire.
func EncodeDrawEvent(e DrawEvent) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.MousePositions == nil {
		e.MousePositions = []Point{}
	}
	return json.Marshal(e)
}

// DecodeDrawEvent parses and validates a wire payload. Unknown fields are
// rejected because both ends must run the same schema.
func DecodeDrawEvent(data []byte) (DrawEvent, error) {
	var e DrawEvent

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&e); err != nil {
		return DrawEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if dec.More() {
		return DrawEvent{}, fmt.Errorf("%w: trailing data", ErrMalformedEvent)
	}
	if err := e.Validate(); err != nil {
		return DrawEvent{}, err
	}
	return e, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
