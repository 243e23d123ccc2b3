// Package peerid generates the identifiers the broker hands to peers that
// register without asking for a specific id.
package peerid

import (
	"fmt"
	"sort"
	"strings"
)

// Kind names an identifier scheme.
type Kind string

const (
	KindUUID   Kind = "uuid"
	KindULID   Kind = "ulid"
	KindKSUID  Kind = "ksuid"
	KindNanoID Kind = "nanoid"
	KindCUID2  Kind = "cuid2"
)

// Generator produces and checks identifiers of one scheme.
type Generator interface {
	Kind() Kind
	Generate() (string, error)
	// Validate reports why id could not have come from this scheme. The
	// error wraps ErrInvalidID.
	Validate(id string) error
}

// Config tunes the schemes that take parameters.
type Config struct {
	Default        Kind   `mapstructure:"default"`
	NanoIDSize     int    `mapstructure:"nanoid_size"`
	NanoIDAlphabet string `mapstructure:"nanoid_alphabet"`
	CUID2Length    int    `mapstructure:"cuid2_length"`
}

func DefaultConfig() Config {
	return Config{
		Default:        KindUUID,
		NanoIDSize:     DefaultNanoIDSize,
		NanoIDAlphabet: DefaultNanoIDAlphabet,
		CUID2Length:    DefaultCUID2Length,
	}
}

// Set holds one generator per scheme and a default.
type Set struct {
	gens map[Kind]Generator
	def  Kind
}

// NewSet builds every scheme. Zero fields of cfg take their defaults.
func NewSet(cfg Config) (*Set, error) {
	d := DefaultConfig()
	if cfg.Default == "" {
		cfg.Default = d.Default
	}
	if cfg.NanoIDSize == 0 {
		cfg.NanoIDSize = d.NanoIDSize
	}
	if cfg.NanoIDAlphabet == "" {
		cfg.NanoIDAlphabet = d.NanoIDAlphabet
	}
	if cfg.CUID2Length == 0 {
		cfg.CUID2Length = d.CUID2Length
	}

	nano, err := NanoID(cfg.NanoIDSize, cfg.NanoIDAlphabet)
	if err != nil {
		return nil, err
	}
	cuid, err := CUID2(cfg.CUID2Length)
	if err != nil {
		return nil, err
	}

	s := &Set{
		gens: make(map[Kind]Generator),
		def:  Kind(strings.ToLower(string(cfg.Default))),
	}
	for _, g := range []Generator{UUID(), ULID(), KSUID(), nano, cuid} {
		s.gens[g.Kind()] = g
	}
	if _, ok := s.gens[s.def]; !ok {
		return nil, fmt.Errorf("unknown default peer id kind %q", cfg.Default)
	}
	return s, nil
}

// MustDefault is NewSet(DefaultConfig()) for callers without configuration.
func MustDefault() *Set {
	s, err := NewSet(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return s
}

// Get returns the generator for kind; an empty kind selects the default.
func (s *Set) Get(kind Kind) (Generator, error) {
	if kind == "" {
		kind = s.def
	}
	g, ok := s.gens[Kind(strings.ToLower(string(kind)))]
	if !ok {
		return nil, fmt.Errorf("unknown peer id kind %q (want one of %s)", kind, strings.Join(s.Kinds(), ", "))
	}
	return g, nil
}

// Generate returns a new identifier of the default kind.
func (s *Set) Generate() (string, error) {
	return s.gens[s.def].Generate()
}

// Kinds lists the supported schemes in alphabetical order.
func (s *Set) Kinds() []string {
	out := make([]string, 0, len(s.gens))
	for k := range s.gens {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}
