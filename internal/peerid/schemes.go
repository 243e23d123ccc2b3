package peerid

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/nrednav/cuid2"
	"github.com/oklog/ulid/v2"
	"github.com/segmentio/ksuid"
)

// ErrInvalidID is wrapped by every Validate failure.
var ErrInvalidID = errors.New("invalid peer id")

const (
	DefaultNanoIDSize     = 21
	DefaultNanoIDAlphabet = "_-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	DefaultCUID2Length    = 24
)

// scheme adapts one id library to Generator.
type scheme struct {
	kind     Kind
	generate func() (string, error)
	check    func(id string) error
}

func (s *scheme) Kind() Kind { return s.kind }

func (s *scheme) Generate() (string, error) {
	id, err := s.generate()
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", s.kind, err)
	}
	return id, nil
}

func (s *scheme) Validate(id string) error {
	if err := s.check(id); err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalidID, s.kind, id, err)
	}
	return nil
}

// UUID generates random (v4) UUIDs.
func UUID() Generator {
	return &scheme{
		kind: KindUUID,
		generate: func() (string, error) {
			id, err := uuid.NewRandom()
			return id.String(), err
		},
		check: func(id string) error {
			parsed, err := uuid.Parse(id)
			if err != nil {
				return err
			}
			if parsed.Version() != 4 {
				return fmt.Errorf("version %d, want 4", parsed.Version())
			}
			return nil
		},
	}
}

// ULID generates ids that sort by creation time, so peers registered
// later sort after earlier ones in logs and registry scans.
func ULID() Generator {
	return &scheme{
		kind:     KindULID,
		generate: func() (string, error) { return ulid.Make().String(), nil },
		check: func(id string) error {
			_, err := ulid.ParseStrict(id)
			return err
		},
	}
}

// KSUID generates K-sortable ids.
func KSUID() Generator {
	return &scheme{
		kind: KindKSUID,
		generate: func() (string, error) {
			id, err := ksuid.NewRandom()
			return id.String(), err
		},
		check: func(id string) error {
			_, err := ksuid.Parse(id)
			return err
		},
	}
}

// NanoID generates size characters drawn from alphabet. size must be in
// 1..256 and the alphabet needs at least two characters.
func NanoID(size int, alphabet string) (Generator, error) {
	if size < 1 || size > 256 {
		return nil, fmt.Errorf("nanoid size must be between 1 and 256, got %d", size)
	}
	if len(alphabet) < 2 {
		return nil, fmt.Errorf("nanoid alphabet needs at least 2 characters, got %d", len(alphabet))
	}
	return &scheme{
		kind:     KindNanoID,
		generate: func() (string, error) { return gonanoid.Generate(alphabet, size) },
		check: func(id string) error {
			if len(id) != size {
				return fmt.Errorf("length %d, want %d", len(id), size)
			}
			if i := strings.IndexFunc(id, func(r rune) bool { return !strings.ContainsRune(alphabet, r) }); i >= 0 {
				return fmt.Errorf("character %q not in alphabet", id[i])
			}
			return nil
		},
	}, nil
}

// CUID2 generates collision-resistant ids of length 2..32 that start with
// a letter.
func CUID2(length int) (Generator, error) {
	if length < 2 || length > 32 {
		return nil, fmt.Errorf("cuid2 length must be between 2 and 32, got %d", length)
	}
	gen, err := cuid2.Init(cuid2.WithLength(length))
	if err != nil {
		return nil, fmt.Errorf("init cuid2: %w", err)
	}
	return &scheme{
		kind:     KindCUID2,
		generate: func() (string, error) { return gen(), nil },
		check: func(id string) error {
			if len(id) != length {
				return fmt.Errorf("length %d, want %d", len(id), length)
			}
			if !cuid2.IsCuid(id) {
				return errors.New("not a cuid2")
			}
			return nil
		},
	}, nil
}
