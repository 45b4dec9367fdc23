// Package fault holds the error taxonomy shared by every stage of the tick.
//
// Two classes exist. InvalidInput is a caller contract violation and aborts
// the tick. InvalidGeometry and MissingEntity are per-entity anomalies: the
// stage skips the entity, counts it and carries on.
package fault

import (
	"fmt"

	"github.com/pkg/errors"

	"astra-collide/internal/entity"
)

// Kind classifies an error.
type Kind uint8

const (
	Unknown Kind = iota
	InvalidInput
	InvalidGeometry
	MissingEntity
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case InvalidGeometry:
		return "invalid_geometry"
	case MissingEntity:
		return "missing_entity"
	default:
		return "unknown"
	}
}

// PerEntity reports whether errors of this kind are recoverable anomalies.
func (k Kind) PerEntity() bool {
	return k == InvalidGeometry || k == MissingEntity
}

// Sentinels for errors.Is matching.
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidGeometry = errors.New("invalid geometry")
	ErrMissingEntity   = errors.New("missing entity")
)

func (k Kind) sentinel() error {
	switch k {
	case InvalidInput:
		return ErrInvalidInput
	case InvalidGeometry:
		return ErrInvalidGeometry
	case MissingEntity:
		return ErrMissingEntity
	default:
		return nil
	}
}

// Error is a classified error. Entity is entity.Invalid unless the error
// concerns one entity.
type Error struct {
	Kind   Kind
	Op     string
	Entity entity.ID
	Err    error
}

func (e *Error) Error() string {
	if e.Entity != entity.Invalid {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Kind, e.Entity, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Errorf builds a classified error whose cause carries a stack trace.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// ForEntity builds a classified error about a single entity.
func ForEntity(kind Kind, op string, id entity.ID, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Entity: id, Err: errors.Errorf(format, args...)}
}

// Wrap classifies an existing error. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: errors.WithStack(err)}
}

// KindOf extracts the kind of err, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Tally counts per-entity anomalies and keeps the first few for logging.
type Tally struct {
	InvalidGeometry int
	MissingEntity   int
	NaNReset        int
	Samples         []error
	MaxSamples      int
}

// Add records err. Errors that are not per-entity anomalies are ignored.
func (t *Tally) Add(err error) {
	kind := KindOf(err)
	if !kind.PerEntity() {
		return
	}
	if kind == InvalidGeometry {
		t.InvalidGeometry++
	} else {
		t.MissingEntity++
	}
	limit := t.MaxSamples
	if limit == 0 {
		limit = 8
	}
	if len(t.Samples) < limit {
		t.Samples = append(t.Samples, err)
	}
}

// Total is the number of anomalies recorded.
func (t *Tally) Total() int {
	return t.InvalidGeometry + t.MissingEntity + t.NaNReset
}

// Reset clears counts but keeps sample capacity.
func (t *Tally) Reset() {
	t.InvalidGeometry = 0
	t.MissingEntity = 0
	t.NaNReset = 0
	t.Samples = t.Samples[:0]
}
