package rotation

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a club does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig is returned for a club record the engine cannot rotate
	// (non-positive interval). Not retryable.
	ErrInvalidConfig = errors.New("invalid club config")

	// ErrTransient marks store or network unavailability. Retryable.
	ErrTransient = errors.New("transient failure")

	// ErrConflict is returned by Store.Rotate when another caller changed the
	// active slot or consumed the suggestion first.
	ErrConflict = errors.New("concurrent rotation conflict")

	// ErrMetadataUnavailable marks a failed metadata lookup. Never fatal.
	ErrMetadataUnavailable = errors.New("metadata unavailable")

	// ErrNotActive is returned when archiving an item that is not active.
	ErrNotActive = errors.New("item not active")
)

// Kind classifies an engine error for callers deciding whether to retry.
type Kind uint8

// Error kinds. Only KindTransient and KindConflict are retryable.
const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindNotFound
	KindInvalidConfig
	KindTransient
	KindConflict
	KindMetadataUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindInvalidConfig:
		return "invalid_config"
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindMetadataUnavailable:
		return "metadata_unavailable"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidInput:
		return ErrInvalidInput
	case KindNotFound:
		return ErrNotFound
	case KindInvalidConfig:
		return ErrInvalidConfig
	case KindTransient:
		return ErrTransient
	case KindConflict:
		return ErrConflict
	case KindMetadataUnavailable:
		return ErrMetadataUnavailable
	default:
		return nil
	}
}

// Error is a typed operation error with a stable Op + Kind contract.
// errors.Is matches both the Kind's sentinel and the wrapped cause.
type Error struct {
	Op     string
	Kind   Kind
	ClubID string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.ClubID != "" {
		msg += fmt.Sprintf(" (club %s)", e.ClubID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// KindOf returns the Kind carried by err.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return classify(err)
}

// Retryable reports whether a caller should retry the operation with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindConflict:
		return true
	default:
		return false
	}
}

// classify maps store-level errors to a Kind. Anything unrecognized is an I/O
// failure and therefore transient.
func classify(err error) Kind {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidConfig):
		return KindInvalidConfig
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrMetadataUnavailable):
		return KindMetadataUnavailable
	default:
		return KindTransient
	}
}

func opError(op, clubID string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Op: op, Kind: classify(err), ClubID: clubID, Err: err}
}
