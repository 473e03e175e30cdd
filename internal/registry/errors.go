package registry

import "errors"

// Ledger error codes. The numeric values are stable and exposed to clients.
const (
	CodeOwnerOnly    uint32 = 100
	CodeNotFound     uint32 = 101
	CodeUnauthorized uint32 = 102
	CodeInvalidValue uint32 = 104
)

// Registry-level errors. Every precondition failure wraps exactly one of these.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidValue = errors.New("invalid value")

	// ErrOwnerOnly is returned when a non-administrator configures a zone.
	// It also matches ErrUnauthorized.
	ErrOwnerOnly error = ownerOnlyError{}

	// ErrInconsistentState is returned by Restore when a snapshot breaks an invariant.
	ErrInconsistentState = errors.New("inconsistent registry state")
)

type ownerOnlyError struct{}

func (ownerOnlyError) Error() string { return "administrator only" }

func (ownerOnlyError) Is(target error) bool { return target == ErrUnauthorized }

// Code returns the ledger error code for err.
// The second result is false when err does not originate from a precondition.
func Code(err error) (uint32, bool) {
	switch {
	case errors.Is(err, ErrOwnerOnly):
		return CodeOwnerOnly, true
	case errors.Is(err, ErrNotFound):
		return CodeNotFound, true
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized, true
	case errors.Is(err, ErrInvalidValue):
		return CodeInvalidValue, true
	default:
		return 0, false
	}
}
