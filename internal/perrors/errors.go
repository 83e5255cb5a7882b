// Package perrors holds the small error taxonomy shared by every pmemobj
// layer (spec §7). Low-level errors bubble up as a *Error the caller can
// errors.As into to recover the Kind; nothing here panics or calls
// os.Exit -- fatal inconsistency is reported, never enforced by exiting.
package perrors

import "fmt"

// Kind is one of the taxonomy entries from spec §7.
type Kind int

const (
	// Unknown is the zero value and never returned by this module.
	Unknown Kind = iota
	// Nomem: allocator cannot satisfy a request even after falling back
	// or draining other arenas.
	Nomem
	// Einval: malformed CTL name, bad argument combination, size 0 for
	// pmalloc, non-null output for pmalloc, unknown class id, version
	// mismatch, out-of-range offset.
	Einval
	// Corrupt: no valid primary or backup header, non-magic chunk header
	// mid-zone, mismatched zone tiling, info slot with unknown type after
	// recovery.
	Corrupt
	// IO: underlying persist/mmap error.
	IO
	// DoubleFree: pfree target chunk is not USED.
	DoubleFree
)

func (k Kind) String() string {
	switch k {
	case Nomem:
		return "ENOMEM"
	case Einval:
		return "EINVAL"
	case Corrupt:
		return "ECORRUPT"
	case IO:
		return "EIO"
	case DoubleFree:
		return "EDOUBLEFREE"
	default:
		return "EUNKNOWN"
	}
}

// Error is the concrete error type returned by pmemobj's internal layers.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pmemobj: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("pmemobj: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, letting
// callers write errors.Is(err, perrors.New(perrors.Nomem, "", nil)) or,
// more idiomatically, errors.As plus a Kind comparison.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an *Error. Err may be nil.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap is a convenience for New(kind, op, err) that returns nil when err is
// nil, so call sites can write `return perrors.Wrap(Einval, "ctl", err)`
// directly on a fallible helper's return value.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(kind, op, err)
}
