package credential

import "fmt"

// Kind classifies why a credential could not be used.
type Kind int

const (
	NotFound Kind = iota + 1
	AlreadyConsumed
	Expired
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case AlreadyConsumed:
		return "already_consumed"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned by Verify and by session issuance. Callers polling for a
// credential treat it as "not ready" or "regenerate", never as fatal.
type Error struct {
	Kind Kind
}

func (e *Error) Error() string {
	return "credential " + e.Kind.String()
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrExpired) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrNotFound        = &Error{Kind: NotFound}
	ErrAlreadyConsumed = &Error{Kind: AlreadyConsumed}
	ErrExpired         = &Error{Kind: Expired}
)
