package ledger

import "errors"

var (
	// ErrUnreachable means the ledger could not be reached at all; transient
	// after startup, fatal during it.
	ErrUnreachable = errors.New("ledger unreachable")
	// ErrTimeout means no terminal outcome arrived within the bounded wait.
	ErrTimeout = errors.New("ledger submission timed out")
	// ErrNotFound is returned by reads for ids never minted.
	ErrNotFound = errors.New("ledger record not found")
	// ErrClosed is returned for submissions after the serializer shut down.
	ErrClosed = errors.New("ledger submitter closed")
)

// RejectedError reports that the ledger refused a submission: duplicate mint,
// bad sequence, authorization failure, resource exhaustion. The reason is an
// opaque string; the engine never parses it for control flow.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "ledger rejected operation: " + e.Reason
}

// IsRejected reports whether err is a terminal refusal by the ledger.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// IsTransient reports whether err may succeed on a later sweep. Rejections
// are terminal; connectivity failures and timeouts are not.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout)
}
