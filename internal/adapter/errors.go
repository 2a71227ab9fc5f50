package adapter

import "errors"

// Error classes shared by the venue adapters and the supervisor.
var (
	// ErrDecode marks a malformed or unexpected inbound frame. The frame is
	// dropped; the connection stays up.
	ErrDecode = errors.New("decode error")

	// ErrPriceOutOfRange marks a price that is not a probability.
	ErrPriceOutOfRange = errors.New("price out of range [0,1]")

	// ErrIncompleteBook marks a book with an empty side; no quote is produced.
	ErrIncompleteBook = errors.New("incomplete book")

	// ErrTransport marks a connection-level failure: refused, reset, closed,
	// timed out, or heartbeat lost.
	ErrTransport = errors.New("transport error")

	// ErrAuth marks rejected or unusable credentials.
	ErrAuth = errors.New("authentication error")

	// ErrResync marks a stream whose local state can no longer be trusted
	// (e.g. a sequence gap). The connection must be rebuilt from scratch.
	ErrResync = errors.New("stream out of sync")
)

// IsDropped reports whether err only invalidates the current frame.
func IsDropped(err error) bool {
	return errors.Is(err, ErrDecode) || errors.Is(err, ErrPriceOutOfRange) || errors.Is(err, ErrIncompleteBook)
}

// BookError ties a book-level failure to the market it concerns. When the
// cause is an empty side or an out-of-range price the venue no longer offers
// a usable top of book, and the stored quote for Key must be withdrawn.
type BookError struct {
	Key QuoteKey
	Err error
}

func (e *BookError) Error() string { return e.Err.Error() }
func (e *BookError) Unwrap() error { return e.Err }

// Withdrawn returns the keys whose last quote is invalidated by err. It
// walks joined and wrapped errors.
func Withdrawn(err error) []QuoteKey {
	var keys []QuoteKey
	var walk func(error)
	walk = func(err error) {
		switch e := err.(type) {
		case nil:
		case *BookError:
			if errors.Is(e.Err, ErrIncompleteBook) || errors.Is(e.Err, ErrPriceOutOfRange) {
				keys = append(keys, e.Key)
			}
		case interface{ Unwrap() []error }:
			for _, inner := range e.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(e.Unwrap())
		}
	}
	walk(err)
	return keys
}
