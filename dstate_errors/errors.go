// Provides common dstate errors definitions.
package dstate_errors

import "errors"

var (
	ErrNoDatabase     = errors.New("dstate: \"db\" argument is required")
	ErrClosed         = errors.New("dstate: store is closed")
	ErrInvalidTarget  = errors.New("dstate: index must be less than current index")
	ErrHistoryMissing = errors.New("dstate: index is not in database")
	ErrCorruptRecord  = errors.New("dstate: snapshot record checksum mismatch")
	ErrTxnDone        = errors.New("dstate: transaction already committed or discarded")
	ErrBadDelta       = errors.New("dstate: delta does not apply")
	ErrConflict       = errors.New("dstate: store moved on since the transaction read it")
	ErrForeignTxn     = errors.New("dstate: transaction belongs to another database")
	ErrQueueFull      = errors.New("dstate: operation queue is full")
)

var ErrIndexOverflow = errors.New("dstate: version index overflow")
