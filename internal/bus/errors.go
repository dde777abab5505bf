package bus

import "errors"

var (
	// ErrUnknownAgent is returned when an envelope targets an id missing
	// from the directory.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrMailboxFull is returned when the target mailbox is at capacity.
	ErrMailboxFull = errors.New("mailbox full")
)
