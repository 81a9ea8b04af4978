package dispatch

import "errors"

var (
	ErrClosed   = errors.New("outbox closed")
	ErrOverflow = errors.New("outbox full")
)
