package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is one inbound chat message as seen by the router.
type Message struct {
	ID             int
	ChatID         int64
	SenderID       int64
	SenderUsername string
	Text           string // text, or caption for media messages

	HasPhoto bool
	Photo    MediaRef

	// Buttons is the inline keyboard attached to the message, row-major.
	// Rows may be empty.
	Buttons [][]Button
}

type Button struct {
	Text string
	Data string
}

// MediaRef identifies downloadable media: a Bot API file_id, or an encoded
// file location for user sessions.
type MediaRef struct {
	FileID string
	Size   int64
}

func (m MediaRef) IsZero() bool { return m.FileID == "" }

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	// ReplyTo is the message id to reply to (0 = plain send).
	ReplyTo        int
	DisablePreview bool
}

// Transport is the chat session. The dispatch worker is the only caller of
// SendText, DeleteMessage and ClickButton; DownloadMedia may be called from
// recognition workers.
type Transport interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	DeleteMessage(ctx context.Context, ref MessageRef) error
	ClickButton(ctx context.Context, ref MessageRef, row, col int) error
	DownloadMedia(ctx context.Context, media MediaRef) ([]byte, error)
}

var (
	// ErrTransport wraps transport failures that are not rate limits.
	ErrTransport = errors.New("transport error")
	// ErrUnsupported is returned for operations the session type cannot perform.
	ErrUnsupported = errors.New("transport: operation not supported")
)

// RateLimitError signals the remote side asked us to slow down.
type RateLimitError struct {
	Cooldown time.Duration
	Err      error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.Cooldown, e.Err)
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.Cooldown)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// AsRateLimit extracts a RateLimitError from err.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl != nil {
		return rl, true
	}
	return nil, false
}

// Wrap marks err as a transport failure, keeping the cause.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsRateLimit(err); ok {
		return err
	}
	if errors.Is(err, ErrTransport) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}
