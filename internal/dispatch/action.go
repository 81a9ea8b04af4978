package dispatch

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Kind int

const (
	KindSendText Kind = iota + 1
	KindSendAndAutoDelete
	KindReplyTo
	KindClickButton
)

func (k Kind) String() string {
	switch k {
	case KindSendText:
		return "send_text"
	case KindSendAndAutoDelete:
		return "send_auto_delete"
	case KindReplyTo:
		return "reply_to"
	case KindClickButton:
		return "click_button"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Action is one outbound operation. Fields are set by the constructors and
// never mutated afterwards; Action is passed by value.
type Action struct {
	id       string
	producer string
	kind     Kind

	body        string
	deleteAfter time.Duration
	target      int // message id for ReplyTo / ClickButton
	row, col    int
}

func newAction(producer string, k Kind) Action {
	return Action{id: uuid.NewString(), producer: producer, kind: k}
}

func SendText(producer, body string) Action {
	a := newAction(producer, KindSendText)
	a.body = body
	return a
}

// SendAndAutoDelete sends body and deletes the sent message after d.
func SendAndAutoDelete(producer, body string, d time.Duration) Action {
	a := newAction(producer, KindSendAndAutoDelete)
	a.body = body
	if d < 0 {
		d = 0
	}
	a.deleteAfter = d
	return a
}

func ReplyTo(producer string, targetMessageID int, body string) Action {
	a := newAction(producer, KindReplyTo)
	a.target = targetMessageID
	a.body = body
	return a
}

func ClickButton(producer string, targetMessageID, row, col int) Action {
	a := newAction(producer, KindClickButton)
	a.target = targetMessageID
	a.row, a.col = row, col
	return a
}

func (a Action) ID() string                 { return a.id }
func (a Action) Producer() string           { return a.producer }
func (a Action) Kind() Kind                 { return a.kind }
func (a Action) Body() string               { return a.body }
func (a Action) DeleteAfter() time.Duration { return a.deleteAfter }
func (a Action) Target() int                { return a.target }
func (a Action) Button() (row, col int)     { return a.row, a.col }
func (a Action) IsZero() bool               { return a.kind == 0 }

func (a Action) String() string {
	switch a.kind {
	case KindReplyTo:
		return fmt.Sprintf("%s(%d)", a.kind, a.target)
	case KindClickButton:
		return fmt.Sprintf("%s(%d,%d,%d)", a.kind, a.target, a.row, a.col)
	default:
		return a.kind.String()
	}
}
