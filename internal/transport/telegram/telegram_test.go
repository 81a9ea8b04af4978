package telegram

import (
	"errors"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"levelup/internal/transport"
)

func TestToMessage(t *testing.T) {
	chat := &tele.Chat{ID: -100}
	cases := []struct {
		name      string
		in        *tele.Message
		wantOK    bool
		wantText  string
		wantPhoto string
	}{
		{"nil", nil, false, "", ""},
		{"no chat", &tele.Message{ID: 1, Text: "x"}, false, "", ""},
		{"text", &tele.Message{ID: 1, Chat: chat, Text: "hello"}, true, "hello", ""},
		{"photo caption", &tele.Message{ID: 2, Chat: chat, Caption: "چالش", Photo: &tele.Photo{File: tele.File{FileID: "p1"}}}, true, "چالش", "p1"},
		{"image document", &tele.Message{ID: 3, Chat: chat, Document: &tele.Document{File: tele.File{FileID: "d1"}, MIME: "image/png"}}, true, "", "d1"},
		{"other document", &tele.Message{ID: 4, Chat: chat, Document: &tele.Document{File: tele.File{FileID: "d2"}, MIME: "application/pdf"}}, true, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := toMessage(tc.in)
			if ok != tc.wantOK {
				t.Fatalf("ok=%v", ok)
			}
			if !ok {
				return
			}
			if got.Text != tc.wantText || got.Photo.FileID != tc.wantPhoto || got.HasPhoto != (tc.wantPhoto != "") {
				t.Fatalf("got=%+v", got)
			}
			if got.ChatID != -100 || got.ID != tc.in.ID {
				t.Fatalf("ids=%+v", got)
			}
		})
	}
}

func TestToMessageSenderAndButtons(t *testing.T) {
	in := &tele.Message{
		ID:     9,
		Chat:   &tele.Chat{ID: 5},
		Sender: &tele.User{ID: 77, Username: "GameBot"},
		Text:   "جعبه",
		ReplyMarkup: &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{
			{{Text: "a", Data: "1"}, {Text: "b", Data: "2"}},
			{},
			{{Text: "c", Data: "3"}},
		}},
	}
	got, ok := toMessage(in)
	if !ok {
		t.Fatalf("not converted")
	}
	if got.SenderID != 77 || got.SenderUsername != "GameBot" {
		t.Fatalf("sender=%+v", got)
	}
	if len(got.Buttons) != 3 || len(got.Buttons[0]) != 2 || len(got.Buttons[1]) != 0 || got.Buttons[2][0].Data != "3" {
		t.Fatalf("buttons=%+v", got.Buttons)
	}
}

func TestMapError(t *testing.T) {
	if mapError("send", nil) != nil {
		t.Fatalf("nil should stay nil")
	}

	rl, ok := transport.AsRateLimit(mapError("send", tele.FloodError{RetryAfter: 3}))
	if !ok || rl.Cooldown != 3*time.Second {
		t.Fatalf("flood error not mapped: %+v", rl)
	}

	rl, ok = transport.AsRateLimit(mapError("send", errors.New("telegram: Too Many Requests: retry after 7 (429)")))
	if !ok || rl.Cooldown != 7*time.Second {
		t.Fatalf("text flood not mapped: %+v", rl)
	}

	err := mapError("delete", errors.New("message to delete not found"))
	if _, ok := transport.AsRateLimit(err); ok {
		t.Fatalf("plain error mapped to rate limit")
	}
	if !errors.Is(err, transport.ErrTransport) {
		t.Fatalf("want ErrTransport, got %v", err)
	}
}

func TestClickButtonUnsupported(t *testing.T) {
	a := &Adapter{}
	if err := a.ClickButton(t.Context(), transport.MessageRef{ChatID: 1, MessageID: 2}, 0, 0); !errors.Is(err, transport.ErrUnsupported) {
		t.Fatalf("err=%v", err)
	}
}

func TestSendTextRejectsOverLimit(t *testing.T) {
	a := &Adapter{}
	// the limit counts runes, not bytes
	if _, err := a.SendText(t.Context(), transport.ChatTarget{ChatID: -100}, strings.Repeat("چ", textLimit+1), nil); !errors.Is(err, transport.ErrTransport) {
		t.Fatalf("err=%v", err)
	}
}
