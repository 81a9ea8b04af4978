// Package telegram is the Bot API session behind transport.Transport.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	rtsup "levelup/internal/runtime/supervisor"
	"levelup/internal/transport"
	logx "levelup/pkg/logx"
)

const (
	textLimit = 4096
	// Bot API getFile refuses anything larger.
	maxDownload = 20 << 20
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- transport.Message
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop, drop reporter and stop watcher.
	sup *rtsup.Supervisor

	// droppedUpdates counts inbound messages lost because the consumer lagged.
	droppedUpdates atomic.Uint64
}

var _ transport.Transport = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		OnError: func(err error, _ tele.Context) {
			a.log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, transport.Wrap("connect", err)
	}
	a.bot = b
	var nilOut chan<- transport.Message
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Username is the bot account name reported by getMe.
func (a *Adapter) Username() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func (a *Adapter) registerHandlers() {
	forward := func(c tele.Context) error {
		if m, ok := toMessage(c.Message()); ok {
			a.sendUpdate(m)
		}
		return nil
	}
	a.bot.Handle(tele.OnText, forward)
	a.bot.Handle(tele.OnPhoto, forward)
	a.bot.Handle(tele.OnDocument, forward)
}

// toMessage converts a Bot API message. Image documents count as photos;
// the caption stands in for the text of media messages.
func toMessage(m *tele.Message) (transport.Message, bool) {
	if m == nil || m.Chat == nil {
		return transport.Message{}, false
	}
	out := transport.Message{
		ID:     m.ID,
		ChatID: m.Chat.ID,
		Text:   m.Text,
	}
	if out.Text == "" {
		out.Text = m.Caption
	}
	if m.Sender != nil {
		out.SenderID = m.Sender.ID
		out.SenderUsername = m.Sender.Username
	}
	switch {
	case m.Photo != nil && m.Photo.FileID != "":
		out.HasPhoto = true
		out.Photo = transport.MediaRef{FileID: m.Photo.FileID, Size: int64(m.Photo.FileSize)}
	case m.Document != nil && m.Document.FileID != "" && strings.HasPrefix(strings.ToLower(m.Document.MIME), "image/"):
		out.HasPhoto = true
		out.Photo = transport.MediaRef{FileID: m.Document.FileID, Size: int64(m.Document.FileSize)}
	}
	if m.ReplyMarkup != nil {
		for _, row := range m.ReplyMarkup.InlineKeyboard {
			btns := make([]transport.Button, 0, len(row))
			for _, b := range row {
				btns = append(btns, transport.Button{Text: b.Text, Data: b.Data})
			}
			out.Buttons = append(out.Buttons, btns)
		}
	}
	return out, true
}

func (a *Adapter) sendUpdate(m transport.Message) {
	out, _ := a.out.Load().(chan<- transport.Message)
	if out == nil {
		return
	}
	select {
	case out <- m:
	default:
		a.droppedUpdates.Add(1)
	}
}

// Start begins long polling and returns immediately.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	report := func() {
		if n := a.droppedUpdates.Swap(0); n > 0 {
			a.log.Warn("incoming messages dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
		}
	}
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop ends polling. It never blocks longer than a short grace window since
// getUpdates may still be parked on the server.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Message
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", a.droppedUpdates.Load()))
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// SendText sends text as one message. Text over the Bot API limit is
// rejected rather than split, so a retry after a rate limit never repeats a
// part that already went out.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if n := utf8.RuneCountInString(text); n > textLimit {
		return transport.MessageRef{}, fmt.Errorf("%w: send: %d characters exceeds %d", transport.ErrTransport, n, textLimit)
	}
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	so := &tele.SendOptions{DisableWebPagePreview: opt.DisablePreview}
	if opt.ReplyTo != 0 {
		so.ReplyTo = &tele.Message{ID: opt.ReplyTo, Chat: chat}
	}
	msg, err := a.bot.Send(chat, text, so)
	if err != nil {
		return transport.MessageRef{}, mapError("send", err)
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, ref transport.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := a.bot.Delete(tele.StoredMessage{MessageID: strconv.Itoa(ref.MessageID), ChatID: ref.ChatID})
	return mapError("delete", err)
}

// ClickButton is not available to bot accounts: pressing another bot's
// inline button needs a user session.
func (a *Adapter) ClickButton(ctx context.Context, ref transport.MessageRef, row, col int) error {
	return fmt.Errorf("%w: click %d/%d on %d", transport.ErrUnsupported, row, col, ref.MessageID)
}

func (a *Adapter) DownloadMedia(ctx context.Context, media transport.MediaRef) ([]byte, error) {
	if media.IsZero() {
		return nil, fmt.Errorf("%w: download: empty file id", transport.ErrTransport)
	}
	if media.Size > maxDownload {
		return nil, fmt.Errorf("%w: download: %d bytes exceeds limit", transport.ErrTransport, media.Size)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rc, err := a.bot.File(&tele.File{FileID: media.FileID})
	if err != nil {
		return nil, mapError("download", err)
	}
	defer rc.Close()

	// bot.File has no context; close the body to abort a stalled read.
	stop := context.AfterFunc(ctx, func() { _ = rc.Close() })
	defer stop()

	b, err := io.ReadAll(io.LimitReader(rc, maxDownload+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, mapError("download", err)
	}
	if len(b) > maxDownload {
		return nil, fmt.Errorf("%w: download: file exceeds limit", transport.ErrTransport)
	}
	return b, nil
}

var retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+)`)

// mapError turns flood waits into RateLimitError and everything else into
// ErrTransport.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var fv tele.FloodError
	if errors.As(err, &fv) {
		return &transport.RateLimitError{Cooldown: time.Duration(fv.RetryAfter) * time.Second, Err: err}
	}
	var fp *tele.FloodError
	if errors.As(err, &fp) && fp != nil {
		return &transport.RateLimitError{Cooldown: time.Duration(fp.RetryAfter) * time.Second, Err: err}
	}
	if m := retryAfterRe.FindStringSubmatch(err.Error()); m != nil {
		if n, perr := strconv.Atoi(m[1]); perr == nil {
			return &transport.RateLimitError{Cooldown: time.Duration(n) * time.Second, Err: err}
		}
	}
	return transport.Wrap(op, err)
}
