// Package mtproto is the user-session transport: a regular Telegram account
// over MTProto (gotd/td). Unlike the Bot API it sees messages from other bots
// and can press their inline buttons.
package mtproto

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	rtsup "levelup/internal/runtime/supervisor"
	"levelup/internal/transport"
	logx "levelup/pkg/logx"
)

const textLimit = 4096

// ErrNotAuthorized means the session file holds no logged-in account.
var ErrNotAuthorized = errors.New("mtproto: session not authorized (run `levelup login`)")

type Config struct {
	AppID       int
	AppHash     string
	Phone       string
	SessionFile string
	// GroupID is the target chat in Bot API form (-100... for supergroups).
	// Its access hash is looked up among the dialogs on connect.
	GroupID int64
}

type Adapter struct {
	cfg Config
	log logx.Logger

	dispatcher tg.UpdateDispatcher
	api        atomic.Pointer[tg.Client]

	peers   *peerCache
	buttons *buttonCache

	out     atomic.Value // chan<- transport.Message
	dropped atomic.Uint64

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

var _ transport.Transport = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if cfg.AppID <= 0 || strings.TrimSpace(cfg.AppHash) == "" {
		return nil, errors.New("mtproto: app_id and app_hash are required")
	}
	if strings.TrimSpace(cfg.SessionFile) == "" {
		return nil, errors.New("mtproto: session file is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:        cfg,
		log:        log,
		dispatcher: tg.NewUpdateDispatcher(),
		peers:      newPeerCache(),
		buttons:    newButtonCache(512),
	}
	var nilOut chan<- transport.Message
	a.out.Store(nilOut)
	a.dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		a.handle(e, u.Message)
		return nil
	})
	a.dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		a.handle(e, u.Message)
		return nil
	})
	return a, nil
}

func newClient(cfg Config, h telegram.UpdateHandler) (*telegram.Client, error) {
	if dir := filepath.Dir(cfg.SessionFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	return telegram.NewClient(cfg.AppID, cfg.AppHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.SessionFile},
		UpdateHandler:  h,
	}), nil
}

func (a *Adapter) handle(e tg.Entities, mc tg.MessageClass) {
	a.peers.learn(e)
	m, ok := toMessage(e, mc)
	if !ok {
		return
	}
	if len(m.Buttons) > 0 {
		if msg, ok := mc.(*tg.Message); ok {
			a.buttons.put(transport.MessageRef{ChatID: m.ChatID, MessageID: m.ID}, callbackData(msg))
		}
	}
	out, _ := a.out.Load().(chan<- transport.Message)
	if out == nil {
		return
	}
	select {
	case out <- m:
	default:
		a.dropped.Add(1)
	}
}

// Start connects and returns once the session is usable, or with the first
// connect error. Later disconnects are retried in the background.
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
		rtsup.WithLogger(a.log.With(logx.String("comp", "mtproto"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	first := make(chan error, 1)
	var once sync.Once
	report := func(err error) { once.Do(func() { first <- err }) }

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-ticker.C:
				if n := a.dropped.Swap(0); n > 0 {
					a.log.Warn("incoming messages dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	})

	sup.GoRestart("mtproto.session", func(c context.Context) error {
		err := a.runSession(c, func() { report(nil) })
		if errors.Is(err, ErrNotAuthorized) {
			report(err)
			// permanent until someone logs in
			<-c.Done()
			return nil
		}
		if c.Err() == nil {
			report(err)
		}
		return err
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	select {
	case err := <-first:
		if err != nil {
			_ = a.Stop(context.Background())
			return transport.Wrap("connect", err)
		}
		return nil
	case <-ctx.Done():
		_ = a.Stop(context.Background())
		return ctx.Err()
	}
}

func (a *Adapter) runSession(ctx context.Context, ready func()) error {
	client, err := newClient(a.cfg, &a.dispatcher)
	if err != nil {
		return err
	}
	return client.Run(ctx, func(ctx context.Context) error {
		st, err := client.Auth().Status(ctx)
		if err != nil {
			return err
		}
		if !st.Authorized {
			return ErrNotAuthorized
		}
		api := client.API()
		if err := a.loadDialogs(ctx, api); err != nil {
			a.log.Warn("dialog lookup failed", logx.Err(err))
		}
		if _, ok := a.peers.inputPeer(a.cfg.GroupID); !ok {
			a.log.Warn("target group not among dialogs; waiting for it to appear in updates", logx.Int64("group_id", a.cfg.GroupID))
		}
		// getState makes the server start pushing updates to this session.
		if _, err := api.UpdatesGetState(ctx); err != nil {
			return err
		}
		a.api.Store(api)
		defer a.api.Store(nil)

		name := ""
		if st.User != nil {
			name = st.User.Username
		}
		a.log.Info("user session connected", logx.String("username", name))
		ready()
		<-ctx.Done()
		return ctx.Err()
	})
}

func (a *Adapter) loadDialogs(ctx context.Context, api *tg.Client) error {
	res, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      100,
	})
	if err != nil {
		return err
	}
	switch d := res.(type) {
	case *tg.MessagesDialogs:
		a.peers.learnChats(d.Chats)
	case *tg.MessagesDialogsSlice:
		a.peers.learnChats(d.Chats)
	}
	return nil
}

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
	sup.Cancel()
	grace := 3 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("user session stop", logx.Err(err))
	}
	return nil
}

func (a *Adapter) client() (*tg.Client, error) {
	api := a.api.Load()
	if api == nil {
		return nil, fmt.Errorf("%w: not connected", transport.ErrTransport)
	}
	return api, nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if n := len([]rune(text)); n > textLimit {
		return transport.MessageRef{}, fmt.Errorf("%w: send: %d characters exceeds %d", transport.ErrTransport, n, textLimit)
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	api, err := a.client()
	if err != nil {
		return transport.MessageRef{}, err
	}
	peer, ok := a.peers.inputPeer(to.ChatID)
	if !ok {
		return transport.MessageRef{}, fmt.Errorf("%w: send: unknown chat %d", transport.ErrTransport, to.ChatID)
	}
	req := &tg.MessagesSendMessageRequest{
		Peer:      peer,
		Message:   text,
		RandomID:  rand.Int64(),
		NoWebpage: opt.DisablePreview,
	}
	if opt.ReplyTo != 0 {
		req.ReplyTo = &tg.InputReplyToMessage{ReplyToMsgID: opt.ReplyTo}
	}
	upd, err := api.MessagesSendMessage(ctx, req)
	if err != nil {
		return transport.MessageRef{}, mapError("send", err)
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: sentID(upd, req.RandomID)}, nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, ref transport.MessageRef) error {
	api, err := a.client()
	if err != nil {
		return err
	}
	if id, ok := channelID(ref.ChatID); ok {
		ch, ok := a.peers.inputChannel(id)
		if !ok {
			return fmt.Errorf("%w: delete: unknown chat %d", transport.ErrTransport, ref.ChatID)
		}
		_, err = api.ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{Channel: ch, ID: []int{ref.MessageID}})
		return mapError("delete", err)
	}
	_, err = api.MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{Revoke: true, ID: []int{ref.MessageID}})
	return mapError("delete", err)
}

// ClickButton presses a callback button seen on an inbound message. URL,
// switch-inline and other non-callback buttons cannot be pressed.
func (a *Adapter) ClickButton(ctx context.Context, ref transport.MessageRef, row, col int) error {
	data, ok := a.buttons.get(ref, row, col)
	if !ok {
		return fmt.Errorf("%w: click %d/%d on %d: no callback button", transport.ErrUnsupported, row, col, ref.MessageID)
	}
	api, err := a.client()
	if err != nil {
		return err
	}
	peer, ok := a.peers.inputPeer(ref.ChatID)
	if !ok {
		return fmt.Errorf("%w: click: unknown chat %d", transport.ErrTransport, ref.ChatID)
	}
	_, err = api.MessagesGetBotCallbackAnswer(ctx, &tg.MessagesGetBotCallbackAnswerRequest{
		Peer:  peer,
		MsgID: ref.MessageID,
		Data:  data,
	})
	// The press registers even when the bot is slow to answer.
	if tgerr.Is(err, "BOT_RESPONSE_TIMEOUT") {
		return nil
	}
	return mapError("click", err)
}

func (a *Adapter) DownloadMedia(ctx context.Context, media transport.MediaRef) ([]byte, error) {
	loc, err := decodeMedia(media.FileID)
	if err != nil {
		return nil, fmt.Errorf("%w: download: %w", transport.ErrTransport, err)
	}
	api, err := a.client()
	if err != nil {
		return nil, err
	}
	b, err := download(ctx, api, loc)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, mapError("download", err)
	}
	return b, nil
}

// mapError turns FLOOD_WAIT into RateLimitError and everything else into
// ErrTransport.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &transport.RateLimitError{Cooldown: d, Err: err}
	}
	return transport.Wrap(op, err)
}

// sentID finds the id of the message sent with randomID.
func sentID(u tg.UpdatesClass, randomID int64) int {
	var list []tg.UpdateClass
	switch v := u.(type) {
	case *tg.UpdateShortSentMessage:
		return v.ID
	case *tg.Updates:
		list = v.Updates
	case *tg.UpdatesCombined:
		list = v.Updates
	}
	for _, up := range list {
		if m, ok := up.(*tg.UpdateMessageID); ok && m.RandomID == randomID {
			return m.ID
		}
	}
	return 0
}

// Login runs the interactive sign-in and stores the session file. code is
// asked for the login code Telegram sends; password is the 2FA password or "".
func Login(ctx context.Context, cfg Config, password string, code func(ctx context.Context) (string, error)) error {
	if strings.TrimSpace(cfg.Phone) == "" {
		return errors.New("mtproto: telegram.user.phone is required to log in")
	}
	client, err := newClient(cfg, nil)
	if err != nil {
		return err
	}
	return client.Run(ctx, func(ctx context.Context) error {
		flow := auth.NewFlow(
			auth.Constant(cfg.Phone, password, auth.CodeAuthenticatorFunc(
				func(ctx context.Context, _ *tg.AuthSentCode) (string, error) { return code(ctx) },
			)),
			auth.SendCodeOptions{},
		)
		return client.Auth().IfNecessary(ctx, flow)
	})
}
