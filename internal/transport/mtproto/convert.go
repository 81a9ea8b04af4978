package mtproto

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"levelup/internal/transport"
)

const (
	maxDownload = 20 << 20
	// Bot API ids of supergroups and channels are -100<channel id>.
	channelOffset = 1_000_000_000_000
)

// chatID maps an MTProto peer to its Bot API chat id, the form the config
// and the router use.
func chatID(p tg.PeerClass) (int64, bool) {
	switch v := p.(type) {
	case *tg.PeerChannel:
		return -(channelOffset + v.ChannelID), true
	case *tg.PeerChat:
		return -v.ChatID, true
	case *tg.PeerUser:
		return v.UserID, true
	}
	return 0, false
}

func channelID(chat int64) (int64, bool) {
	if chat < -channelOffset {
		return -chat - channelOffset, true
	}
	return 0, false
}

// toMessage converts an inbound message. Outgoing messages, service
// messages and messages without a peer are skipped.
func toMessage(e tg.Entities, mc tg.MessageClass) (transport.Message, bool) {
	m, ok := mc.(*tg.Message)
	if !ok || m.Out {
		return transport.Message{}, false
	}
	chat, ok := chatID(m.PeerID)
	if !ok {
		return transport.Message{}, false
	}
	out := transport.Message{ID: m.ID, ChatID: chat, Text: m.Message}
	if from, ok := m.GetFromID(); ok {
		if u, ok := from.(*tg.PeerUser); ok {
			out.SenderID = u.UserID
			if user, ok := e.Users[u.UserID]; ok && user != nil {
				out.SenderUsername = user.Username
			}
		}
	} else if u, ok := m.PeerID.(*tg.PeerUser); ok {
		// private chats carry the sender only as the peer
		out.SenderID = u.UserID
		if user, ok := e.Users[u.UserID]; ok && user != nil {
			out.SenderUsername = user.Username
		}
	}
	switch md := m.Media.(type) {
	case *tg.MessageMediaPhoto:
		if p, ok := md.Photo.(*tg.Photo); ok {
			if thumb, size := largestSize(p.Sizes); thumb != "" {
				out.HasPhoto = true
				out.Photo = transport.MediaRef{FileID: encodePhoto(p, thumb), Size: size}
			}
		}
	case *tg.MessageMediaDocument:
		if d, ok := md.Document.(*tg.Document); ok && strings.HasPrefix(strings.ToLower(d.MimeType), "image/") {
			out.HasPhoto = true
			out.Photo = transport.MediaRef{FileID: encodeDocument(d), Size: int64(d.Size)}
		}
	}
	if kb, ok := m.ReplyMarkup.(*tg.ReplyInlineMarkup); ok {
		for _, row := range kb.Rows {
			btns := make([]transport.Button, 0, len(row.Buttons))
			for _, b := range row.Buttons {
				tb := transport.Button{Text: b.GetText()}
				if cb, ok := b.(*tg.KeyboardButtonCallback); ok {
					tb.Data = string(cb.Data)
				}
				btns = append(btns, tb)
			}
			out.Buttons = append(out.Buttons, btns)
		}
	}
	return out, true
}

// callbackData is the press payload per button; nil for buttons that are
// not callbacks.
func callbackData(m *tg.Message) [][][]byte {
	kb, ok := m.ReplyMarkup.(*tg.ReplyInlineMarkup)
	if !ok {
		return nil
	}
	out := make([][][]byte, len(kb.Rows))
	for i, row := range kb.Rows {
		out[i] = make([][]byte, len(row.Buttons))
		for j, b := range row.Buttons {
			if cb, ok := b.(*tg.KeyboardButtonCallback); ok {
				out[i][j] = cb.Data
			}
		}
	}
	return out
}

func largestSize(sizes []tg.PhotoSizeClass) (string, int64) {
	best, bestArea, bestSize := "", -1, int64(0)
	for _, s := range sizes {
		switch v := s.(type) {
		case *tg.PhotoSize:
			if a := v.W * v.H; a > bestArea {
				best, bestArea, bestSize = v.Type, a, int64(v.Size)
			}
		case *tg.PhotoSizeProgressive:
			if a := v.W * v.H; a > bestArea {
				var sz int64
				if n := len(v.Sizes); n > 0 {
					sz = int64(v.Sizes[n-1])
				}
				best, bestArea, bestSize = v.Type, a, sz
			}
		}
	}
	return best, bestSize
}

// Media refs are "p:<id>:<hash>:<file reference>:<size type>" for photos and
// "d:<id>:<hash>:<file reference>" for image documents.
func encodePhoto(p *tg.Photo, thumb string) string {
	return fmt.Sprintf("p:%d:%d:%s:%s", p.ID, p.AccessHash, base64.RawURLEncoding.EncodeToString(p.FileReference), thumb)
}

func encodeDocument(d *tg.Document) string {
	return fmt.Sprintf("d:%d:%d:%s", d.ID, d.AccessHash, base64.RawURLEncoding.EncodeToString(d.FileReference))
}

var errBadMediaRef = errors.New("malformed media ref")

func decodeMedia(ref string) (tg.InputFileLocationClass, error) {
	parts := strings.Split(ref, ":")
	if len(parts) < 4 {
		return nil, errBadMediaRef
	}
	id, err1 := strconv.ParseInt(parts[1], 10, 64)
	hash, err2 := strconv.ParseInt(parts[2], 10, 64)
	fref, err3 := base64.RawURLEncoding.DecodeString(parts[3])
	if err := errors.Join(err1, err2, err3); err != nil {
		return nil, fmt.Errorf("%w: %w", errBadMediaRef, err)
	}
	switch {
	case parts[0] == "p" && len(parts) == 5 && parts[4] != "":
		return &tg.InputPhotoFileLocation{ID: id, AccessHash: hash, FileReference: fref, ThumbSize: parts[4]}, nil
	case parts[0] == "d" && len(parts) == 4:
		return &tg.InputDocumentFileLocation{ID: id, AccessHash: hash, FileReference: fref}, nil
	}
	return nil, errBadMediaRef
}

type cappedBuffer struct {
	bytes.Buffer
	max int
}

var errTooLarge = errors.New("file exceeds download limit")

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.Len()+len(p) > b.max {
		return 0, errTooLarge
	}
	return b.Buffer.Write(p)
}

func download(ctx context.Context, api *tg.Client, loc tg.InputFileLocationClass) ([]byte, error) {
	buf := &cappedBuffer{max: maxDownload}
	if _, err := downloader.NewDownloader().Download(api, loc).Stream(ctx, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// peerCache keeps the access hashes needed to address chats and users.
type peerCache struct {
	mu       sync.RWMutex
	channels map[int64]int64
	users    map[int64]int64
}

func newPeerCache() *peerCache {
	return &peerCache{channels: map[int64]int64{}, users: map[int64]int64{}}
}

func (c *peerCache) learn(e tg.Entities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range e.Channels {
		if ch != nil && ch.AccessHash != 0 {
			c.channels[id] = ch.AccessHash
		}
	}
	for id, u := range e.Users {
		if u != nil && u.AccessHash != 0 {
			c.users[id] = u.AccessHash
		}
	}
}

func (c *peerCache) learnChats(chats []tg.ChatClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range chats {
		if v, ok := ch.(*tg.Channel); ok && v.AccessHash != 0 {
			c.channels[v.ID] = v.AccessHash
		}
	}
}

func (c *peerCache) inputChannel(id int64) (*tg.InputChannel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.channels[id]
	if !ok {
		return nil, false
	}
	return &tg.InputChannel{ChannelID: id, AccessHash: h}, true
}

func (c *peerCache) inputPeer(chat int64) (tg.InputPeerClass, bool) {
	if id, ok := channelID(chat); ok {
		ch, ok := c.inputChannel(id)
		if !ok {
			return nil, false
		}
		return &tg.InputPeerChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash}, true
	}
	if chat < 0 {
		return &tg.InputPeerChat{ChatID: -chat}, true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.users[chat]
	if !ok {
		return nil, false
	}
	return &tg.InputPeerUser{UserID: chat, AccessHash: h}, true
}

// buttonCache remembers callback payloads of recent inbound messages so a
// click can be addressed by row and column. Oldest entries are evicted.
type buttonCache struct {
	mu    sync.Mutex
	max   int
	data  map[transport.MessageRef][][][]byte
	order []transport.MessageRef
}

func newButtonCache(max int) *buttonCache {
	return &buttonCache{max: max, data: map[transport.MessageRef][][][]byte{}}
}

func (c *buttonCache) put(ref transport.MessageRef, rows [][][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[ref]; !ok {
		c.order = append(c.order, ref)
	}
	c.data[ref] = rows
	for len(c.order) > c.max {
		delete(c.data, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *buttonCache) get(ref transport.MessageRef, row, col int) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := c.data[ref]
	if row < 0 || row >= len(rows) || col < 0 || col >= len(rows[row]) || rows[row][col] == nil {
		return nil, false
	}
	return rows[row][col], true
}
