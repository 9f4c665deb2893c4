package wa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/roboricindustries/raycon-chatsync/internal/session"
	chat "github.com/roboricindustries/raycon-chatsync/pkg/schemas/chat/v1"
)

var (
	ErrNotConnected  = errors.New("wa: client not connected")
	ErrNoMediaSource = errors.New("wa: message has no downloadable media")
)

// Client adapts one whatsmeow client to session.Client.
type Client struct {
	tenantID string
	cli      *whatsmeow.Client
	window   *windowCache
	logger   *slog.Logger
	qrOut    io.Writer
	onReady  func(phone string)

	mu       sync.Mutex
	handler  func(session.Event)
	state    chat.SessionState
	cancelQR context.CancelFunc
}

var _ session.Client = (*Client)(nil)

func newClient(tenantID string, cli *whatsmeow.Client, window int, qrOut io.Writer, onReady func(string), logger *slog.Logger) *Client {
	c := &Client{
		tenantID: tenantID,
		cli:      cli,
		window:   newWindowCache(window),
		logger:   logger,
		qrOut:    qrOut,
		onReady:  onReady,
		state:    chat.StateUninitialized,
	}
	// A dropped connection ends this handle; the registry decides whether
	// to build a new one.
	cli.EnableAutoReconnect = false
	cli.AddEventHandler(c.onEvent)
	return c
}

func (c *Client) Subscribe(handler func(session.Event)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

func (c *Client) Initialize(ctx context.Context) error {
	c.setState(chat.StateInitializing)
	if c.cli.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(ctx)
		qrChan, err := c.cli.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("qr channel: %w", err)
		}
		c.mu.Lock()
		c.cancelQR = cancel
		c.mu.Unlock()
		go c.watchQR(qrChan)
	}
	if err := c.cli.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (c *Client) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for evt := range ch {
		switch evt.Event {
		case "code":
			c.setState(chat.StateScan)
			if c.qrOut != nil {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, c.qrOut)
			}
			c.emit(session.Event{Kind: session.EventQR, QR: evt.Code})
		case "success":
			// reported through PairSuccess
		case "timeout":
			c.setState(chat.StateAuthFailure)
			c.emit(session.Event{Kind: session.EventAuthFailure, Err: errors.New("qr scan timed out")})
		default:
			err := evt.Error
			if err == nil {
				err = fmt.Errorf("pairing failed: %s", evt.Event)
			}
			c.setState(chat.StateAuthFailure)
			c.emit(session.Event{Kind: session.EventAuthFailure, Err: err})
		}
	}
}

func (c *Client) onEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		c.setState(chat.StateAuthenticated)
		c.emit(session.Event{Kind: session.EventAuthenticated})
	case *events.Connected:
		c.setState(chat.StateConnected)
		if c.onReady != nil && c.cli.Store.ID != nil {
			c.onReady(c.cli.Store.ID.User)
		}
		c.emit(session.Event{Kind: session.EventReady})
	case *events.Disconnected:
		c.setState(chat.StateDisconnected)
		c.emit(session.Event{Kind: session.EventDisconnected, Err: errors.New("connection closed")})
	case *events.StreamReplaced:
		c.setState(chat.StateDisconnected)
		c.emit(session.Event{Kind: session.EventDisconnected, Err: errors.New("session opened elsewhere")})
	case *events.LoggedOut:
		c.setState(chat.StateLoggedOut)
		c.emit(session.Event{Kind: session.EventLoggedOut, Err: fmt.Errorf("logged out: %v", v.Reason)})
	case *events.Message:
		raw := convertMessage(v.Info, v.Message, c.ownJID())
		c.window.add(raw)
		c.emit(session.Event{Kind: session.EventMessage, Message: &raw})
	case *events.Receipt:
		if r, ok := convertReceipt(c.tenantID, v); ok {
			c.emit(session.Event{Kind: session.EventReceipt, Receipt: &r})
		}
	case *events.HistorySync:
		c.absorbHistory(v)
	}
}

func (c *Client) absorbHistory(v *events.HistorySync) {
	n := 0
	for _, conv := range v.Data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		for _, hm := range conv.GetMessages() {
			evt, err := c.cli.ParseWebMessage(chatJID, hm.GetMessage())
			if err != nil {
				continue
			}
			c.window.add(convertMessage(evt.Info, evt.Message, c.ownJID()))
			n++
		}
	}
	c.logger.Debug("history sync absorbed", slog.String("tenant", c.tenantID), slog.Int("messages", n))
}

func (c *Client) ownJID() types.JID {
	if c.cli.Store.ID == nil {
		return types.EmptyJID
	}
	return *c.cli.Store.ID
}

func (c *Client) emit(ev session.Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (c *Client) setState(s chat.SessionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) State() chat.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) SendText(ctx context.Context, recipient, body string) (string, error) {
	jid, err := c.target(recipient)
	if err != nil {
		return "", err
	}
	msg := &waE2E.Message{Conversation: proto.String(body)}
	resp, err := c.cli.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("send text: %w", err)
	}
	c.echo(jid, resp, msg)
	return resp.ID, nil
}

func (c *Client) SendMedia(ctx context.Context, recipient string, media session.Media, caption string) (string, error) {
	jid, err := c.target(recipient)
	if err != nil {
		return "", err
	}
	kind := mediaKind(media.MimeType)
	up, err := c.cli.Upload(ctx, media.Data, kind)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}

	msg := &waE2E.Message{}
	switch kind {
	case whatsmeow.MediaImage:
		msg.ImageMessage = &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	case whatsmeow.MediaVideo:
		msg.VideoMessage = &waE2E.VideoMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	case whatsmeow.MediaAudio:
		msg.AudioMessage = &waE2E.AudioMessage{
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	default:
		msg.DocumentMessage = &waE2E.DocumentMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(media.MimeType),
			FileName:      proto.String(media.FileName),
			Title:         proto.String(media.FileName),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	}

	resp, err := c.cli.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("send media: %w", err)
	}
	c.echo(jid, resp, msg)
	// voice notes carry no caption
	if kind == whatsmeow.MediaAudio && caption != "" {
		if _, err := c.SendText(ctx, recipient, caption); err != nil {
			c.logger.Warn("send audio caption", slog.String("tenant", c.tenantID), slog.Any("error", err))
		}
	}
	return resp.ID, nil
}

// echo feeds a sent message back as a self-sent message event so it is
// persisted and visible to gap fill.
func (c *Client) echo(to types.JID, resp whatsmeow.SendResponse, msg *waE2E.Message) {
	raw := sentMessage(to, c.ownJID(), resp, msg)
	c.window.add(raw)
	c.emit(session.Event{Kind: session.EventMessage, Message: &raw})
}

func (c *Client) target(recipient string) (types.JID, error) {
	if !c.cli.IsConnected() || !c.cli.IsLoggedIn() {
		return types.EmptyJID, ErrNotConnected
	}
	jid, err := recipientJID(recipient)
	if err != nil {
		return types.EmptyJID, fmt.Errorf("recipient %q: %w", recipient, err)
	}
	return jid, nil
}

func mediaKind(mimeType string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return whatsmeow.MediaAudio
	}
	return whatsmeow.MediaDocument
}

// Chats lists every chat seen so far; groups and broadcast lists are
// flagged, not filtered.
func (c *Client) Chats(context.Context) ([]session.ChatInfo, error) {
	ids := c.window.chatIDs()
	out := make([]session.ChatInfo, 0, len(ids))
	for _, id := range ids {
		jid, err := types.ParseJID(id)
		if err != nil {
			continue
		}
		out = append(out, session.ChatInfo{
			ID:          id,
			IsGroup:     jid.Server == types.GroupServer,
			IsBroadcast: isBroadcast(jid),
		})
	}
	return out, nil
}

func (c *Client) FetchMessages(_ context.Context, chatID string, limit int) ([]session.RawMessage, error) {
	return c.window.recent(chatID, limit), nil
}

func (c *Client) DownloadMedia(_ context.Context, msg *session.RawMessage) ([]byte, error) {
	src, ok := msg.Source.(*waE2E.Message)
	if !ok || src == nil || !msg.HasMedia {
		return nil, ErrNoMediaSource
	}
	data, err := c.cli.DownloadAny(src)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	return data, nil
}

func (c *Client) Logout(context.Context) error {
	if c.cli.Store.ID == nil {
		return nil
	}
	return c.cli.Logout()
}

// Destroy disconnects and detaches the event handler. It is safe to call
// more than once.
func (c *Client) Destroy(context.Context) error {
	c.mu.Lock()
	if c.cancelQR != nil {
		c.cancelQR()
		c.cancelQR = nil
	}
	c.handler = nil
	c.state = chat.StateDisconnected
	c.mu.Unlock()
	c.cli.Disconnect()
	return nil
}
