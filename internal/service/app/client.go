// Package app is the chat client: it talks to the relay, runs one handshake
// conversation per peer and keeps the local encrypted history.
package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"sma_chat/internal/history"
	"sma_chat/internal/model"
	"sma_chat/internal/protocol/handshake"
	"sma_chat/internal/protocol/wire"
	"sma_chat/internal/service/auth"
	"sma_chat/internal/utils/log"
)

const (
	messageBuffer = 64
	closedNotice  = "Connection to the server has been closed"
)

var (
	ErrRejected         = errors.New("request rejected by server")
	ErrNotLoggedIn      = errors.New("not logged in")
	ErrConnectionClosed = errors.New("connection to the server has been closed")
)

type Client struct {
	conn  *Conn
	vault *history.Vault
	opts  handshake.Options

	responses chan *wire.Frame
	messages  chan model.Message
	reqMu     sync.Mutex

	done     chan struct{}
	downOnce sync.Once

	mu       sync.Mutex
	pending  string
	username string
	registry *handshake.Registry
	closing  bool
	err      error
}

func NewClient(conn *Conn, vault *history.Vault, opts handshake.Options) *Client {
	return &Client{
		conn:      conn,
		vault:     vault,
		opts:      opts,
		responses: make(chan *wire.Frame, 1),
		messages:  make(chan model.Message, messageBuffer),
		done:      make(chan struct{}),
	}
}

// Done is closed once the listener has stopped and the session is torn down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err is why the session ended, wrapping ErrConnectionClosed. It is nil
// while the listener is running.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Messages delivers decrypted messages and relay notices in arrival order.
func (c *Client) Messages() <-chan model.Message { return c.messages }

func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Client) Register(ctx context.Context, username, password string) error {
	return c.credentialRequest(ctx, model.EventRegister, username, password)
}

// Login authenticates and, on first success on this machine, creates the
// local account holding the history key.
func (c *Client) Login(ctx context.Context, username, password string) error {
	if err := c.credentialRequest(ctx, model.EventLogin, username, password); err != nil {
		return err
	}
	if _, err := c.vault.EnsureAccount(username, password); err != nil {
		return fmt.Errorf("local account: %w", err)
	}
	return nil
}

// Delete removes the account on the server and then all local data for it.
func (c *Client) Delete(ctx context.Context, username, password string) error {
	if err := c.credentialRequest(ctx, model.EventDelete, username, password); err != nil {
		return err
	}
	return c.vault.DeleteAccount(username)
}

func (c *Client) credentialRequest(ctx context.Context, ev model.Event, username, password string) error {
	if err := auth.ValidateCredentials(username, password); err != nil {
		return err
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	select {
	case <-c.done:
		return c.Err()
	default:
	}

	c.mu.Lock()
	c.pending = username
	c.mu.Unlock()

	f := wire.NewFrame(ev).
		With(wire.HeaderUsername, username).
		With(wire.HeaderPassword, password)
	if err := c.conn.WriteFrame(ctx, f); err != nil {
		return err
	}

	for {
		select {
		case resp := <-c.responses:
			if got, _ := resp.Event(); got != ev {
				log.Warn("unexpected response", zap.String("event", string(got)))
				continue
			}
			if st, _ := resp.Status(); st != model.StatusSuccess {
				return fmt.Errorf("%w: %s", ErrRejected, ev)
			}
			return nil
		case <-c.done:
			return c.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send runs a handshake with peer and delivers message sealed under the new
// key. Accepted messages are added to the local history.
func (c *Client) Send(ctx context.Context, peer string, typ model.MessageType, message string) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}

	c.mu.Lock()
	username, reg := c.username, c.registry
	c.mu.Unlock()
	if reg == nil {
		return ErrNotLoggedIn
	}
	if !auth.ValidUsername(peer) {
		return fmt.Errorf("%w: %q", history.ErrInvalidName, peer)
	}

	// a conversation created after teardown is never closed by it
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := reg.Get(peer).Send(ctx, typ, message); err != nil {
		if down := c.Err(); down != nil {
			return fmt.Errorf("%w: %w", err, down)
		}
		return err
	}
	if err := c.vault.Append(username, peer, model.HistoryRecord{Sender: username, Type: typ, Message: message}); err != nil {
		log.Error("append history failed", zap.String("peer", peer), zap.Error(err))
	}
	return nil
}

// SendImage sends the file at path base64 encoded.
func (c *Client) SendImage(ctx context.Context, peer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.Send(ctx, peer, model.TypeImage, base64.StdEncoding.EncodeToString(data))
}

// Listen reads frames until the connection fails or ctx is done. On return
// the session is torn down: pending requests and sends fail, the connection
// is closed and Done is closed.
func (c *Client) Listen(ctx context.Context) (err error) {
	defer func() { c.teardown(ctx, err) }()
	for {
		f, err := c.conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := c.dispatch(ctx, f); err != nil {
			return err
		}
	}
}

func (c *Client) teardown(ctx context.Context, cause error) {
	c.downOnce.Do(func() {
		c.mu.Lock()
		closing := c.closing
		c.err = ErrConnectionClosed
		if cause != nil {
			c.err = fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
		}
		if c.registry != nil {
			c.registry.CloseAll()
			c.registry = nil
		}
		c.mu.Unlock()

		_ = c.conn.Close()
		close(c.done)

		if closing || ctx.Err() != nil {
			return
		}
		log.Warn("relay connection lost", zap.Error(cause))
		select {
		case c.messages <- model.Message{
			From:          string(model.TypeServer),
			Type:          model.TypeServer,
			Text:          closedNotice,
			Authenticated: true,
		}:
		default:
		}
	})
}

func (c *Client) dispatch(ctx context.Context, f *wire.Frame) error {
	ev, err := f.Event()
	if err != nil {
		log.Warn("ignoring frame", zap.Error(err))
		return nil
	}

	switch ev {
	case model.EventRegister, model.EventLogin, model.EventDelete:
		c.credentialResponse(ev, f)
		select {
		case c.responses <- f:
		default:
			log.Warn("dropping unrequested response", zap.String("event", string(ev)))
		}
	case model.EventIncoming:
		c.incoming(ctx, f)
	case model.EventOutgoing:
		// relay notice about something we sent
		if typ, _ := f.Type(); typ == model.TypeServer {
			return c.deliver(ctx, model.Message{
				From:          string(model.TypeServer),
				To:            f.Get(wire.HeaderTo),
				Type:          model.TypeServer,
				Text:          string(f.Payload),
				Authenticated: true,
			})
		}
	}
	return nil
}

// credentialResponse swaps the session before the next frame is read so
// messages relayed right after a login are not lost.
func (c *Client) credentialResponse(ev model.Event, f *wire.Frame) {
	if st, _ := f.Status(); st != model.StatusSuccess {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev {
	case model.EventLogin:
		if c.registry != nil && c.username == c.pending {
			return
		}
		if c.registry != nil {
			c.registry.CloseAll()
		}
		c.username = c.pending
		c.registry = handshake.NewRegistry(c.username, c.conn, c.opts)
	case model.EventDelete:
		if c.registry != nil && c.username == c.pending {
			c.registry.CloseAll()
			c.registry, c.username = nil, ""
		}
	}
}

func (c *Client) incoming(ctx context.Context, f *wire.Frame) {
	from := f.Get(wire.HeaderFrom)
	id := f.Get(wire.HeaderHandshake)
	l := log.With(zap.String("from", from), zap.String("handshake", id))

	typ, err := f.Type()
	if err != nil {
		l.Warn("ignoring incoming frame", zap.Error(err))
		return
	}

	c.mu.Lock()
	username, reg := c.username, c.registry
	c.mu.Unlock()
	if reg == nil || !auth.ValidUsername(from) {
		l.Warn("dropping incoming frame", zap.String("type", string(typ)))
		return
	}
	conv := reg.Get(from)

	switch typ {
	case model.TypeDHInit:
		if err := conv.HandleInit(id, f.Payload); err != nil {
			l.Warn("dh_init rejected", zap.Error(err))
		}
	case model.TypeDHFin:
		if err := conv.HandleFin(id, f.Payload); err != nil {
			l.Warn("dh_fin rejected", zap.Error(err))
		}
	case model.TypeText, model.TypeImage:
		text, ok := conv.HandleCiphertext(id, f.Payload)
		if ok {
			rec := model.HistoryRecord{Sender: from, Type: typ, Message: text}
			if err := c.vault.Append(username, from, rec); err != nil {
				l.Error("append history failed", zap.Error(err))
			}
		}
		_ = c.deliver(ctx, model.Message{From: from, To: username, Type: typ, Text: text, Authenticated: ok})
	default:
		l.Warn("unexpected incoming type", zap.String("type", string(typ)))
	}
}

func (c *Client) deliver(ctx context.Context, m model.Message) error {
	select {
	case c.messages <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends every conversation and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closing = true
	if c.registry != nil {
		c.registry.CloseAll()
	}
	c.mu.Unlock()
	return c.conn.Close()
}
