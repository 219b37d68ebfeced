// Package handshake runs the per-message key agreement between two users.
//
// Every outgoing message gets its own exchange: the sender publishes an
// ephemeral key (dh_init), the receiver answers with its own (dh_fin) after
// queueing the derived key, and only then is the sealed message sent. All
// three frames carry the same handshake id.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"sma_chat/internal/model"
	"sma_chat/internal/protocol/envelope"
	"sma_chat/internal/protocol/keyexchange"
	"sma_chat/internal/protocol/wire"
	"sma_chat/internal/utils/log"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultQueueSize = 16
)

var (
	ErrHandshakeTimeout   = errors.New("handshake timed out")
	ErrConversationClosed = errors.New("conversation closed")
	ErrQueueFull          = errors.New("handshake queue full")
)

type (
	// FrameWriter sends one frame to the relay.
	FrameWriter interface {
		WriteFrame(ctx context.Context, f *wire.Frame) error
	}

	Options struct {
		Timeout   time.Duration
		QueueSize int
	}

	pendingPublic struct {
		id  string
		pub *keyexchange.PublicKey
	}

	pendingKey struct {
		id  string
		key []byte
	}

	Conversation struct {
		local, peer string
		out         FrameWriter
		timeout     time.Duration
		log         *zap.Logger

		sendLock    chan struct{}
		finKeys     chan pendingPublic
		sessionKeys chan pendingKey

		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup

		mu            sync.Mutex
		closed        bool
		senderState   SenderState
		receiverState ReceiverState
	}
)

func NewConversation(local, peer string, out FrameWriter, opts Options) *Conversation {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conversation{
		local:       local,
		peer:        peer,
		out:         out,
		timeout:     opts.Timeout,
		log:         log.With(zap.String("local", local), zap.String("peer", peer)),
		sendLock:    make(chan struct{}, 1),
		finKeys:     make(chan pendingPublic, opts.QueueSize),
		sessionKeys: make(chan pendingKey, opts.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (c *Conversation) Peer() string { return c.peer }

func (c *Conversation) SenderState() SenderState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senderState
}

func (c *Conversation) ReceiverState() ReceiverState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiverState
}

func (c *Conversation) setSender(s SenderState) {
	c.mu.Lock()
	c.senderState = s
	c.mu.Unlock()
}

func (c *Conversation) setReceiver(s ReceiverState) {
	c.mu.Lock()
	c.receiverState = s
	c.mu.Unlock()
}

// Send runs one full exchange and delivers message sealed under the fresh
// key. Concurrent sends on the same conversation are serialized. It returns
// the handshake id used.
func (c *Conversation) Send(ctx context.Context, typ model.MessageType, message string) (string, error) {
	if !typ.Sealed() {
		return "", fmt.Errorf("%w: %q cannot be sent sealed", model.ErrInvalidMessageType, typ)
	}

	select {
	case c.sendLock <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.ctx.Done():
		return "", ErrConversationClosed
	}
	defer func() { <-c.sendLock }()

	if c.isClosed() {
		return "", ErrConversationClosed
	}

	priv, err := keyexchange.GenerateKeyPair()
	if err != nil {
		return "", err
	}
	defer priv.Destroy()

	pubPEM, err := keyexchange.SerializePublic(priv.Public())
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	l := c.log.With(zap.String("handshake", id))

	c.setSender(SenderAwaitingPeerPublicKey)
	if err := c.out.WriteFrame(ctx, c.outgoing(model.TypeDHInit, id, pubPEM)); err != nil {
		c.setSender(SenderAbandoned)
		return "", fmt.Errorf("write dh_init: %w", err)
	}

	peerPub, err := c.awaitFin(ctx, id, l)
	if err != nil {
		c.setSender(SenderAbandoned)
		return "", err
	}

	key, err := keyexchange.DeriveSessionKey(priv, peerPub)
	priv.Destroy()
	if err != nil {
		c.setSender(SenderAbandoned)
		return "", err
	}
	c.setSender(SenderKeyDerived)

	payload, err := envelope.Encrypt(key, message)
	memguard.WipeBytes(key)
	if err != nil {
		c.setSender(SenderAbandoned)
		return "", err
	}

	if err := c.out.WriteFrame(ctx, c.outgoing(typ, id, payload)); err != nil {
		c.setSender(SenderAbandoned)
		return "", fmt.Errorf("write %s: %w", typ, err)
	}
	c.setSender(SenderSent)
	l.Debug("message sent", zap.String("type", string(typ)))
	return id, nil
}

func (c *Conversation) awaitFin(ctx context.Context, id string, l *zap.Logger) (*keyexchange.PublicKey, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case p := <-c.finKeys:
			if p.id != "" && p.id != id {
				l.Debug("discarding stale dh_fin", zap.String("stale", p.id))
				continue
			}
			return p.pub, nil
		case <-timer.C:
			return nil, ErrHandshakeTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ctx.Done():
			return nil, ErrConversationClosed
		}
	}
}

// HandleFin queues the peer's answer for the pending Send.
func (c *Conversation) HandleFin(id string, pubPEM []byte) error {
	pub, err := keyexchange.DeserializePublic(pubPEM)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConversationClosed
	}
	select {
	case c.finKeys <- pendingPublic{id: id, pub: pub}:
		return nil
	default:
		return ErrQueueFull
	}
}

// HandleInit answers a peer's dh_init: it derives and queues the key for the
// ciphertext that will follow, then replies with dh_fin in the background.
func (c *Conversation) HandleInit(id string, pubPEM []byte) error {
	c.setReceiver(ReceiverInitReceived)

	peerPub, err := keyexchange.DeserializePublic(pubPEM)
	if err != nil {
		return err
	}
	priv, err := keyexchange.GenerateKeyPair()
	if err != nil {
		return err
	}
	key, err := keyexchange.DeriveSessionKey(priv, peerPub)
	if err != nil {
		priv.Destroy()
		return err
	}
	ownPEM, err := keyexchange.SerializePublic(priv.Public())
	priv.Destroy()
	if err != nil {
		memguard.WipeBytes(key)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		memguard.WipeBytes(key)
		return ErrConversationClosed
	}
	select {
	case c.sessionKeys <- pendingKey{id: id, key: key}:
	default:
		c.mu.Unlock()
		memguard.WipeBytes(key)
		return ErrQueueFull
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if err := c.out.WriteFrame(c.ctx, c.outgoing(model.TypeDHFin, id, ownPEM)); err != nil {
			c.log.Warn("failed to send dh_fin", zap.String("handshake", id), zap.Error(err))
			return
		}
		c.setReceiver(ReceiverFinSent)
	}()
	return nil
}

// HandleCiphertext opens a sealed payload with the queued key for id. Keys
// queued for other exchanges are discarded on the way. Without a key the
// result is envelope.NotAuthenticated.
func (c *Conversation) HandleCiphertext(id string, payload []byte) (string, bool) {
	for {
		select {
		case k := <-c.sessionKeys:
			if id != "" && k.id != "" && k.id != id {
				c.log.Debug("discarding stale session key", zap.String("stale", k.id), zap.String("handshake", id))
				memguard.WipeBytes(k.key)
				continue
			}
			text, ok := envelope.Decrypt(k.key, payload)
			memguard.WipeBytes(k.key)
			return text, ok
		default:
			c.log.Debug("no session key for ciphertext", zap.String("handshake", id))
			return envelope.NotAuthenticated, false
		}
	}
}

// Close aborts pending sends and wipes every queued key. Safe to call twice.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()

	for {
		select {
		case k := <-c.sessionKeys:
			memguard.WipeBytes(k.key)
		case <-c.finKeys:
		default:
			return
		}
	}
}

func (c *Conversation) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conversation) outgoing(typ model.MessageType, id string, payload []byte) *wire.Frame {
	return wire.NewFrame(model.EventOutgoing).
		With(wire.HeaderTo, c.peer).
		With(wire.HeaderType, string(typ)).
		With(wire.HeaderHandshake, id).
		WithPayload(payload)
}
