package server

import (
	"context"

	"go.uber.org/zap"

	"sma_chat/internal/model"
	"sma_chat/internal/protocol/wire"
	"sma_chat/internal/service/auth"
	"sma_chat/internal/utils/log"
)

const (
	offlineNotice   = "Recipient is not online!"
	loggedOutNotice = "You are not logged in!"
)

type (
	// request is one unit of work for the hub: a frame to relay or the
	// outcome of a credential check. Both arrive on one channel so a client's
	// login is always applied before its next outgoing frame.
	request struct {
		client   *client
		event    model.Event
		frame    *wire.Frame
		username string
		err      error
	}

	// Hub owns every connection and the Directory. All state changes happen
	// on the goroutine running Run.
	Hub struct {
		auth         *auth.Authenticator
		metrics      *Metrics
		sendBuffer   int
		maxFrameSize int64

		clients   map[*client]struct{}
		directory *Directory

		register   chan *client
		unregister chan *client
		inbound    chan request
		done       chan struct{}
	}
)

func NewHub(authn *auth.Authenticator, metrics *Metrics, sendBuffer int, maxFrameSize int64) *Hub {
	return &Hub{
		auth:         authn,
		metrics:      metrics,
		sendBuffer:   sendBuffer,
		maxFrameSize: maxFrameSize,
		clients:      make(map[*client]struct{}),
		directory:    NewDirectory(),
		register:     make(chan *client),
		unregister:   make(chan *client),
		inbound:      make(chan request, 64),
		done:         make(chan struct{}),
	}
}

// post hands v to the hub unless it has stopped.
func post[T any](done <-chan struct{}, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-done:
		return false
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.metrics.Connections.Inc()
		case c := <-h.unregister:
			h.drop(c, "")
		case r := <-h.inbound:
			h.handle(r)
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c, "shutdown")
			}
			return
		}
	}
}

func (h *Hub) handle(r request) {
	c := r.client
	if _, ok := h.clients[c]; !ok {
		return
	}
	switch r.event {
	case model.EventOutgoing:
		h.relay(c, r.frame)
	case model.EventRegister, model.EventLogin, model.EventDelete:
		h.credentialResult(c, r)
	}
}

func (h *Hub) credentialResult(c *client, r request) {
	status := model.StatusSuccess
	if r.err != nil {
		status = model.StatusFailure
	}
	h.metrics.AuthResults.WithLabelValues(string(r.event), string(status)).Inc()

	if r.err == nil {
		switch r.event {
		case model.EventLogin:
			if c.username != "" && c.username != r.username {
				h.directory.Unbind(c.username, c)
			}
			c.username = r.username
			if prior := h.directory.Bind(r.username, c); prior != nil {
				c.log.Info("login replaced an existing connection", zap.String("username", r.username))
			}
		case model.EventDelete:
			h.directory.Remove(r.username)
			for other := range h.clients {
				if other.username == r.username {
					other.username = ""
				}
			}
		}
		h.metrics.OnlineUsers.Set(float64(h.directory.Len()))
	}

	h.enqueue(c, wire.NewFrame(r.event).With(wire.HeaderStatus, string(status)))
}

func (h *Hub) relay(c *client, f *wire.Frame) {
	to := f.Get(wire.HeaderTo)

	if c.username == "" {
		h.enqueue(c, failureNotice(to, loggedOutNotice))
		return
	}

	typ, err := f.Type()
	if err == nil && !typ.Relayable() {
		err = model.ErrInvalidMessageType
	}
	if err != nil {
		c.log.Warn("closing connection on invalid message type", zap.String("type", f.Get(wire.HeaderType)))
		h.drop(c, "type")
		return
	}

	dst, ok := h.directory.Lookup(to)
	if !ok {
		h.metrics.OfflineFailures.Inc()
		h.enqueue(c, failureNotice(to, offlineNotice))
		return
	}

	out := wire.NewFrame(model.EventIncoming).
		With(wire.HeaderFrom, c.username).
		With(wire.HeaderType, string(typ)).
		WithPayload(f.Payload)
	if id := f.Get(wire.HeaderHandshake); id != "" {
		out.With(wire.HeaderHandshake, id)
	}
	if h.enqueue(dst, out) {
		h.metrics.Relayed.WithLabelValues(string(typ)).Inc()
	}
}

// enqueue never blocks the hub: a peer whose queue is full is dropped.
func (h *Hub) enqueue(c *client, f *wire.Frame) bool {
	data, err := wire.Encode(f)
	if err != nil {
		log.Error("encode frame failed", zap.Error(err))
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn("send queue full, dropping connection")
		h.drop(c, "slow")
		return false
	}
}

func (h *Hub) drop(c *client, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	if c.username != "" {
		h.directory.Unbind(c.username, c)
	}
	close(c.send)

	h.metrics.Connections.Dec()
	h.metrics.OnlineUsers.Set(float64(h.directory.Len()))
	if reason != "" {
		h.metrics.Dropped.WithLabelValues(reason).Inc()
	}
}

func failureNotice(to, text string) *wire.Frame {
	return wire.NewFrame(model.EventOutgoing).
		With(wire.HeaderTo, to).
		With(wire.HeaderType, string(model.TypeServer)).
		With(wire.HeaderStatus, string(model.StatusFailure)).
		WithPayload([]byte(text))
}
