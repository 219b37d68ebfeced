package server

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sma_chat/internal/model"
	"sma_chat/internal/protocol/wire"
	"sma_chat/internal/utils/log"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	authTimeout = 10 * time.Second
)

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  *zap.Logger

	// only touched by the hub goroutine
	username string
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		post(c.hub.done, c.hub.unregister, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket closed", zap.Error(err))
			}
			return
		}

		f, err := wire.Decode(data)
		if err != nil {
			c.log.Warn("closing connection on malformed frame", zap.Error(err))
			c.hub.metrics.Dropped.WithLabelValues("malformed").Inc()
			return
		}
		ev, err := f.Event()
		if err != nil {
			c.log.Warn("closing connection on unknown event", zap.Error(err))
			c.hub.metrics.Dropped.WithLabelValues("event").Inc()
			return
		}

		switch ev {
		case model.EventRegister, model.EventLogin, model.EventDelete:
			post(c.hub.done, c.hub.inbound, c.authenticate(ctx, ev, f))
		case model.EventOutgoing:
			post(c.hub.done, c.hub.inbound, request{client: c, event: ev, frame: f})
		default:
			c.log.Warn("closing connection on client-sent event", zap.String("event", string(ev)))
			c.hub.metrics.Dropped.WithLabelValues("event").Inc()
			return
		}
	}
}

// authenticate runs on the connection's own goroutine so a slow key
// derivation never stalls the hub.
func (c *client) authenticate(ctx context.Context, ev model.Event, f *wire.Frame) request {
	username := f.Get(wire.HeaderUsername)
	password := f.Get(wire.HeaderPassword)

	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	var err error
	switch ev {
	case model.EventRegister:
		err = c.hub.auth.Register(ctx, username, password)
	case model.EventLogin:
		err = c.hub.auth.Login(ctx, username, password)
	case model.EventDelete:
		err = c.hub.auth.Delete(ctx, username, password)
	}
	if err != nil {
		c.log.Info("credential request failed",
			zap.String("event", string(ev)),
			zap.String("username", username),
			zap.Error(err))
	}
	return request{client: c, event: ev, username: username, err: err}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub closed the queue
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.log.Debug("write failed", zap.Error(err))
				}
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
		log:  log.With(zap.String("remote", conn.RemoteAddr().String())),
	}
}
