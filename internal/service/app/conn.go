package app

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sma_chat/internal/protocol/wire"
)

const (
	writeWait     = 10 * time.Second
	dialTimeout   = 10 * time.Second
	maxFrameBytes = 16 << 20
)

// Conn is the client side of the relay websocket. Writes are serialized so
// the UI, the listener and pending handshakes can share it.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// TLSConfig trusts caFile when given, otherwise the system pool.
func TLSConfig(caFile string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecure}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("no certificates found in ca cert file")
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func Dial(ctx context.Context, url string, tlsConfig *tls.Config) (*Conn, error) {
	d := websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: dialTimeout,
	}
	ws, resp, err := d.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(maxFrameBytes)
	return &Conn{ws: ws}, nil
}

func (c *Conn) WriteFrame(ctx context.Context, f *wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame blocks for the next frame. Only the listener calls it.
func (c *Conn) ReadFrame() (*wire.Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return wire.Decode(data)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	return c.ws.Close()
}
