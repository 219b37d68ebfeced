package server_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sma_chat/internal/model"
	"sma_chat/internal/protocol/wire"
	"sma_chat/internal/repository/credential"
	"sma_chat/internal/service/auth"
	"sma_chat/internal/service/server"
)

const testPassword = "longenough1"

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	a, err := auth.NewAuthenticator(credential.NewMemoryStore())
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	srv := server.NewHttpServer(a, server.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Hub().Run(ctx)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return ts
}

type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, ts *httptest.Server) *peer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) send(f *wire.Frame) {
	p.t.Helper()
	data, err := wire.Encode(f)
	if err != nil {
		p.t.Fatalf("encode: %v", err)
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

func (p *peer) recv() *wire.Frame {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		p.t.Fatalf("read: %v", err)
	}
	f, err := wire.Decode(data)
	if err != nil {
		p.t.Fatalf("decode: %v", err)
	}
	return f
}

// expectSilence must be the last read on p: a timed out websocket is unusable.
func (p *peer) expectSilence(d time.Duration) {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(d))
	_, data, err := p.conn.ReadMessage()
	if err == nil {
		p.t.Fatalf("unexpected frame %q", data)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		p.t.Fatalf("expected read timeout, got %v", err)
	}
}

func (p *peer) expectClosed() {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := p.conn.ReadMessage()
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			p.t.Fatalf("connection still open")
		}
		return
	}
}

func (p *peer) credential(ev model.Event, user, pass string) model.Status {
	p.t.Helper()
	p.send(wire.NewFrame(ev).With(wire.HeaderUsername, user).With(wire.HeaderPassword, pass))
	f := p.recv()
	if got, _ := f.Event(); got != ev {
		p.t.Fatalf("want %s response, got %v", ev, f.Headers)
	}
	st, err := f.Status()
	if err != nil {
		p.t.Fatalf("status: %v", err)
	}
	return st
}

func (p *peer) signUp(user string) {
	p.t.Helper()
	if st := p.credential(model.EventRegister, user, testPassword); st != model.StatusSuccess {
		p.t.Fatalf("register %s: %s", user, st)
	}
	p.signIn(user)
}

func (p *peer) signIn(user string) {
	p.t.Helper()
	if st := p.credential(model.EventLogin, user, testPassword); st != model.StatusSuccess {
		p.t.Fatalf("login %s: %s", user, st)
	}
}

func outgoing(to string, typ model.MessageType, payload string) *wire.Frame {
	return wire.NewFrame(model.EventOutgoing).
		With(wire.HeaderTo, to).
		With(wire.HeaderType, string(typ)).
		WithPayload([]byte(payload))
}

func TestCredentialFlow(t *testing.T) {
	ts := startRelay(t)
	p := dial(t, ts)

	if st := p.credential(model.EventRegister, "ab", "short"); st != model.StatusFailure {
		t.Fatalf("invalid register: %s", st)
	}
	if st := p.credential(model.EventRegister, "alice", testPassword); st != model.StatusSuccess {
		t.Fatalf("register: %s", st)
	}
	if st := p.credential(model.EventRegister, "alice", testPassword); st != model.StatusFailure {
		t.Fatalf("duplicate register: %s", st)
	}
	if st := p.credential(model.EventLogin, "alice", "wrongpass1"); st != model.StatusFailure {
		t.Fatalf("wrong password login: %s", st)
	}
	if st := p.credential(model.EventLogin, "alice", testPassword); st != model.StatusSuccess {
		t.Fatalf("login: %s", st)
	}
	if st := p.credential(model.EventDelete, "alice", testPassword); st != model.StatusSuccess {
		t.Fatalf("delete: %s", st)
	}
	if st := p.credential(model.EventLogin, "alice", testPassword); st != model.StatusFailure {
		t.Fatalf("login after delete: %s", st)
	}
}

func TestRelay_OfflineRecipientGetsExactlyOneFailure(t *testing.T) {
	ts := startRelay(t)
	alice := dial(t, ts)
	alice.signUp("alice")

	alice.send(outgoing("bob", model.TypeText, "aGVsbG8="))

	f := alice.recv()
	if ev, _ := f.Event(); ev != model.EventOutgoing {
		t.Fatalf("event: %v", f.Headers)
	}
	if ty, _ := f.Type(); ty != model.TypeServer {
		t.Fatalf("type: %v", f.Headers)
	}
	if st, _ := f.Status(); st != model.StatusFailure {
		t.Fatalf("status: %v", f.Headers)
	}
	if f.Get(wire.HeaderTo) != "bob" || string(f.Payload) != "Recipient is not online!" {
		t.Fatalf("unexpected notice %v %q", f.Headers, f.Payload)
	}
	alice.expectSilence(300 * time.Millisecond)
}

func TestRelay_ForwardsToRecipient(t *testing.T) {
	ts := startRelay(t)
	alice, bob := dial(t, ts), dial(t, ts)
	alice.signUp("alice")
	bob.signUp("bob")

	payload := "-----BEGIN PUBLIC KEY-----\nMIIB\n-----END PUBLIC KEY-----\n\nwith blank line"
	alice.send(outgoing("bob", model.TypeDHInit, payload).With(wire.HeaderHandshake, "h-1"))

	f := bob.recv()
	if ev, _ := f.Event(); ev != model.EventIncoming {
		t.Fatalf("event: %v", f.Headers)
	}
	if f.Get(wire.HeaderFrom) != "alice" || f.Get(wire.HeaderType) != "dh_init" || f.Get(wire.HeaderHandshake) != "h-1" {
		t.Fatalf("headers: %v", f.Headers)
	}
	if string(f.Payload) != payload {
		t.Fatalf("payload altered: %q", f.Payload)
	}
	if _, ok := f.Headers[wire.HeaderTo]; ok {
		t.Fatalf("recipient header leaked into incoming frame")
	}
	alice.expectSilence(200 * time.Millisecond)
}

func TestRelay_InvalidTypeClosesSender(t *testing.T) {
	ts := startRelay(t)
	alice, bob := dial(t, ts), dial(t, ts)
	alice.signUp("alice")
	bob.signUp("bob")

	alice.send(outgoing("bob", model.TypeServer, "spoofed notice"))
	alice.expectClosed()
	bob.expectSilence(200 * time.Millisecond)
}

func TestRelay_MalformedFrameClosesConnection(t *testing.T) {
	ts := startRelay(t)
	p := dial(t, ts)
	if err := p.conn.WriteMessage(websocket.TextMessage, []byte("event: login")); err != nil {
		t.Fatalf("write: %v", err)
	}
	p.expectClosed()
}

func TestRelay_UnauthenticatedSender(t *testing.T) {
	ts := startRelay(t)
	bob := dial(t, ts)
	bob.signUp("bob")
	anon := dial(t, ts)

	anon.send(outgoing("bob", model.TypeText, "x"))
	f := anon.recv()
	if st, _ := f.Status(); st != model.StatusFailure {
		t.Fatalf("want failure notice, got %v", f.Headers)
	}
	bob.expectSilence(200 * time.Millisecond)
}

func TestRelay_NewLoginReplacesMapping(t *testing.T) {
	ts := startRelay(t)
	alice := dial(t, ts)
	alice.signUp("alice")
	bob1 := dial(t, ts)
	bob1.signUp("bob")
	bob2 := dial(t, ts)
	bob2.signIn("bob")

	alice.send(outgoing("bob", model.TypeText, "first"))
	if f := bob2.recv(); string(f.Payload) != "first" {
		t.Fatalf("newest login did not receive: %q", f.Payload)
	}
	bob1.expectSilence(200 * time.Millisecond)

	// the replaced connection going away must not unmap the newer one
	bob1.conn.Close()
	time.Sleep(50 * time.Millisecond)
	alice.send(outgoing("bob", model.TypeText, "second"))
	if f := bob2.recv(); string(f.Payload) != "second" {
		t.Fatalf("newest login lost after old disconnect: %q", f.Payload)
	}
}

func TestRelay_DisconnectUnmaps(t *testing.T) {
	ts := startRelay(t)
	alice, bob := dial(t, ts), dial(t, ts)
	alice.signUp("alice")
	bob.signUp("bob")

	bob.conn.Close()
	time.Sleep(100 * time.Millisecond)

	alice.send(outgoing("bob", model.TypeText, "ping"))
	f := alice.recv()
	if ty, _ := f.Type(); ty != model.TypeServer || string(f.Payload) != "Recipient is not online!" {
		t.Fatalf("bob still mapped after disconnect: %v", f.Headers)
	}
}

func TestRelay_DeletedAccountIsUnmapped(t *testing.T) {
	ts := startRelay(t)
	alice, bob := dial(t, ts), dial(t, ts)
	alice.signUp("alice")
	bob.signUp("bob")

	if st := alice.credential(model.EventDelete, "alice", testPassword); st != model.StatusSuccess {
		t.Fatalf("delete: %s", st)
	}
	bob.send(outgoing("alice", model.TypeText, "still there?"))
	f := bob.recv()
	if ty, _ := f.Type(); ty != model.TypeServer || string(f.Payload) != "Recipient is not online!" {
		t.Fatalf("deleted user still reachable: %v %q", f.Headers, f.Payload)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := startRelay(t)

	res, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", res.StatusCode)
	}

	alice := dial(t, ts)
	alice.signUp("alice")
	alice.send(outgoing("nobody", model.TypeText, "x"))
	alice.recv()

	res, err = ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	for _, want := range []string{"sma_relay_offline_recipient_total 1", "sma_relay_online_users 1"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}
