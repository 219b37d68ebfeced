package handshake_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"sma_chat/internal/model"
	"sma_chat/internal/protocol/envelope"
	"sma_chat/internal/protocol/handshake"
	"sma_chat/internal/protocol/keyexchange"
	"sma_chat/internal/protocol/wire"
)

type delivery struct {
	text string
	ok   bool
}

// network routes frames between two conversations the way the relay would,
// preserving per-sender order.
type network struct {
	convs     map[string]*handshake.Conversation
	delivered chan delivery
	finGate   chan struct{}
	dropFin   bool
}

type endpoint struct {
	net *network
}

func (e *endpoint) WriteFrame(ctx context.Context, f *wire.Frame) error {
	dst := e.net.convs[f.Get(wire.HeaderTo)]
	id := f.Get(wire.HeaderHandshake)
	typ, err := f.Type()
	if err != nil {
		return err
	}
	switch typ {
	case model.TypeDHInit:
		return dst.HandleInit(id, f.Payload)
	case model.TypeDHFin:
		if e.net.dropFin {
			return nil
		}
		if e.net.finGate != nil {
			select {
			case <-e.net.finGate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return dst.HandleFin(id, f.Payload)
	default:
		text, ok := dst.HandleCiphertext(id, f.Payload)
		e.net.delivered <- delivery{text: text, ok: ok}
		return nil
	}
}

func newPair(t *testing.T, opts handshake.Options) (*network, *handshake.Conversation, *handshake.Conversation) {
	t.Helper()
	n := &network{
		convs:     make(map[string]*handshake.Conversation),
		delivered: make(chan delivery, 16),
	}
	ep := &endpoint{net: n}
	alice := handshake.NewConversation("alice", "bob", ep, opts)
	bob := handshake.NewConversation("bob", "alice", ep, opts)
	n.convs["alice"] = alice
	n.convs["bob"] = bob
	t.Cleanup(func() {
		alice.Close()
		bob.Close()
	})
	return n, alice, bob
}

// recorder captures frames instead of delivering them.
type recorder struct {
	frames chan *wire.Frame
}

func newRecorder() *recorder { return &recorder{frames: make(chan *wire.Frame, 16)} }

func (r *recorder) WriteFrame(_ context.Context, f *wire.Frame) error {
	r.frames <- f
	return nil
}

func (r *recorder) next(t *testing.T) *wire.Frame {
	t.Helper()
	select {
	case f := <-r.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatalf("no frame written")
		return nil
	}
}

func waitDelivery(t *testing.T, n *network) delivery {
	t.Helper()
	select {
	case d := <-n.delivered:
		return d
	case <-time.After(5 * time.Second):
		t.Fatalf("nothing delivered")
		return delivery{}
	}
}

func TestSend_DeliversPlaintext(t *testing.T) {
	n, alice, bob := newPair(t, handshake.Options{Timeout: 5 * time.Second})

	id, err := alice.Send(context.Background(), model.TypeText, "hello bob")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id == "" {
		t.Fatalf("empty handshake id")
	}
	d := waitDelivery(t, n)
	if !d.ok || d.text != "hello bob" {
		t.Fatalf("want authenticated %q, got %q (ok=%v)", "hello bob", d.text, d.ok)
	}
	if s := alice.SenderState(); s != handshake.SenderSent {
		t.Fatalf("alice state: %s", s)
	}

	bob.Close()
	if s := bob.ReceiverState(); s != handshake.ReceiverFinSent {
		t.Fatalf("bob state: %s", s)
	}
}

func TestSend_BothDirectionsAndRepeats(t *testing.T) {
	n, alice, bob := newPair(t, handshake.Options{Timeout: 5 * time.Second})
	ctx := context.Background()

	for _, msg := range []string{"one", "two", "three"} {
		if _, err := alice.Send(ctx, model.TypeText, msg); err != nil {
			t.Fatalf("alice send %q: %v", msg, err)
		}
		if d := waitDelivery(t, n); d.text != msg {
			t.Fatalf("want %q, got %q", msg, d.text)
		}
		if _, err := bob.Send(ctx, model.TypeImage, "img-"+msg); err != nil {
			t.Fatalf("bob send: %v", err)
		}
		if d := waitDelivery(t, n); d.text != "img-"+msg {
			t.Fatalf("want %q, got %q", "img-"+msg, d.text)
		}
	}
}

func TestSend_LateFinStillCompletes(t *testing.T) {
	n, alice, _ := newPair(t, handshake.Options{Timeout: 5 * time.Second})
	n.finGate = make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		_, err := alice.Send(context.Background(), model.TypeText, "late")
		errc <- err
	}()

	select {
	case err := <-errc:
		t.Fatalf("send returned before dh_fin arrived: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	if s := alice.SenderState(); s != handshake.SenderAwaitingPeerPublicKey {
		t.Fatalf("alice state: %s", s)
	}

	close(n.finGate)
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("send: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("send did not complete after dh_fin")
	}
	if d := waitDelivery(t, n); !d.ok || d.text != "late" {
		t.Fatalf("got %q (ok=%v)", d.text, d.ok)
	}
}

func TestSend_TimeoutAbandons(t *testing.T) {
	n, alice, _ := newPair(t, handshake.Options{Timeout: 50 * time.Millisecond})
	n.dropFin = true

	_, err := alice.Send(context.Background(), model.TypeText, "lost")
	if !errors.Is(err, handshake.ErrHandshakeTimeout) {
		t.Fatalf("want ErrHandshakeTimeout, got %v", err)
	}
	if s := alice.SenderState(); s != handshake.SenderAbandoned {
		t.Fatalf("alice state: %s", s)
	}
	select {
	case d := <-n.delivered:
		t.Fatalf("unexpected delivery %q", d.text)
	default:
	}
}

func TestSend_ContextCancel(t *testing.T) {
	rec := newRecorder()
	alice := handshake.NewConversation("alice", "bob", rec, handshake.Options{})
	defer alice.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := alice.Send(ctx, model.TypeText, "x")
		errc <- err
	}()
	rec.next(t)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestSend_StaleFinDiscarded(t *testing.T) {
	rec := newRecorder()
	alice := handshake.NewConversation("alice", "bob", rec, handshake.Options{Timeout: 5 * time.Second})
	defer alice.Close()

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := alice.Send(context.Background(), model.TypeText, "fresh only")
		done <- result{id, err}
	}()

	init := rec.next(t)
	if ty, _ := init.Type(); ty != model.TypeDHInit {
		t.Fatalf("first frame type %q", ty)
	}
	id := init.Get(wire.HeaderHandshake)

	bobKey, _ := keyexchange.GenerateKeyPair()
	defer bobKey.Destroy()
	bobPEM, _ := keyexchange.SerializePublic(bobKey.Public())
	staleKey, _ := keyexchange.GenerateKeyPair()
	stalePEM, _ := keyexchange.SerializePublic(staleKey.Public())

	if err := alice.HandleFin("an-older-exchange", stalePEM); err != nil {
		t.Fatalf("stale fin: %v", err)
	}
	if err := alice.HandleFin(id, bobPEM); err != nil {
		t.Fatalf("fin: %v", err)
	}

	res := <-done
	if res.err != nil || res.id != id {
		t.Fatalf("send: id=%q err=%v", res.id, res.err)
	}

	msg := rec.next(t)
	if msg.Get(wire.HeaderHandshake) != id || msg.Get(wire.HeaderTo) != "bob" {
		t.Fatalf("unexpected headers %v", msg.Headers)
	}
	alicePub, err := keyexchange.DeserializePublic(init.Payload)
	if err != nil {
		t.Fatalf("alice pub: %v", err)
	}
	key, err := keyexchange.DeriveSessionKey(bobKey, alicePub)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if text, ok := envelope.Decrypt(key, msg.Payload); !ok || text != "fresh only" {
		t.Fatalf("decrypt: %q ok=%v", text, ok)
	}
}

func TestHandleCiphertext_NoKey(t *testing.T) {
	bob := handshake.NewConversation("bob", "alice", newRecorder(), handshake.Options{})
	defer bob.Close()

	text, ok := bob.HandleCiphertext("whatever", []byte("AAAA"))
	if ok || text != envelope.NotAuthenticated {
		t.Fatalf("got %q ok=%v", text, ok)
	}
}

func TestHandleCiphertext_SkipsStaleKeys(t *testing.T) {
	rec := newRecorder()
	bob := handshake.NewConversation("bob", "alice", rec, handshake.Options{})
	defer bob.Close()

	aliceKeys := map[string]*keyexchange.PrivateKey{}
	for _, id := range []string{"first", "second"} {
		k, _ := keyexchange.GenerateKeyPair()
		aliceKeys[id] = k
		pem, _ := keyexchange.SerializePublic(k.Public())
		if err := bob.HandleInit(id, pem); err != nil {
			t.Fatalf("init %s: %v", id, err)
		}
	}

	fins := map[string]*wire.Frame{}
	for range 2 {
		f := rec.next(t)
		fins[f.Get(wire.HeaderHandshake)] = f
	}

	bobPub, err := keyexchange.DeserializePublic(fins["second"].Payload)
	if err != nil {
		t.Fatalf("fin pub: %v", err)
	}
	key, _ := keyexchange.DeriveSessionKey(aliceKeys["second"], bobPub)
	ct, _ := envelope.Encrypt(key, "second message")

	if text, ok := bob.HandleCiphertext("second", ct); !ok || text != "second message" {
		t.Fatalf("got %q ok=%v", text, ok)
	}
	// the key for "first" was discarded on the way
	if _, ok := bob.HandleCiphertext("first", ct); ok {
		t.Fatalf("stale key still queued")
	}
}

func TestHandleInit_BadKey(t *testing.T) {
	bob := handshake.NewConversation("bob", "alice", newRecorder(), handshake.Options{})
	defer bob.Close()

	if err := bob.HandleInit("id", []byte("garbage")); !errors.Is(err, keyexchange.ErrInvalidKeyEncoding) {
		t.Fatalf("want ErrInvalidKeyEncoding, got %v", err)
	}
}

func TestClose(t *testing.T) {
	rec := newRecorder()
	alice := handshake.NewConversation("alice", "bob", rec, handshake.Options{})

	errc := make(chan error, 1)
	go func() {
		_, err := alice.Send(context.Background(), model.TypeText, "pending")
		errc <- err
	}()
	rec.next(t)
	alice.Close()
	alice.Close()

	if err := <-errc; !errors.Is(err, handshake.ErrConversationClosed) {
		t.Fatalf("pending send: want ErrConversationClosed, got %v", err)
	}
	if _, err := alice.Send(context.Background(), model.TypeText, "after"); !errors.Is(err, handshake.ErrConversationClosed) {
		t.Fatalf("send after close: want ErrConversationClosed, got %v", err)
	}

	k, _ := keyexchange.GenerateKeyPair()
	pem, _ := keyexchange.SerializePublic(k.Public())
	if err := alice.HandleFin("id", pem); !errors.Is(err, handshake.ErrConversationClosed) {
		t.Fatalf("fin after close: want ErrConversationClosed, got %v", err)
	}
}

func TestSend_RejectsUnsealedType(t *testing.T) {
	alice := handshake.NewConversation("alice", "bob", newRecorder(), handshake.Options{})
	defer alice.Close()

	if _, err := alice.Send(context.Background(), model.TypeDHInit, "x"); !errors.Is(err, model.ErrInvalidMessageType) {
		t.Fatalf("want ErrInvalidMessageType, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := handshake.NewRegistry("alice", newRecorder(), handshake.Options{})
	a := r.Get("bob")
	if r.Get("bob") != a {
		t.Fatalf("registry returned a second conversation for the same peer")
	}
	if _, ok := r.Lookup("carol"); ok {
		t.Fatalf("lookup created a conversation")
	}
	r.Remove("bob")
	if _, err := a.Send(context.Background(), model.TypeText, "x"); !errors.Is(err, handshake.ErrConversationClosed) {
		t.Fatalf("removed conversation still open: %v", err)
	}
	r.CloseAll()
}
