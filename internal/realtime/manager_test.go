package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Wondergasper/connectify-core/internal/bus"
	"github.com/Wondergasper/connectify-core/internal/status"
	"github.com/gorilla/websocket"
)

// wsServer is a minimal in-process channel endpoint for tests.
type wsServer struct {
	srv      *httptest.Server
	accepted atomic.Int32
	frames   chan envelope
	tokens   chan string

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		frames: make(chan envelope, 32),
		tokens: make(chan string, 8),
	}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.tokens <- r.URL.Query().Get("token"):
		default:
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.mu.Lock()
		s.conns = append(s.conns, ws)
		s.mu.Unlock()
		go func() {
			for {
				var env envelope
				if err := ws.ReadJSON(&env); err != nil {
					return
				}
				s.frames <- env
			}
		}()
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// push writes a raw frame to the most recently accepted connection.
func (s *wsServer) push(t *testing.T, raw string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		t.Fatal("no server-side connection to push to")
	}
	ws := s.conns[len(s.conns)-1]
	if err := ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("push: %v", err)
	}
}

// closeLatest closes the most recently accepted connection server-side.
func (s *wsServer) closeLatest(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		t.Fatal("no server-side connection to close")
	}
	_ = s.conns[len(s.conns)-1].Close()
}

func (s *wsServer) nextFrame(t *testing.T) envelope {
	t.Helper()
	select {
	case env := <-s.frames:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for client frame")
		return envelope{}
	}
}

func newTestManager(srv *wsServer, b *bus.Bus) *Manager {
	return NewManager(srv.url(), b, status.NewMachine(b), nil)
}

func waitEvent(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", kind)
		}
	}
}

func TestEnsureRequiresBothKeyComponents(t *testing.T) {
	srv := newWSServer(t)
	m := newTestManager(srv, bus.New())

	conn, err := m.Ensure(context.Background(), "", "tok")
	if err != nil || conn != nil {
		t.Errorf("Ensure(\"\", tok) = %v, %v; want nil, nil", conn, err)
	}
	conn, err = m.Ensure(context.Background(), "u1", "")
	if err != nil || conn != nil {
		t.Errorf("Ensure(u1, \"\") = %v, %v; want nil, nil", conn, err)
	}
	if m.Current() != nil {
		t.Error("Current() != nil, want no live connection")
	}
	if got := srv.accepted.Load(); got != 0 {
		t.Errorf("server accepted %d connections, want 0", got)
	}
}

func TestEnsureSameKeyIsNoOp(t *testing.T) {
	srv := newWSServer(t)
	m := newTestManager(srv, bus.New())
	defer m.Teardown()

	c1, err := m.Ensure(context.Background(), "u1", "tok")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	c2, err := m.Ensure(context.Background(), "u1", "tok")
	if err != nil {
		t.Fatalf("second Ensure() error = %v", err)
	}
	if c1 != c2 {
		t.Error("same-key Ensure returned a different connection instance")
	}
	if got := srv.accepted.Load(); got != 1 {
		t.Errorf("server accepted %d connections, want 1", got)
	}
}

func TestEnsureNewKeyReplacesConnection(t *testing.T) {
	srv := newWSServer(t)
	m := newTestManager(srv, bus.New())
	defer m.Teardown()

	c1, err := m.Ensure(context.Background(), "u1", "tok-old")
	if err != nil {
		t.Fatal(err)
	}
	c2, err := m.Ensure(context.Background(), "u1", "tok-new")
	if err != nil {
		t.Fatal(err)
	}
	if c1 == c2 {
		t.Error("key change should create a fresh connection")
	}
	if got := srv.accepted.Load(); got != 2 {
		t.Errorf("server accepted %d connections, want 2", got)
	}
	// The second dial carried the new token.
	<-srv.tokens
	if tok := <-srv.tokens; tok != "tok-new" {
		t.Errorf("second dial token = %q, want tok-new", tok)
	}
}

func TestConnectAnnouncesJoinAndPresence(t *testing.T) {
	srv := newWSServer(t)
	m := newTestManager(srv, bus.New())
	defer m.Teardown()

	if _, err := m.Ensure(context.Background(), "u1", "tok"); err != nil {
		t.Fatal(err)
	}

	join := srv.nextFrame(t)
	if join.Event != cmdJoin {
		t.Fatalf("first frame = %q, want %q", join.Event, cmdJoin)
	}
	var payload map[string]string
	if err := json.Unmarshal(join.Data, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["userId"] != "u1" {
		t.Errorf("join userId = %q, want u1", payload["userId"])
	}

	online := srv.nextFrame(t)
	if online.Event != cmdSetOnline {
		t.Errorf("second frame = %q, want %q", online.Event, cmdSetOnline)
	}
}

func TestInboundEventsReachTheBus(t *testing.T) {
	srv := newWSServer(t)
	b := bus.New()
	ch, unsub := b.Subscribe("rt.", 32)
	defer unsub()

	m := newTestManager(srv, b)
	defer m.Teardown()
	if _, err := m.Ensure(context.Background(), "u1", "tok"); err != nil {
		t.Fatal(err)
	}

	srv.push(t, `{"event":"newMessage","data":{"id":"m1","conversationId":"c1","sender":{"id":"u2"},"content":"hi"}}`)

	evt := waitEvent(t, ch, "rt.message.new")
	nm, ok := evt.Payload.(NewMessage)
	if !ok {
		t.Fatalf("payload type = %T, want NewMessage", evt.Payload)
	}
	if nm.Message.ID != "m1" || nm.Message.ConversationID != "c1" {
		t.Errorf("message = %+v, want id=m1 conv=c1", nm.Message)
	}
}

// One bad frame must not end the subscription: events after it still flow.
func TestMalformedEventIsDroppedNotFatal(t *testing.T) {
	srv := newWSServer(t)
	b := bus.New()
	ch, unsub := b.Subscribe("rt.typing.", 32)
	defer unsub()

	m := newTestManager(srv, b)
	defer m.Teardown()
	if _, err := m.Ensure(context.Background(), "u1", "tok"); err != nil {
		t.Fatal(err)
	}

	srv.push(t, `{"event":"newMessage","data":{"content":"no ids"}}`)
	srv.push(t, `this is not even json`)
	srv.push(t, `{"event":"userTyping","data":{"conversationId":"c1","userId":"u2"}}`)

	evt := waitEvent(t, ch, "rt.typing.start")
	typ := evt.Payload.(UserTyping)
	if typ.ConversationID != "c1" || typ.UserID != "u2" {
		t.Errorf("typing = %+v, want c1/u2", typ)
	}
}

func TestServerCloseClearsSharedInstance(t *testing.T) {
	srv := newWSServer(t)
	b := bus.New()
	ch, unsub := b.Subscribe("rt.disconnected", 8)
	defer unsub()

	m := newTestManager(srv, b)
	if _, err := m.Ensure(context.Background(), "u1", "tok"); err != nil {
		t.Fatal(err)
	}

	srv.closeLatest(t)
	waitEvent(t, ch, "rt.disconnected")

	if m.Current() != nil {
		t.Error("Current() != nil after server close; dead instance must be cleared")
	}

	// A subsequent Ensure dials fresh rather than reusing the dead one.
	if _, err := m.Ensure(context.Background(), "u1", "tok"); err != nil {
		t.Fatalf("re-Ensure after disconnect: %v", err)
	}
	defer m.Teardown()
	if got := srv.accepted.Load(); got != 2 {
		t.Errorf("server accepted %d connections, want 2", got)
	}
}

func TestSendTyping(t *testing.T) {
	srv := newWSServer(t)
	m := newTestManager(srv, bus.New())
	defer m.Teardown()
	if _, err := m.Ensure(context.Background(), "u1", "tok"); err != nil {
		t.Fatal(err)
	}
	srv.nextFrame(t) // join
	srv.nextFrame(t) // setOnline

	if err := m.SendTyping("c1", true); err != nil {
		t.Fatal(err)
	}
	frame := srv.nextFrame(t)
	if frame.Event != cmdTypingStart {
		t.Errorf("frame = %q, want %q", frame.Event, cmdTypingStart)
	}

	if err := m.SendTyping("c1", false); err != nil {
		t.Fatal(err)
	}
	frame = srv.nextFrame(t)
	if frame.Event != cmdTypingStop {
		t.Errorf("frame = %q, want %q", frame.Event, cmdTypingStop)
	}
}

func TestTeardownTransitionsMachine(t *testing.T) {
	srv := newWSServer(t)
	b := bus.New()
	machine := status.NewMachine(b)
	m := NewManager(srv.url(), b, machine, nil)

	if _, err := m.Ensure(context.Background(), "u1", "tok"); err != nil {
		t.Fatal(err)
	}
	if machine.Current() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", machine.Current())
	}

	m.Teardown()
	if machine.Current() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", machine.Current())
	}
}
