package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/agoranews/agora-live/internal/auth"
	"github.com/agoranews/agora-live/internal/protocol"
)

type stubAuth struct{}

func (stubAuth) Authenticate(r *http.Request) (auth.Identity, error) {
	if r.URL.Query().Get("token") == "good" {
		return auth.Identity{UserID: 7, DisplayName: "alice"}, nil
	}
	return auth.Identity{}, auth.ErrMissingToken
}

func testConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 4
	cfg.ReadTimeout = time.Second
	cfg.Heartbeat.Interval = 0
	return cfg
}

// startTestServer runs a Server behind an httptest server with a dispatcher
// wired as the message callback.
func startTestServer(t *testing.T) (*Server, *MessageDispatcher, string) {
	t.Helper()
	d := NewMessageDispatcher(nil, zap.NewNop())
	srv := NewServer(testConfig(), zap.NewNop(), stubAuth{}, nil, d.Dispatch)
	d.SetSender(srv)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	hs := httptest.NewServer(http.HandlerFunc(srv.HandleUpgrade))
	t.Cleanup(func() {
		srv.Shutdown()
		hs.Close()
	})
	return srv, d, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if br != nil {
		// Frames sent right after the handshake may already be buffered.
		return bufferedConn{Conn: conn, r: io.MultiReader(br, conn)}
	}
	return conn
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func readEvent(t *testing.T, conn net.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return m
}

func TestHandleUpgrade_RejectsWithoutCredential(t *testing.T) {
	_, _, url := startTestServer(t)

	resp, err := http.Get("http" + strings.TrimPrefix(url, "ws") + "/ws")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "UNAUTHENTICATED" {
		t.Errorf("expected UNAUTHENTICATED, got %q", body.Code)
	}
}

func TestUptime(t *testing.T) {
	srv := NewServer(testConfig(), zap.NewNop(), stubAuth{}, nil, nil)
	if got := srv.Uptime(); got != 0 {
		t.Errorf("Uptime before Start = %s, want 0", got)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Shutdown()
	time.Sleep(5 * time.Millisecond)
	if got := srv.Uptime(); got <= 0 {
		t.Errorf("Uptime after Start = %s, want positive", got)
	}
}

func TestHandleUpgrade_SessionCreatedAndPing(t *testing.T) {
	srv, _, url := startTestServer(t)
	conn := dial(t, url+"/ws?token=good")

	created := readEvent(t, conn)
	if created["type"] != protocol.TypeSessionCreated {
		t.Fatalf("expected session_created, got %v", created)
	}
	if created["user_id"] != float64(7) {
		t.Errorf("expected user_id 7, got %v", created["user_id"])
	}
	c := srv.Connections().Get(created["session_id"].(string))
	if c == nil || c.UserID != 7 || c.DisplayName != "alice" {
		t.Fatalf("expected registered connection with identity, got %+v", c)
	}

	if err := wsutil.WriteClientText(conn, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readEvent(t, conn); got["type"] != protocol.TypePong {
		t.Errorf("expected pong, got %v", got)
	}

	if err := wsutil.WriteClientText(conn, []byte(`not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readEvent(t, conn)
	if got["type"] != protocol.TypeError || got["code"] != "INVALID_ARGUMENT" {
		t.Errorf("expected INVALID_ARGUMENT error, got %v", got)
	}
}

func TestHandlerReceivesParsedMessage(t *testing.T) {
	_, d, url := startTestServer(t)
	received := make(chan protocol.JoinTopicMsg, 1)
	d.Register(protocol.TypeJoinTopic, func(conn *Connection, msg interface{}) {
		received <- msg.(protocol.JoinTopicMsg)
	})

	conn := dial(t, url+"/ws?token=good")
	readEvent(t, conn)
	if err := wsutil.WriteClientText(conn, []byte(`{"type":"join_topic","topic_id":42}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-received:
		if msg.TopicID != 42 {
			t.Errorf("expected topic 42, got %d", msg.TopicID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestDisconnectHookRunsOnce(t *testing.T) {
	srv, _, url := startTestServer(t)
	gone := make(chan string, 2)
	srv.SetOnDisconnect(func(c *Connection) { gone <- c.ID })

	conn := dial(t, url+"/ws?token=good")
	created := readEvent(t, conn)
	conn.Close()

	select {
	case id := <-gone:
		if id != created["session_id"] {
			t.Errorf("unexpected session %s", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect hook not called")
	}

	srv.Shutdown()
	select {
	case id := <-gone:
		t.Errorf("disconnect hook ran twice for %s", id)
	case <-time.After(100 * time.Millisecond):
	}
	if srv.Connections().Count() != 0 {
		t.Errorf("expected no connections, got %d", srv.Connections().Count())
	}
}

// slowSessions records session calls and stalls on Create.
type slowSessions struct {
	mu     sync.Mutex
	events []string
}

func (s *slowSessions) record(ev string) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *slowSessions) Create(ctx context.Context, sessionID string, userID int64) error {
	time.Sleep(300 * time.Millisecond)
	s.record("create")
	return nil
}

func (s *slowSessions) Delete(ctx context.Context, sessionID string, userID int64) error {
	s.record("delete")
	return nil
}

func TestClientClosingDuringSlowSessionCreate(t *testing.T) {
	sessions := &slowSessions{}
	srv := NewServer(testConfig(), zap.NewNop(), stubAuth{}, sessions, nil)

	var mu sync.Mutex
	var hooks []string
	gone := make(chan struct{}, 1)
	srv.SetOnConnect(func(*Connection) {
		mu.Lock()
		hooks = append(hooks, "connect")
		mu.Unlock()
	})
	srv.SetOnDisconnect(func(*Connection) {
		mu.Lock()
		hooks = append(hooks, "disconnect")
		mu.Unlock()
		gone <- struct{}{}
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	hs := httptest.NewServer(http.HandlerFunc(srv.HandleUpgrade))
	defer hs.Close()
	defer srv.Shutdown()

	conn := dial(t, "ws"+strings.TrimPrefix(hs.URL, "http")+"/ws?token=good")
	conn.Close()

	select {
	case <-gone:
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect hook not called")
	}

	mu.Lock()
	gotHooks := strings.Join(hooks, ",")
	mu.Unlock()
	if gotHooks != "connect,disconnect" {
		t.Errorf("hook order = %s, want connect,disconnect", gotHooks)
	}
	sessions.mu.Lock()
	gotSessions := strings.Join(sessions.events, ",")
	sessions.mu.Unlock()
	if gotSessions != "create,delete" {
		t.Errorf("session calls = %s, want create,delete", gotSessions)
	}
	if n := srv.Connections().Count(); n != 0 {
		t.Errorf("expected no connections, got %d", n)
	}
}

func TestHeartbeatEvictsStaleConnections(t *testing.T) {
	srv := NewServer(testConfig(), zap.NewNop(), stubAuth{}, nil, nil)
	removed := make(chan string, 1)
	srv.SetOnDisconnect(func(c *Connection) { removed <- c.ID })

	client, server := net.Pipe()
	defer client.Close()
	c := &Connection{ID: "stale", Conn: server}
	now := time.Now()
	c.Touch(now.Add(-time.Hour))
	srv.conns.Add(c)

	srv.checkConnections(DefaultHeartbeatConfig(), now)

	select {
	case id := <-removed:
		if id != "stale" {
			t.Errorf("unexpected removal %s", id)
		}
	default:
		t.Fatal("stale connection not removed")
	}
	if srv.conns.Get("stale") != nil {
		t.Error("stale connection still registered")
	}
}

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()
	a, b := net.Pipe()
	defer b.Close()
	c := &Connection{ID: "s1", Conn: a}
	cm.Add(c)

	if cm.Get("s1") != c || cm.GetByConn(a) != c {
		t.Fatal("lookup failed")
	}
	if cm.Count() != 1 || len(cm.All()) != 1 {
		t.Fatalf("expected one connection")
	}
	if !cm.Remove("s1") {
		t.Fatal("expected first remove to succeed")
	}
	if cm.Remove("s1") {
		t.Error("expected second remove to report false")
	}
	if cm.GetByConn(a) != nil {
		t.Error("expected conn index cleared")
	}
}
