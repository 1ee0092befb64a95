package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jwen/streamkeeper/internal/dedup"
	"github.com/jwen/streamkeeper/internal/model"
	"github.com/jwen/streamkeeper/internal/routing"
	"github.com/jwen/streamkeeper/internal/session"
	"github.com/jwen/streamkeeper/internal/supervisor"
	"github.com/jwen/streamkeeper/internal/transport"
)

// mockGateway upgrades connections and hands them to handler with a
// connection ordinal.
func mockGateway(t *testing.T, handler func(int, *websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	var mu sync.Mutex
	count := 0

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		mu.Lock()
		count++
		id := count
		mu.Unlock()

		handler(id, conn)
	}))
}

// closerFunc adapts a function to io.Closer for test servers that need
// custom shutdown behavior.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func ackRegister(conn *websocket.Conn) bool {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return false
	}
	var frame transport.Frame
	if json.Unmarshal(data, &frame) != nil || frame.Type != transport.FrameRegister {
		return false
	}
	msg, _ := json.Marshal(transport.RegisteredMsg{SessionID: "sess-1"})
	resp, _ := json.Marshal(transport.Frame{Type: transport.FrameRegistered, Msg: msg})
	conn.WriteMessage(websocket.TextMessage, resp)
	return true
}

func pushEvent(conn *websocket.Conn, event model.InboundEvent) error {
	msg, _ := json.Marshal(event)
	frame, _ := json.Marshal(transport.Frame{Type: transport.FrameEvent, Msg: msg})
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// readAcks forwards ack frames to out until the connection dies.
func readAcks(conn *websocket.Conn, out chan<- transport.AckMsg) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame transport.Frame
		if json.Unmarshal(data, &frame) == nil && frame.Type == transport.FrameAck {
			var ack transport.AckMsg
			json.Unmarshal(frame.Msg, &ack)
			out <- ack
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testAccount(url string) model.Account {
	return model.Account{
		Key:        "default",
		AppID:      "app-test",
		AppSecret:  "secret",
		GatewayURL: url,
		Topics:     []string{"message"},
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.CleanupInterval = 50 * time.Millisecond
	cfg.Supervisor = supervisor.Config{
		PollInterval:     20 * time.Millisecond,
		BaseDelay:        20 * time.Millisecond,
		MaxDelay:         200 * time.Millisecond,
		SoftRepairLimit:  1,
		ConnectTimeout:   time.Second,
		ConnectedTimeout: time.Second,
	}
	return cfg
}

func newCoordinator(t *testing.T, handler Handler) *Coordinator {
	t.Helper()
	factory := session.NewFactory(transport.DefaultConfig(), nil)
	ledger, err := dedup.NewLedger(dedup.Config{Capacity: 128, TTL: time.Minute}, nil)
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	routes := routing.NewCache(nil)
	return NewCoordinator(fastConfig(), factory, ledger, routes, handler, nil)
}

func TestCoordinator_MissingCredentialsFatal(t *testing.T) {
	coord := newCoordinator(t, nil)

	account := testAccount("ws://localhost:1")
	account.AppSecret = ""

	err := coord.Start(context.Background(), account)
	if err == nil {
		t.Fatal("expected synchronous error for missing credentials")
	}
}

func TestCoordinator_DuplicateEventHandledOnce(t *testing.T) {
	event := model.InboundEvent{
		EventID:          "evt-1",
		ConversationID:   "conv-1",
		ConversationType: model.ConversationDirect,
		SenderID:         "user-1",
		ReplyURL:         "https://gw/reply/1",
		ReplyExpiresAt:   time.Now().Add(time.Hour).Unix(),
	}

	acks := make(chan transport.AckMsg, 4)
	server := mockGateway(t, func(id int, conn *websocket.Conn) {
		if !ackRegister(conn) {
			return
		}
		// Same event delivered twice, 100ms apart.
		pushEvent(conn, event)
		time.Sleep(100 * time.Millisecond)
		pushEvent(conn, event)
		readAcks(conn, acks)
	})
	defer server.Close()

	var mu sync.Mutex
	handled := 0
	handler := HandlerFunc(func(ctx context.Context, event model.InboundEvent, sess *session.Session) error {
		mu.Lock()
		handled++
		mu.Unlock()
		if sess == nil {
			t.Error("handler should receive the current session")
		}
		return nil
	})

	coord := newCoordinator(t, handler)
	account := testAccount(wsURL(server))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Start(ctx, account) }()

	var first, second transport.AckMsg
	select {
	case first = <-acks:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first ack")
	}
	select {
	case second = <-acks:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for second ack")
	}

	if !first.Success || !second.Success {
		t.Errorf("both deliveries should ack success: %+v %+v", first, second)
	}

	mu.Lock()
	got := handled
	mu.Unlock()
	if got != 1 {
		t.Errorf("handler invoked %d times, want 1", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start returned %v on clean stop", err)
	}
}

func TestCoordinator_HandlerErrorStillAcked(t *testing.T) {
	acks := make(chan transport.AckMsg, 4)
	server := mockGateway(t, func(id int, conn *websocket.Conn) {
		if !ackRegister(conn) {
			return
		}
		pushEvent(conn, model.InboundEvent{EventID: "evt-bad", ConversationID: "conv-1"})
		pushEvent(conn, model.InboundEvent{EventID: "evt-good", ConversationID: "conv-1"})
		readAcks(conn, acks)
	})
	defer server.Close()

	handler := HandlerFunc(func(ctx context.Context, event model.InboundEvent, sess *session.Session) error {
		if event.EventID == "evt-bad" {
			return errors.New("downstream exploded")
		}
		return nil
	})

	coord := newCoordinator(t, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Start(ctx, testAccount(wsURL(server)))

	byID := make(map[string]transport.AckMsg)
	for i := 0; i < 2; i++ {
		select {
		case ack := <-acks:
			byID[ack.EventID] = ack
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for acks")
		}
	}

	bad, ok := byID["evt-bad"]
	if !ok || bad.Success || bad.Error == "" {
		t.Errorf("failed event should ack failure with reason, got %+v", bad)
	}
	good, ok := byID["evt-good"]
	if !ok || !good.Success {
		t.Errorf("handler failure must not affect later events, got %+v", good)
	}
}

func TestCoordinator_ResolveReplyEndpoint(t *testing.T) {
	server := mockGateway(t, func(id int, conn *websocket.Conn) {
		if !ackRegister(conn) {
			return
		}
		pushEvent(conn, model.InboundEvent{
			EventID:          "evt-1",
			ConversationID:   "conv-1",
			ConversationType: model.ConversationDirect,
			SenderID:         "user-1",
			ReplyURL:         "https://gw/reply/1",
			ReplyExpiresAt:   time.Now().Add(time.Hour).Unix(),
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	coord := newCoordinator(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Start(ctx, testAccount(wsURL(server)))

	waitFor(t, 2*time.Second, func() bool {
		_, ok := coord.ResolveReplyEndpoint("conv-1", "")
		return ok
	}, "endpoint never recorded")

	if endpoint, ok := coord.ResolveReplyEndpoint("conv-1", ""); !ok || endpoint != "https://gw/reply/1" {
		t.Errorf("Resolve(conv) = %q, %v", endpoint, ok)
	}
	// Direct conversation: the sender key resolves too.
	if endpoint, ok := coord.ResolveReplyEndpoint("", "user-1"); !ok || endpoint != "https://gw/reply/1" {
		t.Errorf("Resolve(sender) = %q, %v", endpoint, ok)
	}
}

func TestCoordinator_HealthAndStop(t *testing.T) {
	server := mockGateway(t, func(id int, conn *websocket.Conn) {
		if !ackRegister(conn) {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	coord := newCoordinator(t, nil)
	account := testAccount(wsURL(server))

	done := make(chan error, 1)
	go func() { done <- coord.Start(context.Background(), account) }()

	waitFor(t, 2*time.Second, func() bool {
		return coord.Health(account.Key).Connected
	}, "never connected")
	waitFor(t, 2*time.Second, func() bool {
		return coord.Health(account.Key).Registered
	}, "never registered")

	coord.Stop(account.Key)
	coord.Stop(account.Key) // idempotent

	if err := <-done; err != nil {
		t.Errorf("Start returned %v on clean stop", err)
	}
	if health := coord.Health(account.Key); health.Connected {
		t.Errorf("health after stop = %+v, want disconnected", health)
	}
}

// TestCoordinator_RepairRestoresDelivery drops the first connection
// server-side and verifies the supervisor brings delivery back: the next
// registration carries an event end to end.
func TestCoordinator_RepairRestoresDelivery(t *testing.T) {
	acks := make(chan transport.AckMsg, 4)
	server := mockGateway(t, func(id int, conn *websocket.Conn) {
		if !ackRegister(conn) {
			return
		}
		if id == 1 {
			// Server-initiated drop before delivering anything.
			return
		}
		pushEvent(conn, model.InboundEvent{
			EventID:        "evt-after-repair",
			ConversationID: "conv-1",
			ReplyURL:       "https://gw/reply/2",
			ReplyExpiresAt: time.Now().Add(time.Hour).Unix(),
		})
		readAcks(conn, acks)
	})
	defer server.Close()

	var mu sync.Mutex
	handled := 0
	handler := HandlerFunc(func(ctx context.Context, event model.InboundEvent, sess *session.Session) error {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	})

	coord := newCoordinator(t, handler)
	account := testAccount(wsURL(server))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Start(ctx, account)

	select {
	case ack := <-acks:
		if ack.EventID != "evt-after-repair" || !ack.Success {
			t.Errorf("unexpected ack %+v", ack)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event after repair was never acked")
	}

	mu.Lock()
	defer mu.Unlock()
	if handled != 1 {
		t.Fatalf("handler invoked %d times, want 1", handled)
	}
}

// TestCoordinator_HardRepairReplacesSession keeps the gateway unreachable
// through the soft-repair window so the supervisor escalates to a hard
// repair, then verifies a brand-new session object carries events.
func TestCoordinator_HardRepairReplacesSession(t *testing.T) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	acks := make(chan transport.AckMsg, 4)

	// http.Server.Close does not touch hijacked connections, so each server
	// tracks its upgraded conns and closes them too — otherwise "killing"
	// srv1 would leave the first-generation websocket alive.
	serve := func(addr string, firstGeneration bool) (io.Closer, string, error) {
		var connMu sync.Mutex
		var conns []*websocket.Conn
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			connMu.Lock()
			conns = append(conns, conn)
			connMu.Unlock()
			defer conn.Close()
			if !ackRegister(conn) {
				return
			}
			if firstGeneration {
				// Hold the connection until the server shuts down.
				conn.ReadMessage()
				return
			}
			pushEvent(conn, model.InboundEvent{
				EventID:        "evt-post-swap",
				ConversationID: "conv-1",
				ReplyURL:       "https://gw/reply/3",
				ReplyExpiresAt: time.Now().Add(time.Hour).Unix(),
			})
			readAcks(conn, acks)
		})
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, "", err
		}
		srv := &http.Server{Handler: handler}
		go srv.Serve(ln)
		return closerFunc(func() error {
			err := srv.Close()
			connMu.Lock()
			defer connMu.Unlock()
			for _, c := range conns {
				c.Close()
			}
			return err
		}), ln.Addr().String(), nil
	}

	srv1, addr, err := serve("127.0.0.1:0", true)
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	var mu sync.Mutex
	var handledBy []string
	handler := HandlerFunc(func(ctx context.Context, event model.InboundEvent, sess *session.Session) error {
		mu.Lock()
		handledBy = append(handledBy, sess.ID())
		mu.Unlock()
		return nil
	})

	coord := newCoordinator(t, handler)
	account := testAccount("ws://" + addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Start(ctx, account)

	waitFor(t, 2*time.Second, func() bool {
		return coord.Health(account.Key).Connected
	}, "never connected")
	initial := coord.registry.Current(account.Key).ID()

	// Kill the gateway. Dials now fail, so the soft attempt fails and the
	// supervisor escalates to the hard path before the gateway returns.
	srv1.Close()
	time.Sleep(150 * time.Millisecond)

	srv2, _, err := serve(addr, false)
	if err != nil {
		t.Fatalf("relisten failed: %v", err)
	}
	defer srv2.Close()

	select {
	case ack := <-acks:
		if ack.EventID != "evt-post-swap" || !ack.Success {
			t.Errorf("unexpected ack %+v", ack)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event after hard repair was never acked")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(handledBy) != 1 {
		t.Fatalf("handler invoked %d times, want 1", len(handledBy))
	}
	if handledBy[0] == initial {
		t.Error("event should be carried by a replacement session, not the original")
	}
}
