package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/torosent/streamfire/internal/connection"
	"github.com/torosent/streamfire/internal/sample"
	"github.com/torosent/streamfire/internal/stream"
)

// Helper function to create a test WebSocket server
func createTestWSServer(handler func(*http.Request, *websocket.Conn)) (*httptest.Server, *atomic.Int64) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	var upgrades atomic.Int64

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upgrades.Add(1)
		defer conn.Close()
		handler(r, conn)
	})), &upgrades
}

func echoHandler(_ *http.Request, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestConnection(t *testing.T, server *httptest.Server) *Connection {
	t.Helper()
	conn, err := NewConnection(Config{URL: wsURL(server), HandshakeTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewConnection failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func collect(t *testing.T, pub stream.Publisher) ([]string, error) {
	t.Helper()
	var (
		mu    sync.Mutex
		items []string
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := stream.Consume(ctx, pub, func(p stream.Payload) {
		mu.Lock()
		items = append(items, string(p.Data))
		mu.Unlock()
	})
	err := done.Wait(context.Background())
	mu.Lock()
	defer mu.Unlock()
	return items, err
}

func TestNewConnectionValidatesURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "ws", url: "ws://localhost:8080/rs"},
		{name: "wss", url: "wss://example.com"},
		{name: "http scheme", url: "http://example.com", wantErr: true},
		{name: "garbage", url: "::not a url", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := NewConnection(Config{URL: tt.url})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewConnection() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				if conn.dialer.HandshakeTimeout != 30*time.Second {
					t.Errorf("HandshakeTimeout = %v, want 30s", conn.dialer.HandshakeTimeout)
				}
				if conn.cfg.MessageType != websocket.BinaryMessage {
					t.Errorf("MessageType = %d, want binary", conn.cfg.MessageType)
				}
			}
		})
	}
}

func TestRequestResponseReusesSocket(t *testing.T) {
	server, upgrades := createTestWSServer(echoHandler)
	defer server.Close()
	conn := newTestConnection(t, server)

	for _, msg := range []string{"one", "two", "three"} {
		items, err := collect(t, conn.RequestResponse(connection.Request{Data: []byte(msg)}))
		if err != nil {
			t.Fatalf("RequestResponse failed: %v", err)
		}
		if len(items) != 1 || items[0] != msg {
			t.Fatalf("items = %v, want [%s]", items, msg)
		}
	}

	if got := upgrades.Load(); got != 1 {
		t.Errorf("upgrades = %d, want 1 pooled socket", got)
	}
	m := conn.Metrics()
	if m.Protocol != Protocol {
		t.Errorf("Protocol = %q", m.Protocol)
	}
	if m.MessagesSent != 3 || m.MessagesReceived != 3 {
		t.Errorf("sent/received = %d/%d, want 3/3", m.MessagesSent, m.MessagesReceived)
	}
	if m.BytesSent != 11 || m.BytesReceived != 11 {
		t.Errorf("bytes = %d/%d, want 11/11", m.BytesSent, m.BytesReceived)
	}
	if m.Errors != 0 {
		t.Errorf("Errors = %d, want 0", m.Errors)
	}
}

func TestRouteAndMetadataHeaders(t *testing.T) {
	headers := make(chan http.Header, 1)
	server, _ := createTestWSServer(func(r *http.Request, c *websocket.Conn) {
		headers <- r.Header.Clone()
		echoHandler(r, c)
	})
	defer server.Close()

	base := http.Header{}
	base.Set("Authorization", "Bearer token123")
	conn, err := NewConnection(Config{URL: wsURL(server), Headers: base})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	req := connection.Request{
		Route:    "orders.create",
		Data:     []byte("x"),
		Metadata: map[string]string{"X-Tenant": "acme"},
	}
	if _, err := collect(t, conn.RequestResponse(req)); err != nil {
		t.Fatalf("RequestResponse failed: %v", err)
	}

	got := <-headers
	if got.Get(RouteHeader) != "orders.create" {
		t.Errorf("%s = %q", RouteHeader, got.Get(RouteHeader))
	}
	if got.Get("X-Tenant") != "acme" {
		t.Errorf("X-Tenant = %q", got.Get("X-Tenant"))
	}
	if got.Get("Authorization") != "Bearer token123" {
		t.Errorf("Authorization = %q", got.Get("Authorization"))
	}
}

func TestFireAndForgetCompletesWithoutResponse(t *testing.T) {
	received := make(chan string, 1)
	server, _ := createTestWSServer(func(_ *http.Request, c *websocket.Conn) {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		received <- string(data)
		_, _, _ = c.ReadMessage()
	})
	defer server.Close()
	conn := newTestConnection(t, server)

	items, err := collect(t, conn.FireAndForget(connection.Request{Data: []byte("fire")}))
	if err != nil {
		t.Fatalf("FireAndForget failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("items = %v, want none", items)
	}
	select {
	case got := <-received:
		if got != "fire" {
			t.Errorf("server received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the message")
	}
}

func TestRequestStreamUntilNormalClosure(t *testing.T) {
	server, upgrades := createTestWSServer(func(_ *http.Request, c *websocket.Conn) {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
		for _, m := range []string{"a", "b", "c"} {
			_ = c.WriteMessage(websocket.BinaryMessage, []byte(m))
		}
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
		_, _, _ = c.ReadMessage()
	})
	defer server.Close()
	conn := newTestConnection(t, server)

	for i := 0; i < 2; i++ {
		items, err := collect(t, conn.RequestStream(connection.Request{Data: []byte("go")}))
		if err != nil {
			t.Fatalf("RequestStream failed: %v", err)
		}
		if strings.Join(items, "") != "abc" {
			t.Errorf("items = %v, want [a b c]", items)
		}
	}
	if got := upgrades.Load(); got != 2 {
		t.Errorf("upgrades = %d, want a fresh socket per stream", got)
	}
}

func TestRequestStreamAbnormalClosureCarriesCode(t *testing.T) {
	server, _ := createTestWSServer(func(_ *http.Request, c *websocket.Conn) {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
		_ = c.WriteMessage(websocket.BinaryMessage, []byte("partial"))
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "boom"))
		_, _, _ = c.ReadMessage()
	})
	defer server.Close()
	conn := newTestConnection(t, server)

	items, err := collect(t, conn.RequestStream(connection.Request{Data: []byte("go")}))
	if err == nil {
		t.Fatal("expected error on abnormal closure")
	}
	if len(items) != 1 {
		t.Errorf("items = %v, want the partial message", items)
	}

	var se sample.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error %T does not carry a status", err)
	}
	if se.Protocol() != Protocol || se.StatusCode() != "1011" {
		t.Errorf("status = %s/%s, want websocket/1011", se.Protocol(), se.StatusCode())
	}
	if conn.Metrics().Errors != 1 {
		t.Errorf("Errors = %d, want 1", conn.Metrics().Errors)
	}
}

func TestRequestChannelSendsAllRequests(t *testing.T) {
	server, _ := createTestWSServer(func(_ *http.Request, c *websocket.Conn) {
		for i := 0; i < 3; i++ {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			_ = c.WriteMessage(websocket.BinaryMessage, []byte(strings.ToUpper(string(data))))
		}
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_, _, _ = c.ReadMessage()
	})
	defer server.Close()
	conn := newTestConnection(t, server)

	requests := stream.Just(
		stream.NewPayload([]byte("x"), nil),
		stream.NewPayload([]byte("y"), nil),
		stream.NewPayload([]byte("z"), nil),
	)
	items, err := collect(t, conn.RequestChannel(connection.Request{}, requests))
	if err != nil {
		t.Fatalf("RequestChannel failed: %v", err)
	}
	if strings.Join(items, ",") != "X,Y,Z" {
		t.Errorf("items = %v, want [X Y Z]", items)
	}
}

func TestRequestChannelFailingRequestStream(t *testing.T) {
	server, _ := createTestWSServer(echoHandler)
	defer server.Close()
	conn := newTestConnection(t, server)

	boom := errors.New("source failed")
	_, err := collect(t, conn.RequestChannel(connection.Request{}, stream.Error(boom)))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestStalePooledSocketIsRedialed(t *testing.T) {
	var first atomic.Bool
	server, upgrades := createTestWSServer(func(r *http.Request, c *websocket.Conn) {
		if first.CompareAndSwap(false, true) {
			// Answer once, then drop the socket while it sits in the pool.
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			_ = c.WriteMessage(websocket.BinaryMessage, data)
			return
		}
		echoHandler(r, c)
	})
	defer server.Close()
	conn := newTestConnection(t, server)

	if _, err := collect(t, conn.RequestResponse(connection.Request{Data: []byte("1")})); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	items, err := collect(t, conn.RequestResponse(connection.Request{Data: []byte("2")}))
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if len(items) != 1 || items[0] != "2" {
		t.Errorf("items = %v", items)
	}
	if got := upgrades.Load(); got != 2 {
		t.Errorf("upgrades = %d, want 2", got)
	}
}

func TestCancelClosesSocket(t *testing.T) {
	server, _ := createTestWSServer(func(_ *http.Request, c *websocket.Conn) {
		_, _, _ = c.ReadMessage()
		_, _, _ = c.ReadMessage() // never answers
	})
	defer server.Close()
	conn := newTestConnection(t, server)

	ctx, cancel := context.WithCancel(context.Background())
	done := stream.Consume(ctx, conn.RequestResponse(connection.Request{Data: []byte("hang")}), nil)
	time.Sleep(50 * time.Millisecond)
	cancel()

	err := done.Wait(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestHandshakeFailureCarriesHTTPStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()
	conn := newTestConnection(t, server)

	_, err := collect(t, conn.RequestResponse(connection.Request{Data: []byte("x")}))
	var wsErr *Error
	if !errors.As(err, &wsErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if wsErr.Op != "dial" || wsErr.StatusCode() != "403" {
		t.Errorf("Error = %+v", wsErr)
	}
	if conn.Metrics().Errors != 1 {
		t.Errorf("Errors = %d, want 1", conn.Metrics().Errors)
	}
}

func TestMetadataPushUnsupported(t *testing.T) {
	conn, err := NewConnection(Config{URL: "ws://localhost:1"})
	if err != nil {
		t.Fatal(err)
	}
	if connection.Supports(conn, connection.MetadataPush) {
		t.Error("websocket should not support METADATA_PUSH")
	}
	if _, err := connection.Open(conn, connection.MetadataPush, connection.Request{}, nil); !errors.Is(err, connection.ErrUnsupportedMode) {
		t.Errorf("Open err = %v", err)
	}
}
