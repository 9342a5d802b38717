// Package websocket implements a connection.Connection over WebSocket.
//
// Every interaction is one or more binary messages on a socket dialed with
// the request's route and metadata as handshake headers. Sockets that end an
// interaction in a clean state are pooled per target and header set.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/torosent/streamfire/internal/clientmetrics"
	"github.com/torosent/streamfire/internal/connection"
	"github.com/torosent/streamfire/internal/pool"
	"github.com/torosent/streamfire/internal/stream"
	"github.com/torosent/streamfire/internal/tracing"
)

// Protocol names this transport in metrics and error details.
const Protocol = "websocket"

// RouteHeader carries the request route on the handshake.
const RouteHeader = "Streamfire-Route"

// Config configures the WebSocket connection behavior.
type Config struct {
	URL              string
	Headers          http.Header
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	// MessageType is websocket.BinaryMessage (default) or websocket.TextMessage.
	MessageType int
	PoolSize    int
	// Propagate injects W3C trace context into handshake headers.
	Propagate bool
	Logger    *zap.Logger
}

// Connection dials sockets on demand and reuses idle ones.
type Connection struct {
	cfg     Config
	dialer  *websocket.Dialer
	pool    *pool.ConnectionPool[*socket]
	metrics *clientmetrics.ClientMetrics
	log     *zap.Logger
}

var _ connection.Connection = (*Connection)(nil)

// NewConnection validates cfg and returns a Connection. No socket is dialed
// until the first interaction.
func NewConnection(cfg Config) (*Connection, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("websocket url must use ws or wss scheme, got %q", cfg.URL)
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1024 * 1024 // 1MB default
	}
	if cfg.MessageType == 0 {
		cfg.MessageType = websocket.BinaryMessage
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Connection{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		pool:    pool.NewConnectionPool[*socket](cfg.PoolSize),
		metrics: clientmetrics.New(Protocol),
		log:     cfg.Logger.With(zap.String("transport", Protocol)),
	}, nil
}

// Error is a websocket failure that carries a close code or, for a failed
// handshake, the HTTP status.
type Error struct {
	Op   string
	Code int
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("websocket %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Protocol implements sample.StatusError.
func (e *Error) Protocol() string { return Protocol }

// StatusCode implements sample.StatusError.
func (e *Error) StatusCode() string { return strconv.Itoa(e.Code) }

func wrapErr(op string, err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &Error{Op: op, Code: ce.Code, Err: err}
	}
	return fmt.Errorf("websocket %s: %w", op, err)
}

// FireAndForget writes the request and completes without reading.
func (c *Connection) FireAndForget(req connection.Request) stream.Publisher {
	return stream.Create(func(ctx context.Context, _ stream.Sink) error {
		return c.session(ctx, req, true, func(x *exchange) (bool, error) {
			return true, x.write(req.Data)
		})
	})
}

// RequestResponse writes the request and emits the first message read back.
func (c *Connection) RequestResponse(req connection.Request) stream.Publisher {
	return stream.Create(func(ctx context.Context, sink stream.Sink) error {
		var resp []byte
		err := c.session(ctx, req, true, func(x *exchange) (bool, error) {
			if err := x.write(req.Data); err != nil {
				return false, err
			}
			data, err := x.read()
			if err != nil {
				return false, wrapErr("read", err)
			}
			resp = data
			return true, nil
		})
		if err != nil {
			return err
		}
		return sink.Next(stream.NewPayload(resp, nil))
	})
}

// RequestStream writes the request and emits every message until the peer
// closes the socket. A normal closure completes the stream.
func (c *Connection) RequestStream(req connection.Request) stream.Publisher {
	return stream.Create(func(ctx context.Context, sink stream.Sink) error {
		return c.session(ctx, req, true, func(x *exchange) (bool, error) {
			if err := x.write(req.Data); err != nil {
				return false, err
			}
			return false, x.readUntilClose(sink)
		})
	})
}

// RequestChannel writes every payload of requests while emitting every
// message read, until the peer closes the socket.
func (c *Connection) RequestChannel(req connection.Request, requests stream.Publisher) stream.Publisher {
	return stream.Create(func(ctx context.Context, sink stream.Sink) error {
		return c.session(ctx, req, false, func(x *exchange) (bool, error) {
			wctx, stopWriting := context.WithCancel(ctx)
			defer stopWriting()

			var (
				mu       sync.Mutex
				writeErr error
			)
			fail := func(err error) {
				mu.Lock()
				if writeErr == nil {
					writeErr = err
				}
				mu.Unlock()
				x.s.abort()
			}

			done := stream.Consume(wctx, requests, func(p stream.Payload) {
				data := p.Data
				p.Release()
				if err := x.write(data); err != nil {
					fail(err)
					stopWriting()
				}
			})
			go func() {
				<-done.Done()
				if err := done.Err(); err != nil && wctx.Err() == nil {
					fail(fmt.Errorf("request stream: %w", err))
				}
			}()

			err := x.readUntilClose(sink)
			mu.Lock()
			defer mu.Unlock()
			if writeErr != nil {
				return false, writeErr
			}
			return false, err
		})
	})
}

// Close closes every idle socket.
func (c *Connection) Close() error {
	c.metrics.Reset()
	return c.pool.Close()
}

// Metrics returns the transport counters.
func (c *Connection) Metrics() connection.Metrics {
	return c.metrics.Snapshot()
}

// session runs fn on a pooled or freshly dialed socket. fn reports whether
// the socket may be reused. A reused socket that fails before anything was
// read is redialed once when retryable is set. Cancelling ctx closes the
// socket.
func (c *Connection) session(ctx context.Context, req connection.Request, retryable bool, fn func(*exchange) (bool, error)) error {
	headers := c.handshakeHeaders(req)
	key := pool.MakePoolKey(c.cfg.URL, headers)
	dial := c.dialFunc(headers)

	s, reused, err := c.pool.Get(ctx, key, dial)
	if err != nil {
		c.metrics.IncrementErrors()
		return err
	}
	for {
		x := &exchange{c: c, s: s}
		stop := context.AfterFunc(ctx, s.abort)
		keep, err := fn(x)
		if !stop() {
			return ctx.Err()
		}
		if err == nil {
			if keep {
				_ = c.pool.Put(key, s)
			} else {
				_ = s.Close()
			}
			return nil
		}
		if !retryable || !reused || x.received > 0 {
			c.metrics.IncrementErrors()
			s.abort()
			return err
		}

		c.log.Debug("pooled socket went stale, redialing", zap.Error(err))
		reused = false
		s, err = c.pool.RetryStaleConnection(ctx, s, dial)
		if err != nil {
			c.metrics.IncrementErrors()
			return err
		}
	}
}

func (c *Connection) handshakeHeaders(req connection.Request) http.Header {
	h := c.cfg.Headers.Clone()
	if h == nil {
		h = make(http.Header)
	}
	if req.Route != "" {
		h.Set(RouteHeader, req.Route)
	}
	for k, v := range req.Metadata {
		h.Set(k, v)
	}
	return h
}

// dialFunc dials with headers. Trace context is added per dial and is not
// part of the pool key.
func (c *Connection) dialFunc(headers http.Header) pool.DialFunc[*socket] {
	return func(ctx context.Context) (*socket, error) {
		h := headers.Clone()
		if c.cfg.Propagate {
			tracing.InjectHTTPHeaders(ctx, h)
		}
		conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, h)
		if err != nil {
			if resp != nil {
				return nil, &Error{Op: "dial", Code: resp.StatusCode, Err: err}
			}
			return nil, fmt.Errorf("websocket dial failed: %w", err)
		}
		conn.SetReadLimit(c.cfg.MaxMessageSize)
		c.metrics.MarkConnected()
		c.log.Debug("socket connected", zap.String("url", c.cfg.URL))
		return &socket{conn: conn}, nil
	}
}

type socket struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

// Close sends a normal closure frame and closes the socket.
func (s *socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = s.conn.Close()
	})
	return err
}

// abort closes the socket without a closing handshake, unblocking reads.
func (s *socket) abort() {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
}

// exchange is one interaction on a socket.
type exchange struct {
	c        *Connection
	s        *socket
	received int
}

func (x *exchange) write(data []byte) error {
	if err := x.s.conn.WriteMessage(x.c.cfg.MessageType, data); err != nil {
		return wrapErr("write", err)
	}
	x.c.metrics.IncrementSent(int64(len(data)))
	return nil
}

func (x *exchange) read() ([]byte, error) {
	_, data, err := x.s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	x.received++
	x.c.metrics.IncrementReceived(int64(len(data)))
	return data, nil
}

func (x *exchange) readUntilClose(sink stream.Sink) error {
	for {
		data, err := x.read()
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil
		}
		if err != nil {
			return wrapErr("read", err)
		}
		if err := sink.Next(stream.NewPayload(data, nil)); err != nil {
			return err
		}
	}
}
