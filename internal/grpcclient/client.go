// Package grpcclient implements a connection.Connection over gRPC.
//
// Payloads travel as raw bytes: the request route names the full method and
// the data is sent as an already encoded message, so no schema is needed.
package grpcclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/torosent/streamfire/internal/clientmetrics"
	"github.com/torosent/streamfire/internal/connection"
	"github.com/torosent/streamfire/internal/stream"
	"github.com/torosent/streamfire/internal/tracing"
)

// Protocol names this transport in metrics and error details.
const Protocol = "grpc"

// Config holds configuration for the gRPC connection
type Config struct {
	Target string
	// Metadata is sent with every call, before per-request entries.
	Metadata  map[string]string
	UseTLS    bool
	Insecure  bool
	Propagate bool
	Logger    *zap.Logger
}

// Connection issues every interaction on one shared grpc.ClientConn.
type Connection struct {
	conn    *grpc.ClientConn
	md      metadata.MD
	cfg     Config
	metrics *clientmetrics.ClientMetrics
	log     *zap.Logger
}

var (
	_ connection.Connection     = (*Connection)(nil)
	_ connection.MetadataPusher = (*Connection)(nil)
)

// Dial establishes a gRPC connection based on configuration
func Dial(cfg Config) (*grpc.ClientConn, error) {
	var opts []grpc.DialOption
	if cfg.UseTLS {
		if cfg.Insecure {
			// Use TLS but skip certificate verification
			creds := credentials.NewTLS(&tls.Config{InsecureSkipVerify: true})
			opts = append(opts, grpc.WithTransportCredentials(creds))
		} else {
			// Use TLS with proper certificate verification
			creds := credentials.NewClientTLSFromCert(nil, "")
			opts = append(opts, grpc.WithTransportCredentials(creds))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// grpc.NewClient is non-blocking; the ClientConn reconnects with backoff on its own
	return grpc.NewClient(cfg.Target, opts...)
}

// NewConnection dials cfg.Target.
func NewConnection(cfg Config) (*Connection, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("grpc target is required")
	}
	conn, err := Dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Target, err)
	}
	return NewConnectionWithConn(conn, cfg), nil
}

// NewConnectionWithConn wraps an existing connection. The Connection owns
// conn and closes it on Close.
func NewConnectionWithConn(conn *grpc.ClientConn, cfg Config) *Connection {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	m := clientmetrics.New(Protocol)
	m.MarkConnected()
	return &Connection{
		conn:    conn,
		md:      metadata.New(cfg.Metadata),
		cfg:     cfg,
		metrics: m,
		log:     cfg.Logger.With(zap.String("transport", Protocol), zap.String("target", cfg.Target)),
	}
}

// Error is a failed call carrying its gRPC status.
type Error struct {
	Method string
	Status *status.Status
}

func (e *Error) Error() string {
	return fmt.Sprintf("RPC call %s failed: %s: %s", e.Method, e.Status.Code(), e.Status.Message())
}

// GRPCStatus lets status.FromError recover the status.
func (e *Error) GRPCStatus() *status.Status { return e.Status }

// Protocol implements sample.StatusError.
func (e *Error) Protocol() string { return Protocol }

// StatusCode implements sample.StatusError.
func (e *Error) StatusCode() string { return e.Status.Code().String() }

func (c *Connection) fail(method string, err error) error {
	c.metrics.IncrementErrors()
	if st, ok := status.FromError(err); ok {
		return &Error{Method: method, Status: st}
	}
	return fmt.Errorf("RPC call %s failed: %w", method, err)
}

// FireAndForget issues a unary call and discards the response.
func (c *Connection) FireAndForget(req connection.Request) stream.Publisher {
	return stream.Create(func(ctx context.Context, _ stream.Sink) error {
		_, err := c.unary(ctx, req, req.Data)
		return err
	})
}

// RequestResponse issues a unary call and emits the response.
func (c *Connection) RequestResponse(req connection.Request) stream.Publisher {
	return stream.Create(func(ctx context.Context, sink stream.Sink) error {
		resp, err := c.unary(ctx, req, req.Data)
		if err != nil {
			return err
		}
		return sink.Next(stream.NewPayload(resp, nil))
	})
}

// MetadataPush issues a unary call with an empty body so that only the
// request metadata reaches the peer.
func (c *Connection) MetadataPush(req connection.Request) stream.Publisher {
	return stream.Create(func(ctx context.Context, _ stream.Sink) error {
		_, err := c.unary(ctx, req, nil)
		return err
	})
}

// RequestStream opens a server-streaming call and emits every response.
func (c *Connection) RequestStream(req connection.Request) stream.Publisher {
	return stream.Create(func(ctx context.Context, sink stream.Sink) error {
		method, err := fullMethod(req.Route)
		if err != nil {
			return err
		}
		cs, err := c.conn.NewStream(c.outgoing(ctx, req), &grpc.StreamDesc{ServerStreams: true}, method, grpc.ForceCodec(rawCodec{}))
		if err != nil {
			return c.fail(method, err)
		}
		data := req.Data
		if err := cs.SendMsg(&data); err != nil {
			return c.fail(method, err)
		}
		c.metrics.IncrementSent(int64(len(data)))
		if err := cs.CloseSend(); err != nil {
			return c.fail(method, err)
		}
		return c.receive(method, cs, sink)
	})
}

// RequestChannel opens a bidirectional call, sending every payload of
// requests while emitting every response.
func (c *Connection) RequestChannel(req connection.Request, requests stream.Publisher) stream.Publisher {
	return stream.Create(func(ctx context.Context, sink stream.Sink) error {
		method, err := fullMethod(req.Route)
		if err != nil {
			return err
		}
		callCtx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)

		desc := &grpc.StreamDesc{ServerStreams: true, ClientStreams: true}
		cs, err := c.conn.NewStream(c.outgoing(callCtx, req), desc, method, grpc.ForceCodec(rawCodec{}))
		if err != nil {
			return c.fail(method, err)
		}

		done := stream.Consume(callCtx, requests, func(p stream.Payload) {
			data := p.Data
			p.Release()
			if err := cs.SendMsg(&data); err != nil {
				// The receive side observes the broken stream.
				return
			}
			c.metrics.IncrementSent(int64(len(data)))
		})
		go func() {
			<-done.Done()
			if err := done.Err(); err != nil {
				cancel(fmt.Errorf("request stream: %w", err))
				return
			}
			_ = cs.CloseSend()
		}()

		err = c.receive(method, cs, sink)
		if cause := context.Cause(callCtx); cause != nil && ctx.Err() == nil {
			return cause
		}
		return err
	})
}

// Close closes the underlying ClientConn.
func (c *Connection) Close() error {
	c.metrics.Reset()
	return c.conn.Close()
}

// Metrics returns the transport counters.
func (c *Connection) Metrics() connection.Metrics {
	return c.metrics.Snapshot()
}

func (c *Connection) unary(ctx context.Context, req connection.Request, body []byte) ([]byte, error) {
	method, err := fullMethod(req.Route)
	if err != nil {
		return nil, err
	}
	var resp []byte
	if err := c.conn.Invoke(c.outgoing(ctx, req), method, &body, &resp, grpc.ForceCodec(rawCodec{})); err != nil {
		return nil, c.fail(method, err)
	}
	c.metrics.IncrementSent(int64(len(body)))
	c.metrics.IncrementReceived(int64(len(resp)))
	return resp, nil
}

func (c *Connection) receive(method string, cs grpc.ClientStream, sink stream.Sink) error {
	for {
		var msg []byte
		err := cs.RecvMsg(&msg)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return c.fail(method, err)
		}
		c.metrics.IncrementReceived(int64(len(msg)))
		if err := sink.Next(stream.NewPayload(msg, nil)); err != nil {
			return err
		}
	}
}

// outgoing attaches static and per-request metadata, plus trace context
// when propagation is enabled.
func (c *Connection) outgoing(ctx context.Context, req connection.Request) context.Context {
	md := c.md.Copy()
	for k, v := range req.Metadata {
		md.Set(k, v)
	}
	if c.cfg.Propagate {
		tracing.InjectGRPCMetadata(ctx, md)
	}
	if len(md) == 0 {
		return ctx
	}
	return metadata.NewOutgoingContext(ctx, md)
}

// fullMethod turns a route such as "pkg.Service/Method" into the
// "/pkg.Service/Method" form gRPC expects.
func fullMethod(route string) (string, error) {
	m := "/" + strings.TrimPrefix(route, "/")
	if i := strings.LastIndex(m, "/"); i <= 1 || i == len(m)-1 {
		return "", status.Errorf(codes.InvalidArgument, "route %q is not a service/method name", route)
	}
	return m, nil
}

// rawCodec passes []byte payloads through untouched and marshals
// proto.Message values. It registers under the "proto" name so peers see
// the standard content-subtype.
type rawCodec struct{}

func (rawCodec) Name() string { return "proto" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *[]byte:
		return *m, nil
	case []byte:
		return m, nil
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("raw codec cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *[]byte:
		// data is only valid until Unmarshal returns.
		*m = bytes.Clone(data)
		return nil
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("raw codec cannot unmarshal into %T", v)
	}
}
