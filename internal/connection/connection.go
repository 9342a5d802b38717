// Package connection defines the boundary between the sampler and a
// transport. A transport turns a request description into an asynchronous
// response stream for each interaction mode; everything it emits is opaque
// bytes to the sampler.
package connection

import (
	"errors"
	"fmt"
	"strings"

	"github.com/torosent/streamfire/internal/stream"
)

// Mode is an interaction mode.
type Mode string

const (
	FireAndForget   Mode = "REQUEST_FNF"
	RequestResponse Mode = "REQUEST_RESPONSE"
	RequestStream   Mode = "REQUEST_STREAM"
	RequestChannel  Mode = "REQUEST_CHANNEL"
	MetadataPush    Mode = "METADATA_PUSH"
)

// DefaultMode is used when no mode is configured.
const DefaultMode = RequestResponse

// Modes lists every interaction mode.
var Modes = []Mode{FireAndForget, RequestResponse, RequestStream, RequestChannel, MetadataPush}

// ErrUnsupportedMode is returned when a mode is unknown or a transport
// cannot express it.
var ErrUnsupportedMode = errors.New("unsupported interaction mode")

// ParseMode parses a mode name case-insensitively. An empty name yields
// DefaultMode.
func ParseMode(name string) (Mode, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(name))
	if trimmed == "" {
		return DefaultMode, nil
	}
	for _, m := range Modes {
		if string(m) == trimmed {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, name)
}

func (m Mode) String() string { return string(m) }

// Request describes one interaction.
type Request struct {
	Route    string
	Data     []byte
	Metadata map[string]string
}

// Connection is an established transport to the remote peer. All methods
// return cold publishers: nothing is sent until the publisher is subscribed.
type Connection interface {
	FireAndForget(req Request) stream.Publisher
	RequestResponse(req Request) stream.Publisher
	RequestStream(req Request) stream.Publisher
	// RequestChannel sends every payload of requests, using req for routing
	// and metadata, and emits the peer's responses.
	RequestChannel(req Request, requests stream.Publisher) stream.Publisher
	Close() error
	Metrics() Metrics
}

// MetadataPusher is implemented by transports able to push metadata without
// a response stream.
type MetadataPusher interface {
	MetadataPush(req Request) stream.Publisher
}

// Metrics is a transport-level counter snapshot.
type Metrics struct {
	Protocol         string `json:"protocol" yaml:"protocol"`
	MessagesSent     int64  `json:"messages_sent" yaml:"messages_sent"`
	MessagesReceived int64  `json:"messages_received" yaml:"messages_received"`
	BytesSent        int64  `json:"bytes_sent" yaml:"bytes_sent"`
	BytesReceived    int64  `json:"bytes_received" yaml:"bytes_received"`
	Errors           int64  `json:"errors" yaml:"errors"`
}

// Supports reports whether conn can run mode.
func Supports(conn Connection, mode Mode) bool {
	switch mode {
	case FireAndForget, RequestResponse, RequestStream, RequestChannel:
		return true
	case MetadataPush:
		_, ok := conn.(MetadataPusher)
		return ok
	default:
		return false
	}
}

// Open returns the response publisher of req in mode. For channel mode,
// requests is the outbound stream; a nil requests sends req.Data once.
func Open(conn Connection, mode Mode, req Request, requests stream.Publisher) (stream.Publisher, error) {
	switch mode {
	case FireAndForget:
		return conn.FireAndForget(req), nil
	case RequestResponse:
		return conn.RequestResponse(req), nil
	case RequestStream:
		return conn.RequestStream(req), nil
	case RequestChannel:
		if requests == nil {
			requests = stream.Just(stream.NewPayload(req.Data, nil))
		}
		return conn.RequestChannel(req, requests), nil
	case MetadataPush:
		if p, ok := conn.(MetadataPusher); ok {
			return p.MetadataPush(req), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedMode, mode)
}
