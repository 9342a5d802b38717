// Command sample_targets serves WebSocket and gRPC endpoints that answer
// every streamfire interaction mode, for trying runs locally.
//
//	go run ./scripts/testservers/sample_targets --mode websocket --port 7000
//	streamfire --target ws://localhost:7000/rs --mode request_stream --route stream
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// streamCopies is how many responses a stream route sends per request.
const streamCopies = 3

func main() {
	mode := pflag.String("mode", "websocket", "Server mode: websocket or grpc")
	port := pflag.Int("port", 7000, "Listening port")
	pflag.Parse()

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	addr := fmt.Sprintf(":%d", *port)
	switch *mode {
	case "websocket":
		err = runWebSocketServer(addr, log)
	case "grpc":
		err = runGRPCServer(addr, log)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

// runWebSocketServer answers on any path. The route header picks the
// behavior: "stream" sends copies and closes, "fail" closes with an internal
// error, anything else echoes until the client leaves. /oauth/token issues
// tokens for the auth flags.
func runWebSocketServer(addr string, log *zap.Logger) error {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", handleOAuthToken)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		route := r.Header.Get("Streamfire-Route")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		go serveSocket(conn, route, log)
	})

	log.Info("websocket sample target listening", zap.String("addr", addr))
	return http.ListenAndServe(addr, mux)
}

func serveSocket(conn *websocket.Conn, route string, log *zap.Logger) {
	defer conn.Close()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("socket read", zap.Error(err))
			}
			return
		}
		switch route {
		case "stream":
			for range streamCopies {
				if err := conn.WriteMessage(mt, data); err != nil {
					return
				}
			}
			closeWith(conn, websocket.CloseNormalClosure, "done")
			return
		case "fail":
			closeWith(conn, websocket.CloseInternalServerErr, "failing on purpose")
			return
		default:
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}

func handleOAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	if _, _, ok := r.BasicAuth(); !ok {
		respondJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_client"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"access_token": "sample-target-token",
		"token_type":   "bearer",
		"expires_in":   3600,
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// runGRPCServer answers every method with raw bytes. Methods ending in
// "Stream" send copies of each request, methods ending in "Fail" return
// Unavailable, and the rest echo each request.
func runGRPCServer(addr string, log *zap.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	server := grpc.NewServer(
		grpc.ForceServerCodec(bytesCodec{}),
		grpc.UnknownServiceHandler(func(_ any, ss grpc.ServerStream) error {
			method, _ := grpc.MethodFromServerStream(ss)
			log.Debug("call", zap.String("method", method))
			if strings.HasSuffix(method, "Fail") {
				return status.Errorf(codes.Unavailable, "%s fails on purpose", method)
			}
			copies := 1
			if strings.HasSuffix(method, "Stream") {
				copies = streamCopies
			}
			for {
				var in []byte
				if err := ss.RecvMsg(&in); err != nil {
					if errors.Is(err, io.EOF) {
						return nil
					}
					return err
				}
				for range copies {
					if err := ss.SendMsg(&in); err != nil {
						return err
					}
				}
			}
		}),
	)
	log.Info("gRPC sample target listening", zap.String("addr", addr))
	return server.Serve(lis)
}

// bytesCodec carries messages as opaque bytes under the "proto" name.
type bytesCodec struct{}

func (bytesCodec) Name() string { return "proto" }

func (bytesCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *[]byte:
		return *m, nil
	case []byte:
		return m, nil
	}
	return nil, fmt.Errorf("unexpected message %T", v)
}

func (bytesCodec) Unmarshal(data []byte, v any) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("unexpected message %T", v)
	}
	*p = append((*p)[:0], data...)
	return nil
}
