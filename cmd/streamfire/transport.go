package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/torosent/streamfire/internal/auth"
	"github.com/torosent/streamfire/internal/config"
	"github.com/torosent/streamfire/internal/connection"
	"github.com/torosent/streamfire/internal/extractor"
	"github.com/torosent/streamfire/internal/feeder"
	"github.com/torosent/streamfire/internal/grpcclient"
	"github.com/torosent/streamfire/internal/sampler"
	"github.com/torosent/streamfire/internal/tracing"
	"github.com/torosent/streamfire/internal/tracker"
	"github.com/torosent/streamfire/internal/websocket"
)

func newConnection(cfg *config.Config, propagate bool, log *zap.Logger) (connection.Connection, error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		conn, err := websocket.NewConnection(websocket.Config{
			URL:              cfg.Target,
			HandshakeTimeout: cfg.HandshakeTimeout,
			PoolSize:         cfg.PoolSize,
			Propagate:        propagate,
			Logger:           log,
		})
		if err != nil {
			return nil, err
		}
		return conn, nil
	case config.TransportGRPC:
		conn, err := grpcclient.NewConnection(grpcclient.Config{
			Target:    cfg.Target,
			UseTLS:    cfg.GRPC.TLS,
			Insecure:  cfg.GRPC.Insecure,
			Propagate: propagate,
			Logger:    log,
		})
		if err != nil {
			return nil, err
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// newSampler builds the sampler and the data flow around it. The returned
// release func closes the data set and the auth provider.
func newSampler(cfg *config.Config, conn connection.Connection, track *tracker.Tracker, provider *tracing.Provider, log *zap.Logger) (*sampler.Sampler, func(), error) {
	mode, err := cfg.InteractionMode()
	if err != nil {
		return nil, nil, err
	}
	data, err := cfg.RequestData()
	if err != nil {
		return nil, nil, err
	}
	rules, err := extractor.ParseAll(cfg.Extract, cfg.ExtractOnError)
	if err != nil {
		return nil, nil, err
	}

	opts := []sampler.Option{
		sampler.WithMode(mode),
		sampler.WithTracker(track),
		sampler.WithTracer(provider.Tracer()),
		sampler.WithResponseTimeout(cfg.ResponseTimeout),
		sampler.WithExtractors(rules),
		sampler.WithLogger(log),
	}
	if len(cfg.ChannelMessages) > 0 {
		msgs := make([][]byte, len(cfg.ChannelMessages))
		for i, m := range cfg.ChannelMessages {
			msgs[i] = []byte(m)
		}
		opts = append(opts, sampler.WithChannelMessages(msgs))
	}

	var closers []func() error
	release := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Debug("release", zap.Error(err))
			}
		}
	}
	if cfg.DataSet != "" {
		f, err := feeder.Open(cfg.DataSet, cfg.DataSetRecycle)
		if err != nil {
			return nil, nil, err
		}
		log.Debug("data set loaded", zap.String("path", cfg.DataSet), zap.Int("records", f.Len()))
		closers = append(closers, f.Close)
		opts = append(opts, sampler.WithFeeder(f))
	}
	authProvider, err := auth.New(cfg.Auth.Provider())
	if err != nil {
		release()
		return nil, nil, err
	}
	if authProvider != nil {
		closers = append(closers, authProvider.Close)
		opts = append(opts, sampler.WithAuth(authProvider))
	}

	s, err := sampler.New(conn, connection.Request{
		Route:    cfg.Route,
		Data:     data,
		Metadata: cfg.Metadata,
	}, opts...)
	if err != nil {
		release()
		return nil, nil, err
	}
	return s, release, nil
}
