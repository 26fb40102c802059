// Package natspub publishes envelopes to NATS subjects. For single-binary
// deployments it can run an embedded server instead of dialing out.
package natspub

import (
	"context"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"go.relaykit.dev/messaging"
	"go.relaykit.dev/serializer"
)

// Config holds connection settings.
type Config struct {
	// URL of the NATS server. Ignored when Embedded is set.
	URL string
	// Embedded starts an in-process server and connects to it.
	Embedded bool
	// ConnectTimeout bounds the initial dial.
	ConnectTimeout time.Duration
}

// DefaultConfig dials a local server.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		ConnectTimeout: 5 * time.Second,
	}
}

// Publisher sends serialized envelopes to NATS subjects. The destination is
// the subject name.
type Publisher struct {
	conn   *nats.Conn
	codec  serializer.Serializer
	server *natsserver.Server
}

// New connects to NATS, starting an embedded server first when configured.
func New(codec serializer.Serializer, cfg Config) (*Publisher, error) {
	if codec == nil {
		codec = serializer.JSON{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}

	var srv *natsserver.Server
	url := cfg.URL
	if cfg.Embedded {
		var err error
		srv, err = natsserver.NewServer(&natsserver.Options{Port: -1})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(cfg.ConnectTimeout) {
			srv.Shutdown()
			return nil, fmt.Errorf("embedded NATS server not ready after %s", cfg.ConnectTimeout)
		}
		url = srv.ClientURL()
		log.Info().Str("url", url).Msg("Embedded NATS server started")
	}
	if url == "" {
		url = nats.DefaultURL
	}

	conn, err := nats.Connect(url,
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		if srv != nil {
			srv.Shutdown()
		}
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	return &Publisher{conn: conn, codec: codec, server: srv}, nil
}

func (p *Publisher) Publish(ctx context.Context, destination string, msg *messaging.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := p.codec.Marshal(msg)
	if err != nil {
		return messaging.NewError(messaging.ErrKindConfiguration, messaging.CodeBadConfig,
			"failed to serialize message", err)
	}

	if err := p.conn.Publish(destination, payload); err != nil {
		return messaging.NewError(messaging.ErrKindTransient, messaging.CodeStoreUnavailable,
			"NATS publish failed", err)
	}

	log.Debug().
		Str("messageId", msg.ID).
		Str("subject", destination).
		Msg("Message published to NATS")
	return nil
}

// Close drains the connection and stops the embedded server if one runs.
func (p *Publisher) Close() {
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.conn.Close()
		}
	}
	if p.server != nil {
		p.server.Shutdown()
		p.server.WaitForShutdown()
	}
}
