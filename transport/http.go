package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"go.relaykit.dev/messaging"
	"go.relaykit.dev/serializer"
)

// HTTPConfig configures the webhook publisher.
type HTTPConfig struct {
	// Timeout for each request.
	Timeout time.Duration
	// AuthToken is sent as a bearer token when set.
	AuthToken string
	// Headers are added to every request.
	Headers map[string]string
}

// DefaultHTTPConfig returns sensible defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{Timeout: 30 * time.Second}
}

// HTTP posts serialized envelopes to the destination URL. Responses classify
// the outcome: 4xx is a configuration failure that retry policies skip,
// 429 and 5xx are transient, network errors are transient.
type HTTP struct {
	client *http.Client
	codec  serializer.Serializer
	config HTTPConfig
}

// NewHTTP creates a webhook publisher with a pooled client.
func NewHTTP(codec serializer.Serializer, cfg HTTPConfig) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPConfig().Timeout
	}
	if codec == nil {
		codec = serializer.JSON{}
	}
	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}
	return &HTTP{client: client, codec: codec, config: cfg}
}

func (h *HTTP) Publish(ctx context.Context, destination string, msg *messaging.Envelope) error {
	payload, err := h.codec.Marshal(msg)
	if err != nil {
		return messaging.NewError(messaging.ErrKindConfiguration, messaging.CodeBadConfig,
			"failed to serialize message", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(payload))
	if err != nil {
		return messaging.NewError(messaging.ErrKindConfiguration, messaging.CodeBadConfig,
			fmt.Sprintf("bad destination %s", destination), err)
	}
	req.Header.Set("Content-Type", h.codec.ContentType())
	req.Header.Set("Accept", "application/json")
	if enc := h.codec.ContentEncoding(); enc != "" {
		req.Header.Set("Content-Encoding", enc)
	}
	if h.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.config.AuthToken)
	}
	for k, v := range h.config.Headers {
		req.Header.Set(k, v)
	}

	log.Debug().
		Str("messageId", msg.ID).
		Str("target", destination).
		Msg("Publishing message over HTTP")

	resp, err := h.client.Do(req)
	if err != nil {
		return h.classifyError(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return h.classifyStatus(destination, resp.StatusCode)
}

func (h *HTTP) classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return messaging.NewError(messaging.ErrKindTransient, messaging.CodeStoreUnavailable,
			"publish target unreachable", err)
	}
	return messaging.NewError(messaging.ErrKindTransient, messaging.CodeStoreUnavailable,
		"publish failed", err)
}

func (h *HTTP) classifyStatus(destination string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return messaging.NewError(messaging.ErrKindTransient, messaging.CodeStoreUnavailable,
			"publish target rate limited", nil)
	case status >= 400 && status < 500:
		log.Warn().
			Str("target", destination).
			Int("statusCode", status).
			Msg("Publish rejected by target, not retryable")
		return messaging.NewError(messaging.ErrKindConfiguration, messaging.CodeBadConfig,
			"publish rejected with status "+strconv.Itoa(status), nil)
	default:
		return messaging.NewError(messaging.ErrKindTransient, messaging.CodeStoreUnavailable,
			"publish target returned status "+strconv.Itoa(status), nil)
	}
}
