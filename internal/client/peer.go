// Package client provides the pooled HTTP client workers use to reach each
// other's internal servers.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"handoff-go/internal/config"
	"handoff-go/internal/metrics"
)

// PeerClient sends side-channel requests to peer workers. Connections are
// pooled per destination and kept alive between legs.
type PeerClient struct {
	httpClient *http.Client
	transport  *http.Transport
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewPeerClient creates a PeerClient bounded by the pool settings.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewPeerClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *PeerClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Pool.MaxIdle,
		MaxIdleConnsPerHost: cfg.Pool.MaxIdle,
		MaxConnsPerHost:     cfg.Pool.MaxSockets,
		IdleConnTimeout:     cfg.Pool.IdleTimeout(),
		DisableCompression:  true,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	// No client-wide timeout: legs and response bodies stream for as long as
	// the relay needs them. Callers bound each call with a context.
	return &PeerClient{
		httpClient: &http.Client{Transport: transport},
		transport:  transport,
		logger:     logger.With("component", "peer_client"),
		metrics:    m,
	}
}

// Do executes a side-channel request and returns the raw response.
// The caller is responsible for closing the response body.
func (c *PeerClient) Do(req *http.Request) (*http.Response, error) {
	c.logger.Debug("side-channel request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	path := metrics.NormalizePath(req.URL.Path)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(path).Observe(duration)
		}
		return nil, fmt.Errorf("side-channel %s: %w", req.URL.Path, err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(path).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(path, status).Inc()
	}

	return resp, nil
}

// Post sends body to path on the internal server at addr (host:port).
// The provided context controls the lifetime of the call, including the
// time spent streaming body.
func (c *PeerClient) Post(ctx context.Context, addr, path string, header http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+path, body)
	if err != nil {
		return nil, fmt.Errorf("build side-channel request: %w", err)
	}
	if header != nil {
		req.Header = header
	}
	return c.Do(req)
}

// CloseIdle drops every pooled connection that is not in use.
func (c *PeerClient) CloseIdle() {
	c.transport.CloseIdleConnections()
}
