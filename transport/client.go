package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"peernet/peers"
)

const (
	maxRandomPeerRetries = 20
	banTransportSeconds  = 600
	broadcastConcurrency = 3
)

// RequestOptions configures a single outbound peer RPC call — spec.md
// §4.2's getFromPeer options.
type RequestOptions struct {
	API     string
	URL     string
	Method  string
	Headers map[string]string
	Data    any
}

// ClientConfig wires Client's collaborators.
type ClientConfig struct {
	Headers        OutboundHeaders
	CurrentVersion string
	Directory      *peers.Directory
	Timeout        time.Duration
	Log            *slog.Logger
	HTTPClient     *http.Client
}

// Client is the outbound peer RPC client — spec.md §4.2.
type Client struct {
	cfg     ClientConfig
	log     *slog.Logger
	http    *http.Client
	metrics *networkMetrics
}

// NewClient constructs a Client. Pass it to Directory.SetOutbound to resolve
// the Peers↔Transport cycle — spec.md §9.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, log: cfg.Log, http: httpClient, metrics: newNetworkMetrics()}
}

// GetFromPeer issues one outbound RPC against peer and applies the response
// framing policy — spec.md §4.2's getFromPeer.
func (c *Client) GetFromPeer(ctx context.Context, peer peers.Peer, opts RequestOptions) ([]byte, error) {
	target, err := c.buildURL(peer, opts)
	if err != nil {
		return nil, err
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if opts.Data != nil {
		encoded, err := json.Marshal(opts.Data)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(encoded)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, err
	}
	c.cfg.Headers.Apply(req.Header)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.handleTransportError(peer, err)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		c.cfg.Directory.EnqueueRemove(peer.IP, peer.Port)
		c.metrics.removeEvents.WithLabelValues("ERESPONSE").Inc()
		return nil, fmt.Errorf("transport: unexpected status %d from peer %s", resp.StatusCode, peer.String())
	}

	respHeaders, err := parseResponseHeaders(resp.Header)
	if err != nil {
		c.cfg.Directory.EnqueueRemove(peer.IP, peer.Port)
		c.metrics.removeEvents.WithLabelValues("EHEADERS").Inc()
		return nil, fmt.Errorf("transport: %w from peer %s", ErrHeaders, peer.String())
	}

	if respHeaders.NetHash != c.cfg.Headers.NetHash {
		c.cfg.Directory.EnqueueRemove(peer.IP, peer.Port)
		c.metrics.removeEvents.WithLabelValues("ENETHASH").Inc()
		return nil, fmt.Errorf("transport: nethash mismatch from peer %s", peer.String())
	}

	if respHeaders.Version == c.cfg.CurrentVersion {
		state := peers.StateConnected
		c.cfg.Directory.EnqueueUpdate(peers.Update{
			IP: peer.IP, Port: respHeaders.Port, State: &state, OS: respHeaders.OS, Version: respHeaders.Version,
		})
	}

	return body, nil
}

// handleTransportError applies §4.2's transport-error policy: unavailable
// and timeout evict the peer, everything else is a 10-minute ban.
func (c *Client) handleTransportError(peer peers.Peer, err error) {
	code := classifyTransportError(err)
	switch code {
	case "EUNAVAILABLE", "ETIMEOUT":
		c.cfg.Directory.EnqueueRemove(peer.IP, peer.Port)
		c.metrics.removeEvents.WithLabelValues(code).Inc()
	default:
		c.cfg.Directory.EnqueueBan(peer.IP, peer.Port, banTransportSeconds, code)
		c.metrics.banEvents.WithLabelValues(code).Inc()
	}
}

func classifyTransportError(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ETIMEOUT"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "EUNAVAILABLE"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "ETIMEOUT"
	}
	return "EUNKNOWN"
}

func (c *Client) buildURL(peer peers.Peer, opts RequestOptions) (string, error) {
	if opts.URL != "" {
		return opts.URL, nil
	}
	api := opts.API
	if api == "" {
		return "", fmt.Errorf("transport: request requires either API or URL")
	}
	host := net.JoinHostPort(peer.IP, strconv.FormatUint(uint64(peer.Port), 10))
	u := url.URL{Scheme: "http", Host: host, Path: "/peer" + api}
	return u.String(), nil
}

func parseResponseHeaders(h http.Header) (OutboundHeaders, error) {
	portRaw := h.Get("port")
	port, err := strconv.Atoi(portRaw)
	if err != nil || port < 0 || port > 65535 {
		return OutboundHeaders{}, ErrHeaders
	}
	os := h.Get("os")
	version := h.Get("version")
	nethash := h.Get("nethash")
	if os == "" || version == "" || nethash == "" {
		return OutboundHeaders{}, ErrHeaders
	}
	return OutboundHeaders{OS: os, Version: version, Port: uint16(port), NetHash: nethash}, nil
}

// GetFromRandomPeer implements peers.RandomPeerFetcher: pick a live peer at
// random, retrying up to 20 times on an empty directory or a failed call —
// spec.md §4.2, §8 property 10.
func (c *Client) GetFromRandomPeer(ctx context.Context, api string) (peers.Peer, []byte, error) {
	for attempt := 0; attempt < maxRandomPeerRetries; attempt++ {
		candidates, err := c.cfg.Directory.List(ctx, 1, "")
		if err != nil || len(candidates) == 0 {
			continue
		}
		peer := candidates[0]
		body, err := c.GetFromPeer(ctx, peer, RequestOptions{API: api})
		if err != nil {
			continue
		}
		return peer, body, nil
	}
	return peers.Peer{}, nil, fmt.Errorf("transport: no reachable peers in db")
}

// Broadcast fans out GetFromPeer to up to limit peers with bounded
// concurrency 3, ignoring individual failures — spec.md §4.2's broadcast.
func (c *Client) Broadcast(ctx context.Context, limit int, dappID string, opts RequestOptions) {
	targets, err := c.cfg.Directory.List(ctx, limit, dappID)
	if err != nil || len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, broadcastConcurrency)
	for _, peer := range targets {
		peer := peer
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := c.GetFromPeer(ctx, peer, opts); err != nil {
				c.log.Debug("broadcast call failed", slog.String("peer", peer.String()), slog.Any("error", err))
			}
		}()
	}
	wg.Wait()
}
