// Package hec delivers batches to Splunk HTTP Event Collector endpoints.
package hec

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mosajjal/Go-Splunk-HTTP/splunk/v2"

	"github.com/mosajjal/logshuttle/pkg/delivery"
	"github.com/mosajjal/logshuttle/pkg/models"
)

// Config holds HEC client configuration
type Config struct {
	Endpoints       []string
	TLSSkipVerify   bool
	Proxy           string
	Token           string
	ChannelID       string
	Index           string
	SourceType      string
	Timeout         time.Duration
	BalanceStrategy string // first_available, sticky, random, roundrobin
	HealthInterval  time.Duration
	Scrubber        delivery.Scrubber
}

const (
	FirstAvailable = 1
	Sticky         = 2
	Random         = 3
	RoundRobin     = 4
)

// Client is a delivery.Transport over one or more HEC endpoints.
type Client struct {
	config          Config
	connections     []*connection
	balanceStrategy uint8
	count           atomic.Uint64
	stop            chan struct{}
	stopOnce        sync.Once
}

type connection struct {
	endpoint  string
	// client sends under mu and records status; health never touches status
	client    *splunk.Client
	health    *splunk.Client
	status    *statusRecorder
	mu        sync.Mutex
	isHealthy atomic.Bool
}

// statusRecorder remembers the status code of the last response so that a
// failed LogEvents call can be classified.
type statusRecorder struct {
	next http.RoundTripper
	last atomic.Int64
}

func (s *statusRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := s.next.RoundTrip(req)
	if err != nil {
		s.last.Store(0)
		return nil, err
	}
	s.last.Store(int64(resp.StatusCode))
	return resp, nil
}

func parseStrategy(s string) uint8 {
	switch s {
	case "first_available":
		return FirstAvailable
	case "sticky":
		return Sticky
	case "random":
		return Random
	case "roundrobin":
		return RoundRobin
	default:
		slog.Warn("unknown load balance strategy, using first_available", "strategy", s)
		return FirstAvailable
	}
}

// NewClient creates a new HEC client
func NewClient(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := &Client{
		config:          cfg,
		connections:     make([]*connection, 0),
		balanceStrategy: parseStrategy(cfg.BalanceStrategy),
		stop:            make(chan struct{}),
	}

	for _, endpoint := range cfg.Endpoints {
		conn, err := newConnection(endpoint, cfg)
		if err != nil {
			slog.Error("failed to create HEC connection", "endpoint", endpoint, "error", err)
			continue
		}
		client.connections = append(client.connections, conn)
	}

	if len(client.connections) == 0 {
		return nil, fmt.Errorf("no valid HEC endpoints configured")
	}

	if cfg.HealthInterval > 0 {
		go client.healthCheck(cfg.HealthInterval)
	}
	return client, nil
}

func newConnection(endpoint string, cfg Config) (*connection, error) {
	rt := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify},
	}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		rt.Proxy = http.ProxyURL(proxyURL)
	}
	status := &statusRecorder{next: rt}

	if !strings.HasSuffix(endpoint, "/services/collector") {
		endpoint = fmt.Sprintf("%s/services/collector", strings.TrimRight(endpoint, "/"))
	}

	channelID := cfg.ChannelID
	if _, err := uuid.Parse(channelID); err != nil {
		channelID = uuid.New().String()
	}

	newClient := func(transport http.RoundTripper) *splunk.Client {
		return splunk.NewClient(
			&http.Client{Timeout: cfg.Timeout, Transport: transport},
			endpoint,
			cfg.Token,
			channelID,
			"",
			cfg.SourceType,
			cfg.Index,
		)
	}
	conn := &connection{
		endpoint: endpoint,
		status:   status,
		client:   newClient(status),
		health:   newClient(rt),
	}
	conn.updateHealth()
	return conn, nil
}

func (c *connection) updateHealth() {
	c.isHealthy.Store(c.health.CheckHealth() == nil)
}

func (c *Client) healthCheck(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			for _, conn := range c.connections {
				conn.updateHealth()
			}
		}
	}
}

// toEvent maps a serialized record onto an HEC event. Host and source come
// from the record; the record itself is the event body.
func toEvent(item []byte, index, sourceType string) (*splunk.Event, error) {
	var record map[string]any
	if err := json.Unmarshal(item, &record); err != nil {
		return nil, err
	}
	ev := &splunk.Event{
		Time:       splunk.EventTime{Time: time.Now()},
		Index:      index,
		SourceType: sourceType,
		Event:      record,
	}
	if ts, ok := record["timestamp"].(float64); ok && ts > 0 {
		ev.Time = splunk.EventTime{Time: time.UnixMilli(int64(ts))}
	}
	if host, ok := record[models.FieldHost].(string); ok {
		ev.Host = host
	}
	if source, ok := record[models.FieldSource].(string); ok {
		ev.Source = source
	}
	return ev, nil
}

// Send delivers batch as one HEC request.
func (c *Client) Send(ctx context.Context, batch [][]byte) error {
	events := make([]*splunk.Event, 0, len(batch))
	for _, item := range batch {
		if c.config.Scrubber != nil {
			scrubbed, err := c.config.Scrubber.Scrub(string(item))
			if err != nil {
				return &delivery.FatalError{Err: fmt.Errorf("could not scrub the payload: %w", err)}
			}
			item = []byte(scrubbed)
		}
		ev, err := toEvent(item, c.config.Index, c.config.SourceType)
		if err != nil {
			slog.Warn("dropping record that is not a JSON object", "error", err)
			continue
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		if len(batch) == 0 {
			return nil
		}
		return &delivery.FatalError{Err: fmt.Errorf("none of the %d records is a JSON object", len(batch))}
	}

	conn := c.getConnection()
	if conn == nil {
		// every endpoint failed its last health check; try one anyway
		for _, cn := range c.connections {
			cn.updateHealth()
		}
		if conn = c.getConnection(); conn == nil {
			return &delivery.RetriableError{Err: errors.New("no healthy HEC connection available")}
		}
	}
	if err := ctx.Err(); err != nil {
		return &delivery.RetriableError{Err: err}
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.status.last.Store(0)
	err := conn.client.LogEvents(events)
	if err == nil {
		return nil
	}
	code := int(conn.status.last.Load())
	switch {
	case code == 0:
		conn.isHealthy.Store(false)
		return &delivery.RetriableError{Err: err}
	case code < 300:
		return &delivery.RetriableError{StatusCode: code, Err: err}
	}
	return delivery.StatusError(code, err.Error())
}

func (c *Client) getConnection() *connection {
	switch c.balanceStrategy {
	case Sticky:
		return c.getSticky()
	case Random:
		return c.getRandom()
	case RoundRobin:
		return c.getRoundRobin()
	default:
		return c.getFirstAvailable()
	}
}

func (c *Client) getFirstAvailable() *connection {
	for _, conn := range c.connections {
		if conn.isHealthy.Load() {
			return conn
		}
	}
	return nil
}

// getSticky stays on one endpoint and moves to the next only when it turns
// unhealthy.
func (c *Client) getSticky() *connection {
	n := uint64(len(c.connections))
	for i := uint64(0); i < n; i++ {
		idx := c.count.Load() % n
		if conn := c.connections[idx]; conn.isHealthy.Load() {
			return conn
		}
		c.count.Add(1)
	}
	return nil
}

func (c *Client) getRandom() *connection {
	healthy := make([]*connection, 0, len(c.connections))
	for _, conn := range c.connections {
		if conn.isHealthy.Load() {
			healthy = append(healthy, conn)
		}
	}
	if len(healthy) == 0 {
		return nil
	}
	return healthy[rand.IntN(len(healthy))]
}

func (c *Client) getRoundRobin() *connection {
	n := uint64(len(c.connections))
	for i := uint64(0); i < n; i++ {
		conn := c.connections[c.count.Add(1)%n]
		if conn.isHealthy.Load() {
			return conn
		}
	}
	return nil
}

// Close stops the health checker.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}
