package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TCPConfig configures the stream transport.
type TCPConfig struct {
	Host        string
	Port        int
	NoSSL       bool
	APIKey      string
	DialTimeout time.Duration
	Scrubber    Scrubber
}

// TCPTransport writes "<api key> <item>\n" frames over one persistent
// connection, dialled lazily and re-dialled after a write failure.
type TCPTransport struct {
	cfg  TCPConfig
	mu   sync.Mutex
	conn net.Conn
}

// NewTCPTransport returns an unconnected transport.
func NewTCPTransport(cfg TCPConfig) *TCPTransport {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	slog.Debug("initialized tcp transport", "host", cfg.Host, "port", cfg.Port, "no_ssl", cfg.NoSSL)
	return &TCPTransport{cfg: cfg}
}

func (t *TCPTransport) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	d := &net.Dialer{Timeout: t.cfg.DialTimeout}
	if t.cfg.NoSSL {
		return d.DialContext(ctx, "tcp", addr)
	}
	td := &tls.Dialer{
		NetDialer: d,
		Config:    &tls.Config{ServerName: t.cfg.Host, MinVersion: tls.VersionTLS12},
	}
	return td.DialContext(ctx, "tcp", addr)
}

func (t *TCPTransport) frame(batch [][]byte) string {
	var sb strings.Builder
	for _, item := range batch {
		sb.WriteString(t.cfg.APIKey)
		sb.WriteByte(' ')
		sb.Write(item)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (t *TCPTransport) Send(ctx context.Context, batch [][]byte) error {
	frame, err := scrubPayload(t.cfg.Scrubber, t.frame(batch))
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		conn, err := t.dial(ctx)
		if err != nil {
			return &RetriableError{Err: fmt.Errorf("failed to connect to %s: %w", t.cfg.Host, err)}
		}
		t.conn = conn
	}
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
	}
	if _, err := t.conn.Write([]byte(frame)); err != nil {
		t.conn.Close()
		t.conn = nil
		return &RetriableError{Err: err}
	}
	return nil
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
