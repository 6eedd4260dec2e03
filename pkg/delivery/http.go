package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Envelope turns a batch into a request body.
type Envelope func(batch [][]byte) []byte

// JSONArray joins the items into a JSON array.
func JSONArray(batch [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.Write(bytes.Join(batch, []byte(",")))
	buf.WriteByte(']')
	return buf.Bytes()
}

// Series wraps the items as a distribution points series.
func Series(batch [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"series":`)
	buf.Write(JSONArray(batch))
	buf.WriteByte('}')
	return buf.Bytes()
}

// HTTPConfig configures a request/response transport.
type HTTPConfig struct {
	URL               string
	APIKey            string
	Headers           map[string]string
	Compress          bool
	CompressionLevel  int
	SkipSSLValidation bool
	Timeout           time.Duration
	Envelope          Envelope
	Scrubber          Scrubber
}

// HTTPTransport posts one body per batch.
type HTTPTransport struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPTransport returns a transport for cfg. A nil client gets a default
// one honouring SkipSSLValidation and Timeout.
func NewHTTPTransport(cfg HTTPConfig, client *http.Client) *HTTPTransport {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Envelope == nil {
		cfg.Envelope = JSONArray
	}
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = gzip.DefaultCompression
	}
	if client == nil {
		client = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.SkipSSLValidation},
			},
		}
	}
	slog.Debug("initialized http transport", "url", cfg.URL, "compress", cfg.Compress, "skip_ssl_validation", cfg.SkipSSLValidation)
	return &HTTPTransport{cfg: cfg, client: client}
}

func compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t *HTTPTransport) Send(ctx context.Context, batch [][]byte) error {
	payload, err := scrubPayload(t.cfg.Scrubber, string(t.cfg.Envelope(batch)))
	if err != nil {
		return err
	}
	body := []byte(payload)
	if t.cfg.Compress {
		if body, err = compress(body, t.cfg.CompressionLevel); err != nil {
			return &FatalError{Err: fmt.Errorf("failed to compress payload: %w", err)}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return &FatalError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.Compress {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if t.cfg.APIKey != "" {
		req.Header.Set("DD-API-KEY", t.cfg.APIKey)
	}
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &RetriableError{Err: err}
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return StatusError(resp.StatusCode, string(msg))
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
