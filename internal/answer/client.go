// Package answer talks to the external answering service: single and batch
// queries, document uploads, retries and result validation.
package answer

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"

	"github.com/user/aigrid/internal/grid"
	"github.com/user/aigrid/internal/query"
)

var tracer = otel.Tracer("github.com/user/aigrid/internal/answer")

// TokenSource yields the bearer token attached to each call. An empty token
// means the call is sent unauthenticated.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns itself.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Config controls the answering-service client.
type Config struct {
	BaseURL string
	Tokens  TokenSource
	// HTTPClient overrides the transport. When nil a client is built from
	// H2C and Timeout.
	HTTPClient *http.Client
	// H2C speaks cleartext HTTP/2 to the service.
	H2C     bool
	Timeout time.Duration
	// QueryPolicy applies to single queries, BatchPolicy to batch calls.
	QueryPolicy Policy
	BatchPolicy Policy
}

// DefaultConfig returns a config for a service on localhost.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "http://localhost:8000/api/v1",
		Timeout:     5 * time.Minute,
		QueryPolicy: DefaultPolicy(),
		BatchPolicy: InteractivePolicy(),
	}
}

// Client is an HTTP client for the answering service.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a client. Zero fields in cfg take their defaults.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.QueryPolicy == (Policy{}) {
		cfg.QueryPolicy = def.QueryPolicy
	}
	if cfg.BatchPolicy == (Policy{}) {
		cfg.BatchPolicy = def.BatchPolicy
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = defaultHTTPClient(cfg.H2C, cfg.Timeout)
	}
	return &Client{cfg: cfg, http: hc}
}

func defaultHTTPClient(h2c bool, timeout time.Duration) *http.Client {
	if !h2c {
		return &http.Client{Timeout: timeout}
	}
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	tr := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     10 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// Query answers one request.
func (c *Client) Query(ctx context.Context, req query.Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "answer.Query", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("document_id", req.DocumentID), attribute.String("prompt_id", req.Prompt.ID))

	var res *Result
	err := Retry(ctx, c.cfg.QueryPolicy, "query", func(ctx context.Context) error {
		raw, err := c.postJSON(ctx, "/query", req)
		if err != nil {
			return err
		}
		res, err = decodeResult(raw, req.Prompt.Type)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

// QueryBatch answers reqs in one call. The returned slice has one entry per
// request in the same order; entries whose result failed validation are nil.
func (c *Client) QueryBatch(ctx context.Context, reqs []query.Request) ([]*Result, error) {
	ctx, span := tracer.Start(ctx, "answer.QueryBatch", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.Int("batch_size", len(reqs)))

	var out []*Result
	err := Retry(ctx, c.cfg.BatchPolicy, "query_batch", func(ctx context.Context) error {
		raw, err := c.postJSON(ctx, "/query/batch", reqs)
		if err != nil {
			return err
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return &ValidationError{Message: fmt.Sprintf("batch response is not an array: %v", err)}
		}
		if len(items) != len(reqs) {
			return &ValidationError{Message: fmt.Sprintf("batch response has %d results for %d requests", len(items), len(reqs))}
		}
		out = make([]*Result, len(items))
		for i, item := range items {
			res, err := decodeResult(item, reqs[i].Prompt.Type)
			if err != nil {
				slog.Warn("answer: invalid batch result", "index", i, "prompt_id", reqs[i].Prompt.ID, "error", err)
				continue
			}
			out[i] = res
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

// UploadDocument sends a file to the service and returns its description.
func (c *Client) UploadDocument(ctx context.Context, name string, content io.Reader) (*grid.Document, error) {
	ctx, span := tracer.Start(ctx, "answer.UploadDocument", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	data, err := io.ReadAll(content)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	var doc grid.Document
	err = Retry(ctx, c.cfg.QueryPolicy, "upload_document", func(ctx context.Context) error {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		fw, err := mw.CreateFormFile("file", name)
		if err != nil {
			return fmt.Errorf("multipart: %w", err)
		}
		if _, err := fw.Write(data); err != nil {
			return fmt.Errorf("multipart: %w", err)
		}
		if err := mw.Close(); err != nil {
			return fmt.Errorf("multipart: %w", err)
		}
		raw, err := c.do(ctx, http.MethodPost, "/document", mw.FormDataContentType(), &body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return &ValidationError{Message: fmt.Sprintf("decode document: %v", err)}
		}
		if doc.ID == "" {
			return &ValidationError{Message: "document response without id"}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return &doc, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any) (json.RawMessage, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(b))
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if c.cfg.Tokens != nil {
		tok, err := c.cfg.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, Cancelled(err)
		}
		return nil, &APIError{Message: fmt.Sprintf("request failed: %v", err), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Cancelled(err)
		}
		return nil, &APIError{Message: fmt.Sprintf("read response: %v", err), Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{Message: errorMessage(data, resp.Status), Status: resp.StatusCode}
	}
	return data, nil
}

func errorMessage(data []byte, fallback string) string {
	var body struct {
		Detail any    `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if s, ok := body.Detail.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}
