// Package bridge forwards UI requests to the backend's local HTTP API.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/printshell/internal/metrics"
)

// ErrBackendUnavailable is returned without any network call when no
// backend handle is Ready.
var ErrBackendUnavailable = errors.New("backend unavailable")

// StatusPath is the backend health endpoint used by CheckStatus.
const StatusPath = "/api/system/status"

// PortSource reports the port of the Ready backend.
type PortSource interface {
	ReadyPort() (int, bool)
}

// Request describes one call from the UI.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"endpoint"`
	Payload any               `json:"data,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Response is the backend's answer. Data holds decoded JSON when the
// response declared it, otherwise the raw body as a string.
type Response struct {
	StatusCode  int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Data        any    `json:"data"`
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// RequestError is a failed backend call: a transport error, or for the
// typed helpers a non-2xx status.
type RequestError struct {
	Method string
	Path   string
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: backend returned %d: %v", e.Method, e.Path, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Config holds bridge configuration.
type Config struct {
	Host    string        // default "localhost"
	Timeout time.Duration // per request, default 10s
	Logger  *slog.Logger
	Session PrinterStore // optional; SetDefaultPrinter persists here
}

// Bridge addresses whichever backend is currently Ready. It never queues
// or retries.
type Bridge struct {
	ports   PortSource
	host    string
	client  *http.Client
	logger  *slog.Logger
	session PrinterStore
}

func New(ports PortSource, config Config) *Bridge {
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Bridge{
		ports:   ports,
		host:    config.Host,
		logger:  config.Logger.With("component", "bridge"),
		session: config.Session,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// Forward sends req to the backend and returns its response whatever the
// status code. Transport failures come back as *RequestError.
func (b *Bridge) Forward(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if !strings.HasPrefix(req.Path, "/") {
		return nil, &RequestError{Method: method, Path: req.Path, Err: errors.New("path must start with /")}
	}
	port, ok := b.ports.ReadyPort()
	if !ok {
		metrics.ObserveBridgeRequest(method, "unavailable", 0)
		return nil, ErrBackendUnavailable
	}

	body, err := encodePayload(method, req.Payload)
	if err != nil {
		return nil, &RequestError{Method: method, Path: req.Path, Err: err}
	}
	url := "http://" + net.JoinHostPort(b.host, strconv.Itoa(port)) + req.Path
	hreq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &RequestError{Method: method, Path: req.Path, Err: err}
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("X-Request-Id", uuid.NewString())
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	start := time.Now()
	b.logger.Debug("forwarding request", "method", method, "path", req.Path, "request_id", hreq.Header.Get("X-Request-Id"))
	resp, err := b.client.Do(hreq)
	if err != nil {
		metrics.ObserveBridgeRequest(method, "error", time.Since(start).Seconds())
		b.logger.Error("backend request failed", "method", method, "path", req.Path, "error", err)
		return nil, &RequestError{Method: method, Path: req.Path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveBridgeRequest(method, "error", time.Since(start).Seconds())
		return nil, &RequestError{Method: method, Path: req.Path, Status: resp.StatusCode, Err: err}
	}
	metrics.ObserveBridgeRequest(method, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	out := &Response{StatusCode: resp.StatusCode, ContentType: resp.Header.Get("Content-Type")}
	out.Data = b.decode(out.ContentType, raw)
	return out, nil
}

// decode parses JSON bodies; anything else, or JSON that does not parse,
// is returned as the raw string.
func (b *Bridge) decode(contentType string, raw []byte) any {
	if len(raw) == 0 {
		return ""
	}
	mt, _, _ := mime.ParseMediaType(contentType)
	if mt != "application/json" && !strings.HasSuffix(mt, "+json") {
		return string(raw)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		b.logger.Warn("backend response is not valid JSON, returning raw body", "error", err)
		return string(raw)
	}
	return v
}

// encodePayload builds the request body. Only methods that carry a body
// send one; strings are sent verbatim, everything else as JSON.
func encodePayload(method string, payload any) (io.Reader, error) {
	if payload == nil {
		return nil, nil
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, nil
	}
	switch v := payload.(type) {
	case string:
		return strings.NewReader(v), nil
	case []byte:
		return bytes.NewReader(v), nil
	case json.RawMessage:
		return bytes.NewReader(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return bytes.NewReader(data), nil
	}
}

// StatusResult is the outcome of CheckStatus.
type StatusResult struct {
	Running bool   `json:"running"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CheckStatus queries the backend status endpoint. It never fails: any
// problem is reported as Running=false with the error text.
func (b *Bridge) CheckStatus(ctx context.Context) StatusResult {
	resp, err := b.Forward(ctx, Request{Method: http.MethodGet, Path: StatusPath})
	if err != nil {
		b.logger.Warn("backend status check failed", "error", err)
		return StatusResult{Running: false, Error: err.Error()}
	}
	if !resp.OK() {
		return StatusResult{Running: false, Error: fmt.Sprintf("backend returned %d", resp.StatusCode), Data: resp.Data}
	}
	return StatusResult{Running: true, Data: resp.Data}
}
