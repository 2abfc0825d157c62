package protocol

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wesleyorama2/volley/pkg/jsonschema"
)

// Request is one unary call.
type Request struct {
	Method string
	// Path is joined to the client's base URL unless it is absolute.
	Path   string
	Header http.Header
	Body   []byte
	// Tag names the operation; it keys the response contract and metrics.
	Tag string
	// ExpectedStatuses lists non-2xx statuses that count as expected
	// failures instead of failures.
	ExpectedStatuses []int
	// Timeout overrides the client default deadline.
	Timeout time.Duration
}

// TransportConfig tunes the shared HTTP transport.
type TransportConfig struct {
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	DisableKeepAlives   bool
	InsecureSkipVerify  bool
}

// DefaultTransportConfig returns sensible defaults for load testing.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
}

// Unary issues HTTP calls and classifies their outcome. It is safe for
// concurrent use; connection reuse across virtual users is an optimization
// of the shared transport only.
type Unary struct {
	baseURL   string
	client    *http.Client
	timeout   time.Duration
	header    http.Header
	contracts map[string]*jsonschema.Schema
}

// UnaryOption configures a Unary client.
type UnaryOption func(*Unary)

// WithHTTPClient replaces the underlying client (tests use httptest clients).
func WithHTTPClient(c *http.Client) UnaryOption {
	return func(u *Unary) {
		u.client = c
	}
}

// WithDefaultHeader adds a header sent with every call.
func WithDefaultHeader(key, value string) UnaryOption {
	return func(u *Unary) {
		u.header.Set(key, value)
	}
}

// WithContract validates successful responses of tag against schema.
func WithContract(tag string, schema *jsonschema.Schema) UnaryOption {
	return func(u *Unary) {
		u.contracts[tag] = schema
	}
}

// NewUnary creates a client for baseURL.
func NewUnary(baseURL string, cfg TransportConfig, opts ...UnaryOption) *Unary {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		DisableKeepAlives:   cfg.DisableKeepAlives,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for test targets
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	u := &Unary{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Transport: transport},
		timeout:   timeout,
		header:    make(http.Header),
		contracts: make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// BaseURL returns the configured base URL.
func (u *Unary) BaseURL() string {
	return u.baseURL
}

// Call performs req. It never returns an error: every outcome, including
// transport faults, is folded into the CallResult.
func (u *Unary) Call(ctx context.Context, req Request) CallResult {
	result := CallResult{Tag: req.Tag, Protocol: ProtocolHTTP}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = u.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(callCtx, method, u.resolve(req.Path), body)
	if err != nil {
		result.Class = ClassFailure
		result.Status = StatusInvalid
		result.Err = fmt.Errorf("%s: build request: %w", req.Tag, err)
		return result
	}
	for k, vs := range u.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	for k, vs := range req.Header {
		httpReq.Header.Del(k)
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := u.client.Do(httpReq)
	if err != nil {
		result.Latency = time.Since(start)
		u.classifyTransportError(&result, err, timeout)
		return result
	}
	payload, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	result.Latency = time.Since(start)
	result.Code = resp.StatusCode
	result.Payload = payload

	if err != nil {
		u.classifyTransportError(&result, err, timeout)
		return result
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result.Class = ClassSuccess
		result.Status = StatusOK
		if schema, ok := u.contracts[req.Tag]; ok {
			if verr := schema.ValidateBytes(payload); verr != nil {
				result.Class = ClassFailure
				result.Status = StatusDecode
				result.Err = &DecodeError{Tag: req.Tag, Err: verr}
			}
		}
	case containsStatus(req.ExpectedStatuses, resp.StatusCode):
		result.Class = ClassExpectedFailure
		result.Status = httpStatus(resp.StatusCode)
	default:
		result.Class = ClassFailure
		result.Status = httpStatus(resp.StatusCode)
		result.Err = &StatusError{Tag: req.Tag, Status: result.Status}
	}

	return result
}

func (u *Unary) classifyTransportError(result *CallResult, err error, timeout time.Duration) {
	result.Class = ClassFailure
	if isTimeout(err) {
		result.Status = StatusTimeout
		result.Err = &CallTimeoutError{Tag: result.Tag, Timeout: timeout, Err: err}
		return
	}
	if errors.Is(err, context.Canceled) {
		result.Status = StatusCanceled
		result.Err = err
		return
	}
	result.Status = StatusConnection
	result.Err = &ConnectionError{Address: u.baseURL, Err: err}
}

func (u *Unary) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return u.baseURL + path
}

// CloseIdleConnections releases pooled connections at run end.
func (u *Unary) CloseIdleConnections() {
	u.client.CloseIdleConnections()
}

// DecodeJSON decodes a result payload into v, reporting contract problems
// as *DecodeError.
func DecodeJSON(r CallResult, v any) error {
	if len(r.Payload) == 0 {
		return &DecodeError{Tag: r.Tag, Err: fmt.Errorf("empty body")}
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return &DecodeError{Tag: r.Tag, Err: err}
	}
	return nil
}

// JSONBody marshals v for a request body.
func JSONBody(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func containsStatus(list []int, code int) bool {
	for _, c := range list {
		if c == code {
			return true
		}
	}
	return false
}
