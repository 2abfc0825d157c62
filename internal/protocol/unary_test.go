package protocol

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/volley/pkg/jsonschema"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"selectedGoals":[{"goalId":"g1"}]}`))
	})
	mux.HandleFunc("/bad-contract", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"unexpected":true}`))
	})
	mux.HandleFunc("/conflict", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	mux.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("/echo-header", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("X-Mock-User-Id") + "|" + r.Header.Get("Authorization")))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestUnary_Classification(t *testing.T) {
	srv := newTestServer(t)

	contract := jsonschema.MustCompile("select", `{
		"type": "object",
		"required": ["selectedGoals"]
	}`)
	client := NewUnary(srv.URL, DefaultTransportConfig(),
		WithContract("select", contract),
		WithContract("bad", contract),
	)

	tests := []struct {
		name       string
		req        Request
		wantClass  Class
		wantStatus string
		wantCode   int
	}{
		{
			name:       "success",
			req:        Request{Path: "/ok", Tag: "select"},
			wantClass:  ClassSuccess,
			wantStatus: StatusOK,
			wantCode:   200,
		},
		{
			name:       "contract violation",
			req:        Request{Path: "/bad-contract", Tag: "bad"},
			wantClass:  ClassFailure,
			wantStatus: StatusDecode,
			wantCode:   200,
		},
		{
			name:       "expected status",
			req:        Request{Method: http.MethodPost, Path: "/conflict", Tag: "claim", ExpectedStatuses: []int{400, 409}},
			wantClass:  ClassExpectedFailure,
			wantStatus: "http_409",
			wantCode:   409,
		},
		{
			name:       "unexpected status",
			req:        Request{Path: "/conflict", Tag: "claim"},
			wantClass:  ClassFailure,
			wantStatus: "http_409",
			wantCode:   409,
		},
		{
			name:       "server error",
			req:        Request{Path: "/boom", Tag: "list"},
			wantClass:  ClassFailure,
			wantStatus: "http_500",
			wantCode:   500,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := client.Call(context.Background(), tt.req)
			assert.Equal(t, tt.wantClass, res.Class, "class")
			assert.Equal(t, tt.wantStatus, res.Status, "status")
			assert.Equal(t, tt.wantCode, res.Code, "code")
			assert.Equal(t, tt.req.Tag, res.Tag)
			assert.Equal(t, ProtocolHTTP, res.Protocol)
			assert.Greater(t, res.Latency, time.Duration(0))
		})
	}
}

func TestUnary_ContractViolationIsDecodeError(t *testing.T) {
	srv := newTestServer(t)
	client := NewUnary(srv.URL, DefaultTransportConfig(),
		WithContract("bad", jsonschema.MustCompile("bad", `{"required":["selectedGoals"]}`)))

	res := client.Call(context.Background(), Request{Path: "/bad-contract", Tag: "bad"})

	var decodeErr *DecodeError
	require.True(t, errors.As(res.Err, &decodeErr), "Err = %v, want *DecodeError", res.Err)
	assert.Equal(t, "bad", decodeErr.Tag)
}

func TestUnary_Timeout(t *testing.T) {
	srv := newTestServer(t)
	client := NewUnary(srv.URL, DefaultTransportConfig())

	res := client.Call(context.Background(), Request{Path: "/slow", Tag: "slow", Timeout: 50 * time.Millisecond})

	assert.Equal(t, ClassFailure, res.Class)
	assert.Equal(t, StatusTimeout, res.Status)
	assert.True(t, res.TimedOut())
	assert.Less(t, res.Latency, time.Second)
}

func TestUnary_Canceled(t *testing.T) {
	srv := newTestServer(t)
	client := NewUnary(srv.URL, DefaultTransportConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := client.Call(ctx, Request{Path: "/ok", Tag: "select"})
	assert.Equal(t, ClassFailure, res.Class)
	assert.Equal(t, StatusCanceled, res.Status)
	assert.False(t, res.TimedOut())
}

func TestUnary_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	client := NewUnary("http://"+addr, DefaultTransportConfig())
	res := client.Call(context.Background(), Request{Path: "/ok", Tag: "select"})

	assert.Equal(t, ClassFailure, res.Class)
	assert.Equal(t, StatusConnection, res.Status)

	var connErr *ConnectionError
	assert.True(t, errors.As(res.Err, &connErr), "Err = %v, want *ConnectionError", res.Err)
}

func TestUnary_Headers(t *testing.T) {
	srv := newTestServer(t)
	client := NewUnary(srv.URL, DefaultTransportConfig(), WithDefaultHeader("Authorization", "Bearer default"))

	res := client.Call(context.Background(), Request{
		Path:   "echo-header",
		Tag:    "echo",
		Header: http.Header{"X-Mock-User-Id": {"user-7"}},
	})
	require.True(t, res.OK(), "status = %s", res.Status)
	assert.Equal(t, "user-7|Bearer default", string(res.Payload))

	res = client.Call(context.Background(), Request{
		Path:   "/echo-header",
		Tag:    "echo",
		Header: http.Header{"Authorization": {"Bearer override"}},
	})
	assert.Equal(t, "|Bearer override", string(res.Payload))
}

func TestDecodeJSON(t *testing.T) {
	var out struct {
		Count int `json:"count"`
	}

	err := DecodeJSON(CallResult{Tag: "x", Payload: []byte(`{"count":3}`)}, &out)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Count)

	err = DecodeJSON(CallResult{Tag: "x"}, &out)
	var decodeErr *DecodeError
	assert.True(t, errors.As(err, &decodeErr))

	err = DecodeJSON(CallResult{Tag: "x", Payload: []byte(`not json`)}, &out)
	assert.True(t, errors.As(err, &decodeErr))
}

func TestUnary_UnbuildableRequest(t *testing.T) {
	srv := newTestServer(t)
	client := NewUnary(srv.URL, DefaultTransportConfig())

	res := client.Call(context.Background(), Request{Method: "BAD METHOD", Path: "/ok", Tag: "select"})

	assert.Equal(t, ClassFailure, res.Class)
	assert.Equal(t, StatusInvalid, res.Status)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "select: build request")

	var statusErr *StatusError
	assert.False(t, errors.As(res.Err, &statusErr), "no response status to report")
}
