package protocol

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// SecurityMode selects transport security for RPC connections.
type SecurityMode string

const (
	SecurityPlaintext SecurityMode = "plaintext"
	SecuritySecure    SecurityMode = "secure"
)

// ParseSecurityMode accepts "plaintext"/"insecure" and "secure"/"tls".
func ParseSecurityMode(s string) (SecurityMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "plaintext", "insecure":
		return SecurityPlaintext, nil
	case "secure", "tls":
		return SecuritySecure, nil
	default:
		return "", fmt.Errorf("unknown security mode %q", s)
	}
}

// RPCConfig describes how to reach an RPC target.
type RPCConfig struct {
	Address            string
	Security           SecurityMode
	InsecureSkipVerify bool
	// ConnectTimeout bounds the handshake performed by Connect.
	ConnectTimeout time.Duration
	// Timeout is the default per-invoke deadline.
	Timeout     time.Duration
	DialOptions []grpc.DialOption
}

// RPCConn is a persistent connection owned by exactly one virtual user.
//
// It is opened lazily on first use and reused for every later invoke.
// Application code never closes it; the scheduler calls Close when the
// owning worker slot is reclaimed.
type RPCConn struct {
	cfg RPCConfig

	mu   sync.Mutex
	conn *grpc.ClientConn

	handshakes atomic.Int64
}

// NewRPCConn returns a closed handle.
func NewRPCConn(cfg RPCConfig) *RPCConn {
	if cfg.Security == "" {
		cfg.Security = SecurityPlaintext
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &RPCConn{cfg: cfg}
}

// Address returns the target address.
func (c *RPCConn) Address() string {
	return c.cfg.Address
}

// Connected reports whether the handle currently holds an open connection.
func (c *RPCConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Handshakes counts connection establishments over the handle's lifetime.
func (c *RPCConn) Handshakes() int64 {
	return c.handshakes.Load()
}

// Connect opens the connection and waits until it is ready. Calling it on
// an open handle is a no-op.
func (c *RPCConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	opts := make([]grpc.DialOption, 0, len(c.cfg.DialOptions)+1)
	switch c.cfg.Security {
	case SecuritySecure:
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{
			InsecureSkipVerify: c.cfg.InsecureSkipVerify, //nolint:gosec // opt-in for test targets
		})))
	default:
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, c.cfg.DialOptions...)

	conn, err := grpc.NewClient(c.cfg.Address, opts...)
	if err != nil {
		return &ConnectionError{Address: c.cfg.Address, Err: err}
	}

	c.handshakes.Add(1)
	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := waitReady(readyCtx, conn); err != nil {
		conn.Close()
		return &ConnectionError{Address: c.cfg.Address, Err: err}
	}

	c.conn = conn
	return nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			return fmt.Errorf("connection state %s", state)
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

// Invoke calls a unary RPC method ("package.Service/Method"). A closed
// handle is connected first. Failures are folded into the result; a
// connection failure drops the handle so the next invoke reconnects.
func (c *RPCConn) Invoke(ctx context.Context, method string, req, reply proto.Message, tag string) CallResult {
	result := CallResult{Tag: tag, Protocol: ProtocolGRPC}
	start := time.Now()

	if err := c.Connect(ctx); err != nil {
		result.Latency = time.Since(start)
		result.Class = ClassFailure
		result.Status = StatusConnection
		result.Err = err
		return result
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		result.Class = ClassFailure
		result.Status = StatusConnection
		result.Err = &ConnectionError{Address: c.cfg.Address, Err: errors.New("connection closed")}
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start = time.Now()
	err := conn.Invoke(callCtx, fullMethod(method), req, reply)
	result.Latency = time.Since(start)

	if err == nil {
		result.Class = ClassSuccess
		result.Status = StatusOK
		if reply != nil {
			if payload, merr := proto.Marshal(reply); merr == nil {
				result.Payload = payload
			}
		}
		return result
	}

	st := status.Convert(err)
	result.Code = int(st.Code())
	result.Class = ClassFailure

	switch st.Code() {
	case codes.DeadlineExceeded:
		result.Status = StatusTimeout
		result.Err = &CallTimeoutError{Tag: tag, Timeout: c.cfg.Timeout, Err: err}
	case codes.Canceled:
		result.Status = StatusCanceled
		result.Err = err
	case codes.Unavailable:
		result.Status = StatusConnection
		result.Err = &ConnectionError{Address: c.cfg.Address, Err: err}
		c.drop(conn)
	default:
		result.Status = "grpc_" + st.Code().String()
		result.Err = &StatusError{Tag: tag, Status: result.Status}
	}

	return result
}

// drop discards conn if it is still the current connection.
func (c *RPCConn) drop(conn *grpc.ClientConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
		conn.Close()
	}
}

// Close releases the connection. The handle may be connected again.
func (c *RPCConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func fullMethod(method string) string {
	if strings.HasPrefix(method, "/") {
		return method
	}
	return "/" + method
}
