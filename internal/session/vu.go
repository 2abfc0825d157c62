// Package session runs the stateful journeys executed by virtual users.
package session

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/wesleyorama2/volley/internal/fixture"
	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/protocol"
)

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU is ready but not currently running.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is running a session.
	VUStateRunning
	// VUStateStopping indicates the VU has been asked to stop.
	VUStateStopping
	// VUStateStopped indicates the VU has been torn down.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Recorder receives every outcome a VU produces. *metrics.Registry
// implements it.
type Recorder interface {
	RecordCall(res protocol.CallResult, tags metrics.Tags)
	RecordCheck(name string, ok bool, tags metrics.Tags)
	RecordIteration(d time.Duration, tags metrics.Tags)
}

// Env is the shared, read-only context of every VU in a stage.
type Env struct {
	Fixtures *fixture.Store
	HTTP     *protocol.Unary
	// RPC names the persistent connections a VU may open.
	RPC      map[string]protocol.RPCConfig
	Recorder Recorder
	Logger   *zap.Logger
	Seed     uint64
	// Tags are merged into every metric the VU records.
	Tags metrics.Tags
	// Vars seed each VU's variable scope.
	Vars map[string]string
}

// VirtualUser is the state owned by one worker slot. It is reused by every
// session the slot runs and is never shared between goroutines running
// sessions; only the stop signal is touched from outside.
type VirtualUser struct {
	// ID is unique within a stage and doubles as the identity index.
	ID     int
	Record fixture.Record
	Rand   *rand.Rand
	Logger *zap.Logger

	env   *Env
	tags  metrics.Tags
	conns map[string]*protocol.RPCConn

	state     atomic.Int32
	stopCh    chan struct{}
	stopOnce  sync.Once
	iteration atomic.Int64

	vars map[string]string
}

// NewVirtualUser creates the VU for slot id.
func NewVirtualUser(id int, env *Env) *VirtualUser {
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	vu := &VirtualUser{
		ID:     id,
		Rand:   rand.New(rand.NewPCG(env.Seed, uint64(id))),
		Logger: logger.With(zap.Int("vu", id)),
		env:    env,
		tags:   metrics.Tags{}.Merge(env.Tags),
		conns:  make(map[string]*protocol.RPCConn),
		stopCh: make(chan struct{}),
		vars:   make(map[string]string, len(env.Vars)),
	}
	if env.Fixtures != nil && env.Fixtures.Len() > 0 {
		vu.Record = env.Fixtures.Get(id)
	}
	for k, v := range env.Vars {
		vu.vars[k] = v
	}
	return vu
}

// Env returns the shared stage environment.
func (vu *VirtualUser) Env() *Env {
	return vu.env
}

// GetState returns the current VU state.
func (vu *VirtualUser) GetState() VUState {
	return VUState(vu.state.Load())
}

// GetIteration returns the number of sessions started on this VU.
func (vu *VirtualUser) GetIteration() int64 {
	return vu.iteration.Load()
}

// Tags returns the VU's base metric tags.
func (vu *VirtualUser) Tags() metrics.Tags {
	return vu.tags
}

// RequestStop asks the VU to finish its current step and start nothing new.
func (vu *VirtualUser) RequestStop() {
	vu.stopOnce.Do(func() {
		vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateStopping))
		vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateStopping))
		close(vu.stopCh)
	})
}

// Stopping reports whether RequestStop was called.
func (vu *VirtualUser) Stopping() bool {
	select {
	case <-vu.stopCh:
		return true
	default:
		return false
	}
}

// StopCh is closed by RequestStop.
func (vu *VirtualUser) StopCh() <-chan struct{} {
	return vu.stopCh
}

// Close tears the VU down: it closes every RPC connection the VU opened.
func (vu *VirtualUser) Close() {
	for name, c := range vu.conns {
		if err := c.Close(); err != nil {
			vu.Logger.Debug("closing connection", zap.String("conn", name), zap.Error(err))
		}
	}
	vu.state.Store(int32(VUStateStopped))
}

// Conn returns the named persistent connection, creating a closed handle
// on first use. It connects lazily on the first invoke.
func (vu *VirtualUser) Conn(name string) (*protocol.RPCConn, error) {
	if c, ok := vu.conns[name]; ok {
		return c, nil
	}
	cfg, ok := vu.env.RPC[name]
	if !ok {
		return nil, fmt.Errorf("vu %d: no rpc endpoint named %q", vu.ID, name)
	}
	c := protocol.NewRPCConn(cfg)
	vu.conns[name] = c
	return c, nil
}

// Connected reports whether the named connection is currently open.
func (vu *VirtualUser) Connected(name string) bool {
	c, ok := vu.conns[name]
	return ok && c.Connected()
}

// HTTP issues a unary call and records its outcome.
func (vu *VirtualUser) HTTP(ctx context.Context, req protocol.Request, extra metrics.Tags) protocol.CallResult {
	res := vu.env.HTTP.Call(ctx, req)
	vu.Report(res, extra)
	return res
}

// Invoke calls method on the named persistent connection and records the
// outcome.
func (vu *VirtualUser) Invoke(ctx context.Context, conn, method string, req, reply proto.Message, tag string, extra metrics.Tags) protocol.CallResult {
	c, err := vu.Conn(conn)
	if err != nil {
		res := protocol.CallResult{
			Tag:      tag,
			Protocol: protocol.ProtocolGRPC,
			Class:    protocol.ClassFailure,
			Status:   protocol.StatusConnection,
			Err:      err,
		}
		vu.Report(res, extra)
		return res
	}
	res := c.Invoke(ctx, method, req, reply, tag)
	vu.Report(res, extra)
	return res
}

// Report records a result produced outside HTTP and Invoke, or one a
// caller reclassified after decoding.
func (vu *VirtualUser) Report(res protocol.CallResult, extra metrics.Tags) {
	if res.Failed() && res.Status != protocol.StatusCanceled {
		vu.Logger.Debug("call failed",
			zap.String("tag", res.Tag),
			zap.String("status", res.Status),
			zap.Error(res.Err))
	}
	if vu.env.Recorder != nil {
		vu.env.Recorder.RecordCall(res, vu.tags.Merge(extra))
	}
}

// Check records a named assertion and returns ok.
func (vu *VirtualUser) Check(name string, ok bool, extra metrics.Tags) bool {
	if vu.env.Recorder != nil {
		vu.env.Recorder.RecordCheck(name, ok, vu.tags.Merge(extra))
	}
	return ok
}

// SetVar stores a session variable.
func (vu *VirtualUser) SetVar(key, value string) {
	vu.vars[key] = value
}

// Var returns a session variable.
func (vu *VirtualUser) Var(key string) (string, bool) {
	v, ok := vu.vars[key]
	return v, ok
}

// ClearVar removes a session variable.
func (vu *VirtualUser) ClearVar(key string) {
	delete(vu.vars, key)
}

// Resolve replaces {{name}} placeholders with session variables.
func (vu *VirtualUser) Resolve(input string) string {
	if !strings.Contains(input, "{{") {
		return input
	}
	result := input
	for key, value := range vu.vars {
		result = strings.ReplaceAll(result, "{{"+key+"}}", value)
	}
	return result
}

// Draw returns a uniform float in [0, 1) from the VU's source.
func (vu *VirtualUser) Draw() float64 {
	return vu.Rand.Float64()
}

// Sleep waits for d, returning early with false when the VU is asked to
// stop or ctx is done.
func (vu *VirtualUser) Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !vu.Stopping() && ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-vu.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
