package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/wesleyorama2/volley/internal/fixture"
	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/protocol"
)

type fakeRecorder struct {
	mu         sync.Mutex
	calls      []protocol.CallResult
	callTags   []metrics.Tags
	checks     map[string][]bool
	iterations int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{checks: make(map[string][]bool)}
}

func (f *fakeRecorder) RecordCall(res protocol.CallResult, tags metrics.Tags) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, res)
	f.callTags = append(f.callTags, tags)
}

func (f *fakeRecorder) RecordCheck(name string, ok bool, _ metrics.Tags) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks[name] = append(f.checks[name], ok)
}

func (f *fakeRecorder) RecordIteration(time.Duration, metrics.Tags) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.iterations++
}

func testStore(t *testing.T) *fixture.Store {
	t.Helper()
	store, err := fixture.LoadReaders(
		strings.NewReader(`[{"id":"u0"},{"id":"u1"},{"id":"u2"}]`),
		strings.NewReader(`["t0","t1","t2"]`),
		nil,
	)
	require.NoError(t, err)
	return store
}

func refusedURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return "http://" + addr
}

func TestJourney_AllCallsFailStillCompletes(t *testing.T) {
	rec := newFakeRecorder()
	env := &Env{
		Fixtures: testStore(t),
		HTTP:     protocol.NewUnary(refusedURL(t), protocol.DefaultTransportConfig()),
		Recorder: rec,
		Tags:     metrics.Tags{"scenario": "sessions"},
	}
	vu := NewVirtualUser(1, env)

	call := func(tag string) StepFunc {
		return func(ctx context.Context, vu *VirtualUser) error {
			res := vu.HTTP(ctx, protocol.Request{Path: "/v1/challenges", Tag: tag}, nil)
			if res.Failed() {
				return res.Err
			}
			return nil
		}
	}
	j := &Journey{
		Name: "sessions",
		Steps: []Step{
			{Name: "initialize", Run: call("initialize")},
			{Name: "browse", Run: call("list")},
			{Name: "claim", Run: call("claim")},
		},
	}

	out := j.Run(context.Background(), vu)

	assert.True(t, out.Completed)
	assert.False(t, out.Interrupted)
	assert.Equal(t, 3, out.Steps)
	assert.Equal(t, 3, out.Failed)
	require.Len(t, rec.calls, 3)
	for _, c := range rec.calls {
		assert.Equal(t, protocol.StatusConnection, c.Status)
	}
	assert.Equal(t, "sessions", rec.callTags[0]["scenario"])
	assert.Equal(t, 1, rec.iterations)
	assert.Equal(t, int64(1), vu.GetIteration())
	assert.Equal(t, VUStateIdle, vu.GetState())
}

func TestJourney_PanickingStepIsRecovered(t *testing.T) {
	rec := newFakeRecorder()
	vu := NewVirtualUser(0, &Env{Recorder: rec})

	var reached bool
	j := &Journey{Steps: []Step{
		{Name: "explode", Run: func(context.Context, *VirtualUser) error { panic("nil payload") }},
		{Name: "after", Run: func(context.Context, *VirtualUser) error { reached = true; return nil }},
	}}

	out := j.Run(context.Background(), vu)
	assert.True(t, reached, "the step after a panic still runs")
	assert.Equal(t, 1, out.Failed)
	assert.True(t, out.Completed)
}

func TestJourney_StopDuringThinkTime(t *testing.T) {
	rec := newFakeRecorder()
	vu := NewVirtualUser(0, &Env{Recorder: rec})

	var ran []string
	step := func(name string) Step {
		return Step{
			Name:  name,
			Think: Fixed(10 * time.Second),
			Run: func(context.Context, *VirtualUser) error {
				ran = append(ran, name)
				return nil
			},
		}
	}
	j := &Journey{Steps: []Step{step("a"), step("b")}}

	go func() {
		time.Sleep(20 * time.Millisecond)
		vu.RequestStop()
	}()

	start := time.Now()
	out := j.Run(context.Background(), vu)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{"a"}, ran)
	assert.True(t, out.Interrupted)
	assert.False(t, out.Completed)
	assert.Equal(t, 0, rec.iterations, "interrupted sessions are not counted as iterations")
	assert.Equal(t, VUStateStopping, vu.GetState())
}

func TestJourney_StepInProgressFinishes(t *testing.T) {
	vu := NewVirtualUser(0, &Env{})

	finished := make(chan struct{})
	j := &Journey{Steps: []Step{
		{Name: "slow", Run: func(context.Context, *VirtualUser) error {
			vu.RequestStop()
			time.Sleep(30 * time.Millisecond)
			close(finished)
			return nil
		}},
		{Name: "never", Run: func(context.Context, *VirtualUser) error {
			t.Error("step started after stop was requested")
			return nil
		}},
	}}

	out := j.Run(context.Background(), vu)
	select {
	case <-finished:
	default:
		t.Fatal("step in progress was abandoned")
	}
	assert.Equal(t, 1, out.Steps)
	assert.True(t, out.Interrupted)
}

func TestJourney_ContextCancelled(t *testing.T) {
	vu := NewVirtualUser(0, &Env{})
	ctx, cancel := context.WithCancel(context.Background())

	j := &Journey{
		Steps: []Step{{Name: "cancel", Run: func(context.Context, *VirtualUser) error {
			cancel()
			return errors.New("canceled")
		}}, {Name: "skipped"}},
		Gap: Fixed(time.Hour),
	}

	out := j.Run(ctx, vu)
	assert.True(t, out.Interrupted)
	assert.Equal(t, 1, out.Failed)
}

func TestJourney_SessionGapAfterLastStep(t *testing.T) {
	rec := newFakeRecorder()
	vu := NewVirtualUser(0, &Env{Recorder: rec})
	j := &Journey{Steps: []Step{{Name: "only"}}, Gap: Fixed(30 * time.Millisecond)}

	out := j.Run(context.Background(), vu)
	assert.GreaterOrEqual(t, out.Duration, 30*time.Millisecond)
	assert.Equal(t, 1, rec.iterations)
}

func TestThinkTime_Draw(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 7))
	tt := Between(2*time.Second, 5*time.Second)
	for i := 0; i < 1000; i++ {
		d := tt.Draw(r)
		if d < 2*time.Second || d > 5*time.Second {
			t.Fatalf("Draw() = %v, want within [2s, 5s]", d)
		}
	}

	if got := Fixed(time.Second).Draw(r); got != time.Second {
		t.Errorf("Fixed(1s).Draw() = %v, want 1s", got)
	}
	if got := (ThinkTime{}).Draw(r); got != 0 {
		t.Errorf("zero ThinkTime.Draw() = %v, want 0", got)
	}
	if got := Between(-time.Second, -time.Second).Draw(r); got != 0 {
		t.Errorf("negative ThinkTime.Draw() = %v, want 0", got)
	}
}

func TestVirtualUser_SeededRandomness(t *testing.T) {
	env := &Env{Seed: 42}
	a := NewVirtualUser(3, env)
	b := NewVirtualUser(3, env)
	c := NewVirtualUser(4, env)

	var sameAsC int
	for i := 0; i < 100; i++ {
		x, y, z := a.Draw(), b.Draw(), c.Draw()
		if x != y {
			t.Fatalf("draw %d differs between identically seeded VUs: %v vs %v", i, x, y)
		}
		if x == z {
			sameAsC++
		}
	}
	assert.Less(t, sameAsC, 100, "different VU ids use different streams")
}

func TestVirtualUser_IdentityAndVars(t *testing.T) {
	env := &Env{Fixtures: testStore(t), Vars: map[string]string{"namespace": "test"}}

	vu := NewVirtualUser(4, env)
	assert.Equal(t, "u1", vu.Record.User.ID)
	assert.Equal(t, "t1", vu.Record.Token)

	vu.SetVar("goal", "g-7")
	assert.Equal(t, "/ns/test/goals/g-7/{{missing}}", vu.Resolve("/ns/{{namespace}}/goals/{{goal}}/{{missing}}"))
	vu.ClearVar("goal")
	_, ok := vu.Var("goal")
	assert.False(t, ok)

	other := NewVirtualUser(5, env)
	_, ok = other.Var("goal")
	assert.False(t, ok, "variables are per VU")
}

func TestVirtualUser_UnknownConnection(t *testing.T) {
	rec := newFakeRecorder()
	vu := NewVirtualUser(0, &Env{Recorder: rec})

	_, err := vu.Conn("stats")
	assert.Error(t, err)

	res := vu.Invoke(context.Background(), "stats", "svc.S/M", &emptypb.Empty{}, &emptypb.Empty{}, "stat_update", nil)
	assert.Equal(t, protocol.ClassFailure, res.Class)
	assert.Equal(t, protocol.ProtocolGRPC, res.Protocol)
	require.Len(t, rec.calls, 1)
	assert.False(t, vu.Connected("stats"))
}

func TestVirtualUser_ConnOwnedPerVU(t *testing.T) {
	env := &Env{RPC: map[string]protocol.RPCConfig{"login": {Address: "passthrough:///login"}}}
	a := NewVirtualUser(0, env)
	b := NewVirtualUser(1, env)

	ca, err := a.Conn("login")
	require.NoError(t, err)
	again, _ := a.Conn("login")
	cb, _ := b.Conn("login")

	assert.Same(t, ca, again)
	assert.NotSame(t, ca, cb)
	assert.False(t, a.Connected("login"), "connections open lazily")

	a.Close()
	assert.Equal(t, VUStateStopped, a.GetState())
}

func TestVirtualUser_Check(t *testing.T) {
	rec := newFakeRecorder()
	vu := NewVirtualUser(0, &Env{Recorder: rec})

	assert.True(t, vu.Check("has goals", true, nil))
	assert.False(t, vu.Check("has goals", false, nil))
	assert.Equal(t, []bool{true, false}, rec.checks["has goals"])
}

func TestVUState_String(t *testing.T) {
	tests := []struct {
		state VUState
		want  string
	}{
		{VUStateIdle, "idle"},
		{VUStateRunning, "running"},
		{VUStateStopping, "stopping"},
		{VUStateStopped, "stopped"},
		{VUState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("VUState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
