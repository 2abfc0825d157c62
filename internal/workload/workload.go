// Package workload declares the journeys virtual users run against the
// challenge service and its event handler. Each workload is a journey built
// from weighted selector tables; the executor decides how often it starts.
package workload

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/wesleyorama2/volley/internal/fixture"
	"github.com/wesleyorama2/volley/internal/selector"
	"github.com/wesleyorama2/volley/internal/session"
)

// Built-in workload names.
const (
	Sessions   = "sessions"
	Gameplay   = "gameplay"
	Initialize = "initialize"
	API        = "api"
	Events     = "events"
	Requests   = "requests"
)

// Persistent connection names opened by the events workload.
const (
	ConnLogin = "login"
	ConnStat  = "stat"
)

// Defaults applied by Build.
const (
	DefaultNamespace   = "test"
	DefaultChallengeID = "daily-challenges"
)

// DefaultBatchGoals are the goals a manual selection picks.
var DefaultBatchGoals = []string{"daily-login", "daily-10-kills", "daily-3-matches"}

// ErrUnknownWorkload is returned by Build for an unregistered name.
var ErrUnknownWorkload = errors.New("unknown workload")

// Options parameterize every workload.
type Options struct {
	Namespace   string
	ChallengeID string
	// BatchGoals are selected by the manual selection branch and claimed
	// blindly when no completed goal is known.
	BatchGoals []string
	// Challenges is the goal catalog drawn from when toggling goals.
	Challenges []fixture.Challenge
	// RandomIdentity draws a fixture record per session instead of using
	// the VU's own identity.
	RandomIdentity bool
	// ThinkScale multiplies every think time. Zero leaves them unscaled.
	ThinkScale float64
	// Requests drive the requests workload.
	Requests []RequestSpec
}

func (o Options) withDefaults() Options {
	if o.Namespace == "" {
		o.Namespace = DefaultNamespace
	}
	if o.ChallengeID == "" {
		o.ChallengeID = DefaultChallengeID
	}
	if len(o.BatchGoals) == 0 {
		o.BatchGoals = DefaultBatchGoals
	}
	if len(o.Challenges) == 0 {
		goals := make([]fixture.Goal, len(o.BatchGoals))
		for i, id := range o.BatchGoals {
			goals[i] = fixture.Goal{GoalID: id}
		}
		o.Challenges = []fixture.Challenge{{ChallengeID: o.ChallengeID, Goals: goals}}
	}
	if o.ThinkScale <= 0 {
		o.ThinkScale = 1
	}
	return o
}

func (o Options) between(min, max time.Duration) session.ThinkTime {
	return session.Between(
		time.Duration(float64(min)*o.ThinkScale),
		time.Duration(float64(max)*o.ThinkScale),
	)
}

const identityVar = "identity"

// begin picks the identity of a new session.
func (o Options) begin(vu *session.VirtualUser) fixture.Record {
	fixtures := vu.Env().Fixtures
	if !o.RandomIdentity || fixtures == nil || fixtures.Len() == 0 {
		vu.ClearVar(identityVar)
		return vu.Record
	}
	idx := vu.Rand.IntN(fixtures.Len())
	vu.SetVar(identityVar, strconv.Itoa(idx))
	return fixtures.Get(idx)
}

// current returns the identity chosen by begin.
func (o Options) current(vu *session.VirtualUser) fixture.Record {
	v, ok := vu.Var(identityVar)
	if !ok {
		return vu.Record
	}
	idx, err := strconv.Atoi(v)
	if err != nil || vu.Env().Fixtures == nil {
		return vu.Record
	}
	return vu.Env().Fixtures.Get(idx)
}

// chance is a two-way table for yes/no draws.
func chance(p float64) *selector.Table[bool] {
	return selector.MustNew(
		selector.Entry[bool]{Value: true, Weight: p},
		selector.Entry[bool]{Value: false, Weight: 1 - p},
	)
}

// Builder assembles a journey.
type Builder func(Options) (*session.Journey, error)

var builders = map[string]Builder{
	Sessions:   buildSessions,
	Gameplay:   buildGameplay,
	Initialize: buildInitialize,
	API:        buildAPI,
	Events:     buildEvents,
	Requests:   buildRequests,
}

// Build returns the journey of the named workload.
func Build(name string, opts Options) (*session.Journey, error) {
	b, ok := builders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkload, name)
	}
	return b(opts.withDefaults())
}

// Names lists the registered workloads.
func Names() []string {
	names := make([]string, 0, len(builders))
	for n := range builders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// UsesHTTP reports whether the workload calls the challenge API.
func UsesHTTP(name string) bool {
	return name != Events
}

// UsesRPC reports whether the workload needs the event handler connections.
func UsesRPC(name string) bool {
	return name == Events
}
