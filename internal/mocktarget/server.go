// Package mocktarget is an in-memory stand-in for the challenge service and
// its event handler. It serves the challenge HTTP API and a catch-all gRPC
// event endpoint, with optional latency and failure injection, so load
// profiles can be exercised locally and in tests.
package mocktarget

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/fixture"
)

// DefaultGoalTarget is the number of stat events that completes a goal.
const DefaultGoalTarget = 3

// Config configures a mock target.
type Config struct {
	// Prefix is prepended to every API route, e.g. "/challenge".
	Prefix string
	// Latency is added to every call; Jitter adds up to that much more.
	Latency time.Duration
	Jitter  time.Duration
	// ErrorRate is the fraction of calls answered with an injected failure.
	ErrorRate float64
	// GoalTarget is the number of stat events that completes an active goal.
	GoalTarget int
	// Challenges seeds the catalog; DefaultChallenges is used when empty.
	Challenges []fixture.Challenge
	Seed       uint64
	Logger     *zap.Logger
}

// Stats counts the calls served, by route name and by event method.
type Stats struct {
	Requests map[string]int64 `json:"requests"`
	Events   map[string]int64 `json:"events"`
	Injected int64            `json:"injected"`
}

// Server holds the catalog and every user's goal state.
type Server struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	rng        *rand.Rand
	challenges []fixture.Challenge
	users      map[string]*userState
	stats      Stats
}

// New creates a mock target.
func New(cfg Config) *Server {
	if cfg.GoalTarget <= 0 {
		cfg.GoalTarget = DefaultGoalTarget
	}
	challenges := cfg.Challenges
	if len(challenges) == 0 {
		challenges = DefaultChallenges()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "mocktarget")),
		rng:        rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		challenges: challenges,
		users:      make(map[string]*userState),
		stats: Stats{
			Requests: make(map[string]int64),
			Events:   make(map[string]int64),
		},
	}
}

// DefaultChallenges is the catalog served when none is configured.
func DefaultChallenges() []fixture.Challenge {
	return []fixture.Challenge{
		{
			ChallengeID: "daily-challenges",
			Name:        "Daily Challenges",
			Goals: []fixture.Goal{
				{GoalID: "daily-login", Name: "Log in"},
				{GoalID: "daily-10-kills", Name: "Get 10 kills"},
				{GoalID: "daily-3-matches", Name: "Play 3 matches"},
				{GoalID: "daily-5-headshots", Name: "Land 5 headshots"},
				{GoalID: "daily-win", Name: "Win a match"},
			},
		},
		{
			ChallengeID: "weekly-challenges",
			Name:        "Weekly Challenges",
			Goals: []fixture.Goal{
				{GoalID: "weekly-50-kills", Name: "Get 50 kills"},
				{GoalID: "weekly-10-wins", Name: "Win 10 matches"},
				{GoalID: "weekly-20-matches", Name: "Play 20 matches"},
			},
		},
	}
}

// Stats returns a copy of the call counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{
		Requests: make(map[string]int64, len(s.stats.Requests)),
		Events:   make(map[string]int64, len(s.stats.Events)),
		Injected: s.stats.Injected,
	}
	for k, v := range s.stats.Requests {
		out.Requests[k] = v
	}
	for k, v := range s.stats.Events {
		out.Events[k] = v
	}
	return out
}

// delay sleeps for the configured latency, returning early with the
// context error.
func (s *Server) delay(ctx context.Context) error {
	d := s.cfg.Latency
	if s.cfg.Jitter > 0 {
		s.mu.Lock()
		d += time.Duration(s.rng.Int64N(int64(s.cfg.Jitter)))
		s.mu.Unlock()
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) shouldInjectFailure() bool {
	if s.cfg.ErrorRate <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng.Float64() < s.cfg.ErrorRate {
		s.stats.Injected++
		return true
	}
	return false
}

func (s *Server) trackRequest(route string) {
	s.mu.Lock()
	s.stats.Requests[route]++
	s.mu.Unlock()
}

func (s *Server) trackEvent(method string) {
	s.mu.Lock()
	s.stats.Events[method]++
	s.mu.Unlock()
}
