package workload

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/fixture"
	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/selector"
	"github.com/wesleyorama2/volley/internal/session"
)

// SlowCallThreshold marks initialize calls worth a warning.
const SlowCallThreshold = time.Second

type gameplayAction int

const (
	actionReinitialize gameplayAction = iota
	actionSetActive
	actionClaim
	actionQuery
)

// buildGameplay is one gameplay-phase API call per arrival, drawn from a
// mix dominated by challenge queries.
func buildGameplay(o Options) (*session.Journey, error) {
	api := ChallengeAPI{Namespace: o.Namespace}
	actions := selector.MustNew(
		selector.Entry[gameplayAction]{Value: actionReinitialize, Weight: 0.10},
		selector.Entry[gameplayAction]{Value: actionSetActive, Weight: 0.15},
		selector.Entry[gameplayAction]{Value: actionClaim, Weight: 0.05},
		selector.Entry[gameplayAction]{Value: actionQuery, Weight: 0.70},
	)
	activate := chance(0.5)
	activeOnly := chance(0.5)
	challenges, err := selector.Uniform(o.Challenges...)
	if err != nil {
		return nil, err
	}

	run := func(ctx context.Context, vu *session.VirtualUser) error {
		rec := o.begin(vu)

		switch actions.Pick(vu.Rand) {
		case actionReinitialize:
			out, res := api.Initialize(ctx, vu, rec, nil)
			vu.Check("gameplay init: status 200", res.Code == http.StatusOK, nil)
			vu.Check("gameplay init: fast path", res.OK() && out.NewAssignments == 0, nil)
			return res.Err

		case actionSetActive:
			c := challenges.Pick(vu.Rand)
			if len(c.Goals) == 0 {
				return nil
			}
			goal := c.Goals[vu.Rand.IntN(len(c.Goals))]
			res := api.SetActive(ctx, vu, rec, GoalRef{ChallengeID: c.ChallengeID, GoalID: goal.GoalID}, activate.Pick(vu.Rand))
			vu.Check("set_active: status 200", res.Code == http.StatusOK, nil)
			return res.Err

		case actionClaim:
			return claimCompleted(ctx, vu, api, rec, true, "claim: status 200 or 409")

		default:
			only := activeOnly.Pick(vu.Rand)
			out, res := api.Challenges(ctx, vu, rec, only, TagChallenges, metrics.Tags{"active_only": strconv.FormatBool(only)})
			vu.Check("challenges: status 200", res.Code == http.StatusOK, nil)
			vu.Check("challenges: has data", len(out.Challenges) > 0, nil)
			return res.Err
		}
	}

	return &session.Journey{
		Name:  Gameplay,
		Steps: []session.Step{{Name: "gameplay_call", Run: run}},
	}, nil
}

// claimCompleted looks up the caller's goals and claims the first completed
// one. Nothing is claimed when none is found.
func claimCompleted(ctx context.Context, vu *session.VirtualUser, api ChallengeAPI, rec fixture.Record, activeOnly bool, check string) error {
	out, res := api.Challenges(ctx, vu, rec, activeOnly, TagLookup, nil)
	if !res.OK() {
		return res.Err
	}
	claimable := out.Claimable()
	if len(claimable) == 0 {
		return nil
	}
	claim := api.Claim(ctx, vu, rec, claimable[0], http.StatusConflict)
	vu.Check(check, claim.Code == http.StatusOK || claim.Code == http.StatusConflict, nil)
	return claim.Err
}

// buildInitialize is a single initialize call per arrival.
func buildInitialize(o Options) (*session.Journey, error) {
	api := ChallengeAPI{Namespace: o.Namespace}

	run := func(ctx context.Context, vu *session.VirtualUser) error {
		rec := o.begin(vu)
		out, res := api.Initialize(ctx, vu, rec, nil)

		vu.Check("status is 200", res.Code == http.StatusOK, nil)
		vu.Check("response has assignedGoals", res.OK() && out.AssignedGoals != nil, nil)
		vu.Check("response time < 200ms", res.Latency < 200*time.Millisecond, nil)
		vu.Check("response time < 1s", res.Latency < time.Second, nil)

		if res.Latency > SlowCallThreshold {
			vu.Logger.Warn("slow request",
				zap.Duration("latency", res.Latency),
				zap.String("user", rec.User.ID),
				zap.Int("status", res.Code))
		}
		return res.Err
	}

	return &session.Journey{
		Name:  Initialize,
		Steps: []session.Step{{Name: "initialize", Run: run}},
	}, nil
}

// buildAPI mixes challenge queries with claim attempts.
func buildAPI(o Options) (*session.Journey, error) {
	api := ChallengeAPI{Namespace: o.Namespace}
	query := chance(0.8)

	run := func(ctx context.Context, vu *session.VirtualUser) error {
		rec := o.begin(vu)
		if !query.Pick(vu.Rand) {
			return claimCompleted(ctx, vu, api, rec, false, "POST claim: status 200 or 409")
		}
		out, res := api.Challenges(ctx, vu, rec, false, TagChallenges, nil)
		vu.Check("GET challenges: status 200", res.Code == http.StatusOK, nil)
		vu.Check("GET challenges: has data", len(out.Challenges) > 0, nil)
		return res.Err
	}

	return &session.Journey{
		Name:  API,
		Steps: []session.Step{{Name: "api_call", Run: run}},
	}, nil
}
