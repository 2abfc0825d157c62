package workload

import (
	"context"
	"net/http"
	"time"

	"github.com/wesleyorama2/volley/internal/protocol"
	"github.com/wesleyorama2/volley/internal/selector"
	"github.com/wesleyorama2/volley/internal/session"
)

// SelectLatencyBudget is the latency a goal selection is checked against.
const SelectLatencyBudget = 50 * time.Millisecond

type selection int

const (
	selectRandom selection = iota
	selectBatch
)

// Session variables carrying the goal found by the progress check.
const (
	varClaimChallenge = "claim_challenge"
	varClaimGoal      = "claim_goal"
)

// buildSessions is a complete user visit: initialize, browse, select goals,
// play, check progress and claim a reward.
func buildSessions(o Options) (*session.Journey, error) {
	api := ChallengeAPI{Namespace: o.Namespace}
	selections := selector.MustNew(
		selector.Entry[selection]{Value: selectRandom, Weight: 0.6},
		selector.Entry[selection]{Value: selectBatch, Weight: 0.4},
	)
	blindClaim := chance(0.3)

	initialize := func(ctx context.Context, vu *session.VirtualUser) error {
		vu.ClearVar(varClaimChallenge)
		vu.ClearVar(varClaimGoal)
		rec := o.begin(vu)

		out, res := api.Initialize(ctx, vu, rec, nil)
		vu.Check("Initialize: status 200", res.Code == http.StatusOK, nil)
		vu.Check("Initialize: has assigned_goals", res.OK() && out.AssignedGoals != nil, nil)
		return res.Err
	}

	browse := func(ctx context.Context, vu *session.VirtualUser) error {
		out, res := api.Challenges(ctx, vu, o.current(vu), false, TagBrowseChallenges, nil)
		vu.Check("Browse: status 200", res.Code == http.StatusOK, nil)
		vu.Check("Browse: has challenges", len(out.Challenges) > 0, nil)
		return res.Err
	}

	selectGoals := func(ctx context.Context, vu *session.VirtualUser) error {
		rec := o.current(vu)
		var (
			out    SelectResponse
			res    protocol.CallResult
			prefix string
		)
		switch selections.Pick(vu.Rand) {
		case selectRandom:
			prefix = "Random Select"
			out, res = api.RandomSelect(ctx, vu, rec, o.ChallengeID, 5, false, true)
		default:
			prefix = "Batch Select"
			out, res = api.BatchSelect(ctx, vu, rec, o.ChallengeID, o.BatchGoals, false)
		}
		vu.Check(prefix+": status 200", res.Code == http.StatusOK, nil)
		vu.Check(prefix+": has selected_goals", len(out.SelectedGoals) > 0, nil)
		vu.Check(prefix+": under latency budget", res.Latency < SelectLatencyBudget, nil)
		return res.Err
	}

	checkProgress := func(ctx context.Context, vu *session.VirtualUser) error {
		out, res := api.Challenges(ctx, vu, o.current(vu), false, TagCheckProgress, nil)
		vu.Check("Progress: status 200", res.Code == http.StatusOK, nil)
		vu.Check("Progress: has challenge data", out.Has(o.ChallengeID), nil)
		if claimable := out.Claimable(); len(claimable) > 0 {
			vu.SetVar(varClaimChallenge, claimable[0].ChallengeID)
			vu.SetVar(varClaimGoal, claimable[0].GoalID)
		}
		return res.Err
	}

	claim := func(ctx context.Context, vu *session.VirtualUser) error {
		goal := GoalRef{ChallengeID: o.ChallengeID, GoalID: o.BatchGoals[0]}
		cid, okC := vu.Var(varClaimChallenge)
		gid, okG := vu.Var(varClaimGoal)
		switch {
		case okC && okG:
			goal = GoalRef{ChallengeID: cid, GoalID: gid}
		case !blindClaim.Pick(vu.Rand):
			return nil
		}

		res := api.Claim(ctx, vu, o.current(vu), goal, http.StatusBadRequest, http.StatusConflict)
		vu.Check("Claim: status 200 or expected rejection", res.Code != 0 && !res.Failed(), nil)
		return res.Err
	}

	return &session.Journey{
		Name: Sessions,
		Steps: []session.Step{
			{Name: "initialize", Run: initialize, Think: o.between(1*time.Second, 2*time.Second)},
			{Name: "browse", Run: browse, Think: o.between(2*time.Second, 4*time.Second)},
			{Name: "select_goals", Run: selectGoals, Think: o.between(3*time.Second, 5*time.Second)},
			{Name: "gameplay", Think: o.between(5*time.Second, 10*time.Second)},
			{Name: "check_progress", Run: checkProgress, Think: o.between(2*time.Second, 3*time.Second)},
			{Name: "claim", Run: claim},
		},
		Gap: o.between(5*time.Second, 10*time.Second),
	}, nil
}
