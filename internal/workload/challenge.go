package workload

import (
	"context"
	"net/http"
	"net/url"

	"github.com/wesleyorama2/volley/internal/fixture"
	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/protocol"
	"github.com/wesleyorama2/volley/internal/session"
)

// Endpoint tags. Each becomes the endpoint tag of the call's metrics and
// keys the response contract.
const (
	TagInitialize       = "initialize"
	TagBrowseChallenges = "browse_challenges"
	TagCheckProgress    = "check_progress"
	TagChallenges       = "challenges"
	TagLookup           = "lookup_challenges"
	TagBatchSelect      = "batch_select"
	TagRandomSelect     = "random_select"
	TagClaim            = "claim"
	TagSetActive        = "set_active"
)

// Goal statuses reported by the challenge service.
const (
	GoalCompleted = "completed"
	GoalClaimed   = "claimed"
)

// Goal is a goal with the caller's progress.
type Goal struct {
	GoalID    string `json:"goalId"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	IsActive  bool   `json:"isActive"`
	ClaimedAt string `json:"claimedAt,omitempty"`
}

// Claimable reports a completed goal that was not claimed yet.
func (g Goal) Claimable() bool {
	return g.Status == GoalCompleted && g.ClaimedAt == ""
}

// Challenge is a challenge with its goals.
type Challenge struct {
	ChallengeID string `json:"challengeId"`
	Name        string `json:"name,omitempty"`
	Goals       []Goal `json:"goals"`
}

// InitializeResponse is returned by the initialize endpoint.
type InitializeResponse struct {
	AssignedGoals  []Goal `json:"assignedGoals"`
	NewAssignments int    `json:"newAssignments"`
}

// ChallengesResponse is returned by the list endpoint.
type ChallengesResponse struct {
	Challenges []Challenge `json:"challenges"`
}

// Has reports whether the list contains challengeID.
func (r ChallengesResponse) Has(challengeID string) bool {
	for _, c := range r.Challenges {
		if c.ChallengeID == challengeID {
			return true
		}
	}
	return false
}

// GoalRef names one goal of one challenge.
type GoalRef struct {
	ChallengeID string
	GoalID      string
}

// Claimable returns every completed, unclaimed goal in list order.
func (r ChallengesResponse) Claimable() []GoalRef {
	var out []GoalRef
	for _, c := range r.Challenges {
		for _, g := range c.Goals {
			if g.Claimable() {
				out = append(out, GoalRef{ChallengeID: c.ChallengeID, GoalID: g.GoalID})
			}
		}
	}
	return out
}

// SelectResponse is returned by both goal selection endpoints.
type SelectResponse struct {
	ChallengeID   string `json:"challengeId"`
	SelectedGoals []Goal `json:"selectedGoals"`
}

// ChallengeAPI issues challenge service calls on behalf of one identity.
// Every call is recorded through the VU.
type ChallengeAPI struct {
	Namespace string
}

// NamespaceHeader carries the namespace of generated traffic.
const NamespaceHeader = "X-Namespace"

func (a ChallengeAPI) header(rec fixture.Record) http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+rec.Token)
	h.Set("Content-Type", "application/json")
	h.Set("X-Mock-User-Id", rec.User.ID)
	if a.Namespace != "" {
		h.Set(NamespaceHeader, a.Namespace)
	}
	return h
}

// call issues one request and decodes a successful body into out. A body
// that does not decode turns the result into a decode failure.
func (a ChallengeAPI) call(ctx context.Context, vu *session.VirtualUser, rec fixture.Record, req protocol.Request, extra metrics.Tags, out any) protocol.CallResult {
	req.Header = a.header(rec)
	res := vu.Env().HTTP.Call(ctx, req)
	if out != nil && res.OK() {
		if err := protocol.DecodeJSON(res, out); err != nil {
			res.Class = protocol.ClassFailure
			res.Status = protocol.StatusDecode
			res.Err = err
		}
	}
	vu.Report(res, extra)
	return res
}

// Initialize assigns the default goals on first call.
func (a ChallengeAPI) Initialize(ctx context.Context, vu *session.VirtualUser, rec fixture.Record, extra metrics.Tags) (InitializeResponse, protocol.CallResult) {
	var out InitializeResponse
	res := a.call(ctx, vu, rec, protocol.Request{
		Method: http.MethodPost,
		Path:   "/v1/challenges/initialize",
		Body:   []byte("{}"),
		Tag:    TagInitialize,
	}, extra, &out)
	return out, res
}

// Challenges lists challenges, optionally only active goals, under tag.
func (a ChallengeAPI) Challenges(ctx context.Context, vu *session.VirtualUser, rec fixture.Record, activeOnly bool, tag string, extra metrics.Tags) (ChallengesResponse, protocol.CallResult) {
	path := "/v1/challenges"
	if activeOnly {
		path += "?active_only=true"
	}
	var out ChallengesResponse
	res := a.call(ctx, vu, rec, protocol.Request{Method: http.MethodGet, Path: path, Tag: tag}, extra, &out)
	return out, res
}

// BatchSelect activates goalIDs in challengeID.
func (a ChallengeAPI) BatchSelect(ctx context.Context, vu *session.VirtualUser, rec fixture.Record, challengeID string, goalIDs []string, replace bool) (SelectResponse, protocol.CallResult) {
	var out SelectResponse
	res := a.call(ctx, vu, rec, protocol.Request{
		Method: http.MethodPost,
		Path:   goalsPath(challengeID) + "/batch-select",
		Body: protocol.JSONBody(map[string]any{
			"goal_ids":         goalIDs,
			"replace_existing": replace,
		}),
		Tag: TagBatchSelect,
	}, nil, &out)
	return out, res
}

// RandomSelect activates up to count random goals in challengeID.
func (a ChallengeAPI) RandomSelect(ctx context.Context, vu *session.VirtualUser, rec fixture.Record, challengeID string, count int, replace, excludeActive bool) (SelectResponse, protocol.CallResult) {
	var out SelectResponse
	res := a.call(ctx, vu, rec, protocol.Request{
		Method: http.MethodPost,
		Path:   goalsPath(challengeID) + "/random-select",
		Body: protocol.JSONBody(map[string]any{
			"count":            count,
			"replace_existing": replace,
			"exclude_active":   excludeActive,
		}),
		Tag: TagRandomSelect,
	}, nil, &out)
	return out, res
}

// Claim claims a goal reward. Statuses in expected are expected failures.
func (a ChallengeAPI) Claim(ctx context.Context, vu *session.VirtualUser, rec fixture.Record, goal GoalRef, expected ...int) protocol.CallResult {
	return a.call(ctx, vu, rec, protocol.Request{
		Method:           http.MethodPost,
		Path:             goalsPath(goal.ChallengeID) + "/" + url.PathEscape(goal.GoalID) + "/claim",
		Tag:              TagClaim,
		ExpectedStatuses: expected,
	}, nil, nil)
}

// SetActive activates or deactivates a goal.
func (a ChallengeAPI) SetActive(ctx context.Context, vu *session.VirtualUser, rec fixture.Record, goal GoalRef, active bool) protocol.CallResult {
	action := "deactivate"
	if active {
		action = "activate"
	}
	return a.call(ctx, vu, rec, protocol.Request{
		Method: http.MethodPut,
		Path:   goalsPath(goal.ChallengeID) + "/" + url.PathEscape(goal.GoalID) + "/active",
		Body:   protocol.JSONBody(map[string]bool{"is_active": active}),
		Tag:    TagSetActive,
	}, metrics.Tags{"action": action}, nil)
}

func goalsPath(challengeID string) string {
	return "/v1/challenges/" + url.PathEscape(challengeID) + "/goals"
}
