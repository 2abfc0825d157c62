package mocktarget

import (
	"time"

	"github.com/wesleyorama2/volley/internal/fixture"
)

// Goal statuses.
const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusClaimed    = "claimed"
)

// GoalView is a goal as the API reports it to one user.
type GoalView struct {
	GoalID    string `json:"goalId"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Target    int    `json:"target"`
	IsActive  bool   `json:"isActive"`
	ClaimedAt string `json:"claimedAt,omitempty"`
}

// ChallengeView is a challenge with the user's goal progress.
type ChallengeView struct {
	ChallengeID string     `json:"challengeId"`
	Name        string     `json:"name,omitempty"`
	Goals       []GoalView `json:"goals"`
}

type goalState struct {
	active    bool
	progress  int
	claimedAt time.Time
}

type userState struct {
	initialized bool
	goals       map[string]*goalState
}

func goalKey(challengeID, goalID string) string {
	return challengeID + "/" + goalID
}

// user returns the state of id, creating it on first sight. Callers hold mu.
func (s *Server) user(id string) *userState {
	u, ok := s.users[id]
	if !ok {
		u = &userState{goals: make(map[string]*goalState)}
		s.users[id] = u
	}
	return u
}

func (u *userState) goal(challengeID, goalID string) *goalState {
	key := goalKey(challengeID, goalID)
	g, ok := u.goals[key]
	if !ok {
		g = &goalState{}
		u.goals[key] = g
	}
	return g
}

func (s *Server) challenge(id string) (fixture.Challenge, bool) {
	for _, c := range s.challenges {
		if c.ChallengeID == id {
			return c, true
		}
	}
	return fixture.Challenge{}, false
}

func hasGoal(c fixture.Challenge, goalID string) bool {
	for _, g := range c.Goals {
		if g.GoalID == goalID {
			return true
		}
	}
	return false
}

func (s *Server) view(u *userState, challengeID string, goal fixture.Goal) GoalView {
	v := GoalView{
		GoalID: goal.GoalID,
		Name:   goal.Name,
		Status: StatusNotStarted,
		Target: s.cfg.GoalTarget,
	}
	g, ok := u.goals[goalKey(challengeID, goal.GoalID)]
	if !ok {
		return v
	}
	v.IsActive = g.active
	v.Progress = g.progress
	switch {
	case !g.claimedAt.IsZero():
		v.Status = StatusClaimed
		v.ClaimedAt = g.claimedAt.UTC().Format(time.RFC3339)
	case g.progress >= s.cfg.GoalTarget:
		v.Status = StatusCompleted
	case g.progress > 0:
		v.Status = StatusInProgress
	}
	return v
}

// initialize activates the first goal of every challenge on a user's first
// call and reports the active goals.
func (s *Server) initialize(userID string) (assigned []GoalView, fresh int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	if !u.initialized {
		u.initialized = true
		for _, c := range s.challenges {
			if len(c.Goals) == 0 {
				continue
			}
			g := u.goal(c.ChallengeID, c.Goals[0].GoalID)
			if !g.active {
				g.active = true
				fresh++
			}
		}
	}
	for _, c := range s.challenges {
		for _, goal := range c.Goals {
			if v := s.view(u, c.ChallengeID, goal); v.IsActive {
				assigned = append(assigned, v)
			}
		}
	}
	return assigned, fresh
}

func (s *Server) list(userID string, activeOnly bool) []ChallengeView {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	out := make([]ChallengeView, 0, len(s.challenges))
	for _, c := range s.challenges {
		cv := ChallengeView{ChallengeID: c.ChallengeID, Name: c.Name, Goals: []GoalView{}}
		for _, goal := range c.Goals {
			v := s.view(u, c.ChallengeID, goal)
			if activeOnly && !v.IsActive {
				continue
			}
			cv.Goals = append(cv.Goals, v)
		}
		out = append(out, cv)
	}
	return out
}

// selectGoals activates goalIDs in c, optionally deactivating the rest.
// Callers hold mu.
func (s *Server) selectGoals(u *userState, c fixture.Challenge, goalIDs []string, replace bool) []GoalView {
	if replace {
		for _, goal := range c.Goals {
			if g, ok := u.goals[goalKey(c.ChallengeID, goal.GoalID)]; ok {
				g.active = false
			}
		}
	}
	selected := make([]GoalView, 0, len(goalIDs))
	for _, id := range goalIDs {
		u.goal(c.ChallengeID, id).active = true
	}
	for _, goal := range c.Goals {
		for _, id := range goalIDs {
			if goal.GoalID == id {
				selected = append(selected, s.view(u, c.ChallengeID, goal))
			}
		}
	}
	return selected
}

// applyStat advances every active, unfinished goal of the user.
func (s *Server) applyStat(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.user(userID).goals {
		if g.active && g.claimedAt.IsZero() && g.progress < s.cfg.GoalTarget {
			g.progress++
		}
	}
}

func (s *Server) applyLogin(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(userID)
}
