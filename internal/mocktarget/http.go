package mocktarget

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Route names, also used as request counter keys.
const (
	RouteInitialize   = "initialize"
	RouteList         = "list_challenges"
	RouteBatchSelect  = "batch_select"
	RouteRandomSelect = "random_select"
	RouteClaim        = "claim"
	RouteSetActive    = "set_active"
)

// UserHeader identifies the caller when set; otherwise the bearer token does.
const UserHeader = "X-Mock-User-Id"

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	api := router.PathPrefix(strings.TrimRight(s.cfg.Prefix, "/")).Subrouter()
	api.Use(s.middleware)

	api.HandleFunc("/v1/challenges", s.handleList).Methods(http.MethodGet).Name(RouteList)
	api.HandleFunc("/v1/challenges/initialize", s.handleInitialize).Methods(http.MethodPost).Name(RouteInitialize)
	api.HandleFunc("/v1/challenges/{challengeId}/goals/batch-select", s.handleBatchSelect).Methods(http.MethodPost).Name(RouteBatchSelect)
	api.HandleFunc("/v1/challenges/{challengeId}/goals/random-select", s.handleRandomSelect).Methods(http.MethodPost).Name(RouteRandomSelect)
	api.HandleFunc("/v1/challenges/{challengeId}/goals/{goalId}/claim", s.handleClaim).Methods(http.MethodPost).Name(RouteClaim)
	api.HandleFunc("/v1/challenges/{challengeId}/goals/{goalId}/active", s.handleSetActive).Methods(http.MethodPut).Name(RouteSetActive)

	return router
}

type userKey struct{}

func contextWithUser(r *http.Request, userID string) context.Context {
	return context.WithValue(r.Context(), userKey{}, userID)
}

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}

// middleware authenticates, counts, delays and possibly fails each call.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil && cur.GetName() != "" {
			route = cur.GetName()
		}
		s.trackRequest(route)

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID := r.Header.Get(UserHeader)
		if userID == "" {
			userID = token
		}

		if err := s.delay(r.Context()); err != nil {
			return
		}
		if s.shouldInjectFailure() {
			s.logger.Debug("injected failure", zap.String("route", route))
			writeError(w, http.StatusInternalServerError, "injected failure")
			return
		}

		next.ServeHTTP(w, r.WithContext(contextWithUser(r, userID)))
	})
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	assigned, fresh := s.initialize(userFrom(r))
	if assigned == nil {
		assigned = []GoalView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assignedGoals":  assigned,
		"newAssignments": fresh,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active_only") == "true"
	writeJSON(w, http.StatusOK, map[string]any{
		"challenges": s.list(userFrom(r), activeOnly),
	})
}

type batchSelectRequest struct {
	GoalIDs         []string `json:"goal_ids"`
	ReplaceExisting bool     `json:"replace_existing"`
}

func (s *Server) handleBatchSelect(w http.ResponseWriter, r *http.Request) {
	var req batchSelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if len(req.GoalIDs) == 0 {
		writeError(w, http.StatusBadRequest, "goal_ids is required")
		return
	}

	challengeID := mux.Vars(r)["challengeId"]
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenge(challengeID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown challenge")
		return
	}
	for _, id := range req.GoalIDs {
		if !hasGoal(c, id) {
			writeError(w, http.StatusBadRequest, "unknown goal "+id)
			return
		}
	}
	selected := s.selectGoals(s.user(userFrom(r)), c, req.GoalIDs, req.ReplaceExisting)
	writeJSON(w, http.StatusOK, map[string]any{
		"challengeId":   challengeID,
		"selectedGoals": selected,
	})
}

type randomSelectRequest struct {
	Count           int  `json:"count"`
	ReplaceExisting bool `json:"replace_existing"`
	ExcludeActive   bool `json:"exclude_active"`
}

func (s *Server) handleRandomSelect(w http.ResponseWriter, r *http.Request) {
	var req randomSelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Count <= 0 {
		writeError(w, http.StatusBadRequest, "count must be positive")
		return
	}

	challengeID := mux.Vars(r)["challengeId"]
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenge(challengeID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown challenge")
		return
	}
	u := s.user(userFrom(r))

	var candidates []string
	for _, goal := range c.Goals {
		if req.ExcludeActive && !req.ReplaceExisting {
			if g, ok := u.goals[goalKey(c.ChallengeID, goal.GoalID)]; ok && g.active {
				continue
			}
		}
		candidates = append(candidates, goal.GoalID)
	}
	s.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > req.Count {
		candidates = candidates[:req.Count]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"challengeId":   challengeID,
		"selectedGoals": s.selectGoals(u, c, candidates, req.ReplaceExisting),
	})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	challengeID, goalID := vars["challengeId"], vars["goalId"]

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenge(challengeID)
	if !ok || !hasGoal(c, goalID) {
		writeError(w, http.StatusNotFound, "unknown goal")
		return
	}
	u := s.user(userFrom(r))
	g, ok := u.goals[goalKey(challengeID, goalID)]
	switch {
	case !ok || g.progress < s.cfg.GoalTarget:
		writeError(w, http.StatusBadRequest, "goal not completed")
	case !g.claimedAt.IsZero():
		writeError(w, http.StatusConflict, "goal already claimed")
	default:
		g.claimedAt = time.Now()
		writeJSON(w, http.StatusOK, map[string]any{
			"challengeId": challengeID,
			"goalId":      goalID,
			"status":      StatusClaimed,
			"claimedAt":   g.claimedAt.UTC().Format(time.RFC3339),
		})
	}
}

type setActiveRequest struct {
	IsActive bool `json:"is_active"`
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	vars := mux.Vars(r)
	challengeID, goalID := vars["challengeId"], vars["goalId"]

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenge(challengeID)
	if !ok || !hasGoal(c, goalID) {
		writeError(w, http.StatusNotFound, "unknown goal")
		return
	}
	s.user(userFrom(r)).goal(challengeID, goalID).active = req.IsActive
	writeJSON(w, http.StatusOK, map[string]any{
		"challengeId": challengeID,
		"goalId":      goalID,
		"isActive":    req.IsActive,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
