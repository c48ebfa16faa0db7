package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"curling-server/ai"
	"curling-server/auth"
	"curling-server/broadcast"
	"curling-server/config"
	"curling-server/match"
	"curling-server/matcherrors"
	"curling-server/models"
	"curling-server/storage"
	"curling-server/ws"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	Config  *config.Config
	Store   storage.Gateway
	Matches *match.Registry
	Logs    *broadcast.Registry
	Hub     *ws.Hub
	Admin   *auth.Admin
	Agents  *auth.Agents
	// House plays the sides a match hands to built-in agents; nil disables them.
	House *ai.Pool
	// Deps are handed to every machine started through the API.
	Deps match.Deps
	// Ctx bounds the machines started through the API; it outlives requests.
	Ctx   context.Context
	Relay bool
}

// MatchView is the read view of a match, running or stored.
type MatchView struct {
	Running bool `json:"running"`
	match.Snapshot
}

// CreateMatchResponse carries the new match and the credentials its agents
// connect with.
type CreateMatchResponse struct {
	MatchView
	AgentTokens map[string]string `json:"agent_tokens"`
}

// CreateMatchBody is the match configuration plus the sides, if any, that
// the house plays.
type CreateMatchBody struct {
	match.Config
	HouseAgents []models.Side `json:"house_agents,omitempty"`
}

// EndSetupBody is the end-setup election. Team may be omitted when the
// caller authenticates with an agent token.
type EndSetupBody struct {
	EndNumber           int                  `json:"end_number"`
	Team                *models.Side         `json:"team,omitempty"`
	SelectorThrowsFirst bool                 `json:"selector_throws_first"`
	PowerPlay           models.PowerPlaySide `json:"power_play,omitempty"`
}

// Health reports liveness and the number of running matches.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	active := 0
	if h.Matches != nil {
		active = h.Matches.Len()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "role": h.Config.Role, "active_matches": active})
}

// CreateMatch begins a match and starts its machine.
func (h *Handler) CreateMatch(w http.ResponseWriter, r *http.Request) {
	var body CreateMatchBody
	if err := readJSON(w, r, &body); err != nil {
		badRequest(w, err)
		return
	}
	cfg := body.Config
	if err := cfg.Validate(); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.checkHouse(body.HouseAgents); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Matches.Reserve(); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := match.Begin(r.Context(), h.Deps, cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tokens := make(map[string]string, 2)
	for _, side := range []models.Side{models.Team0, models.Team1} {
		tok, err := h.Agents.Issue(m.ID(), side)
		if err != nil {
			writeError(w, r, fmt.Errorf("issue agent token: %w", err))
			return
		}
		tokens[side.String()] = tok
	}
	for _, side := range body.HouseAgents {
		if _, err := h.House.Assign(m.ID(), side); err != nil {
			h.House.Release(m.ID())
			writeError(w, r, err)
			return
		}
	}
	if err := h.Matches.Start(h.Ctx, m); err != nil {
		if h.House != nil {
			h.House.Release(m.ID())
		}
		writeError(w, r, err)
		return
	}
	slog.Info("match created", "tag", "api", "match", m.ID(), "rule", cfg.Rule,
		"team0", cfg.Teams[0].Name, "team1", cfg.Teams[1].Name, "house", len(body.HouseAgents))
	writeJSON(w, http.StatusCreated, CreateMatchResponse{
		MatchView:   MatchView{Running: true, Snapshot: m.Snapshot()},
		AgentTokens: tokens,
	})
}

func (h *Handler) checkHouse(sides []models.Side) error {
	if len(sides) == 0 {
		return nil
	}
	if h.House == nil || !h.House.Enabled() {
		return fmt.Errorf("house agents are disabled: %w", matcherrors.ErrInvalidMatchConfig)
	}
	if len(sides) > 2 || (len(sides) == 2 && sides[0] == sides[1]) {
		return fmt.Errorf("house_agents must name each team at most once: %w", matcherrors.ErrInvalidMatchConfig)
	}
	return nil
}

// GetMatch returns the running machine's snapshot, or the stored match.
func (h *Handler) GetMatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.matchID(w, r)
	if !ok {
		return
	}
	view, err := h.view(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetState returns the latest committed State.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	id, ok := h.matchID(w, r)
	if !ok {
		return
	}
	view, err := h.view(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view.State)
}

// ListStates returns the States committed after ?after= (default 0).
func (h *Handler) ListStates(w http.ResponseWriter, r *http.Request) {
	id, ok := h.matchID(w, r)
	if !ok {
		return
	}
	after := 0
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, errors.New("after must be a non-negative integer"))
			return
		}
		after = n
	}
	if _, err := h.Store.ReadMatch(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	states, err := h.Store.StatesSince(r.Context(), id, after)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if states == nil {
		states = []models.State{}
	}
	writeJSON(w, http.StatusOK, states)
}

// GetShot returns one shot with its result and trajectory.
func (h *Handler) GetShot(w http.ResponseWriter, r *http.Request) {
	id, ok := h.matchID(w, r)
	if !ok {
		return
	}
	shotID, err := uuid.Parse(chi.URLParam(r, "shotID"))
	if err != nil {
		badRequest(w, errors.New("invalid shot id"))
		return
	}
	info, err := h.Store.ReadShotInfo(r.Context(), shotID)
	if err == nil && info.MatchID != id {
		err = matcherrors.ErrMatchNotFound
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Stream serves the spectator event stream.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	id, ok := h.matchID(w, r)
	if !ok {
		return
	}
	l, err := h.logFor(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	broadcast.ServeSSE(w, r, l, h.Config.Heartbeat())
}

// AgentSocket upgrades an agent connection. The agent token names the team.
func (h *Handler) AgentSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := h.matchID(w, r)
	if !ok {
		return
	}
	claims, err := h.agentClaims(r, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.Matches.Get(id); err != nil {
		writeError(w, r, err)
		return
	}
	h.Hub.ServeWS(w, r, id, claims.Team)
}

// EndSetup performs mixed-doubles end setup for an admin or for the agent of
// the team holding setup rights.
func (h *Handler) EndSetup(w http.ResponseWriter, r *http.Request) {
	id, ok := h.matchID(w, r)
	if !ok {
		return
	}
	var body EndSetupBody
	if err := readJSON(w, r, &body); err != nil {
		badRequest(w, err)
		return
	}

	var team models.Side
	if claims, err := h.agentClaims(r, id); err == nil {
		if body.Team != nil && *body.Team != claims.Team {
			writeError(w, r, fmt.Errorf("token is for %s: %w", claims.Team, matcherrors.ErrNotSetupTeam))
			return
		}
		team = claims.Team
	} else {
		if err := h.Admin.Authenticate(r); err != nil {
			writeError(w, r, err)
			return
		}
		if body.Team == nil {
			badRequest(w, errors.New("team is required"))
			return
		}
		team = *body.Team
	}

	m, err := h.Matches.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	err = m.MarkEndSetupDone(r.Context(), match.EndSetupRequest{
		EndNumber:           body.EndNumber,
		Team:                team,
		SelectorThrowsFirst: body.SelectorThrowsFirst,
		PowerPlay:           body.PowerPlay,
	})
	h.respondRunning(w, r, m, err)
}

// RequestShot asks the acting team for its shot when the machine is not
// advancing on its own.
func (h *Handler) RequestShot(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, (*match.Machine).RequestShot)
}

// RetrySimulation restarts a simulator leg that gave up.
func (h *Handler) RetrySimulation(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, (*match.Machine).RetrySimulation)
}

// Abort ends a match without a winner.
func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, (*match.Machine).Abort)
}

// Resume restarts the machine of a stored, unfinished match.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	id, ok := h.matchID(w, r)
	if !ok {
		return
	}
	if _, err := h.Matches.Get(id); err == nil {
		writeError(w, r, fmt.Errorf("match %s is already running: %w", id, matcherrors.ErrNotYourTurnState))
		return
	}
	if err := h.Matches.Reserve(); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := match.Restore(r.Context(), h.Deps, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Matches.Start(h.Ctx, m); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("match resumed", "tag", "api", "match", id, "seq", m.Snapshot().State.TotalShotNumber)
	writeJSON(w, http.StatusOK, MatchView{Running: true, Snapshot: m.Snapshot()})
}

func (h *Handler) operate(w http.ResponseWriter, r *http.Request, op func(*match.Machine, context.Context) error) {
	id, ok := h.matchID(w, r)
	if !ok {
		return
	}
	m, err := h.Matches.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respondRunning(w, r, m, op(m, r.Context()))
}

func (h *Handler) respondRunning(w http.ResponseWriter, r *http.Request, m *match.Machine, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MatchView{Running: true, Snapshot: m.Snapshot()})
}

func (h *Handler) matchID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "matchID"))
	if err != nil {
		badRequest(w, errors.New("invalid match id"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) view(ctx context.Context, id uuid.UUID) (MatchView, error) {
	if h.Matches != nil {
		if m, err := h.Matches.Get(id); err == nil {
			return MatchView{Running: true, Snapshot: m.Snapshot()}, nil
		}
	}
	mt, err := h.Store.ReadMatch(ctx, id)
	if err != nil {
		return MatchView{}, err
	}
	s, err := h.Store.LatestState(ctx, id)
	if err != nil {
		return MatchView{}, err
	}
	return MatchView{Snapshot: match.Snapshot{Phase: match.PhaseOf(mt, s), Match: mt, State: s}}, nil
}

// logFor returns the match's broadcast log. A stored match without one gets a
// log seeded from its committed States.
func (h *Handler) logFor(ctx context.Context, id uuid.UUID) (*broadcast.Log, error) {
	if l, ok := h.Logs.Lookup(id); ok {
		return l, nil
	}
	if h.Relay {
		return nil, matcherrors.ErrMatchNotFound
	}
	if _, err := h.Store.ReadMatch(ctx, id); err != nil {
		return nil, err
	}
	l := h.Logs.Get(id)
	states, err := h.Store.StatesSince(ctx, id, l.LastSeq())
	if err != nil {
		return nil, err
	}
	for _, s := range states {
		l.Publish(s)
	}
	return l, nil
}

func (h *Handler) agentClaims(r *http.Request, id uuid.UUID) (auth.AgentClaims, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if v := r.Header.Get("Authorization"); len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
			token = strings.TrimSpace(v[7:])
		}
	}
	if token == "" {
		return auth.AgentClaims{}, auth.ErrUnauthorized
	}
	claims, err := h.Agents.Verify(token)
	if err != nil {
		return auth.AgentClaims{}, err
	}
	if claims.MatchID != id {
		return auth.AgentClaims{}, fmt.Errorf("token is for another match: %w", auth.ErrUnauthorized)
	}
	return claims, nil
}
