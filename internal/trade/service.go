// Package trade executes agent trades and serves the market's HTTP API.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/market-engine/internal/admission"
	"github.com/agentmarket/market-engine/internal/leaderboard"
	"github.com/agentmarket/market-engine/internal/market"
	"github.com/agentmarket/market-engine/internal/metrics"
	"github.com/agentmarket/market-engine/internal/model"
	"github.com/agentmarket/market-engine/internal/store"
)

// StatsReader serves the platform counters.
type StatsReader interface {
	Stats(ctx context.Context) (*model.PlatformStats, error)
}

// Service wires the HTTP surface to the executor and the read models.
type Service struct {
	store    store.Store
	exec     *Executor
	registry *market.Registry
	board    *leaderboard.Board
	stats    StatsReader
	checker  *admission.Checker
	wsHub    *WSHub // optional WebSocket hub for real-time broadcasts
	logger   *slog.Logger
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, exec *Executor, reg *market.Registry, board *leaderboard.Board, stats StatsReader, hub *WSHub) *Service {
	return &Service{
		store:    st,
		exec:     exec,
		registry: reg,
		board:    board,
		stats:    stats,
		checker:  admission.NewChecker(),
		wsHub:    hub,
		logger:   slog.Default(),
	}
}

// Routes mounts the API on r.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		// WebSocket endpoint for real-time trade events.
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Post("/trade", s.ExecuteTrade)
	r.Get("/trades", s.ListTrades)

	r.Get("/leaderboard", s.GetLeaderboard)
	r.Get("/stats", s.GetStats)

	r.Post("/agents", s.RegisterAgent)
	r.Get("/agents/{agentID}", s.GetAgent)
	r.Get("/agents/{agentID}/holdings", s.GetAgentHoldings)
	r.Get("/agents/{agentID}/trades", s.GetAgentTrades)

	r.Get("/instruments", s.ListInstruments)
	r.Post("/instruments", s.CreateInstrument)
	r.Get("/instruments/{instrumentID}", s.GetInstrument)
	r.Get("/instruments/{instrumentID}/history", s.GetInstrumentHistory)
	r.Get("/instruments/{instrumentID}/trades", s.GetInstrumentTrades)
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	AgentID      string              `json:"agent_id"`
	InstrumentID string              `json:"instrument_id"`
	Action       string              `json:"action"` // BUY, SELL or HOLD
	Size         decimal.NullDecimal `json:"size"`   // clamped to [0.1, 1.0], default 0.5
	Reason       string              `json:"reason"`
	Comment      string              `json:"comment"` // required for BUY and SELL
}

// TradeResponse is the JSON body returned from POST /trade.
type TradeResponse struct {
	Result
	AgentID      string          `json:"agent_id"`
	InstrumentID string          `json:"instrument_id"`
	Action       model.Action    `json:"action"`
	Size         decimal.Decimal `json:"size"`
}

// AgentResponse is the JSON body returned from GET /agents/{agentID}.
type AgentResponse struct {
	Agent    *model.Agent            `json:"agent"`
	Standing *model.LeaderboardEntry `json:"standing"`
}

// --- HTTP Handlers ---

// ExecuteTrade handles POST /api/v1/trade
// Applies admission checks, then runs the trade through the executor.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if req.AgentID == "" || req.InstrumentID == "" {
		writeError(w, "agent_id and instrument_id are required", http.StatusBadRequest)
		return
	}
	sub := admission.Submission{
		Action:  model.Action(strings.ToUpper(strings.TrimSpace(req.Action))),
		Size:    s.checker.ClampSize(req.Size),
		Comment: req.Comment,
	}
	if err := s.checker.CheckRequest(sub); err != nil {
		s.reject(w, err)
		return
	}

	ctx := r.Context()

	agent, err := s.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		writeStoreError(w, "agent", err)
		return
	}
	ins, err := s.store.GetInstrument(ctx, req.InstrumentID)
	if err != nil {
		writeStoreError(w, "instrument", err)
		return
	}
	held, err := s.store.GetHolding(ctx, agent.ID, ins.ID)
	if err != nil {
		writeError(w, "failed to load holding", http.StatusInternalServerError)
		return
	}
	if err := s.checker.CheckState(sub, agent, ins, held); err != nil {
		s.reject(w, err)
		return
	}

	reason, comment := admission.NormalizeText(req.Reason, req.Comment)
	res, err := s.exec.Execute(ctx, Request{
		AgentID:      agent.ID,
		InstrumentID: ins.ID,
		Action:       sub.Action,
		Size:         sub.Size,
		Reason:       reason,
		Comment:      comment,
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("trade failed", "agent", agent.ID, "instrument", ins.ID, "err", err)
		}
		writeError(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusOK, TradeResponse{
		Result:       *res,
		AgentID:      agent.ID,
		InstrumentID: ins.ID,
		Action:       sub.Action,
		Size:         sub.Size,
	})
}

// ListTrades handles GET /api/v1/trades?limit=
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	trades, err := s.registry.RecentTrades(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetLeaderboard handles GET /api/v1/leaderboard?limit=
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	entries, err := s.board.Top(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to load leaderboard", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetStats handles GET /api/v1/stats
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.stats.Stats(r.Context())
	if err != nil {
		writeError(w, "failed to load stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// RegisterAgent handles POST /api/v1/agents
func (s *Service) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req market.AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	// Built-in agents are only created by seeding.
	req.BuiltIn = false

	agent, err := s.registry.RegisterAgent(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

// GetAgent handles GET /api/v1/agents/{agentID}
func (s *Service) GetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	ctx := r.Context()

	agent, err := s.registry.Agent(ctx, agentID)
	if err != nil {
		writeStoreError(w, "agent", err)
		return
	}
	standing, err := s.board.Agent(ctx, agentID)
	if err != nil {
		writeStoreError(w, "agent", err)
		return
	}
	writeJSON(w, http.StatusOK, AgentResponse{Agent: agent, Standing: standing})
}

// GetAgentHoldings handles GET /api/v1/agents/{agentID}/holdings
func (s *Service) GetAgentHoldings(w http.ResponseWriter, r *http.Request) {
	holdings, err := s.registry.AgentHoldings(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeStoreError(w, "agent", err)
		return
	}
	writeJSON(w, http.StatusOK, holdings)
}

// GetAgentTrades handles GET /api/v1/agents/{agentID}/trades?limit=
func (s *Service) GetAgentTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	trades, err := s.registry.AgentTrades(r.Context(), chi.URLParam(r, "agentID"), limit)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListInstruments handles GET /api/v1/instruments?limit=
func (s *Service) ListInstruments(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	list, err := s.registry.Instruments(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to list instruments", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []model.Instrument{}
	}
	writeJSON(w, http.StatusOK, list)
}

// CreateInstrument handles POST /api/v1/instruments
func (s *Service) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req market.ListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ins, err := s.registry.ListInstrument(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, ins)
}

// GetInstrument handles GET /api/v1/instruments/{instrumentID}
func (s *Service) GetInstrument(w http.ResponseWriter, r *http.Request) {
	ins, err := s.registry.Instrument(r.Context(), chi.URLParam(r, "instrumentID"))
	if err != nil {
		writeStoreError(w, "instrument", err)
		return
	}
	writeJSON(w, http.StatusOK, ins)
}

// GetInstrumentHistory handles GET /api/v1/instruments/{instrumentID}/history?limit=
// Returns the price series, newest first.
func (s *Service) GetInstrumentHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	points, err := s.registry.PriceHistory(r.Context(), chi.URLParam(r, "instrumentID"), limit)
	if err != nil {
		writeStoreError(w, "instrument", err)
		return
	}
	if points == nil {
		points = []model.PricePoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

// GetInstrumentTrades handles GET /api/v1/instruments/{instrumentID}/trades?limit=
func (s *Service) GetInstrumentTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	trades, err := s.registry.InstrumentTrades(r.Context(), chi.URLParam(r, "instrumentID"), limit)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- helpers ---

func (s *Service) reject(w http.ResponseWriter, err error) {
	metrics.TradeRejections.WithLabelValues(rejectionReason(err)).Inc()
	writeError(w, err.Error(), statusFor(err))
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, admission.ErrInvalidAction):
		return "invalid_action"
	case errors.Is(err, admission.ErrCommentRequired):
		return "comment_required"
	case errors.Is(err, admission.ErrOwnInstrument):
		return "own_instrument"
	case errors.Is(err, admission.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, admission.ErrInsufficientShares):
		return "insufficient_shares"
	}
	return "other"
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, admission.ErrInvalidAction),
		errors.Is(err, admission.ErrCommentRequired),
		errors.Is(err, admission.ErrOwnInstrument),
		errors.Is(err, admission.ErrInsufficientBalance),
		errors.Is(err, admission.ErrInsufficientShares),
		errors.Is(err, market.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidState), errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeStoreError(w http.ResponseWriter, kind string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, kind+" not found", http.StatusNotFound)
		return
	}
	writeError(w, "failed to load "+kind, http.StatusInternalServerError)
}

// parseLimit reads ?limit=. A missing value yields 0, meaning the default.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
