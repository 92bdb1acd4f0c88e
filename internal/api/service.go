// Package api provides the HTTP handlers for tables, matchmaking and the
// credit economy.
//
// All amounts are integer credits; the economy's split arithmetic stays in
// shopspring/decimal behind the economy package.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lunopoly/table-engine/internal/auction"
	"github.com/lunopoly/table-engine/internal/economy"
	"github.com/lunopoly/table-engine/internal/ledger"
	"github.com/lunopoly/table-engine/internal/lobby"
	"github.com/lunopoly/table-engine/internal/model"
	"github.com/lunopoly/table-engine/internal/store"
	"github.com/lunopoly/table-engine/internal/table"
)

// Service handles table, lobby and economy requests.
type Service struct {
	store   store.Store
	ledger  *ledger.Ledger
	tables  *table.Registry
	lobby   *lobby.Matchmaker
	economy *economy.Engine
	logger  *slog.Logger
}

// NewService creates the HTTP service.
func NewService(st store.Store, l *ledger.Ledger, tables *table.Registry, mm *lobby.Matchmaker, econ *economy.Engine) *Service {
	return &Service{
		store:   st,
		ledger:  l,
		tables:  tables,
		lobby:   mm,
		economy: econ,
		logger:  slog.Default().With("component", "api"),
	}
}

// Routes registers every endpoint under r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/tables", s.ListTables)
	r.Get("/tables/{tableID}", s.GetTable)
	r.Post("/tables/{tableID}/commands", s.PostCommand)
	r.Get("/tables/{tableID}/players", s.GetPlayers)
	r.Get("/tables/{tableID}/properties", s.GetProperties)
	r.Get("/tables/{tableID}/ledger", s.GetLedger)
	r.Get("/tables/{tableID}/results", s.GetResults)

	r.Post("/lobby/join", s.Join)
	r.Post("/lobby/leave", s.Leave)

	r.Get("/economy", s.GetEconomy)
	r.Get("/economy/distributions", s.GetDistributions)
	r.Post("/economy/yield", s.CollectYield)
	r.Post("/economy/distribute", s.Distribute)
	r.Post("/deposits", s.Deposit)
	r.Get("/accounts/{userID}", s.GetAccount)
}

// --- Request/Response types ---

// JoinRequest is the JSON body for POST /lobby/join.
type JoinRequest struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
}

// LeaveRequest is the JSON body for POST /lobby/leave.
type LeaveRequest struct {
	TableID  string `json:"table_id"`
	PlayerID string `json:"player_id"`
}

// DepositRequest is the JSON body for POST /deposits.
type DepositRequest struct {
	DepositID      string `json:"deposit_id"`
	UserID         string `json:"user_id"`
	AmountExternal int64  `json:"amount_external"`
}

// DepositResponse is returned from POST /deposits.
type DepositResponse struct {
	DepositID string `json:"deposit_id"`
	UserID    string `json:"user_id"`
	Credits   int64  `json:"credits"`
}

// AmountRequest carries a yield amount. For distribute, omitting it spends
// the whole APR fund.
type AmountRequest struct {
	Amount *int64 `json:"amount"`
}

// TablesResponse is returned from GET /tables.
type TablesResponse struct {
	Open    []model.GameTable `json:"open"`
	Running []model.GameTable `json:"running"`
}

// --- Tables ---

// ListTables handles GET /api/v1/tables
func (s *Service) ListTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, TablesResponse{Open: s.lobby.Open(), Running: s.tables.List()})
}

// GetTable handles GET /api/v1/tables/{tableID}. Finished tables are served
// from the store once they leave the registry.
func (s *Service) GetTable(w http.ResponseWriter, r *http.Request) {
	tableID := chi.URLParam(r, "tableID")
	if t, ok := s.tables.Get(tableID); ok {
		writeJSON(w, http.StatusOK, t.State())
		return
	}
	for _, gt := range s.lobby.Open() {
		if gt.ID == tableID {
			writeJSON(w, http.StatusOK, gt)
			return
		}
	}
	gt, err := store.Load[model.GameTable](r.Context(), s.store, store.KindTable, tableID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gt)
}

// PostCommand handles POST /api/v1/tables/{tableID}/commands
func (s *Service) PostCommand(w http.ResponseWriter, r *http.Request) {
	var cmd table.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if cmd.Kind == "" || cmd.PlayerID == "" {
		writeError(w, "kind and player_id are required", http.StatusBadRequest)
		return
	}
	tableID := chi.URLParam(r, "tableID")
	t, ok := s.tables.Get(tableID)
	if !ok {
		writeError(w, "table not running", http.StatusNotFound)
		return
	}
	gt, err := t.Do(r.Context(), cmd)
	if err != nil {
		s.logger.Debug("command rejected", "table_id", tableID, "player_id", cmd.PlayerID, "command", cmd.Kind, "err", err)
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gt)
}

// GetPlayers handles GET /api/v1/tables/{tableID}/players
func (s *Service) GetPlayers(w http.ResponseWriter, r *http.Request) {
	players, err := s.ledger.Players(r.Context(), chi.URLParam(r, "tableID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if len(players) == 0 {
		writeError(w, "table not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, players)
}

// GetProperties handles GET /api/v1/tables/{tableID}/properties
func (s *Service) GetProperties(w http.ResponseWriter, r *http.Request) {
	props, err := s.ledger.Properties(r.Context(), chi.URLParam(r, "tableID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, props)
}

// GetLedger handles GET /api/v1/tables/{tableID}/ledger
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.LedgerEntries(r.Context(), chi.URLParam(r, "tableID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

// GetResults handles GET /api/v1/tables/{tableID}/results
func (s *Service) GetResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.store.MatchResults(r.Context(), chi.URLParam(r, "tableID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(results))
}

// --- Lobby ---

// Join handles POST /api/v1/lobby/join
func (s *Service) Join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	gt, err := s.lobby.Join(r.Context(), req.PlayerID, req.Name)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gt)
}

// Leave handles POST /api/v1/lobby/leave
func (s *Service) Leave(w http.ResponseWriter, r *http.Request) {
	var req LeaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.lobby.Leave(r.Context(), req.TableID, req.PlayerID); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Economy ---

// GetEconomy handles GET /api/v1/economy
func (s *Service) GetEconomy(w http.ResponseWriter, r *http.Request) {
	econ, err := s.economy.Snapshot(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, econ)
}

// GetDistributions handles GET /api/v1/economy/distributions
func (s *Service) GetDistributions(w http.ResponseWriter, r *http.Request) {
	runs, err := s.economy.Distributions(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(runs))
}

// CollectYield handles POST /api/v1/economy/yield
func (s *Service) CollectYield(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount == nil {
		writeError(w, "amount is required", http.StatusBadRequest)
		return
	}
	if err := s.economy.CollectYield(r.Context(), *req.Amount); err != nil {
		s.fail(w, err)
		return
	}
	s.GetEconomy(w, r)
}

// Distribute handles POST /api/v1/economy/distribute
func (s *Service) Distribute(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	var (
		d   model.Distribution
		err error
	)
	if req.Amount == nil {
		d, err = s.economy.DistributeAll(r.Context())
	} else {
		d, err = s.economy.Distribute(r.Context(), *req.Amount)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Deposit handles POST /api/v1/deposits
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.DepositID == "" || req.UserID == "" {
		writeError(w, "deposit_id and user_id are required", http.StatusBadRequest)
		return
	}
	credits, err := s.economy.Mint(r.Context(), req.DepositID, req.UserID, req.AmountExternal)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, DepositResponse{DepositID: req.DepositID, UserID: req.UserID, Credits: credits})
}

// GetAccount handles GET /api/v1/accounts/{userID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.economy.Account(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// --- Helpers ---

// statusOf maps an error kind to its HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrUnauthorized), errors.Is(err, model.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, economy.ErrDepositTooSmall), errors.Is(err, economy.ErrNegativeAmount):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrBuildNotAllowed),
		errors.Is(err, model.ErrTradeStale),
		errors.Is(err, model.ErrAuctionClosed),
		errors.Is(err, model.ErrBidTooLow),
		errors.Is(err, auction.ErrAuctionExists),
		errors.Is(err, lobby.ErrAlreadyQueued),
		errors.Is(err, lobby.ErrNotQueued),
		errors.Is(err, economy.ErrDuplicateDeposit),
		errors.Is(err, economy.ErrDuplicatePayout),
		errors.Is(err, economy.ErrInsufficientYield),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, table.ErrTableExists),
		errors.Is(err, table.ErrTableClosed):
		return http.StatusConflict
	case errors.Is(err, economy.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Service) fail(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
