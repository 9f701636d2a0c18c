// Package server exposes the index entry points over HTTP for operators and
// UIs. It carries no business logic: every route delegates to the core and
// serializes the result.
package server

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"

	icpi "icpigo"
	"icpigo/pkg/icrc"
)

// callerHeader carries the caller principal on authenticated routes.
const callerHeader = "X-Caller-Principal"

type Server struct {
	index  *icpi.Index
	router *mux.Router
}

func New(index *icpi.Index) *Server {
	s := &Server{index: index, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// Read surface
	r.HandleFunc("/v1/index-state", s.handleIndexState).Methods("GET")
	r.HandleFunc("/v1/tvl-summary", s.handleTVLSummary).Methods("GET")
	r.HandleFunc("/v1/tokens", s.handleTokens).Methods("GET")
	r.HandleFunc("/v1/metadata", s.handleMetadata).Methods("GET")
	r.HandleFunc("/v1/supply", s.handleSupply).Methods("GET")
	r.HandleFunc("/v1/rebalancer", s.handleRebalancerStatus).Methods("GET")
	r.HandleFunc("/v1/trades", s.handleTrades).Methods("GET")
	r.HandleFunc("/v1/paused", s.handlePaused).Methods("GET")
	r.HandleFunc("/v1/mints/{id}", s.handleMintStatus).Methods("GET")

	// Write surface
	r.HandleFunc("/v1/mints", s.handleInitiateMint).Methods("POST")
	r.HandleFunc("/v1/mints/{id}/complete", s.handleCompleteMint).Methods("POST")
	r.HandleFunc("/v1/burns", s.handleBurn).Methods("POST")

	// Admin surface
	r.HandleFunc("/v1/admin/pause", s.handlePause).Methods("POST")
	r.HandleFunc("/v1/admin/unpause", s.handleUnpause).Methods("POST")
	r.HandleFunc("/v1/admin/rebalance", s.handleRebalance).Methods("POST")
	r.HandleFunc("/v1/admin/clear-caches", s.handleClearCaches).Methods("POST")
	r.HandleFunc("/v1/admin/log", s.handleAdminLog).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe blocks serving the API.
func (s *Server) ListenAndServe(addr string) error {
	log.Info("http surface listening", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

func caller(r *http.Request) icrc.Principal {
	return icrc.Principal(r.Header.Get(callerHeader))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleIndexState(w http.ResponseWriter, r *http.Request) {
	state, err := s.index.GetIndexState(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleTVLSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.index.GetTVLSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.index.GetTokenMetadata())
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":                s.index.Name(),
		"symbol":              s.index.Symbol(),
		"decimals":            s.index.Decimals(),
		"fee":                 s.index.Fee().String(),
		"metadata":            s.index.Metadata(),
		"supported_standards": s.index.SupportedStandards(),
	})
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	supply, err := s.index.SupplyUncached(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"total_supply": supply.String()})
}

func (s *Server) handleRebalancerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.index.GetRebalancerStatus())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("offset") == "" && q.Get("limit") == "" {
		writeJSON(w, http.StatusOK, s.index.GetTradeHistory())
		return
	}

	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	records, total, err := s.index.GetTradeHistoryPaginated(offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "total": total})
}

func (s *Server) handlePaused(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.index.IsEmergencyPaused()})
}

func (s *Server) handleMintStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.index.CheckMintStatus(caller(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type mintRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleInitiateMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount is not a decimal integer"})
		return
	}

	id, err := s.index.InitiateMint(caller(r), amount)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"mint_id": id})
}

func (s *Server) handleCompleteMint(w http.ResponseWriter, r *http.Request) {
	minted, err := s.index.CompleteMint(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"minted": minted.String()})
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount is not a decimal integer"})
		return
	}

	result, err := s.index.Burn(r.Context(), caller(r), amount)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.index.EmergencyPause(caller(r)); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	if err := s.index.EmergencyUnpause(caller(r)); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	record, err := s.index.PerformRebalance(r.Context(), caller(r))
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleClearCaches(w http.ResponseWriter, r *http.Request) {
	if err := s.index.ClearCaches(caller(r)); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) handleAdminLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.index.GetAdminActionLog(caller(r))
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
