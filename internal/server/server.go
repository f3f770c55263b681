// Package server exposes the facilitator's public HTTP surface: verify,
// settle, requirements, supported kinds and health.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hummusonrails/x402-facilitator/internal/domain/model"
	"github.com/hummusonrails/x402-facilitator/internal/engine"
	"github.com/hummusonrails/x402-facilitator/internal/protocol"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// Server handles facilitator protocol requests by delegating to the engine.
type Server struct {
	engine  *engine.Engine
	network model.Network
	chainID int64
	reqsCfg protocol.RequirementsConfig
	logger  *slog.Logger
}

func New(eng *engine.Engine, network model.Network, chainID int64, reqsCfg protocol.RequirementsConfig, logger *slog.Logger) *Server {
	return &Server{
		engine:  eng,
		network: network,
		chainID: chainID,
		reqsCfg: reqsCfg,
		logger:  logger.With("component", "server"),
	}
}

// Handler returns the HTTP handler for the public API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /supported", s.handleSupported)
	mux.HandleFunc("GET /requirements", s.handleRequirements)
	mux.HandleFunc("POST /requirements", s.handleRequirements)
	mux.HandleFunc("POST /verify", s.handleVerify)
	mux.HandleFunc("POST /settle", s.handleSettle)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:             "ok",
		Network:            string(s.network),
		ChainID:            s.chainID,
		FacilitatorAddress: s.engine.FacilitatorAddress().Hex(),
		Timestamp:          time.Now().Unix(),
	})
}

func (s *Server) handleSupported(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.SupportedResponse{
		Kinds: []protocol.SupportedPaymentKind{
			{
				X402Version: protocol.X402Version,
				Scheme:      protocol.SchemeExact,
				Network:     string(s.network),
			},
		},
	})
}

func (s *Server) handleRequirements(w http.ResponseWriter, r *http.Request) {
	var req protocol.RequirementsRequest
	if r.Method == http.MethodPost {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		q := r.URL.Query()
		req.Amount = q.Get("amount")
		req.Memo = q.Get("memo")
		req.MerchantAddress = q.Get("merchantAddress")
	}

	reqs, err := protocol.BuildRequirements(s.reqsCfg, req)
	if err != nil {
		s.logger.Warn("requirements build failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req protocol.VerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp := s.engine.Verify(r.Context(), req, req.PaymentRequirements.MerchantAddress)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req protocol.SettleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	merchant := req.PaymentRequirements.MerchantAddress
	if merchant == "" {
		writeError(w, http.StatusBadRequest, "merchantAddress is required")
		return
	}

	resp := s.engine.Settle(r.Context(), req, merchant)
	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
