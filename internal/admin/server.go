// Package admin provides the operator API: refunds, incomplete payment
// inspection and wallet status. Requests authenticate with a static bearer
// token; mutating requests are rate limited and audit logged.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hummusonrails/x402-facilitator/internal/chain"
	"github.com/hummusonrails/x402-facilitator/internal/engine"
	"github.com/hummusonrails/x402-facilitator/internal/protocol"
	"github.com/hummusonrails/x402-facilitator/internal/store"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// Server is the admin API. token must be non-empty; an empty token disables
// the whole surface at wiring time rather than serving unauthenticated.
type Server struct {
	engine   *engine.Engine
	payments store.PaymentRepository
	chain    chain.Client
	token    string
	logger   *slog.Logger
}

func NewServer(
	eng *engine.Engine,
	payments store.PaymentRepository,
	chainClient chain.Client,
	token string,
	logger *slog.Logger,
) *Server {
	return &Server{
		engine:   eng,
		payments: payments,
		chain:    chainClient,
		token:    token,
		logger:   logger.With("component", "admin"),
	}
}

// Handler returns the HTTP handler for the admin API, wrapped with auth,
// rate limiting and audit logging.
func (s *Server) Handler(rl *RateLimitMiddleware) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/v1/refund", s.handleRefund)
	mux.HandleFunc("GET /admin/v1/payments/incomplete", s.handleIncompletePayments)
	mux.HandleFunc("GET /admin/v1/payments", s.handleGetPayment)
	mux.HandleFunc("GET /admin/v1/wallet", s.handleWallet)

	var h http.Handler = mux
	h = s.authMiddleware(h)
	if rl != nil {
		h = rl.Wrap(h)
	}
	return AuditMiddleware(s.logger, h)
}

// authMiddleware enforces the static bearer token in constant time.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix ||
			subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(s.token)) != 1 {
			s.logger.Warn("admin auth failed", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req protocol.RefundRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Nonce == "" {
		writeError(w, http.StatusBadRequest, "nonce is required")
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	resp := s.engine.Refund(r.Context(), req.Nonce, req.Reason)
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleIncompletePayments(w http.ResponseWriter, r *http.Request) {
	payments, err := s.payments.ListIncomplete(r.Context())
	if err != nil {
		s.logger.Error("list incomplete payments failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]paymentView, 0, len(payments))
	for i := range payments {
		out = append(out, newPaymentView(&payments[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": out})
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	nonce := r.URL.Query().Get("nonce")
	if nonce == "" {
		writeError(w, http.StatusBadRequest, "nonce query parameter is required")
		return
	}

	payment, err := s.payments.Get(r.Context(), nonce)
	if errors.Is(err, store.ErrPaymentNotFound) {
		writeError(w, http.StatusNotFound, "payment not found")
		return
	}
	if err != nil {
		s.logger.Error("get payment failed", "nonce", nonce, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	events, err := s.payments.ListEvents(r.Context(), nonce)
	if err != nil {
		s.logger.Error("list payment events failed", "nonce", nonce, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	eventViews := make([]eventView, 0, len(events))
	for _, e := range events {
		eventViews = append(eventViews, eventView{
			EventType: e.EventType,
			EventData: e.EventData,
			CreatedAt: e.CreatedAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payment": newPaymentView(payment),
		"events":  eventViews,
	})
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	addr := s.chain.FacilitatorAddress()
	balance, err := s.chain.TokenBalance(r.Context(), addr)
	if err != nil {
		s.logger.Error("wallet balance lookup failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "balance lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address":      addr.Hex(),
		"tokenBalance": balance.String(),
	})
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
