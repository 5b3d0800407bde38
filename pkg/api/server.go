package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"tx_broadcast/pkg/broadcast"
	"tx_broadcast/pkg/chain"
	"tx_broadcast/pkg/config"
	"tx_broadcast/pkg/data"
	"tx_broadcast/pkg/monitor"
)

// Broadcaster submits a signed transaction through one of the engine's
// strategies and registers the result for confirmation tracking.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *chain.SignedTx, parallel bool) (*broadcast.Outcome, error)
}

// StatusReader exposes the monitor's view of a tracked transaction.
// A nil snapshot means the hash is not tracked.
type StatusReader interface {
	GetStatus(txHash string) *monitor.Snapshot
}

// Server is the HTTP submission and inspection surface.
type Server struct {
	broadcaster Broadcaster
	statuses    StatusReader
	repo        data.Repository
	health      *broadcast.HealthTracker
	httpSrv     *http.Server
	logger      *zap.Logger
}

// NewServer wires the engine behind the HTTP API.
func NewServer(cfg config.APIConfig, b Broadcaster, statuses StatusReader, repo data.Repository, health *broadcast.HealthTracker, logger *zap.Logger) (*Server, error) {
	if b == nil {
		return nil, fmt.Errorf("broadcaster cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		broadcaster: b,
		statuses:    statuses,
		repo:        repo,
		health:      health,
		logger:      logger,
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/broadcasts", s.handleBroadcast)
	mux.HandleFunc("GET /v1/broadcasts/{id}", s.handleGetBroadcast)
	mux.HandleFunc("GET /v1/transactions/{hash}", s.handleGetTransaction)
	mux.HandleFunc("GET /v1/providers/health", s.handleProviderHealth)
	return mux
}

// Start begins serving. It returns once the listener goroutine is
// launched; listen errors are logged.
func (s *Server) Start() {
	go func() {
		s.logger.Info("API server listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server terminated", zap.Error(err))
		}
	}()
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type broadcastRequest struct {
	ChainID  uint64 `json:"chain_id"`
	Raw      string `json:"raw"` // 0x-prefixed hex of the signed payload
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Value    string `json:"value,omitempty"` // decimal wei
	GasLimit uint64 `json:"gas_limit,omitempty"`
	Strategy string `json:"strategy,omitempty"` // "parallel" (default) or "failover"
}

func (r *broadcastRequest) signedTx() (*chain.SignedTx, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(r.Raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decoding raw payload: %w", err)
	}
	if len(raw) == 0 {
		return nil, chain.ErrEmptyPayload
	}
	tx := &chain.SignedTx{
		ChainID:  r.ChainID,
		Raw:      raw,
		From:     r.From,
		To:       r.To,
		GasLimit: r.GasLimit,
	}
	if r.Value != "" {
		value, ok := new(big.Int).SetString(r.Value, 10)
		if !ok {
			return nil, fmt.Errorf("invalid value %q", r.Value)
		}
		tx.Value = value
	}
	return tx, nil
}

type attemptView struct {
	ProviderID     string `json:"provider_id"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	ErrorCategory  string `json:"error_category,omitempty"`
	ResponseTimeMs int64  `json:"response_time_ms"`
}

type broadcastResponse struct {
	BroadcastID string        `json:"broadcast_id"`
	TxHash      string        `json:"tx_hash"`
	State       string        `json:"state"`
	Successful  []attemptView `json:"successful"`
	Failed      []attemptView `json:"failed,omitempty"`
	Agreement   float64       `json:"agreement,omitempty"`
	DurationMs  int64         `json:"duration_ms"`
	Warnings    []string      `json:"warnings,omitempty"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}

	parallel := true
	switch req.Strategy {
	case "", "parallel":
	case "failover":
		parallel = false
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown strategy %q", req.Strategy))
		return
	}

	tx, err := req.signedTx()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	outcome, err := s.broadcaster.Broadcast(r.Context(), tx, parallel)
	if err != nil {
		writeError(w, broadcastErrorStatus(err), err)
		return
	}

	resp := broadcastResponse{
		BroadcastID: outcome.BroadcastID,
		TxHash:      outcome.TxHash,
		State:       string(outcome.State),
		Successful:  attemptViews(outcome.Successful),
		Failed:      attemptViews(outcome.Failed),
		DurationMs:  outcome.Duration.Milliseconds(),
		Warnings:    outcome.Warnings,
	}
	if outcome.Consensus != nil {
		resp.Agreement = outcome.Consensus.Agreement
	}
	writeJSON(w, http.StatusOK, resp)
}

func attemptViews(attempts []broadcast.ProviderAttempt) []attemptView {
	views := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		v := attemptView{
			ProviderID:     a.ProviderID,
			Success:        a.Success,
			ErrorCategory:  string(a.ErrorCategory),
			ResponseTimeMs: a.ResponseTime.Milliseconds(),
		}
		if a.Err != nil {
			v.Error = a.Err.Error()
		}
		views = append(views, v)
	}
	return views
}

// broadcastErrorStatus maps the engine's typed errors onto HTTP codes.
func broadcastErrorStatus(err error) int {
	var cfgErr *broadcast.ConfigurationError
	switch {
	case errors.Is(err, broadcast.ErrSecurityRejected),
		errors.Is(err, chain.ErrEmptyPayload),
		errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, broadcast.ErrNoProvidersAvailable):
		return http.StatusServiceUnavailable
	}
	var insufficient *broadcast.InsufficientProvidersError
	if errors.As(err, &insufficient) {
		return http.StatusServiceUnavailable
	}
	var timeout *broadcast.BroadcastTimeoutError
	if errors.As(err, &timeout) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func (s *Server) handleGetBroadcast(w http.ResponseWriter, r *http.Request) {
	record, err := s.repo.GetBroadcast(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		s.logger.Error("Failed to load broadcast record", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("loading broadcast record"))
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type transactionResponse struct {
	TxHash                string    `json:"tx_hash"`
	Status                string    `json:"status"`
	Confirmations         int       `json:"confirmations"`
	RequiredConfirmations int       `json:"required_confirmations"`
	ReceiptBlock          uint64    `json:"receipt_block,omitempty"`
	AddedAt               time.Time `json:"added_at"`
	TimeoutAt             time.Time `json:"timeout_at"`
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	if err := chain.ValidateHash(hash); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap := s.statuses.GetStatus(hash)
	if snap == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("transaction %s is not tracked", hash))
		return
	}
	writeJSON(w, http.StatusOK, transactionResponse{
		TxHash:                snap.TxHash,
		Status:                string(snap.Status),
		Confirmations:         snap.Confirmations,
		RequiredConfirmations: snap.RequiredConfirmations,
		ReceiptBlock:          snap.ReceiptBlock,
		AddedAt:               snap.AddedAt,
		TimeoutAt:             snap.TimeoutAt,
	})
}

type providerHealthView struct {
	ProviderID          string  `json:"provider_id"`
	Status              string  `json:"status"`
	HealthScore         float64 `json:"health_score"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	SuccessRate         float64 `json:"success_rate"`
	AvgResponseTimeMs   int64   `json:"avg_response_time_ms"`
	LastError           string  `json:"last_error,omitempty"`
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	snapshots := s.health.Snapshots()
	views := make([]providerHealthView, 0, len(snapshots))
	for _, snap := range snapshots {
		views = append(views, providerHealthView{
			ProviderID:          snap.ProviderID,
			Status:              string(snap.Status),
			HealthScore:         snap.HealthScore,
			ConsecutiveFailures: snap.ConsecutiveFailures,
			SuccessRate:         snap.SuccessRate,
			AvgResponseTimeMs:   snap.AvgResponseTime.Milliseconds(),
			LastError:           snap.LastError,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
