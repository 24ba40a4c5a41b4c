package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"x402mail/internal/config"
	"x402mail/internal/escrow"
	"x402mail/internal/hmacauth"
	"x402mail/internal/inbox"
	"x402mail/internal/mailerr"
	"x402mail/internal/orchestrator"
	"x402mail/internal/recovery"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

type Server struct {
	cfg         *config.AppConfig
	orch        *orchestrator.Orchestrator
	mailbox     *inbox.Service
	protocol    escrow.Protocol
	hmac        *hmacauth.Verifier
	router      *mux.Router
	httpServer  *http.Server
	metrics     *Metrics
	logger      *logrus.Logger
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

// NewServer builds the control API. mailbox may be nil, in which case the
// inbox routes answer 503.
func NewServer(cfg *config.AppConfig, orch *orchestrator.Orchestrator, mailbox *inbox.Service, protocol escrow.Protocol, ledger recovery.Store, metrics *Metrics, logger *logrus.Logger) *Server {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	s := &Server{
		cfg:      cfg,
		orch:     orch,
		mailbox:  mailbox,
		protocol: protocol,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		router:  mux.NewRouter(),
		metrics: metrics,
		logger:  logger,
	}

	if checker, ok := ledger.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := protocol.(escrow.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	signed := api.NewRoute().Subrouter()
	signed.Use(s.hmac.Middleware)

	signed.HandleFunc("/sends", s.handleCreateSend).Methods(http.MethodPost)
	signed.HandleFunc("/sends/{id}", s.handleGetSend).Methods(http.MethodGet)
	signed.HandleFunc("/sends/{id}/dismiss", s.handleDismissSend).Methods(http.MethodPost)
	signed.HandleFunc("/sends/{id}/renotify", s.handleRenotifySend).Methods(http.MethodPost)

	signed.HandleFunc("/recovery", s.handleListRecovery).Methods(http.MethodGet)
	signed.HandleFunc("/recovery/{txHash}/renotify", s.handleRenotifyRecord).Methods(http.MethodPost)

	signed.HandleFunc("/inbox", s.handleInbox).Methods(http.MethodGet)
	signed.HandleFunc("/inbox/{hash}/read", s.handleInboxOutcome(inbox.OutcomeRead)).Methods(http.MethodPost)
	signed.HandleFunc("/inbox/{hash}/spam", s.handleInboxOutcome(inbox.OutcomeSpam)).Methods(http.MethodPost)

	signed.HandleFunc("/messages/{hash}", s.handleGetMessage).Methods(http.MethodGet)
	signed.HandleFunc("/messages/{hash}/refund", s.handleRefund).Methods(http.MethodPost)
	signed.HandleFunc("/fees/{sender}", s.handleFee).Methods(http.MethodGet)
	signed.HandleFunc("/profiles/{sender}", s.handleProfile).Methods(http.MethodGet)
}

// Handler returns the routed handler with request IDs attached.
func (s *Server) Handler() http.Handler {
	return requestIDMiddleware(s.router)
}

func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type sendRequest struct {
	Recipient      string `json:"recipient"`
	RecipientEmail string `json:"recipientEmail"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	Amount         string `json:"amount"`
}

type sendResponse struct {
	SessionID string             `json:"sessionId"`
	Phase     orchestrator.Phase `json:"phase"`
}

type errorResponse struct {
	Error         string       `json:"error"`
	Kind          mailerr.Kind `json:"kind,omitempty"`
	NeedsGuidance bool         `json:"needsGuidance,omitempty"`
	TxHash        string       `json:"txHash,omitempty"`
}

func (s *Server) handleCreateSend(w http.ResponseWriter, r *http.Request) {
	var payload sendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	session, err := s.orch.Submit(r.Context(), orchestrator.Request{
		Recipient:      payload.Recipient,
		RecipientEmail: payload.RecipientEmail,
		Subject:        payload.Subject,
		Body:           payload.Body,
		Amount:         payload.Amount,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.requestLogger(r).WithFields(logrus.Fields{
		"session_id":   session.ID,
		"message_hash": session.MessageHash().Hex(),
	}).Info("send accepted")
	writeJSON(w, http.StatusAccepted, sendResponse{SessionID: session.ID, Phase: session.Phase()})
}

func (s *Server) handleGetSend(w http.ResponseWriter, r *http.Request) {
	session, ok := s.orch.Session(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, orchestrator.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

func (s *Server) handleDismissSend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orch.Dismiss(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id, "status": "dismissed"})
}

func (s *Server) handleRenotifySend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.orch.Renotify(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	session, ok := s.orch.Session(id)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"sessionId": id, "status": "delivered"})
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

func (s *Server) handleListRecovery(w http.ResponseWriter, r *http.Request) {
	records, err := s.orch.PendingRecovery(r.Context())
	if err != nil {
		s.requestLogger(r).WithError(err).Error("recovery ledger read failed")
		http.Error(w, "failed to read recovery ledger", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []recovery.Record{}
	}
	s.metrics.SetRecoveryPending(len(records))
	writeJSON(w, http.StatusOK, struct {
		Count   int               `json:"count"`
		Records []recovery.Record `json:"records"`
	}{Count: len(records), Records: records})
}

func (s *Server) handleRenotifyRecord(w http.ResponseWriter, r *http.Request) {
	tx, err := parseHash(mux.Vars(r)["txHash"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.orch.RenotifyRecord(r.Context(), tx.Hex()); err != nil {
		if errors.Is(err, orchestrator.ErrNothingToRenotify) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "no recovery record for " + tx.Hex()})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"txHash": tx.Hex(), "status": "delivered"})
}

type inboxResponse struct {
	Owner    string          `json:"owner"`
	TxHash   string          `json:"txHash,omitempty"`
	Messages []inbox.Message `json:"messages"`
	Error    string          `json:"error,omitempty"`
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	if s.mailbox == nil {
		http.Error(w, "inbox not configured", http.StatusServiceUnavailable)
		return
	}
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	msgs, err := s.mailbox.Load(r.Context(), refresh)
	if err != nil {
		s.requestLogger(r).WithError(err).Warn("inbox load failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, inboxResponse{Owner: s.mailbox.Owner().Hex(), Messages: nonNil(msgs)})
}

func (s *Server) handleInboxOutcome(outcome inbox.Outcome) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.mailbox == nil {
			http.Error(w, "inbox not configured", http.StatusServiceUnavailable)
			return
		}
		hash, err := parseHash(mux.Vars(r)["hash"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// The transaction outlives the request once submitted.
		ctx := context.WithoutCancel(r.Context())
		var (
			msgs []inbox.Message
			tx   common.Hash
		)
		switch outcome {
		case inbox.OutcomeRead:
			msgs, tx, err = s.mailbox.MarkRead(ctx, hash)
		default:
			msgs, tx, err = s.mailbox.FlagSpam(ctx, hash)
		}

		resp := inboxResponse{Owner: s.mailbox.Owner().Hex(), Messages: nonNil(msgs)}
		if tx != (common.Hash{}) {
			resp.TxHash = tx.Hex()
		}
		if err != nil {
			resp.Error = err.Error()
			writeJSON(w, http.StatusBadGateway, resp)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(mux.Vars(r)["hash"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := s.protocol.GetMessage(r.Context(), hash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	msg.Hash = hash
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(mux.Vars(r)["hash"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tx, err := s.orch.RefundExpired(r.Context(), hash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"messageHash": hash.Hex(),
		"txHash":      tx.Hex(),
		"status":      "refunded",
	})
}

type feeResponse struct {
	Sender          string `json:"sender"`
	Fee             string `json:"fee"`
	FeeDisplay      string `json:"feeDisplay"`
	AdvisoryMinimum string `json:"advisoryMinimum,omitempty"`
}

func (s *Server) handleFee(w http.ResponseWriter, r *http.Request) {
	sender, err := parseAddress(mux.Vars(r)["sender"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fee, err := s.protocol.CalculateFee(r.Context(), sender)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cfg := s.orch.Config()
	resp := feeResponse{
		Sender:     sender.Hex(),
		Fee:        fee.String(),
		FeeDisplay: escrow.FormatAmount(fee, cfg.TokenDecimals),
	}
	if cfg.AdvisoryMinimum != nil {
		resp.AdvisoryMinimum = cfg.AdvisoryMinimum.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	sender, err := parseAddress(mux.Vars(r)["sender"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	profile, err := s.protocol.GetProfile(r.Context(), sender)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	pending := 0
	if records, err := s.orch.PendingRecovery(ctx); err == nil {
		pending = len(records)
		s.metrics.SetRecoveryPending(pending)
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status          string      `json:"status"`
		Network         string      `json:"network"`
		RPC             interface{} `json:"rpc"`
		Database        interface{} `json:"database"`
		RecoveryPending int         `json:"recovery_pending"`
	}{
		Status:          status,
		Network:         s.cfg.Chain.Network,
		RPC:             rpcInfo,
		Database:        dbInfo,
		RecoveryPending: pending,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{
		Error:         mailerr.UserMessage(err),
		NeedsGuidance: mailerr.NeedsGuidance(err),
	}
	if kind := mailerr.KindOf(err); kind != mailerr.KindInternal {
		resp.Kind = kind
	}
	var nerr *mailerr.NotificationError
	if errors.As(err, &nerr) {
		resp.TxHash = nerr.DepositTx.Hex()
	}
	writeJSON(w, statusFor(err), resp)
}

func statusFor(err error) int {
	var invalid *mailerr.InvalidRequestError
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrSessionNotFound), errors.Is(err, escrow.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrNotSender), errors.Is(err, escrow.ErrNotReceiver):
		return http.StatusForbidden
	case errors.Is(err, orchestrator.ErrSessionInFlight),
		errors.Is(err, orchestrator.ErrSessionStarted),
		errors.Is(err, orchestrator.ErrNotDismissable),
		errors.Is(err, orchestrator.ErrNothingToRenotify),
		errors.Is(err, escrow.ErrAlreadyFinalized),
		errors.Is(err, escrow.ErrNotExpired):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func parseHash(raw string) (common.Hash, error) {
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%q is not a 32-byte hex hash", raw)
	}
	return common.BytesToHash(b), nil
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%q is not a wallet address", raw)
	}
	return common.HexToAddress(raw), nil
}

func nonNil(msgs []inbox.Message) []inbox.Message {
	if msgs == nil {
		return []inbox.Message{}
	}
	return msgs
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) requestLogger(r *http.Request) *logrus.Entry {
	return s.logger.WithField("request_id", r.Header.Get("X-Request-Id"))
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}
