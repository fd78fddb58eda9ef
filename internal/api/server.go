// Package api implements the HTTP surface described in spec §6.6: a deposit
// webhook, the allocation vote and claim endpoints, a manual rebalance
// trigger, and a processing-status stream, grounded on the teacher's
// escrow-gateway server (manual method/path dispatch, request-body size
// limit, JSON error envelope) and its gateway/routes chi router.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"basevault/internal/api/middleware"
	"basevault/internal/domain"
	"basevault/internal/evmclient"
	"basevault/internal/ledger"
	"basevault/internal/lock"
	"basevault/internal/queue"
	"basevault/internal/settlement"
	"basevault/internal/signing"
	"basevault/internal/treasury"
	"basevault/internal/vote"
)

const maxRequestBody = 1 << 20 // 1 MiB

// TxFetcher is the subset of evmclient.EthClient the deposit webhook needs
// to independently verify a claimed transaction hash.
type TxFetcher interface {
	GetTransactionDetails(ctx context.Context, hash common.Hash) (*evmclient.TxDetails, error)
}

// Deps bundles everything the HTTP handlers read from or write to.
type Deps struct {
	Ledger             *ledger.Ledger
	Votes              *vote.Store
	SettlementStore    *settlement.Store
	SettlementExecutor *settlement.Executor
	TreasuryReader     *treasury.Reader
	Queue              *queue.Queue
	Locks              *lock.Registry
	TxFetcher          TxFetcher

	Assets                    []domain.Asset
	VaultAddress              common.Address
	ChainID                   uint64
	RequiredDepositMinorUnits *big.Int
	RequiredConfirmations     uint64
	ProposalID                string
	SettlementMaxAge          time.Duration

	Logger *slog.Logger
}

// Server holds the handler dependencies and the time source tests override.
type Server struct {
	deps  Deps
	nowFn func() time.Time
}

// New builds the chi-routed HTTP handler for the treasury API.
func New(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps, nowFn: time.Now}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "basevault", Enabled: true}, deps.Logger)
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"deposit":   {RatePerSecond: 5, Burst: 10},
		"vote":      {RatePerSecond: 2, Burst: 5},
		"claim":     {RatePerSecond: 1, Burst: 3},
		"rebalance": {RatePerSecond: 1, Burst: 2},
	})

	r := chi.NewRouter()
	r.Use(middleware.CORS(middleware.CORSConfig{}))

	r.Route("/webhook", func(sr chi.Router) {
		sr.Use(limiter.Middleware("deposit"), obs.Middleware("webhook.deposit"))
		sr.Post("/deposit", s.handleDepositWebhook)
	})
	r.Route("/vote", func(sr chi.Router) {
		sr.Use(limiter.Middleware("vote"), obs.Middleware("vote"))
		sr.Post("/", s.handleVote)
	})
	r.Route("/claim", func(sr chi.Router) {
		sr.Use(limiter.Middleware("claim"), obs.Middleware("claim"))
		sr.Post("/", s.handleClaim)
	})
	r.Route("/rebalance", func(sr chi.Router) {
		sr.Use(limiter.Middleware("rebalance"), obs.Middleware("rebalance.trigger"))
		sr.Post("/trigger", s.handleRebalanceTrigger)
	})
	r.Get("/status/stream", s.handleStatusStream)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", obs.MetricsHandler())

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	payload, err := json.Marshal(body)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(fmt.Sprintf(`{"error":%q}`, err.Error())))
}

func decodeJSON(r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// depositWebhookRequest is spec §6.6's deposit webhook body.
type depositWebhookRequest struct {
	Hash string `json:"hash"`
}

// handleDepositWebhook validates the claimed transaction independently
// against the chain (success, recipient == vault, exact value when a
// required deposit amount is set, confirmation depth) before recording it,
// never trusting the caller's own description of the transaction (spec
// §6.6/§7: "Invalid input" never enqueues). The transaction's chain id is
// not compared against Deps.ChainID; the only chain check is the sender
// recovery in the TxFetcher, which uses the connected node's chain id.
func (s *Server) handleDepositWebhook(w http.ResponseWriter, r *http.Request) {
	var req depositWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	hash := strings.TrimSpace(req.Hash)
	if !strings.HasPrefix(hash, "0x") || len(hash) != 66 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid transaction hash"))
		return
	}

	ctx := r.Context()
	details, err := s.deps.TxFetcher.GetTransactionDetails(ctx, common.HexToHash(hash))
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	if !details.Success {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("transaction did not succeed"))
		return
	}
	if details.To == nil || *details.To != s.deps.VaultAddress {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("transaction recipient is not the vault"))
		return
	}
	if s.deps.RequiredDepositMinorUnits != nil && s.deps.RequiredDepositMinorUnits.Sign() > 0 {
		if details.Value.Cmp(s.deps.RequiredDepositMinorUnits) != 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("transaction value does not match the required deposit amount"))
			return
		}
	}
	if s.deps.RequiredConfirmations > 0 && details.Confirmations < s.deps.RequiredConfirmations {
		s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"recorded":      false,
			"reason":        "awaiting confirmations",
			"confirmations": details.Confirmations,
			"required":      s.deps.RequiredConfirmations,
		})
		return
	}

	record := domain.TransactionRecord{
		Hash:            hash,
		From:            strings.ToLower(details.From.Hex()),
		To:              strings.ToLower(details.To.Hex()),
		ValueMinorUnits: details.Value,
		BlockNumber:     details.BlockNumber,
		BlockHash:       details.BlockHash.Hex(),
		Timestamp:       s.nowFn().UnixMilli(),
		ChainID:         s.deps.ChainID,
		Confirmations:   details.Confirmations,
	}
	if err := s.deps.Ledger.RecordDeposit(ctx, record); err != nil {
		if err == ledger.ErrAlreadyRecorded {
			s.writeJSON(w, http.StatusOK, map[string]interface{}{"recorded": false, "reason": "already recorded"})
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	if _, err := s.deps.Queue.Enqueue(ctx, domain.JobRebalance, domain.RebalancePayload{
		Reason: domain.ReasonDeposit,
	}, queue.EnqueueOptions{DedupeKey: "rebalance:deposit", DedupeTTL: 10 * time.Second}); err != nil {
		s.deps.Logger.Error("enqueue post-deposit rebalance failed", "error", err)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"recorded": true})
}

// voteRequest is spec §6.6's allocation vote body.
type voteRequest struct {
	Address    string `json:"address"`
	EthPercent int64  `json:"ethPercent"`
	Signature  string `json:"signature"`
	Timestamp  int64  `json:"timestamp"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !common.IsHexAddress(req.Address) {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid address"))
		return
	}
	if err := signing.VerifyTimestamp(req.Timestamp, s.nowFn()); err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	message := signing.AllocationVoteMessage(req.EthPercent, req.Timestamp)
	if err := signing.VerifyAddress(message, req.Signature, req.Address); err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}

	ctx := r.Context()
	stats, err := s.deps.Ledger.GetUserStats(ctx, req.Address)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if stats.TotalMinorUnits == nil || stats.TotalMinorUnits.Sign() <= 0 {
		s.writeError(w, http.StatusForbidden, fmt.Errorf("address has no recorded deposit"))
		return
	}

	release, locked, err := s.acquireLock(ctx, lock.OpVote, strings.ToLower(req.Address))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !locked {
		s.writeError(w, http.StatusTooManyRequests, fmt.Errorf("a vote for this address is already in progress"))
		return
	}
	defer release()

	clamped := req.EthPercent
	if clamped < 0 {
		clamped = 0
	}
	if clamped > 100 {
		clamped = 100
	}
	if err := s.deps.Votes.RecordAllocationVote(ctx, s.deps.ProposalID, domain.AllocationVote{
		ProposalID: s.deps.ProposalID,
		Address:    strings.ToLower(req.Address),
		EthPercent: clamped,
		Timestamp:  req.Timestamp,
	}); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	totals, _, err := s.deps.Votes.GetAllocationVoteResults(ctx, s.deps.ProposalID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	if _, err := s.deps.Queue.Enqueue(ctx, domain.JobRebalance, domain.RebalancePayload{
		Reason: domain.ReasonVote,
	}, queue.EnqueueOptions{DedupeKey: "rebalance:vote", DedupeTTL: 10 * time.Second}); err != nil {
		s.deps.Logger.Error("enqueue post-vote rebalance failed", "error", err)
	}

	s.writeJSON(w, http.StatusOK, totals)
}

// claimRequest is spec §6.6's claim body.
type claimRequest struct {
	Address     string `json:"address"`
	Signature   string `json:"signature"`
	Timestamp   int64  `json:"timestamp"`
	Synchronous bool   `json:"synchronous"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !common.IsHexAddress(req.Address) {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid address"))
		return
	}
	if err := signing.VerifyTimestamp(req.Timestamp, s.nowFn()); err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	message := signing.ClaimMessage(req.Address, req.Timestamp)
	if err := signing.VerifyAddress(message, req.Signature, req.Address); err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}

	ctx := r.Context()
	release, locked, err := s.acquireLock(ctx, lock.OpSettlement, strings.ToLower(req.Address))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !locked {
		s.writeError(w, http.StatusTooManyRequests, fmt.Errorf("a claim for this address is already in progress"))
		return
	}
	defer release()

	stats, err := s.deps.Ledger.GetUserStats(ctx, req.Address)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if stats.TotalMinorUnits == nil || stats.TotalMinorUnits.Sign() <= 0 {
		s.writeError(w, http.StatusForbidden, fmt.Errorf("nothing to claim"))
		return
	}

	allStats, err := s.deps.Ledger.GetAllUserStats(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	total := ledger.GlobalTotal(allStats)

	snapshot, err := s.deps.TreasuryReader.Read(ctx)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}

	now := s.nowFn()
	payload, err := settlement.Plan(req.Address, stats.TotalMinorUnits, total, snapshot, fmt.Sprintf("claim-%d", now.UnixNano()), now)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	enqueued, status, err := s.deps.SettlementStore.Enqueue(ctx, payload, stats.LastTxTimestamp, now, s.deps.SettlementMaxAge)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !enqueued {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"queued": false, "status": status})
		return
	}

	if req.Synchronous {
		handle, claimErr := s.deps.Queue.ClaimByID(ctx, status.JobID, 16)
		if claimErr == nil && handle != nil {
			final, execErr := s.deps.SettlementExecutor.Execute(ctx, status, payload, func() { _ = handle.Heartbeat(ctx) })
			if execErr != nil {
				_ = handle.Fail(ctx, false)
				s.writeError(w, http.StatusInternalServerError, execErr)
				return
			}
			_ = handle.Ack(ctx)
			s.writeJSON(w, http.StatusOK, map[string]interface{}{"queued": true, "status": final})
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"queued": true, "status": status})
}

// rebalanceTriggerRequest is spec §6.6's manual rebalance trigger body.
type rebalanceTriggerRequest struct {
	Manual bool `json:"manual"`
}

func (s *Server) handleRebalanceTrigger(w http.ResponseWriter, r *http.Request) {
	var req rebalanceTriggerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !req.Manual {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("manual must be true"))
		return
	}

	ctx := r.Context()
	release, locked, err := s.acquireLock(ctx, lock.OpRebalance, "")
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !locked {
		s.writeError(w, http.StatusTooManyRequests, fmt.Errorf("a rebalance is already in progress"))
		return
	}
	defer release()

	job, err := s.deps.Queue.Enqueue(ctx, domain.JobRebalance, domain.RebalancePayload{Reason: domain.ReasonManual}, queue.EnqueueOptions{})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if job == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"enqueued": false})
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"enqueued": true, "jobId": job.ID})
}

// handleStatusStream polls IsProcessingAny at a 150ms cadence and emits a
// server-sent event whenever the boolean transitions (spec §6.6: "≤200ms
// cadence ... emits an event when the boolean transitions").
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()

	var last bool
	var haveLast bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			processing, err := s.deps.Queue.IsProcessingAny(ctx)
			if err != nil {
				continue
			}
			if haveLast && processing == last {
				continue
			}
			last = processing
			haveLast = true
			fmt.Fprintf(w, "data: {\"processing\":%t}\n\n", processing)
			flusher.Flush()
		}
	}
}

func (s *Server) acquireLock(ctx context.Context, op lock.Operation, id string) (release func(), acquired bool, err error) {
	handle, err := s.deps.Locks.Acquire(ctx, op, id, 30*time.Second)
	if err != nil {
		return func() {}, false, err
	}
	if !handle.Acquired() {
		return func() {}, false, nil
	}
	return func() { _ = handle.Release(ctx) }, true, nil
}
