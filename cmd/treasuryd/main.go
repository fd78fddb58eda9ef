// Command treasuryd runs the treasury core: the HTTP API and the job worker
// that polls for rebalance and settlement jobs, grounded on the
// teacher's cmd/gateway entrypoint (signal-driven graceful shutdown,
// structured logging and OTel wiring from environment).
package main

import (
	"context"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"basevault/internal/aggregator"
	"basevault/internal/api"
	"basevault/internal/config"
	"basevault/internal/evmclient"
	"basevault/internal/kv/redisdriver"
	"basevault/internal/ledger"
	"basevault/internal/lock"
	"basevault/internal/obslog"
	"basevault/internal/obstel"
	"basevault/internal/oracle"
	"basevault/internal/pricing"
	"basevault/internal/queue"
	"basevault/internal/rebalance"
	"basevault/internal/settlement"
	"basevault/internal/treasury"
	"basevault/internal/vote"
	"basevault/internal/worker"
)

func main() {
	logger := obslog.Setup("treasuryd", strings.TrimSpace(os.Getenv("TREASURY_ENV")))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := obstel.Init(ctx, obstel.Config{
		ServiceName: "treasuryd",
		Environment: cfg.LogEnvironment,
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		Metrics:     cfg.OTelMetrics,
		Traces:      cfg.OTelTraces,
	})
	if err != nil {
		logger.Error("init telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := redisdriver.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Error("connect redis", "error", err)
		os.Exit(1)
	}

	evmClient, err := evmclient.Dial(ctx, cfg.RPCEndpoint, cfg.VaultKey)
	if err != nil {
		logger.Error("dial evm endpoint", "error", err)
		os.Exit(1)
	}

	vaultAddress := evmClient.VaultAddress()
	if cfg.VaultAddressOverride != nil {
		vaultAddress = *cfg.VaultAddressOverride
	}

	warner := obslog.SlogWarner{Logger: logger}
	treasuryReader := treasury.New(evmClient, vaultAddress, cfg.Assets, warner)

	oracleClient := oracle.New(cfg.OracleBaseURL)
	priceCache := pricing.New(store, oracleClient, cfg.PriceCacheTTL)

	aggregatorClient := aggregator.New(cfg.AggregatorBaseURL, cfg.VaultChainID)

	q := queue.New(store, queue.WithGateTTL(cfg.JobLockTTL), queue.WithStaleAge(cfg.JobMaxAge))
	lockRegistry := lock.New(store)
	depositLedger := ledger.New(store)
	voteStore := vote.New(store, depositLedger)
	settlementStore := settlement.New(store, q)
	settlementExecutor := settlement.NewExecutor(evmClient, settlementStore, depositLedger, voteStore, q, cfg.ProposalID)

	rebalanceConfig := rebalance.Config{
		TolerancePct: cfg.TolerancePercent,
		MinUsdDelta:  cfg.MinUSDDelta,
		SlippageBps:  cfg.SlippageBps,
		Execute:      cfg.RebalanceExecute,
		VaultAddress: vaultAddress,
		HistoryLimit: cfg.RebalanceHistoryCap,
	}
	planner := rebalance.NewPlanner(cfg.Assets, aggregatorClient, rebalanceConfig)
	rebalanceExecutor := rebalance.NewExecutor(evmClient, treasuryReader, priceCache, store, cfg.Assets, rebalanceConfig)

	w := worker.New(worker.Deps{
		Queue:              q,
		Planner:            planner,
		RebalanceExecutor:  rebalanceExecutor,
		TreasuryReader:     treasuryReader,
		Prices:             priceCache,
		SettlementStore:    settlementStore,
		SettlementExecutor: settlementExecutor,
		Ledger:             depositLedger,
		Votes:              voteStore,
		Assets:             cfg.Assets,
		ProposalID:         cfg.ProposalID,
		Logger:             logger,
	})
	go w.Run(ctx)

	requiredDeposit := new(big.Int)
	if strings.TrimSpace(cfg.RequiredDepositMinorUnits) != "" {
		if _, ok := requiredDeposit.SetString(cfg.RequiredDepositMinorUnits, 10); !ok {
			logger.Error("parse required deposit amount", "value", cfg.RequiredDepositMinorUnits)
			os.Exit(1)
		}
	}

	handler := api.New(api.Deps{
		Ledger:                    depositLedger,
		Votes:                     voteStore,
		SettlementStore:           settlementStore,
		SettlementExecutor:        settlementExecutor,
		TreasuryReader:            treasuryReader,
		Queue:                     q,
		Locks:                     lockRegistry,
		TxFetcher:                 evmClient,
		Assets:                    cfg.Assets,
		VaultAddress:              vaultAddress,
		ChainID:                   uint64(cfg.VaultChainID),
		RequiredDepositMinorUnits: requiredDeposit,
		RequiredConfirmations:     cfg.RequiredConfirmations,
		ProposalID:                cfg.ProposalID,
		SettlementMaxAge:          cfg.SettlementMaxAge,
		Logger:                    logger,
	})

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // the status stream holds the connection open
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("listening", "address", cfg.ListenAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen and serve", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	_ = store.Close()
}
