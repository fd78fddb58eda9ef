// Package config loads the treasury core's runtime configuration, grounded
// on the teacher's payments-gateway (env-var resolution with defaults) and
// its TOML-backed node config (asset list and other structured settings).
package config

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"basevault/internal/domain"
	"basevault/internal/vaultkey"
)

// Asset mirrors domain.Asset in TOML-friendly form (spec §6.8: "asset list
// ... each entry {id, kind, symbol, decimals, priceId, address?}").
type Asset struct {
	ID           string `toml:"id"`
	Kind         string `toml:"kind"`
	Symbol       string `toml:"symbol"`
	Decimals     uint8  `toml:"decimals"`
	PriceFeedID  string `toml:"priceId"`
	TokenAddress string `toml:"address"`
	IsStable     bool   `toml:"isStable"`
}

// File is the on-disk TOML shape (spec §6.8's structured settings: asset
// list, rebalance/settlement tuning, history limits).
type File struct {
	Assets []Asset `toml:"assets"`

	RebalanceExecute    bool    `toml:"rebalanceExecute"`
	SlippageBps         int64   `toml:"slippageBps"`
	MinUSDDelta         float64 `toml:"minUsdDelta"`
	TolerancePercent    float64 `toml:"tolerancePercent"`
	RebalanceHistoryCap int     `toml:"rebalanceHistoryLimit"`

	SettlementExecute bool   `toml:"settlementExecute"`
	SettlementMaxAge  string `toml:"settlementMaxAge"`

	PriceCacheTTL string `toml:"priceCacheTtl"`

	JobLockTTL  string `toml:"jobLockTtl"`
	JobDedupTTL string `toml:"jobDedupTtl"`
	JobMaxAge   string `toml:"jobMaxAge"`

	RequiredDepositMinorUnits string `toml:"requiredDepositMinorUnits"`
	RequiredConfirmations     uint64 `toml:"requiredConfirmations"`

	VaultAddressOverride string `toml:"vaultAddressOverride"`
}

// Config is the fully resolved runtime configuration the treasury core is
// wired from.
type Config struct {
	ListenAddress string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RPCEndpoint string
	VaultKey    *ecdsa.PrivateKey
	VaultChainID int64

	AggregatorBaseURL string
	OracleBaseURL     string

	Assets []domain.Asset

	ProposalID string

	RebalanceExecute    bool
	SlippageBps         int64
	MinUSDDelta         float64
	TolerancePercent    float64
	RebalanceHistoryCap int

	SettlementExecute bool
	SettlementMaxAge  time.Duration

	PriceCacheTTL time.Duration

	JobLockTTL  time.Duration
	JobDedupTTL time.Duration
	JobMaxAge   time.Duration

	RequiredDepositMinorUnits string
	RequiredConfirmations     uint64

	VaultAddressOverride *common.Address

	LogEnvironment string
	OTelEndpoint   string
	OTelInsecure   bool
	OTelMetrics    bool
	OTelTraces     bool
}

const (
	envListen                  = "TREASURY_LISTEN"
	envRedisAddr               = "TREASURY_REDIS_ADDR"
	envRedisPassword           = "TREASURY_REDIS_PASSWORD"
	envRedisDB                 = "TREASURY_REDIS_DB"
	envRPCEndpoint             = "TREASURY_RPC_ENDPOINT"
	envVaultKey                = "TREASURY_VAULT_KEY"
	envVaultKeystore           = "TREASURY_VAULT_KEYSTORE"
	envVaultKeystorePassphrase = "TREASURY_VAULT_KEYSTORE_PASSPHRASE"
	envAggregatorURL           = "TREASURY_AGGREGATOR_URL"
	envOracleURL               = "TREASURY_ORACLE_URL"
	envProposalID              = "TREASURY_PROPOSAL_ID"
	envAssetsFile              = "TREASURY_ASSETS_FILE"
	envLogEnv                  = "TREASURY_ENV"
	envOTelEndpoint            = "TREASURY_OTEL_ENDPOINT"
	envOTelInsecure            = "TREASURY_OTEL_INSECURE"
	envOTelMetrics             = "TREASURY_OTEL_METRICS"
	envOTelTraces              = "TREASURY_OTEL_TRACES"
)

// Load resolves Config from environment variables plus the TOML file named
// by TREASURY_ASSETS_FILE (asset list and tuning knobs; spec §6.8).
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddress:     getenvDefault(envListen, ":8090"),
		RedisAddr:         getenvDefault(envRedisAddr, "localhost:6379"),
		RedisPassword:     os.Getenv(envRedisPassword),
		RedisDB:           int(parseIntDefault(envRedisDB, 0)),
		RPCEndpoint:       os.Getenv(envRPCEndpoint),
		AggregatorBaseURL: os.Getenv(envAggregatorURL),
		OracleBaseURL:     os.Getenv(envOracleURL),
		ProposalID:        getenvDefault(envProposalID, "active"),
		LogEnvironment:    os.Getenv(envLogEnv),
		OTelEndpoint:      os.Getenv(envOTelEndpoint),
		OTelInsecure:      parseBoolDefault(envOTelInsecure, true),
		OTelMetrics:       parseBoolDefault(envOTelMetrics, false),
		OTelTraces:        parseBoolDefault(envOTelTraces, false),

		PriceCacheTTL:       60 * time.Second,
		JobLockTTL:          30 * time.Second,
		JobDedupTTL:         120 * time.Second,
		JobMaxAge:           10 * time.Minute,
		SettlementMaxAge:    5 * time.Minute,
		RebalanceHistoryCap: 20,
	}

	if cfg.RPCEndpoint == "" {
		return nil, fmt.Errorf("config: %s is required", envRPCEndpoint)
	}

	// The keystore path takes precedence: it keeps the signing key encrypted
	// at rest instead of sitting in the process environment in plaintext.
	// The plaintext hex var remains for local development only.
	if keystorePath := strings.TrimSpace(os.Getenv(envVaultKeystore)); keystorePath != "" {
		passphrase, err := vaultkey.NewPassphraseSource(envVaultKeystorePassphrase).Get()
		if err != nil {
			return nil, fmt.Errorf("config: resolve %s: %w", envVaultKeystore, err)
		}
		key, err := vaultkey.LoadFromKeystore(keystorePath, passphrase)
		if err != nil {
			return nil, fmt.Errorf("config: load %s: %w", envVaultKeystore, err)
		}
		cfg.VaultKey = key
	} else if raw := strings.TrimSpace(os.Getenv(envVaultKey)); raw != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", envVaultKey, err)
		}
		cfg.VaultKey = key
	}

	assetsPath := os.Getenv(envAssetsFile)
	if assetsPath == "" {
		return nil, fmt.Errorf("config: %s is required", envAssetsFile)
	}
	var file File
	if _, err := toml.DecodeFile(assetsPath, &file); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", assetsPath, err)
	}
	if err := applyFile(cfg, file); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyFile(cfg *Config, file File) error {
	if len(file.Assets) == 0 {
		return fmt.Errorf("config: at least one asset is required")
	}
	assets := make([]domain.Asset, 0, len(file.Assets))
	for _, a := range file.Assets {
		kind := domain.AssetKind(strings.ToLower(strings.TrimSpace(a.Kind)))
		if kind != domain.AssetNative && kind != domain.AssetToken {
			return fmt.Errorf("config: asset %s: invalid kind %q", a.ID, a.Kind)
		}
		if kind == domain.AssetToken && a.TokenAddress == "" {
			return fmt.Errorf("config: asset %s: token kind requires address", a.ID)
		}
		assets = append(assets, domain.Asset{
			ID:           a.ID,
			Kind:         kind,
			Symbol:       a.Symbol,
			Decimals:     a.Decimals,
			PriceFeedID:  a.PriceFeedID,
			TokenAddress: a.TokenAddress,
			IsStable:     a.IsStable,
		})
	}
	cfg.Assets = assets

	cfg.RebalanceExecute = file.RebalanceExecute
	if file.SlippageBps > 0 {
		cfg.SlippageBps = clampInt64(file.SlippageBps, 1, 500)
	} else {
		cfg.SlippageBps = 50
	}
	if file.MinUSDDelta > 0 {
		cfg.MinUSDDelta = file.MinUSDDelta
	} else {
		cfg.MinUSDDelta = 5.0
	}
	if file.TolerancePercent > 0 {
		cfg.TolerancePercent = file.TolerancePercent
	} else {
		cfg.TolerancePercent = 1.0
	}
	if file.RebalanceHistoryCap > 0 {
		cfg.RebalanceHistoryCap = file.RebalanceHistoryCap
	}

	cfg.SettlementExecute = file.SettlementExecute
	if d, err := parseDurationDefault(file.SettlementMaxAge, cfg.SettlementMaxAge); err == nil {
		cfg.SettlementMaxAge = d
	}
	if d, err := parseDurationDefault(file.PriceCacheTTL, cfg.PriceCacheTTL); err == nil {
		cfg.PriceCacheTTL = d
	}
	if d, err := parseDurationDefault(file.JobLockTTL, cfg.JobLockTTL); err == nil {
		cfg.JobLockTTL = d
	}
	if d, err := parseDurationDefault(file.JobDedupTTL, cfg.JobDedupTTL); err == nil {
		cfg.JobDedupTTL = d
	}
	if d, err := parseDurationDefault(file.JobMaxAge, cfg.JobMaxAge); err == nil {
		cfg.JobMaxAge = d
	}

	cfg.RequiredDepositMinorUnits = file.RequiredDepositMinorUnits
	cfg.RequiredConfirmations = file.RequiredConfirmations

	if raw := strings.TrimSpace(file.VaultAddressOverride); raw != "" {
		if !common.IsHexAddress(raw) {
			return fmt.Errorf("config: vaultAddressOverride %q is not a valid address", raw)
		}
		addr := common.HexToAddress(raw)
		cfg.VaultAddressOverride = &addr
	}

	return nil
}

func getenvDefault(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func parseIntDefault(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func parseBoolDefault(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

func parseDurationDefault(raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	return time.ParseDuration(raw)
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
