package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func writeAssetsFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "assets.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value))
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestLoadAppliesDefaultsAndParsesAssets(t *testing.T) {
	path := writeAssetsFile(t, `
tolerancePercent = 2.5
slippageBps = 75

[[assets]]
id = "eth"
kind = "native"
symbol = "ETH"
decimals = 18
priceId = "ETH"

[[assets]]
id = "usdc"
kind = "token"
symbol = "USDC"
decimals = 6
priceId = "USDC"
address = "0x0000000000000000000000000000000000dEaD"
isStable = true
`)

	setEnv(t, envRPCEndpoint, "https://rpc.example.test")
	setEnv(t, envAssetsFile, path)
	os.Unsetenv(envVaultKey)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Assets, 2)
	require.Equal(t, "eth", cfg.Assets[0].ID)
	require.Equal(t, "usdc", cfg.Assets[1].ID)
	require.True(t, cfg.Assets[1].IsStable)

	require.Equal(t, 2.5, cfg.TolerancePercent)
	require.Equal(t, int64(75), cfg.SlippageBps)
	require.Equal(t, 5.0, cfg.MinUSDDelta, "unset knobs keep their default")
	require.Equal(t, 60*time.Second, cfg.PriceCacheTTL)
	require.Nil(t, cfg.VaultKey)
}

func TestLoadRejectsTokenAssetWithoutAddress(t *testing.T) {
	path := writeAssetsFile(t, `
[[assets]]
id = "usdc"
kind = "token"
symbol = "USDC"
decimals = 6
priceId = "USDC"
`)
	setEnv(t, envRPCEndpoint, "https://rpc.example.test")
	setEnv(t, envAssetsFile, path)

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRequiresRPCEndpoint(t *testing.T) {
	setEnv(t, envRPCEndpoint, "")
	os.Unsetenv(envRPCEndpoint)
	setEnv(t, envAssetsFile, writeAssetsFile(t, `[[assets]]
id = "eth"
kind = "native"
symbol = "ETH"
decimals = 18
priceId = "ETH"
`))

	_, err := Load()
	require.Error(t, err)
}

func TestLoadParsesVaultKey(t *testing.T) {
	path := writeAssetsFile(t, `[[assets]]
id = "eth"
kind = "native"
symbol = "ETH"
decimals = 18
priceId = "ETH"
`)
	setEnv(t, envRPCEndpoint, "https://rpc.example.test")
	setEnv(t, envAssetsFile, path)
	setEnv(t, envVaultKey, "0481769838d6828a76cfb4cd45417fc77055420f2c72245e598309790ea54a73")

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.VaultKey)
}

func TestLoadPrefersKeystoreOverPlaintextVaultKey(t *testing.T) {
	path := writeAssetsFile(t, `[[assets]]
id = "eth"
kind = "native"
symbol = "ETH"
decimals = 18
priceId = "ETH"
`)
	setEnv(t, envRPCEndpoint, "https://rpc.example.test")
	setEnv(t, envAssetsFile, path)
	setEnv(t, envVaultKey, "0481769838d6828a76cfb4cd45417fc77055420f2c72245e598309790ea54a73")

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ks := keystore.NewKeyStore(t.TempDir(), keystore.StandardScryptN, keystore.StandardScryptP)
	account, err := ks.ImportECDSA(key, "swordfish")
	require.NoError(t, err)

	setEnv(t, envVaultKeystore, account.URL.Path)
	setEnv(t, envVaultKeystorePassphrase, "swordfish")

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.VaultKey)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(cfg.VaultKey.PublicKey),
		"keystore key must win over the plaintext TREASURY_VAULT_KEY fallback")
}
