package vaultkey

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestLoadFromKeystoreRoundTrips(t *testing.T) {
	dir := t.TempDir()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	ks := keystore.NewKeyStore(filepath.Join(dir, "ks"), keystore.StandardScryptN, keystore.StandardScryptP)
	account, err := ks.ImportECDSA(key, "correct horse battery staple")
	require.NoError(t, err)

	loaded, err := LoadFromKeystore(account.URL.Path, "correct horse battery staple")
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(loaded.PublicKey))
}

func TestLoadFromKeystoreRejectsWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	ks := keystore.NewKeyStore(filepath.Join(dir, "ks"), keystore.StandardScryptN, keystore.StandardScryptP)
	account, err := ks.ImportECDSA(key, "correct horse battery staple")
	require.NoError(t, err)

	_, err = LoadFromKeystore(account.URL.Path, "wrong passphrase")
	require.Error(t, err)
}

func TestLoadFromKeystoreRejectsMissingFile(t *testing.T) {
	_, err := LoadFromKeystore(filepath.Join(t.TempDir(), "missing"), "anything")
	require.Error(t, err)
}

func TestPassphraseSourceReadsEnvVar(t *testing.T) {
	const envVar = "VAULTKEY_TEST_PASSPHRASE"
	require.NoError(t, os.Setenv(envVar, "super-secret"))
	t.Cleanup(func() { os.Unsetenv(envVar) })

	src := NewPassphraseSource(envVar)
	value, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "super-secret", value)
}

func TestPassphraseSourceRejectsEmptyEnvVar(t *testing.T) {
	const envVar = "VAULTKEY_TEST_PASSPHRASE_EMPTY"
	require.NoError(t, os.Setenv(envVar, ""))
	t.Cleanup(func() { os.Unsetenv(envVar) })

	src := NewPassphraseSource(envVar)
	_, err := src.Get()
	require.Error(t, err)
}
