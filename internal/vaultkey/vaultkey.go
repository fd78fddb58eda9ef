// Package vaultkey resolves the vault's signing key from an encrypted
// keystore file, adapted from the teacher's crypto/keystore.go and
// cmd/internal/passphrase (golang.org/x/term) so the treasury core never
// needs the key present as plaintext in the process environment.
package vaultkey

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"golang.org/x/term"
)

// LoadFromKeystore decrypts an Ethereum v3 keystore file with passphrase and
// returns the contained private key.
func LoadFromKeystore(path, passphrase string) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("vaultkey: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vaultkey: read keystore: %w", err)
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("vaultkey: decrypt keystore: %w", err)
	}
	return decrypted.PrivateKey, nil
}

// PassphraseSource lazily resolves the keystore passphrase from an
// environment variable or, failing that, an interactive terminal prompt.
// The value is cached after the first successful retrieval.
type PassphraseSource struct {
	envVar string

	once  sync.Once
	value string
	err   error
}

// NewPassphraseSource constructs a source that checks envVar before
// prompting on the terminal.
func NewPassphraseSource(envVar string) *PassphraseSource {
	return &PassphraseSource{envVar: strings.TrimSpace(envVar)}
}

// Get returns the cached passphrase or resolves it on first call. A
// whitespace-only passphrase is rejected to avoid an unprotected keystore.
func (s *PassphraseSource) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		if !term.IsTerminal(int(os.Stdin.Fd())) {
			if s.envVar != "" {
				s.err = fmt.Errorf("vault keystore passphrase required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("vault keystore passphrase required and no terminal available")
			}
			return
		}

		fmt.Fprint(os.Stderr, "Enter vault keystore passphrase: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			s.err = fmt.Errorf("failed to read passphrase: %w", err)
			return
		}

		passphrase := string(bytes)
		if strings.TrimSpace(passphrase) == "" {
			s.err = errors.New("vault keystore passphrase cannot be empty")
			return
		}
		s.value = passphrase
	})

	return s.value, s.err
}
