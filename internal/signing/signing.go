// Package signing builds the canonical messages the core asks depositors to
// sign, and verifies ERC-191 personal-message signatures against them (spec
// §6.7).
package signing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// MaxMessageAge is how stale a signed timestamp may be before verification
// rejects it (spec §6.7).
const MaxMessageAge = 5 * time.Minute

// ClaimMessage builds the canonical claim-signing payload.
func ClaimMessage(address string, timestampMs int64) string {
	return strings.Join([]string{
		"wagmi-claim",
		fmt.Sprintf("address:%s", strings.ToLower(address)),
		fmt.Sprintf("timestamp:%d", timestampMs),
	}, "\n")
}

// AllocationVoteMessage builds the canonical vote-signing payload.
func AllocationVoteMessage(ethPercent int64, timestampMs int64) string {
	clamped := ethPercent
	if clamped < 0 {
		clamped = 0
	}
	if clamped > 100 {
		clamped = 100
	}
	return strings.Join([]string{
		fmt.Sprintf("eth_percent:%d", clamped),
		fmt.Sprintf("timestamp:%d", timestampMs),
	}, "\n")
}

// VerifyTimestamp rejects a signed timestamp older or newer than
// MaxMessageAge relative to now.
func VerifyTimestamp(timestampMs int64, now time.Time) error {
	ts := time.UnixMilli(timestampMs)
	age := now.Sub(ts)
	if age < 0 {
		age = -age
	}
	if age > MaxMessageAge {
		return fmt.Errorf("signing: timestamp %s outside allowed window", strconv.FormatInt(timestampMs, 10))
	}
	return nil
}

// Recover recovers the signing address from an ERC-191 personal-message
// signature over message, grounded on the teacher's wallet-signature
// verification path (accounts.TextHash + SigToPub + PubkeyToAddress).
func Recover(message string, signatureHex string) (common.Address, error) {
	cleaned := strings.TrimPrefix(strings.TrimPrefix(signatureHex, "0x"), "0X")
	sig, err := hexutil.Decode("0x" + cleaned)
	if err != nil {
		return common.Address{}, fmt.Errorf("signing: invalid signature encoding: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signing: signature must be 65 bytes, got %d", len(sig))
	}
	// Normalize the recovery id: wallets commonly emit 27/28 rather than 0/1.
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	digest := accounts.TextHash([]byte(message))
	pubKey, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("signing: signature recovery failed: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pubKey), nil
}

// VerifyAddress recovers the signer and checks it matches expected
// (case-insensitively).
func VerifyAddress(message, signatureHex, expected string) error {
	recovered, err := Recover(message, signatureHex)
	if err != nil {
		return err
	}
	want := common.HexToAddress(expected)
	if recovered != want {
		return fmt.Errorf("signing: signature does not match expected address %s", expected)
	}
	return nil
}
