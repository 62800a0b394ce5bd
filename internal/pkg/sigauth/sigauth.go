// Package sigauth authenticates signed commands.
//
// A command is the raw JSON body the user signed with an EIP-191 personal
// signature (the same scheme as eth_sign / personal_sign). The recovered
// address is the caller; nothing else in the body is trusted for identity.
package sigauth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrInvalidSignature is returned when the signature is malformed or does not recover.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrExpired is returned when a command's deadline has passed.
	ErrExpired = errors.New("command deadline has passed")

	// ErrDeadlineTooFar is returned when a deadline is further out than the verifier accepts.
	ErrDeadlineTooFar = errors.New("command deadline is too far in the future")
)

// Sign produces a 65-byte personal signature of payload with V in {27, 28}.
func Sign(payload []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(payload), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that produced sig over payload.
// V may be given as 0/1 or 27/28.
func Recover(payload, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	if normalized[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig[crypto.RecoveryIDOffset])
	}
	pub, err := crypto.SigToPub(accounts.TextHash(payload), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// RecoverHex is Recover for a 0x-prefixed hex signature.
func RecoverHex(payload []byte, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return Recover(payload, sig)
}

// Verifier checks signatures and command deadlines.
type Verifier struct {
	// MaxValidity is how far in the future a deadline may lie.
	// Default: 15 minutes
	MaxValidity time.Duration

	now func() time.Time
}

// NewVerifier creates a verifier. A zero maxValidity uses the default.
func NewVerifier(maxValidity time.Duration) *Verifier {
	if maxValidity <= 0 {
		maxValidity = 15 * time.Minute
	}
	return &Verifier{MaxValidity: maxValidity, now: time.Now}
}

// Verify recovers the signer of payload and checks deadline (unix seconds).
func (v *Verifier) Verify(payload []byte, sigHex string, deadline int64) (common.Address, error) {
	now := v.now()
	at := time.Unix(deadline, 0)
	if !at.After(now) {
		return common.Address{}, fmt.Errorf("%w: %s", ErrExpired, at.UTC().Format(time.RFC3339))
	}
	if at.Sub(now) > v.MaxValidity {
		return common.Address{}, fmt.Errorf("%w: %s", ErrDeadlineTooFar, at.UTC().Format(time.RFC3339))
	}
	return RecoverHex(payload, sigHex)
}
