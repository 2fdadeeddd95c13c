// Package nonce implements the deterministic nonce derivator: a counter
// bound, HMAC-SHA512-based construction that turns a fresh module counter
// value plus a signing request into a per-attempt Schnorr nonce, grounded
// the same way the protocol's member package binds a member's secret share
// evaluation to an explicit, persisted piece of module state rather than
// deriving it implicitly on every call.
package nonce

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shardvault/custody/internal/curve"
	"github.com/shardvault/custody/internal/secretmodule"
)

const (
	// MasterSeedLabel is the secret module label for the 32-byte master
	// seed set once at node initialisation.
	MasterSeedLabel = "NONCE_MASTER_SEED"
	// CounterLabel is the secret module label for the monotonic derivation
	// counter.
	CounterLabel = "NONCE_COUNTER"

	masterSeedLen = 32
)

// Record is the payload persisted under NONCE_DERIV_{counter}.
type Record struct {
	RequestID     string `json:"request_id"`
	RHex          string `json:"r_hex"`
	MessageDigest string `json:"sha256_hex"`
}

// DerivationLabel formats the secret module label for a derivation record
// at the given counter value.
func DerivationLabel(counter uint64) string {
	return fmt.Sprintf("NONCE_DERIV_%d", counter)
}

// Derivator turns module counter advances into Schnorr nonces.
type Derivator struct {
	module *secretmodule.Module
}

// New builds a Derivator bound to module. The module must already have
// NONCE_MASTER_SEED provisioned.
func New(module *secretmodule.Module) *Derivator {
	return &Derivator{module: module}
}

// Derive performs one nonce derivation attempt for (requestID,
// messageDigest): increments the counter, computes k and R, persists the
// derivation record, and returns (k, R_hex, counter). A zero candidate is
// cryptographically negligible but handled by retrying with the next
// counter value, never by reusing the current one.
func (d *Derivator) Derive(requestID string, messageDigest [32]byte) (k *big.Int, rHex string, counter uint64, err error) {
	for {
		counter, err = d.module.CounterIncrementAndGet(CounterLabel)
		if err != nil {
			return nil, "", 0, fmt.Errorf("derive nonce: %w", err)
		}

		candidate, err := d.computeCandidate(counter, requestID, messageDigest)
		if err != nil {
			return nil, "", 0, err
		}
		if candidate.Sign() == 0 {
			continue
		}

		r := curve.ScalarBaseMul(candidate)
		rHex, err = curve.CompressHex(r)
		if err != nil {
			return nil, "", 0, fmt.Errorf("derive nonce: serialise R: %w", err)
		}

		record := Record{
			RequestID:     requestID,
			RHex:          rHex,
			MessageDigest: fmt.Sprintf("%x", sha256.Sum256(messageDigest[:])),
		}
		payload, err := json.Marshal(record)
		if err != nil {
			return nil, "", 0, fmt.Errorf("derive nonce: marshal record: %w", err)
		}
		if err := d.module.Create(DerivationLabel(counter), payload); err != nil {
			return nil, "", 0, fmt.Errorf("derive nonce: persist record: %w", err)
		}

		return candidate, rHex, counter, nil
	}
}

// Recompute re-derives k for a counter value this node has already used,
// without advancing the module counter. Finalising a signing approval uses
// this to reconstruct k on demand from the counter, master seed,
// request_id, and message digest recorded during approve, rather than
// persisting k anywhere across the function call.
func (d *Derivator) Recompute(counter uint64, requestID string, messageDigest [32]byte) (*big.Int, error) {
	return d.computeCandidate(counter, requestID, messageDigest)
}

// Record returns the persisted derivation record at counter, for the state
// manager's audit cross-check. NONCE_DERIV records carry only R and
// bookkeeping fields, never k or a share, so reading them back is not the
// kind of extraction Production mode exists to forbid.
func (d *Derivator) Record(counter uint64) (Record, error) {
	var record Record
	err := d.module.UseValue(DerivationLabel(counter), func(raw []byte) error {
		return json.Unmarshal(raw, &record)
	})
	if err != nil {
		return Record{}, fmt.Errorf("read nonce record: %w", err)
	}
	return record, nil
}

func (d *Derivator) computeCandidate(counter uint64, requestID string, messageDigest [32]byte) (*big.Int, error) {
	var candidate *big.Int
	err := d.module.UseValue(MasterSeedLabel, func(seed []byte) error {
		if len(seed) != masterSeedLen {
			return fmt.Errorf("derive nonce: master seed has unexpected length %d", len(seed))
		}
		mac := hmac.New(sha512.New, seed)
		mac.Write([]byte{0x00})
		mac.Write(secretmodule.EncodeCounter(counter))
		mac.Write([]byte(requestID))
		mac.Write(messageDigest[:])
		sum := mac.Sum(nil)

		candidate = new(big.Int).SetBytes(sum[:32])
		candidate.Mod(candidate, curve.Order())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("derive nonce: compute candidate: %w", err)
	}
	return candidate, nil
}
