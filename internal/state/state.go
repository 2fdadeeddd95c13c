// Package state implements the process-local durable state file: a single
// JSON document per node, protected by an advisory file lock and replaced
// atomically on every write. The write discipline (temp file, fsync,
// rename) mirrors how the board's local transport writes each board file
// with Put so it stays consistent across process crashes, generalised here
// to a single-file document instead of a directory tree.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/shardvault/custody/internal/custodyerr"
)

// DKGPhase enumerates the per-round DKG state machine.
type DKGPhase string

const (
	PhaseIdle       DKGPhase = "idle"
	PhaseCommitted  DKGPhase = "committed"
	PhaseDistributed DKGPhase = "distributed"
	PhaseFinalized  DKGPhase = "finalized"
)

// RoundState is the per-round-id DKG bookkeeping kept in local state.
type RoundState struct {
	Phase           DKGPhase `json:"phase"`
	GroupPublicKeyHex string `json:"group_public_key_hex,omitempty"`
}

// NonceRecord is the per-request-id nonce usage record local state keeps as
// the second of the three persistence layers a signing approval writes to.
type NonceRecord struct {
	Counter          uint64 `json:"counter"`
	RHex             string `json:"r_hex"`
	MessageDigestHex string `json:"message_digest_hex"`
}

// Document is the full JSON document persisted to disk.
type Document struct {
	Initialized    bool                   `json:"initialized"`
	IdentityPosted bool                   `json:"identity_posted"`
	Rounds         map[string]RoundState  `json:"rounds"`
	Nonces         map[string]NonceRecord `json:"nonces"`
}

func newDocument() Document {
	return Document{
		Rounds: make(map[string]RoundState),
		Nonces: make(map[string]NonceRecord),
	}
}

// Store manages a single JSON document at path, serialised by an advisory
// file lock held for the duration of each operation.
type Store struct {
	path string
	lock *flock.Flock

	// mu additionally serialises operations within this process; the
	// flock only protects against other processes.
	mu sync.Mutex
}

// Open returns a Store bound to path. The file and its parent directory are
// created on first Update if absent.
func Open(path string) *Store {
	return &Store{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Read loads the document under a shared lock. It must never be called from
// within Update's mutator, which already holds the exclusive lock.
func (s *Store) Read() (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.RLock(); err != nil {
		return Document{}, fmt.Errorf("state: acquire read lock: %w", err)
	}
	defer s.lock.Unlock()

	return s.load()
}

// load reads and decodes the document without taking any lock; callers must
// hold an appropriate lock already.
func (s *Store) load() (Document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return newDocument(), nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("state: read %s: %w", s.path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("state: decode %s: %w: %w", s.path, custodyerr.ErrStateCorruption, err)
	}
	if doc.Rounds == nil {
		doc.Rounds = make(map[string]RoundState)
	}
	if doc.Nonces == nil {
		doc.Nonces = make(map[string]NonceRecord)
	}
	return doc, nil
}

// Update takes the exclusive lock, loads the document directly (never via
// Read, which would deadlock re-acquiring the lock), applies mutate, and
// atomically replaces the file with the result.
func (s *Store) Update(mutate func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("state: acquire write lock: %w", err)
	}
	defer s.lock.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}

	if err := mutate(&doc); err != nil {
		return err
	}

	return s.atomicWrite(doc)
}

func (s *Store) atomicWrite(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode document: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("state: create data dir: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("state: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("state: close temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("state: rename temp file into place: %w", err)
	}
	return nil
}

// HasNonceFor reports whether local state already has a nonce record for
// requestID, the first of the three signing pre-check layers.
func (s *Store) HasNonceFor(requestID string) (bool, error) {
	doc, err := s.Read()
	if err != nil {
		return false, err
	}
	_, ok := doc.Nonces[requestID]
	return ok, nil
}

// RecordNonce stores the nonce usage record for requestID. Callers must
// already have derived the nonce and backed it up in the secret module
// before calling this, per the mandatory write ordering.
func (s *Store) RecordNonce(requestID string, record NonceRecord) error {
	return s.Update(func(doc *Document) error {
		if _, exists := doc.Nonces[requestID]; exists {
			return fmt.Errorf("state: nonce record for %q already exists: %w", requestID, custodyerr.ErrNonceReuseAttempted)
		}
		doc.Nonces[requestID] = record
		return nil
	})
}

// SetRoundPhase transitions round_id's DKG phase.
func (s *Store) SetRoundPhase(roundID string, phase DKGPhase) error {
	return s.Update(func(doc *Document) error {
		round := doc.Rounds[roundID]
		round.Phase = phase
		doc.Rounds[roundID] = round
		return nil
	})
}

// SetGroupPublicKey records the finalised group public key for round_id.
func (s *Store) SetGroupPublicKey(roundID, compressedHex string) error {
	return s.Update(func(doc *Document) error {
		round := doc.Rounds[roundID]
		round.GroupPublicKeyHex = compressedHex
		doc.Rounds[roundID] = round
		return nil
	})
}

// MarkInitialized flips the initialized flag, idempotently.
func (s *Store) MarkInitialized() error {
	return s.Update(func(doc *Document) error {
		doc.Initialized = true
		return nil
	})
}

// MarkIdentityPosted flips the identity_posted flag, idempotently.
func (s *Store) MarkIdentityPosted() error {
	return s.Update(func(doc *Document) error {
		doc.IdentityPosted = true
		return nil
	})
}

// Mismatch describes a single disagreement found by AuditAgainstModule.
type Mismatch struct {
	RequestID string
	Reason    string
}

// AuditAgainstModule compares this node's nonce records against the set of
// request_id -> counter reported by the secret module's NONCE_DERIV_*
// objects, returning every disagreement found. moduleRecords maps
// request_id to the counter value the module recorded for it.
func (s *Store) AuditAgainstModule(moduleRecords map[string]uint64) ([]Mismatch, error) {
	doc, err := s.Read()
	if err != nil {
		return nil, err
	}

	var mismatches []Mismatch
	for requestID, local := range doc.Nonces {
		moduleCounter, ok := moduleRecords[requestID]
		if !ok {
			mismatches = append(mismatches, Mismatch{requestID, "present in local state but not in secret module"})
			continue
		}
		if moduleCounter != local.Counter {
			mismatches = append(mismatches, Mismatch{requestID, fmt.Sprintf("counter mismatch: local=%d module=%d", local.Counter, moduleCounter)})
		}
	}
	for requestID := range moduleRecords {
		if _, ok := doc.Nonces[requestID]; !ok {
			mismatches = append(mismatches, Mismatch{requestID, "present in secret module but not in local state"})
		}
	}
	return mismatches, nil
}
