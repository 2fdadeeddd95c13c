package state

import (
	"path/filepath"
	"testing"

	"github.com/shardvault/custody/internal/testutils"
)

func TestUpdateThenReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "state.json"))

	testutils.AssertNoError(t, "mark initialized", s.MarkInitialized())

	doc, err := s.Read()
	testutils.AssertNoError(t, "read", err)
	testutils.AssertBoolsEqual(t, "initialized flag", true, doc.Initialized)
}

func TestReadOnMissingFileReturnsEmptyDocument(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "state.json"))

	doc, err := s.Read()
	testutils.AssertNoError(t, "read missing file", err)
	testutils.AssertBoolsEqual(t, "initialized flag defaults false", false, doc.Initialized)
	if doc.Nonces == nil || doc.Rounds == nil {
		t.Fatalf("expected non-nil maps on a fresh document")
	}
}

func TestRecordNonceRejectsDuplicateRequestID(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "state.json"))

	record := NonceRecord{Counter: 1, RHex: "02" + "11"}
	testutils.AssertNoError(t, "first record", s.RecordNonce("tx_a", record))

	err := s.RecordNonce("tx_a", record)
	testutils.AssertError(t, "duplicate record", err)
}

func TestHasNonceFor(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "state.json"))

	has, err := s.HasNonceFor("tx_a")
	testutils.AssertNoError(t, "has_nonce_for before record", err)
	testutils.AssertBoolsEqual(t, "absent before record", false, has)

	testutils.AssertNoError(t, "record nonce", s.RecordNonce("tx_a", NonceRecord{Counter: 1}))

	has, err = s.HasNonceFor("tx_a")
	testutils.AssertNoError(t, "has_nonce_for after record", err)
	testutils.AssertBoolsEqual(t, "present after record", true, has)
}

func TestRoundPhaseTransitions(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "state.json"))

	testutils.AssertNoError(t, "set committed", s.SetRoundPhase("demo", PhaseCommitted))
	doc, err := s.Read()
	testutils.AssertNoError(t, "read", err)
	testutils.AssertStringsEqual(t, "phase", string(PhaseCommitted), string(doc.Rounds["demo"].Phase))

	testutils.AssertNoError(t, "set finalized", s.SetRoundPhase("demo", PhaseFinalized))
	doc, err = s.Read()
	testutils.AssertNoError(t, "read again", err)
	testutils.AssertStringsEqual(t, "phase after second transition", string(PhaseFinalized), string(doc.Rounds["demo"].Phase))
}

func TestAuditAgainstModuleDetectsMismatches(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "state.json"))

	testutils.AssertNoError(t, "record tx_a", s.RecordNonce("tx_a", NonceRecord{Counter: 1}))
	testutils.AssertNoError(t, "record tx_b", s.RecordNonce("tx_b", NonceRecord{Counter: 2}))

	moduleRecords := map[string]uint64{
		"tx_a": 1, // agrees
		"tx_b": 5, // counter mismatch
		"tx_c": 3, // only in module
	}

	mismatches, err := s.AuditAgainstModule(moduleRecords)
	testutils.AssertNoError(t, "audit", err)
	testutils.AssertIntsEqual(t, "mismatch count", 2, len(mismatches))
}

func TestAuditAgainstModuleCleanWhenConsistent(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "state.json"))

	testutils.AssertNoError(t, "record tx_a", s.RecordNonce("tx_a", NonceRecord{Counter: 1}))

	mismatches, err := s.AuditAgainstModule(map[string]uint64{"tx_a": 1})
	testutils.AssertNoError(t, "audit", err)
	testutils.AssertIntsEqual(t, "mismatch count", 0, len(mismatches))
}
