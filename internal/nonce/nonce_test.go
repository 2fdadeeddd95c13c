package nonce

import (
	"crypto/sha256"
	"encoding/json"
	"testing"

	"github.com/shardvault/custody/internal/secretmodule"
	"github.com/shardvault/custody/internal/testutils"
)

func newProvisionedModule(t *testing.T) *secretmodule.Module {
	t.Helper()
	m := secretmodule.New(secretmodule.Demo)
	testutils.AssertNoError(t, "login", m.Login("1234"))
	t.Cleanup(m.Logout)

	seed := make([]byte, masterSeedLen)
	for i := range seed {
		seed[i] = byte(i)
	}
	testutils.AssertNoError(t, "create master seed", m.Create(MasterSeedLabel, seed))
	return m
}

func TestDeriveStartsCounterAtOne(t *testing.T) {
	m := newProvisionedModule(t)
	d := New(m)

	digest := sha256.Sum256([]byte("tx_payload"))
	_, _, counter, err := d.Derive("req-1", digest)
	testutils.AssertNoError(t, "derive", err)
	testutils.AssertUintsEqual(t, "first counter", 1, counter)
}

func TestDeriveIsDeterministicGivenSameCounter(t *testing.T) {
	m1 := newProvisionedModule(t)
	m2 := secretmodule.New(secretmodule.Demo)
	testutils.AssertNoError(t, "login m2", m2.Login("1234"))
	t.Cleanup(m2.Logout)
	seed, err := m1.Read(MasterSeedLabel)
	testutils.AssertNoError(t, "read seed from m1", err)
	testutils.AssertNoError(t, "create seed on m2", m2.Create(MasterSeedLabel, seed))

	digest := sha256.Sum256([]byte("tx_payload"))

	k1, r1, c1, err := New(m1).Derive("req-1", digest)
	testutils.AssertNoError(t, "derive on m1", err)
	k2, r2, c2, err := New(m2).Derive("req-1", digest)
	testutils.AssertNoError(t, "derive on m2", err)

	testutils.AssertBigIntsEqual(t, "k reproduced across identical modules", k1, k2)
	testutils.AssertStringsEqual(t, "R_hex reproduced across identical modules", r1, r2)
	testutils.AssertUintsEqual(t, "counter reproduced across identical modules", c1, c2)
}

func TestDeriveAdvancesOnEachCall(t *testing.T) {
	m := newProvisionedModule(t)
	d := New(m)

	digest := sha256.Sum256([]byte("same message every time"))

	_, r1, c1, err := d.Derive("req-1", digest)
	testutils.AssertNoError(t, "first derive", err)
	_, r2, c2, err := d.Derive("req-1", digest)
	testutils.AssertNoError(t, "second derive", err)

	if c1 == c2 {
		t.Fatalf("expected counter to advance between derivations, got %d twice", c1)
	}
	if r1 == r2 {
		t.Fatalf("expected different R for same request retried after a counter advance")
	}
}

func TestDerivePersistsRecord(t *testing.T) {
	m := newProvisionedModule(t)
	d := New(m)

	digest := sha256.Sum256([]byte("payload"))
	_, rHex, counter, err := d.Derive("req-42", digest)
	testutils.AssertNoError(t, "derive", err)

	raw, err := m.Read(DerivationLabel(counter))
	testutils.AssertNoError(t, "read persisted record", err)

	var record Record
	testutils.AssertNoError(t, "unmarshal record", json.Unmarshal(raw, &record))
	testutils.AssertStringsEqual(t, "record request id", "req-42", record.RequestID)
	testutils.AssertStringsEqual(t, "record R_hex", rHex, record.RHex)

	wantDigest := sha256.Sum256(digest[:])
	testutils.AssertStringsEqual(t, "record message digest", hexEncode(wantDigest[:]), record.MessageDigest)
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}
