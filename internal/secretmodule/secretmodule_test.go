package secretmodule

import (
	"bytes"
	"errors"
	"testing"

	"github.com/shardvault/custody/internal/custodyerr"
	"github.com/shardvault/custody/internal/testutils"
)

func TestCreateRequiresSession(t *testing.T) {
	m := New(Demo)
	err := m.Create("LABEL", []byte("value"))
	testutils.AssertError(t, "create without session", err)
}

func TestCreateIsNotIdempotent(t *testing.T) {
	m := New(Demo)
	testutils.AssertNoError(t, "login", m.Login("1234"))
	defer m.Logout()

	testutils.AssertNoError(t, "first create", m.Create("LABEL", []byte("a")))
	err := m.Create("LABEL", []byte("b"))
	testutils.AssertError(t, "second create of same label", err)
}

func TestEnsureCreatedIsIdempotent(t *testing.T) {
	m := New(Demo)
	testutils.AssertNoError(t, "login", m.Login("1234"))
	defer m.Logout()

	testutils.AssertNoError(t, "first ensure", m.EnsureCreated("LABEL", []byte("a")))
	testutils.AssertNoError(t, "second ensure", m.EnsureCreated("LABEL", []byte("b")))

	value, err := m.Read("LABEL")
	testutils.AssertNoError(t, "read", err)
	if !bytes.Equal(value, []byte("a")) {
		t.Fatalf("expected original value to survive EnsureCreated, got %q", value)
	}
}

func TestReplaceOverwrites(t *testing.T) {
	m := New(Demo)
	testutils.AssertNoError(t, "login", m.Login("1234"))
	defer m.Logout()

	testutils.AssertNoError(t, "create", m.Create("LABEL", []byte("a")))
	testutils.AssertNoError(t, "replace", m.Replace("LABEL", []byte("b")))

	value, err := m.Read("LABEL")
	testutils.AssertNoError(t, "read", err)
	if !bytes.Equal(value, []byte("b")) {
		t.Fatalf("expected replaced value, got %q", value)
	}
}

func TestProductionModeForbidsRead(t *testing.T) {
	m := New(Production)
	testutils.AssertNoError(t, "login", m.Login("1234"))
	defer m.Logout()

	testutils.AssertNoError(t, "create", m.Create("NONCE_MASTER_SEED", []byte("seed")))

	_, err := m.Read("NONCE_MASTER_SEED")
	testutils.AssertError(t, "read in production mode", err)
	if !errors.Is(err, custodyerr.ErrSecretExtractionForbidden) {
		t.Fatalf("expected ErrSecretExtractionForbidden, got %v", err)
	}
}

func TestProductionModeAllowsUseValue(t *testing.T) {
	m := New(Production)
	testutils.AssertNoError(t, "login", m.Login("1234"))
	defer m.Logout()

	testutils.AssertNoError(t, "create", m.Create("NONCE_MASTER_SEED", []byte("seed")))

	var seen []byte
	err := m.UseValue("NONCE_MASTER_SEED", func(value []byte) error {
		seen = append([]byte(nil), value...)
		return nil
	})
	testutils.AssertNoError(t, "use value", err)
	if !bytes.Equal(seen, []byte("seed")) {
		t.Fatalf("expected UseValue to observe the stored value, got %q", seen)
	}
}

func TestDemoModeAllowsRead(t *testing.T) {
	m := New(Demo)
	testutils.AssertNoError(t, "login", m.Login("1234"))
	defer m.Logout()

	testutils.AssertNoError(t, "create", m.Create("LABEL", []byte("value")))
	value, err := m.Read("LABEL")
	testutils.AssertNoError(t, "read in demo mode", err)
	if !bytes.Equal(value, []byte("value")) {
		t.Fatalf("got %q, want %q", value, "value")
	}
}

func TestCounterIncrementStartsAtOne(t *testing.T) {
	m := New(Demo)
	testutils.AssertNoError(t, "login", m.Login("1234"))
	defer m.Logout()

	first, err := m.CounterIncrementAndGet("NONCE_COUNTER")
	testutils.AssertNoError(t, "first increment", err)
	testutils.AssertUintsEqual(t, "first counter value", 1, first)

	second, err := m.CounterIncrementAndGet("NONCE_COUNTER")
	testutils.AssertNoError(t, "second increment", err)
	testutils.AssertUintsEqual(t, "second counter value", 2, second)
}

func TestCounterGetDoesNotAdvance(t *testing.T) {
	m := New(Demo)
	testutils.AssertNoError(t, "login", m.Login("1234"))
	defer m.Logout()

	_, err := m.CounterIncrementAndGet("NONCE_COUNTER")
	testutils.AssertNoError(t, "increment", err)

	a, err := m.CounterGet("NONCE_COUNTER")
	testutils.AssertNoError(t, "get a", err)
	b, err := m.CounterGet("NONCE_COUNTER")
	testutils.AssertNoError(t, "get b", err)
	testutils.AssertUintsEqual(t, "repeated get is stable", a, b)
}

func TestCounterExhaustion(t *testing.T) {
	m := New(Demo)
	testutils.AssertNoError(t, "login", m.Login("1234"))
	defer m.Logout()

	m.counters["NONCE_COUNTER"] = ^uint64(0)

	_, err := m.CounterIncrementAndGet("NONCE_COUNTER")
	testutils.AssertError(t, "increment past max uint64", err)
	if !errors.Is(err, custodyerr.ErrCounterExhausted) {
		t.Fatalf("expected ErrCounterExhausted, got %v", err)
	}
}

func TestLoginLogoutRoundTrip(t *testing.T) {
	m := New(Demo)
	testutils.AssertNoError(t, "login", m.Login("1234"))

	err := m.Login("1234")
	testutils.AssertError(t, "double login without logout", err)

	m.Logout()
	testutils.AssertNoError(t, "login after logout", m.Login("1234"))
	m.Logout()
}

func TestLoginRejectsWrongPin(t *testing.T) {
	m := New(Demo)
	testutils.AssertNoError(t, "first login sets pin", m.Login("1234"))
	m.Logout()

	err := m.Login("wrong")
	testutils.AssertError(t, "login with wrong pin", err)
}

func TestWithSessionAlwaysLogsOut(t *testing.T) {
	m := New(Demo)

	callErr := errors.New("boom")
	err := m.WithSession("1234", func() error {
		return callErr
	})
	if !errors.Is(err, callErr) {
		t.Fatalf("expected WithSession to propagate callback error, got %v", err)
	}

	// A fresh login must succeed, proving the session was released.
	testutils.AssertNoError(t, "login after failed WithSession", m.Login("1234"))
	m.Logout()
}
