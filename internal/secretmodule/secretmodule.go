// Package secretmodule emulates a PKCS-class token: a labelled object store
// with a login-scoped session, an operation mode controlling extractability,
// and a monotonic counter primitive. It is modelled on the group's
// secret-sharing adapter (gjkr.member holds secret shares and coefficients
// behind accessor methods rather than exposing raw fields to the protocol
// state machine) generalised into a standalone, lockable store so the
// derivation and DKG engines never touch key material directly.
package secretmodule

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/shardvault/custody/internal/custodyerr"
)

// Mode selects the extractability policy for generic secret objects.
type Mode int

const (
	// Production forbids any plaintext readback of generic secret objects.
	Production Mode = iota
	// Demo allows plaintext readback, for local testing and debugging.
	Demo
)

// Module is a labelled object store guarded by a login-scoped session.
type Module struct {
	mode Mode

	mu       sync.Mutex
	loggedIn bool
	pin      string
	objects  map[string][]byte
	counters map[string]uint64
}

// New constructs an empty module in the given mode. The module must be
// logged in before any object operation.
func New(mode Mode) *Module {
	return &Module{
		mode:     mode,
		objects:  make(map[string][]byte),
		counters: make(map[string]uint64),
	}
}

// Login scopes a session to the module with the given PIN. The PIN is
// accepted by value on first login and compared on subsequent logins; this
// emulates a token that is provisioned with a PIN once and thereafter
// requires it to re-open a session.
func (m *Module) Login(pin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loggedIn {
		return fmt.Errorf("secret module: already logged in")
	}
	if m.pin == "" {
		m.pin = pin
	} else if m.pin != pin {
		return fmt.Errorf("secret module: incorrect pin")
	}
	m.loggedIn = true
	return nil
}

// Logout releases the session. It is safe to call even if not logged in.
func (m *Module) Logout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loggedIn = false
}

// WithSession logs in, runs fn, and guarantees logout even if fn panics or
// returns an error.
func (m *Module) WithSession(pin string, fn func() error) error {
	if err := m.Login(pin); err != nil {
		return err
	}
	defer m.Logout()
	return fn()
}

func (m *Module) requireSession() error {
	if !m.loggedIn {
		return fmt.Errorf("secret module: no active session")
	}
	return nil
}

// Create stores a new generic secret object under label. It is an error if
// the label already exists; use Replace to overwrite.
func (m *Module) Create(label string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireSession(); err != nil {
		return err
	}
	if _, exists := m.objects[label]; exists {
		return fmt.Errorf("secret module: object %q already exists", label)
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.objects[label] = stored
	return nil
}

// EnsureCreated stores value under label only if the label does not already
// exist, making object creation idempotent across repeated init calls.
func (m *Module) EnsureCreated(label string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireSession(); err != nil {
		return err
	}
	if _, exists := m.objects[label]; exists {
		return nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.objects[label] = stored
	return nil
}

// Replace overwrites an existing object, or creates it if absent. This is
// the only sanctioned path for changing a label's value after creation.
func (m *Module) Replace(label string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireSession(); err != nil {
		return err
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.objects[label] = stored
	return nil
}

// Exists reports whether a label has been created.
func (m *Module) Exists(label string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireSession(); err != nil {
		return false, err
	}
	_, ok := m.objects[label]
	return ok, nil
}

// Read returns an object's plaintext value. In Production mode this always
// fails with ErrSecretExtractionForbidden; callers that need the module to
// operate on a secret without extracting it should use UseValue instead.
func (m *Module) Read(label string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireSession(); err != nil {
		return nil, err
	}
	if m.mode == Production {
		return nil, fmt.Errorf("secret module: read %q: %w", label, custodyerr.ErrSecretExtractionForbidden)
	}
	value, ok := m.objects[label]
	if !ok {
		return nil, fmt.Errorf("secret module: object %q not found", label)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// UseValue invokes fn with an object's plaintext value without ever handing
// that value back to the caller, emulating an operation performed "inside
// the module" that is permitted even in Production mode.
func (m *Module) UseValue(label string, fn func(value []byte) error) error {
	m.mu.Lock()
	value, ok := m.objects[label]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("secret module: object %q not found", label)
	}
	if err := m.requireSession(); err != nil {
		m.mu.Unlock()
		return err
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Unlock()
	return fn(cp)
}

// CounterGet returns the current value of a named monotonic counter without
// advancing it. An uninitialised counter reads as zero.
func (m *Module) CounterGet(label string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireSession(); err != nil {
		return 0, err
	}
	return m.counters[label], nil
}

// CounterIncrementAndGet atomically increments a named counter and returns
// its new value. Decrement is intentionally not exposed.
func (m *Module) CounterIncrementAndGet(label string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireSession(); err != nil {
		return 0, err
	}
	current := m.counters[label]
	if current == math.MaxUint64 {
		return 0, fmt.Errorf("secret module: counter %q: %w", label, custodyerr.ErrCounterExhausted)
	}
	current++
	m.counters[label] = current
	return current, nil
}

// EncodeCounter renders a counter value as the 8 big-endian bytes the
// storage model specifies.
func EncodeCounter(value uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, value)
	return buf
}
