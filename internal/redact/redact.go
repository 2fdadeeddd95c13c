// Package redact provides a wrapper type for values that must never reach a
// log line or an error string in plaintext, such as the secret module PIN.
package redact

// Secret wraps a string so that accidental use in fmt/log formatting prints a
// fixed placeholder instead of the value. Callers that genuinely need the
// plaintext use Reveal explicitly.
type Secret string

// String implements fmt.Stringer.
func (Secret) String() string { return "[redacted]" }

// GoString implements fmt.GoStringer so that %#v also redacts.
func (Secret) GoString() string { return "[redacted]" }

// Reveal returns the underlying plaintext value. Callers should use it only
// at the point the value is actually handed to the secret module, never to
// build a log or error message.
func (s Secret) Reveal() string { return string(s) }
