// Package custodyerr defines the error taxonomy from the core's error
// handling design: a fixed set of sentinel kinds that every fatal condition
// raised by the DKG and signing engines is tagged with, so callers can branch
// on errors.Is rather than parsing messages.
package custodyerr

import "errors"

// Sentinel error kinds. An error that belongs to one of these kinds wraps it
// with fmt.Errorf("...: %w", Kind) so that
// errors.Is(err, custodyerr.ErrNonceReuseAttempted) works regardless of how
// much context was layered on top.
var (
	// ErrNonceReuseAttempted is raised by the signing engine's approve
	// pre-checks when any of the three independent layers (local state,
	// secret module, board) already records a commitment for the request.
	ErrNonceReuseAttempted = errors.New("nonce reuse attempted")

	// ErrSecretExtractionForbidden is raised by the secret module in
	// production mode when an operation would return secret plaintext to
	// caller code.
	ErrSecretExtractionForbidden = errors.New("secret extraction forbidden in production mode")

	// ErrDKGVerificationFailed is raised when a received Feldman share
	// fails verification against its sender's commitments.
	ErrDKGVerificationFailed = errors.New("dkg share verification failed")

	// ErrSignatureVerificationFailed is raised when a combined signature,
	// or an individual partial, fails to verify.
	ErrSignatureVerificationFailed = errors.New("signature verification failed")

	// ErrParticipantMismatch is raised when threshold/total parameters
	// disagree across participants of a round.
	ErrParticipantMismatch = errors.New("participant parameters mismatch")

	// ErrNotInSession is raised, as a clean no-op, when a node finalising a
	// signing request is not among the locked session's participants.
	ErrNotInSession = errors.New("node is not part of the locked signing session")

	// ErrNotApproved is raised when a node attempts to finalise a request
	// it never approved.
	ErrNotApproved = errors.New("node has not approved this request")

	// ErrTransientTransport is raised by the bulletin-board client once its
	// conflict-retry budget is exhausted.
	ErrTransientTransport = errors.New("transient transport error")

	// ErrStateCorruption is raised by the durable state manager's audit
	// when its records disagree with the secret module's.
	ErrStateCorruption = errors.New("local state corruption detected")

	// ErrCounterExhausted is raised by the secret module when the
	// monotonic nonce counter cannot be incremented without wrapping.
	ErrCounterExhausted = errors.New("nonce counter exhausted")

	// ErrPostConflict is raised by the bulletin-board client's post when
	// path already holds content that differs from what is being posted.
	// Posting identical content to an existing path is idempotent and
	// does not raise this.
	ErrPostConflict = errors.New("board: path already exists with different content")
)
