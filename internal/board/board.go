// Package board implements the bulletin-board client: an abstract
// key-value transport of string paths to opaque byte blobs, with a
// conflict-retry loop around pull/push, layered over pluggable transport
// backends. The retry shape (pull, re-apply pending writes, push, bounded
// attempts) mirrors how drand's relay-s3 command retries a failed upload on
// a timer instead of giving up, generalised here into a bounded,
// synchronous retry since the board is read by the caller between retries
// rather than watched on a channel: every attempt pulls the transport's
// working copy forward before re-applying the pending write and pushing,
// so a transport that does keep a local copy separate from the shared
// remote (unlike the two transports this package ships) rebases cleanly.
package board

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/shardvault/custody/internal/custodyerr"
)

// Transport is the minimal interface a bulletin-board backend must provide.
// Every path is an opaque string key; Get/Put/PutIfAbsent operate on
// individual blobs, List enumerates everything under a prefix.
type Transport interface {
	// Get fetches the blob at path. It returns an error satisfying
	// os.IsNotExist-like semantics via ErrNotFound when absent.
	Get(ctx context.Context, path string) ([]byte, error)
	// Put writes a blob at path, unconditionally overwriting any existing
	// value.
	Put(ctx context.Context, path string, value []byte) error
	// PutIfAbsent writes a blob at path only if nothing exists there yet,
	// atomically from the perspective of concurrent writers. It reports
	// ErrAlreadyExists if the path is already populated.
	PutIfAbsent(ctx context.Context, path string, value []byte) error
	// List enumerates every path with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Pull refreshes this transport's local working copy from the shared
	// remote. Transports that write straight through to the remote, as
	// both LocalTransport and S3Transport do, have no separate working
	// copy to refresh and implement this as a no-op.
	Pull(ctx context.Context) error
	// Push publishes this transport's pending local writes to the shared
	// remote. As with Pull, a no-op for a write-through transport.
	Push(ctx context.Context) error
}

// ErrNotFound is returned by Transport.Get when path has no blob.
var ErrNotFound = fmt.Errorf("board: path not found")

// ErrAlreadyExists is returned by Transport.PutIfAbsent when path is
// already populated.
var ErrAlreadyExists = fmt.Errorf("board: path already exists")

// Client wraps a Transport with the bounded pull-rebase-push retry
// discipline spec.md's board client requires.
type Client struct {
	transport  Transport
	maxRetries int
}

// DefaultMaxRetries is the reference retry budget before giving up with
// ErrTransientTransport.
const DefaultMaxRetries = 3

// New builds a Client over transport with the reference retry budget.
func New(transport Transport) *Client {
	return &Client{transport: transport, maxRetries: DefaultMaxRetries}
}

// WithMaxRetries overrides the retry budget, mainly for tests.
func (c *Client) WithMaxRetries(n int) *Client {
	c.maxRetries = n
	return c
}

// Read pulls the transport's working copy forward, then fetches a single
// blob, so a caller always observes the latest remote state rather than
// whatever a transport with its own cache last happened to hold.
func (c *Client) Read(ctx context.Context, path string) ([]byte, error) {
	if err := c.transport.Pull(ctx); err != nil {
		return nil, fmt.Errorf("board: pull: %w", err)
	}
	return c.transport.Get(ctx, path)
}

// Exists reports whether path has a blob, treating ErrNotFound as false
// rather than propagating it.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	_, err := c.Read(ctx, path)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// List enumerates blobs under prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	return c.transport.List(ctx, prefix)
}

// Sync pulls the working copy forward with nothing pending to push; a
// no-op when the remote is empty.
func (c *Client) Sync(ctx context.Context) error {
	return c.transport.Pull(ctx)
}

// Post writes path, refusing when it already holds different content.
// Posting the same content to an existing path is idempotent. Transient
// transport failures are retried up to the retry budget.
func (c *Client) Post(ctx context.Context, path string, value []byte) error {
	return c.withRetry(ctx, func() error {
		putErr := c.transport.PutIfAbsent(ctx, path, value)
		if putErr == nil {
			return nil
		}
		if !isAlreadyExists(putErr) {
			return putErr
		}
		existing, getErr := c.transport.Get(ctx, path)
		if getErr != nil {
			return getErr
		}
		if bytes.Equal(existing, value) {
			return nil
		}
		return fmt.Errorf("%w: %s", custodyerr.ErrPostConflict, path)
	})
}

// PostFirstWriteWins writes path only if absent, used for session locks and
// signing results where the board itself is the total-order witness. It
// returns (won=true) if this call created the blob, or (won=false, nil) if
// another writer won the race — the caller should then read the existing
// value rather than treat this as an error.
func (c *Client) PostFirstWriteWins(ctx context.Context, path string, value []byte) (won bool, err error) {
	err = c.withRetry(ctx, func() error {
		putErr := c.transport.PutIfAbsent(ctx, path, value)
		if putErr == nil {
			won = true
			return nil
		}
		if isAlreadyExists(putErr) {
			won = false
			return nil
		}
		return putErr
	})
	return won, err
}

// withRetry runs op, retrying up to maxRetries times on transient transport
// errors before giving up with ErrTransientTransport. Each attempt pulls
// the working copy forward before op re-applies the pending write, and
// pushes it back out once op succeeds. Verification and logic errors
// returned by op are never retried.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	attempts := c.maxRetries
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.transport.Pull(ctx); err != nil {
			return fmt.Errorf("board: pull: %w", err)
		}
		err := op()
		if err == nil {
			if err := c.transport.Push(ctx); err != nil {
				return fmt.Errorf("board: push: %w", err)
			}
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("board: giving up after %d attempts: %w: %v", attempts, custodyerr.ErrTransientTransport, lastErr)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func isAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// isTransient decides whether an error from a transport operation should be
// retried. ErrNotFound, ErrAlreadyExists, and ErrPostConflict are logical
// outcomes, not transport faults, so they are excluded; everything else
// coming out of a Transport implementation is presumed to be a
// connectivity or contention fault worth retrying.
func isTransient(err error) bool {
	return !isNotFound(err) && !isAlreadyExists(err) && !errors.Is(err, custodyerr.ErrPostConflict)
}
