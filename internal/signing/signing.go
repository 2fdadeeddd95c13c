// Package signing implements the threshold Schnorr signing engine: request,
// approve, and finalise, run by each node against the bulletin board. The
// challenge construction and partial-signature aggregation shape follow the
// group's frost.go (round1/round2/aggregate), generalised from FROST's
// per-participant binding factors to the single shared-challenge
// construction this custody scheme specifies, and the verification-before-
// combine discipline follows frost.Coordinator.Aggregate.
package signing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/shardvault/custody/internal/board"
	"github.com/shardvault/custody/internal/curve"
	"github.com/shardvault/custody/internal/custodyerr"
	"github.com/shardvault/custody/internal/dkg"
	"github.com/shardvault/custody/internal/logging"
	"github.com/shardvault/custody/internal/nonce"
	"github.com/shardvault/custody/internal/secretmodule"
	"github.com/shardvault/custody/internal/state"
)

// RequestDocument is the board payload at signing/{request_id}/request.json.
type RequestDocument struct {
	RequestID        string `json:"request_id"`
	Message          string `json:"message"`
	MessageDigestHex string `json:"message_digest_hex"`
	Requester        string `json:"requester"`
	Threshold        int    `json:"threshold"`
	CreatedAt        string `json:"created_at"`
}

// CommitmentDocument is the board payload at
// signing/{request_id}/commitments/{node_id}.json.
type CommitmentDocument struct {
	NodeID           string `json:"node_id"`
	RHex             string `json:"r_hex"`
	MessageDigestHex string `json:"message_digest_hex"`
	Counter          uint64 `json:"counter"`
	Timestamp        string `json:"timestamp"`
}

// SessionDocument is the board payload at
// signing/{request_id}/session.json.
type SessionDocument struct {
	Participants []string `json:"participants"`
	LockedBy     string   `json:"locked_by"`
	Timestamp    string   `json:"timestamp"`
}

// PartialDocument is the board payload at
// signing/{request_id}/partials/{node_id}.json.
type PartialDocument struct {
	NodeID    string `json:"node_id"`
	Partial   string `json:"partial"`
	Timestamp string `json:"timestamp"`
}

// ResultDocument is the board payload at signing/{request_id}/result.json.
type ResultDocument struct {
	RHex             string   `json:"r"`
	SHex             string   `json:"s"`
	Participants     []string `json:"participants"`
	MessageDigestHex string   `json:"message_digest_hex"`
}

func requestPath(requestID string) string { return fmt.Sprintf("signing/%s/request.json", requestID) }
func sessionPath(requestID string) string { return fmt.Sprintf("signing/%s/session.json", requestID) }
func resultPath(requestID string) string  { return fmt.Sprintf("signing/%s/result.json", requestID) }
func commitmentPath(requestID, nodeID string) string {
	return fmt.Sprintf("signing/%s/commitments/%s.json", requestID, nodeID)
}
func commitmentsPrefix(requestID string) string {
	return fmt.Sprintf("signing/%s/commitments/", requestID)
}
func partialPath(requestID, nodeID string) string {
	return fmt.Sprintf("signing/%s/partials/%s.json", requestID, nodeID)
}
func partialsPrefix(requestID string) string {
	return fmt.Sprintf("signing/%s/partials/", requestID)
}
func nonceCommitLabel(requestID string) string {
	return fmt.Sprintf("NONCE_COMMIT_%s", requestID)
}

// Engine drives one node's side of the signing protocol.
type Engine struct {
	nodeID  string
	roundID string // the DKG round this node's share belongs to
	board   *board.Client
	state   *state.Store
	module  *secretmodule.Module
	deriv   *nonce.Derivator
	log     logging.Logger
	nowFunc func() time.Time
}

// New builds a signing engine for nodeID, drawing its threshold share from
// the finalised DKG round roundID.
func New(nodeID, roundID string, boardClient *board.Client, stateStore *state.Store, module *secretmodule.Module, log logging.Logger) *Engine {
	return &Engine{
		nodeID:  nodeID,
		roundID: roundID,
		board:   boardClient,
		state:   stateStore,
		module:  module,
		deriv:   nonce.New(module),
		log:     log,
		nowFunc: time.Now,
	}
}

// Request posts a new signing request. request_id must be unique; a
// collision with any past or live request is rejected.
func (e *Engine) Request(ctx context.Context, requestID, message, requester string, threshold int) error {
	if exists, err := e.board.Exists(ctx, requestPath(requestID)); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("signing: request_id %q already exists on the board", requestID)
	}

	digest := sha256.Sum256([]byte(message))
	doc := RequestDocument{
		RequestID:        requestID,
		Message:          message,
		MessageDigestHex: fmt.Sprintf("%x", digest),
		Requester:        requester,
		Threshold:        threshold,
		CreatedAt:        e.nowFunc().UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("signing: marshal request document: %w", err)
	}
	return e.board.Post(ctx, requestPath(requestID), payload)
}

// Approve runs the triple-layer nonce-reuse pre-check, derives this node's
// per-request nonce, and posts its commitment, in the mandatory
// derive -> module-backup -> local-state -> board order.
func (e *Engine) Approve(ctx context.Context, requestID string) error {
	hasNonce, err := e.state.HasNonceFor(requestID)
	if err != nil {
		return err
	}
	if hasNonce {
		return fmt.Errorf("signing: local state already has a nonce for %q: %w", requestID, custodyerr.ErrNonceReuseAttempted)
	}

	if exists, err := e.module.Exists(nonceCommitLabel(requestID)); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("signing: secret module already has a nonce commit for %q: %w", requestID, custodyerr.ErrNonceReuseAttempted)
	}

	if exists, err := e.board.Exists(ctx, commitmentPath(requestID, e.nodeID)); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("signing: board already has our commitment for %q: %w", requestID, custodyerr.ErrNonceReuseAttempted)
	}

	raw, err := e.board.Read(ctx, requestPath(requestID))
	if err != nil {
		return fmt.Errorf("signing: read request %q: %w", requestID, err)
	}
	var reqDoc RequestDocument
	if err := json.Unmarshal(raw, &reqDoc); err != nil {
		return fmt.Errorf("signing: decode request %q: %w", requestID, err)
	}
	digest, err := decodeDigest(reqDoc.MessageDigestHex)
	if err != nil {
		return err
	}

	k, rHex, counter, err := e.deriv.Derive(requestID, digest)
	if err != nil {
		return fmt.Errorf("signing: derive nonce: %w", err)
	}
	_ = k // k is never persisted outside the module; re-derived on demand at finalise.

	if err := e.module.Create(nonceCommitLabel(requestID), []byte(rHex)); err != nil {
		return fmt.Errorf("signing: backup nonce commit to module: %w", err)
	}

	if err := e.state.RecordNonce(requestID, state.NonceRecord{
		Counter:          counter,
		RHex:             rHex,
		MessageDigestHex: reqDoc.MessageDigestHex,
	}); err != nil {
		return fmt.Errorf("signing: record nonce in local state: %w", err)
	}

	commitDoc := CommitmentDocument{
		NodeID:           e.nodeID,
		RHex:             rHex,
		MessageDigestHex: reqDoc.MessageDigestHex,
		Counter:          counter,
		Timestamp:        e.nowFunc().UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(commitDoc)
	if err != nil {
		return fmt.Errorf("signing: marshal commitment: %w", err)
	}
	return e.board.Post(ctx, commitmentPath(requestID, e.nodeID), payload)
}

// commitmentsByTimestamp reads every posted commitment for requestID,
// sorted by (timestamp, node_id) ascending, the ordering session-lock
// participant selection uses. A node_id that appears in more than one
// document keeps only its first entry in that order.
func (e *Engine) commitmentsByTimestamp(ctx context.Context, requestID string) ([]CommitmentDocument, error) {
	paths, err := e.board.List(ctx, commitmentsPrefix(requestID))
	if err != nil {
		return nil, err
	}
	docs := make([]CommitmentDocument, 0, len(paths))
	for _, p := range paths {
		raw, err := e.board.Read(ctx, p)
		if err != nil {
			return nil, err
		}
		var doc CommitmentDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("signing: decode commitment %s: %w", p, err)
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Timestamp != docs[j].Timestamp {
			return docs[i].Timestamp < docs[j].Timestamp
		}
		return docs[i].NodeID < docs[j].NodeID
	})
	seen := make(map[string]bool, len(docs))
	deduped := docs[:0]
	for _, d := range docs {
		if seen[d.NodeID] {
			continue
		}
		seen[d.NodeID] = true
		deduped = append(deduped, d)
	}
	return deduped, nil
}

// Finalise acquires (or reads) the session lock, computes this node's
// partial signature if it is a session participant, posts it, and attempts
// to combine once enough partials exist.
func (e *Engine) Finalise(ctx context.Context, requestID string) error {
	if exists, err := e.board.Exists(ctx, resultPath(requestID)); err != nil {
		return err
	} else if exists {
		// A combined request takes no further writes, but a node outside the
		// locked session is still told it is not part of it.
		if raw, err := e.board.Read(ctx, sessionPath(requestID)); err == nil {
			var session SessionDocument
			if json.Unmarshal(raw, &session) == nil && !containsString(session.Participants, e.nodeID) {
				return fmt.Errorf("signing: %w", custodyerr.ErrNotInSession)
			}
		}
		e.log.Infow("signing finalise: request already combined, ignoring", "request_id", requestID)
		return nil
	}

	commitDocs, err := e.commitmentsByTimestamp(ctx, requestID)
	if err != nil {
		return err
	}

	if _, ok := findByNodeID(commitDocs, e.nodeID); !ok {
		return fmt.Errorf("signing: %w", custodyerr.ErrNotApproved)
	}

	reqRaw, err := e.board.Read(ctx, requestPath(requestID))
	if err != nil {
		return err
	}
	var reqDoc RequestDocument
	if err := json.Unmarshal(reqRaw, &reqDoc); err != nil {
		return fmt.Errorf("signing: decode request %q: %w", requestID, err)
	}

	session, err := e.acquireOrReadSession(ctx, requestID, reqDoc.Threshold, commitDocs)
	if err != nil {
		return err
	}

	if !containsString(session.Participants, e.nodeID) {
		e.log.Infow("signing finalise: not part of the locked session", "request_id", requestID)
		return fmt.Errorf("signing: %w", custodyerr.ErrNotInSession)
	}

	if posted, err := e.board.Exists(ctx, partialPath(requestID, e.nodeID)); err != nil {
		return err
	} else if !posted {
		if err := e.postPartial(ctx, requestID, reqDoc, session, commitDocs); err != nil {
			return err
		}
	}

	return e.attemptCombine(ctx, requestID, reqDoc, session, commitDocs)
}

func (e *Engine) acquireOrReadSession(ctx context.Context, requestID string, threshold int, commitDocs []CommitmentDocument) (SessionDocument, error) {
	if len(commitDocs) >= threshold {
		participants := make([]string, threshold)
		for i := 0; i < threshold; i++ {
			participants[i] = commitDocs[i].NodeID
		}
		proposed := SessionDocument{
			Participants: participants,
			LockedBy:     e.nodeID,
			Timestamp:    e.nowFunc().UTC().Format(time.RFC3339Nano),
		}
		payload, err := json.Marshal(proposed)
		if err != nil {
			return SessionDocument{}, fmt.Errorf("signing: marshal session: %w", err)
		}
		won, err := e.board.PostFirstWriteWins(ctx, sessionPath(requestID), payload)
		if err != nil {
			return SessionDocument{}, err
		}
		if won {
			return proposed, nil
		}
	}

	raw, err := e.board.Read(ctx, sessionPath(requestID))
	if err != nil {
		return SessionDocument{}, fmt.Errorf("signing: read session %q: %w", requestID, err)
	}
	var session SessionDocument
	if err := json.Unmarshal(raw, &session); err != nil {
		return SessionDocument{}, fmt.Errorf("signing: decode session %q: %w", requestID, err)
	}
	return session, nil
}

func (e *Engine) postPartial(ctx context.Context, requestID string, reqDoc RequestDocument, session SessionDocument, commitDocs []CommitmentDocument) error {
	record, err := e.localNonceRecord(requestID)
	if err != nil {
		return err
	}

	digest, err := decodeDigest(reqDoc.MessageDigestHex)
	if err != nil {
		return err
	}
	// k is re-derived on demand from the counter already recorded at
	// approve time and never persisted across this function.
	k, err := e.deriv.Recompute(record.Counter, requestID, digest)
	if err != nil {
		return fmt.Errorf("signing: re-derive nonce for partial: %w", err)
	}

	rSum, err := sumParticipantR(session.Participants, commitDocs)
	if err != nil {
		return err
	}

	groupKeyHex, err := e.groupPublicKeyHex()
	if err != nil {
		return err
	}
	groupKey, err := curve.DecompressHex(groupKeyHex)
	if err != nil {
		return fmt.Errorf("signing: decode group public key: %w", err)
	}

	challenge, err := computeChallenge(rSum, groupKey, reqDoc.Message)
	if err != nil {
		return err
	}

	indexesByNode, err := resolveIndexes(ctx, e.board, e.roundID, session.Participants)
	if err != nil {
		return err
	}
	selfIndex := indexesByNode[e.nodeID]
	lambda, err := curve.LagrangeCoefficient(selfIndex, indexValues(indexesByNode))
	if err != nil {
		return fmt.Errorf("signing: lagrange coefficient: %w", err)
	}

	partial, err := e.combinePartial(challenge, lambda, k)
	if err != nil {
		return err
	}

	doc := PartialDocument{
		NodeID:    e.nodeID,
		Partial:   fmt.Sprintf("%064x", partial),
		Timestamp: e.nowFunc().UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("signing: marshal partial: %w", err)
	}
	return e.board.Post(ctx, partialPath(requestID, e.nodeID), payload)
}

// resolveIndexes maps each signing-session participant to its 1-based DKG
// index, derived from the full participant set the DKG round committed
// under, not the (generally smaller) signing session.
func resolveIndexes(ctx context.Context, boardClient *board.Client, roundID string, participants []string) (map[string]int, error) {
	dkgParticipants, err := dkg.ParticipantsForRound(ctx, boardClient, roundID)
	if err != nil {
		return nil, err
	}
	indexes := make(map[string]int, len(participants))
	for _, p := range participants {
		idx, err := dkg.Index(p, dkgParticipants)
		if err != nil {
			return nil, err
		}
		indexes[p] = idx
	}
	return indexes, nil
}

func indexValues(indexesByNode map[string]int) []int {
	values := make([]int, 0, len(indexesByNode))
	for _, idx := range indexesByNode {
		values = append(values, idx)
	}
	return values
}

func (e *Engine) attemptCombine(ctx context.Context, requestID string, reqDoc RequestDocument, session SessionDocument, commitDocs []CommitmentDocument) error {
	if exists, err := e.board.Exists(ctx, resultPath(requestID)); err != nil {
		return err
	} else if exists {
		return nil
	}

	paths, err := e.board.List(ctx, partialsPrefix(requestID))
	if err != nil {
		return err
	}
	if len(paths) < len(session.Participants) {
		return nil
	}

	rSum, err := sumParticipantR(session.Participants, commitDocs)
	if err != nil {
		return err
	}
	groupKeyHex, err := e.groupPublicKeyHex()
	if err != nil {
		return err
	}
	groupKey, err := curve.DecompressHex(groupKeyHex)
	if err != nil {
		return fmt.Errorf("signing: decode group public key: %w", err)
	}
	challenge, err := computeChallenge(rSum, groupKey, reqDoc.Message)
	if err != nil {
		return err
	}

	indexesByNode, err := resolveIndexes(ctx, e.board, e.roundID, session.Participants)
	if err != nil {
		return err
	}

	s := big.NewInt(0)
	seen := make(map[string]bool, len(session.Participants))
	for _, p := range paths {
		raw, err := e.board.Read(ctx, p)
		if err != nil {
			return err
		}
		var doc PartialDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("signing: decode partial %s: %w", p, err)
		}
		if !containsString(session.Participants, doc.NodeID) {
			continue
		}
		// The board is untrusted but not byzantine-tolerant: a participant
		// posting more than one partial has its first one win.
		if seen[doc.NodeID] {
			continue
		}
		seen[doc.NodeID] = true

		value, ok := new(big.Int).SetString(doc.Partial, 16)
		if !ok {
			return fmt.Errorf("signing: malformed partial hex from %s", doc.NodeID)
		}

		if err := verifyPartial(ctx, e.board, e.roundID, doc.NodeID, value, challenge, commitDocs, indexesByNode); err != nil {
			return fmt.Errorf("signing: partial from %s: %w", doc.NodeID, err)
		}

		s.Add(s, value)
		s.Mod(s, curve.Order())
	}

	lhs := curve.ScalarBaseMul(s)
	rhs := curve.Add(rSum, curve.ScalarMul(groupKey, challenge))
	if !lhs.Equal(rhs) {
		return fmt.Errorf("signing: %w", custodyerr.ErrSignatureVerificationFailed)
	}

	rHex, err := curve.CompressHex(rSum)
	if err != nil {
		return err
	}
	result := ResultDocument{
		RHex:             rHex,
		SHex:             fmt.Sprintf("%064x", s),
		Participants:     session.Participants,
		MessageDigestHex: reqDoc.MessageDigestHex,
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("signing: marshal result: %w", err)
	}
	won, err := e.board.PostFirstWriteWins(ctx, resultPath(requestID), payload)
	if err != nil {
		return err
	}
	if !won {
		e.log.Infow("signing: another node combined first", "request_id", requestID)
	}
	return nil
}

// verifyPartial checks an individual contributor's partial signature
// against its own public share before it is folded into the aggregate,
// isolating which participant contributed a bad value rather than only
// detecting a bad sum.
func verifyPartial(ctx context.Context, boardClient *board.Client, roundID, nodeID string, partial, challenge *big.Int, commitDocs []CommitmentDocument, indexesByNode map[string]int) error {
	commit, ok := findByNodeID(commitDocs, nodeID)
	if !ok {
		return fmt.Errorf("missing commitment for %s", nodeID)
	}
	r, err := curve.DecompressHex(commit.RHex)
	if err != nil {
		return fmt.Errorf("decode R for %s: %w", nodeID, err)
	}

	index := indexesByNode[nodeID]
	indexSet := indexValues(indexesByNode)
	lambda, err := curve.LagrangeCoefficient(index, indexSet)
	if err != nil {
		return fmt.Errorf("lagrange coefficient for %s: %w", nodeID, err)
	}

	publicShare, err := dkg.PublicShare(ctx, boardClient, roundID, index)
	if err != nil {
		return fmt.Errorf("recompute public share for %s: %w", nodeID, err)
	}

	lhs := curve.ScalarBaseMul(partial)
	exponent := new(big.Int).Mul(challenge, lambda)
	exponent.Mod(exponent, curve.Order())
	rhs := curve.Add(r, curve.ScalarMul(publicShare, exponent))
	if !lhs.Equal(rhs) {
		return fmt.Errorf("%w", custodyerr.ErrSignatureVerificationFailed)
	}
	return nil
}

func (e *Engine) localNonceRecord(requestID string) (state.NonceRecord, error) {
	doc, err := e.state.Read()
	if err != nil {
		return state.NonceRecord{}, err
	}
	record, ok := doc.Nonces[requestID]
	if !ok {
		return state.NonceRecord{}, fmt.Errorf("signing: no local nonce record for %q", requestID)
	}
	return record, nil
}

func (e *Engine) groupPublicKeyHex() (string, error) {
	doc, err := e.state.Read()
	if err != nil {
		return "", err
	}
	round, ok := doc.Rounds[e.roundID]
	if !ok || round.GroupPublicKeyHex == "" {
		return "", fmt.Errorf("signing: no finalised group public key for round %q", e.roundID)
	}
	return round.GroupPublicKeyHex, nil
}

const dkgShareLabelPrefix = "DKG_SHARE_"

// combinePartial computes s_i = k + lambda*e*share without the share value
// ever leaving the module, the way nonce derivation never hands k back to
// a caller that isn't this process's own signing step.
func (e *Engine) combinePartial(challenge, lambda, k *big.Int) (*big.Int, error) {
	var partial *big.Int
	err := e.module.UseValue(dkgShareLabelPrefix+e.roundID, func(raw []byte) error {
		share := new(big.Int).SetBytes(raw)
		partial = new(big.Int).Mul(challenge, lambda)
		partial.Mul(partial, share)
		partial.Add(partial, k)
		partial.Mod(partial, curve.Order())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("signing: combine partial: %w", err)
	}
	return partial, nil
}

// computeChallenge implements e = SHA-256(R_compressed || Y_compressed ||
// message) mod n, deliberately NOT BIP-340's tagged hash.
func computeChallenge(r, y curve.Point, message string) (*big.Int, error) {
	rBytes, err := curve.Compress(r)
	if err != nil {
		return nil, fmt.Errorf("signing: compress R: %w", err)
	}
	yBytes, err := curve.Compress(y)
	if err != nil {
		return nil, fmt.Errorf("signing: compress Y: %w", err)
	}
	h := sha256.New()
	h.Write(rBytes)
	h.Write(yBytes)
	h.Write([]byte(message))
	digest := h.Sum(nil)
	return curve.ScalarFromBytes(digest), nil
}

func sumParticipantR(participants []string, commitDocs []CommitmentDocument) (curve.Point, error) {
	sum := curve.Identity()
	for _, p := range participants {
		doc, ok := findByNodeID(commitDocs, p)
		if !ok {
			return curve.Point{}, fmt.Errorf("signing: missing commitment for session participant %q", p)
		}
		r, err := curve.DecompressHex(doc.RHex)
		if err != nil {
			return curve.Point{}, fmt.Errorf("signing: decode R for %q: %w", p, err)
		}
		sum = curve.Add(sum, r)
	}
	return sum, nil
}

func findByNodeID(docs []CommitmentDocument, nodeID string) (CommitmentDocument, bool) {
	for _, d := range docs {
		if d.NodeID == nodeID {
			return d, true
		}
	}
	return CommitmentDocument{}, false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func decodeDigest(hexStr string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return out, fmt.Errorf("signing: malformed message digest hex: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("signing: message digest must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
