// Package dkg implements the Feldman verifiable secret sharing ceremony:
// commit, distribute, and finalise phases run by each node against the
// bulletin board. The phase structure and per-member bookkeeping (index
// assignment, deduplication by sender, inactive-vs-disqualified member
// tracking via Bookkeeping/RoundBookkeeping) is adapted from the group's
// gjkr package, generalised from an in-memory, single-process member list
// to a board-mediated, multi-process ceremony where node_id strings stand
// in for the gjkr package's integer memberIndex.
package dkg

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shardvault/custody/internal/board"
	"github.com/shardvault/custody/internal/curve"
	"github.com/shardvault/custody/internal/custodyerr"
	"github.com/shardvault/custody/internal/identity"
	"github.com/shardvault/custody/internal/logging"
	"github.com/shardvault/custody/internal/secretmodule"
	"github.com/shardvault/custody/internal/state"
)

// CommitmentDocument is the board payload at
// dkg/{round_id}/commitments/{node_id}.json.
type CommitmentDocument struct {
	NodeID      string   `json:"node_id"`
	RoundID     string   `json:"round_id"`
	Commitments []string `json:"commitments"`
	Threshold   int      `json:"threshold"`
	Total       int      `json:"total"`
	Timestamp   string   `json:"timestamp"`
}

// ComplaintDocument is the board payload at
// dkg/{round_id}/complaints/{accuser}_vs_{accused}.json.
type ComplaintDocument struct {
	Accuser   string `json:"accuser"`
	Accused   string `json:"accused"`
	RoundID   string `json:"round_id"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// Engine drives one node's side of the DKG ceremony for a single round.
type Engine struct {
	nodeID  string
	board   *board.Client
	state   *state.Store
	module  *secretmodule.Module
	id      *identity.Identity
	log     logging.Logger
	nowFunc func() time.Time
}

// New builds a DKG engine for nodeID.
func New(nodeID string, boardClient *board.Client, stateStore *state.Store, module *secretmodule.Module, id *identity.Identity, log logging.Logger) *Engine {
	return &Engine{
		nodeID:  nodeID,
		board:   boardClient,
		state:   stateStore,
		module:  module,
		id:      id,
		log:     log,
		nowFunc: time.Now,
	}
}

func coeffsLabel(roundID string) string { return fmt.Sprintf("DKG_COEFFS_%s", roundID) }
func shareLabel(roundID string) string  { return fmt.Sprintf("DKG_SHARE_%s", roundID) }

func commitmentsPath(roundID, nodeID string) string {
	return fmt.Sprintf("dkg/%s/commitments/%s.json", roundID, nodeID)
}
func commitmentsPrefix(roundID string) string {
	return fmt.Sprintf("dkg/%s/commitments/", roundID)
}
func sharePath(roundID, from, to string) string {
	return fmt.Sprintf("dkg/%s/shares/%s_to_%s.enc", roundID, from, to)
}
func complaintPath(roundID, accuser, accused string) string {
	return fmt.Sprintf("dkg/%s/complaints/%s_vs_%s.json", roundID, accuser, accused)
}

// encodedCoeffs is the serialisation of a sampled polynomial persisted to
// the secret module so a crash between phases is recoverable.
type encodedCoeffs struct {
	Coefficients []string `json:"coefficients"` // hex-encoded big-endian scalars
}

// Commit runs Phase 1: sample coefficients, publish commitments, persist
// the coefficients (ephemerally) in the secret module.
func (e *Engine) Commit(ctx context.Context, roundID string, threshold, total int) error {
	doc, err := e.state.Read()
	if err != nil {
		return err
	}
	if !doc.Initialized || !doc.IdentityPosted {
		return fmt.Errorf("dkg: node must be initialised and identity posted before commit")
	}
	if existing := doc.Rounds[roundID]; existing.Phase != "" && existing.Phase != state.PhaseIdle {
		e.log.Infow("dkg commit already run, skipping", "round_id", roundID, "phase", existing.Phase)
		return nil
	}

	if exists, err := e.board.Exists(ctx, commitmentsPath(roundID, e.nodeID)); err != nil {
		return err
	} else if exists {
		return e.state.SetRoundPhase(roundID, state.PhaseCommitted)
	}

	coeffs := make([]*big.Int, threshold)
	for i := 0; i < threshold; i++ {
		c, err := curve.RandomScalar()
		if err != nil {
			return fmt.Errorf("dkg: sample coefficient: %w", err)
		}
		coeffs[i] = c
	}

	if err := e.persistCoeffs(roundID, coeffs); err != nil {
		return err
	}

	commitments := make([]string, threshold)
	for i, c := range coeffs {
		point := curve.ScalarBaseMul(c)
		hex, err := curve.CompressHex(point)
		if err != nil {
			return fmt.Errorf("dkg: compress commitment: %w", err)
		}
		commitments[i] = hex
	}

	payload, err := json.Marshal(CommitmentDocument{
		NodeID:      e.nodeID,
		RoundID:     roundID,
		Commitments: commitments,
		Threshold:   threshold,
		Total:       total,
		Timestamp:   e.nowFunc().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("dkg: marshal commitment document: %w", err)
	}

	if err := e.board.Post(ctx, commitmentsPath(roundID, e.nodeID), payload); err != nil {
		return err
	}

	return e.state.SetRoundPhase(roundID, state.PhaseCommitted)
}

func (e *Engine) persistCoeffs(roundID string, coeffs []*big.Int) error {
	encoded := encodedCoeffs{Coefficients: make([]string, len(coeffs))}
	for i, c := range coeffs {
		encoded.Coefficients[i] = fmt.Sprintf("%064x", c)
	}
	payload, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("dkg: marshal coefficients: %w", err)
	}
	if err := e.module.Replace(coeffsLabel(roundID), payload); err != nil {
		return fmt.Errorf("dkg: persist coefficients: %w", err)
	}
	return nil
}

func (e *Engine) loadCoeffs(roundID string) ([]*big.Int, error) {
	var encoded encodedCoeffs
	if err := e.module.UseValue(coeffsLabel(roundID), func(raw []byte) error {
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return fmt.Errorf("dkg: decode coefficients: %w", err)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("dkg: load coefficients: %w", err)
	}
	coeffs := make([]*big.Int, len(encoded.Coefficients))
	for i, h := range encoded.Coefficients {
		c, ok := new(big.Int).SetString(h, 16)
		if !ok {
			return nil, fmt.Errorf("dkg: malformed coefficient hex %q", h)
		}
		coeffs[i] = c
	}
	return coeffs, nil
}

// participants returns the sorted list of node_ids that have posted
// commitments for roundID.
func (e *Engine) participants(ctx context.Context, roundID string) ([]string, error) {
	return ParticipantsForRound(ctx, e.board, roundID)
}

// ParticipantsForRound returns the sorted list of node_ids that have posted
// commitments for roundID, the same set Index assigns positions over. A
// node_id named by more than one commitment document is listed once. It is
// exported so the signing engine can recover a node's DKG index without
// depending on a live Engine.
func ParticipantsForRound(ctx context.Context, boardClient *board.Client, roundID string) ([]string, error) {
	paths, err := boardClient.List(ctx, commitmentsPrefix(roundID))
	if err != nil {
		return nil, err
	}
	nodeIDs := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		var doc CommitmentDocument
		raw, err := boardClient.Read(ctx, p)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("dkg: decode commitment document %s: %w", p, err)
		}
		if seen[doc.NodeID] {
			continue
		}
		seen[doc.NodeID] = true
		nodeIDs = append(nodeIDs, doc.NodeID)
	}
	sort.Strings(nodeIDs)
	return nodeIDs, nil
}

// Index returns the 1-based position of nodeID within the sorted
// participant set, the convention index(j) in the ceremony's polynomial
// evaluation.
func Index(nodeID string, participants []string) (int, error) {
	for i, id := range participants {
		if id == nodeID {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("dkg: node %q is not a declared participant", nodeID)
}

// Bookkeeping is one round's member standing: which of total declared
// participants have posted a commitment (Posted), how many never posted
// at all (Inactive), and which posted but had a complaint filed against
// them for failing share verification (Disqualified). A member only ever
// appears in Disqualified after having posted, since a complaint names
// the sender of a share that failed verification against its own
// commitment.
type Bookkeeping struct {
	Posted       []string
	Inactive     int
	Disqualified []string
}

func complaintsPrefix(roundID string) string {
	return fmt.Sprintf("dkg/%s/complaints/", roundID)
}

// RoundBookkeeping reports member standing for roundID against a
// configured total of declared participants.
func RoundBookkeeping(ctx context.Context, boardClient *board.Client, roundID string, total int) (Bookkeeping, error) {
	posted, err := ParticipantsForRound(ctx, boardClient, roundID)
	if err != nil {
		return Bookkeeping{}, err
	}

	paths, err := boardClient.List(ctx, complaintsPrefix(roundID))
	if err != nil {
		return Bookkeeping{}, err
	}
	accused := make(map[string]bool)
	for _, p := range paths {
		raw, err := boardClient.Read(ctx, p)
		if err != nil {
			return Bookkeeping{}, err
		}
		var c ComplaintDocument
		if err := json.Unmarshal(raw, &c); err != nil {
			return Bookkeeping{}, fmt.Errorf("dkg: decode complaint %s: %w", p, err)
		}
		accused[c.Accused] = true
	}
	disqualified := make([]string, 0, len(accused))
	for id := range accused {
		disqualified = append(disqualified, id)
	}
	sort.Strings(disqualified)

	return Bookkeeping{
		Posted:       posted,
		Inactive:     total - len(posted),
		Disqualified: disqualified,
	}, nil
}

// Distribute runs Phase 2: once all n participants have committed, evaluate
// this node's polynomial at every participant's index and post encrypted
// shares.
func (e *Engine) Distribute(ctx context.Context, roundID string, total int, resolvePublicKey func(ctx context.Context, nodeID string) (*rsa.PublicKey, error)) error {
	doc, err := e.state.Read()
	if err != nil {
		return err
	}
	round := doc.Rounds[roundID]
	if round.Phase == state.PhaseDistributed || round.Phase == state.PhaseFinalized {
		e.log.Infow("dkg distribute already run, skipping", "round_id", roundID)
		return nil
	}
	if round.Phase != state.PhaseCommitted {
		return fmt.Errorf("dkg: cannot distribute before commit (phase is %q)", round.Phase)
	}

	participants, err := e.participants(ctx, roundID)
	if err != nil {
		return err
	}
	if len(participants) < total {
		book, bookErr := RoundBookkeeping(ctx, e.board, roundID, total)
		if bookErr != nil {
			return bookErr
		}
		e.log.Infow("dkg distribute pending: not all participants have committed",
			"round_id", roundID, "have", len(participants), "want", total,
			"inactive", book.Inactive, "disqualified", book.Disqualified)
		return nil
	}
	if len(participants) != total {
		return fmt.Errorf("dkg: %w: %d participants committed, expected %d", custodyerr.ErrParticipantMismatch, len(participants), total)
	}

	coeffs, err := e.loadCoeffs(roundID)
	if err != nil {
		return err
	}

	for _, other := range participants {
		idx, err := Index(other, participants)
		if err != nil {
			return err
		}
		share := curve.EvaluatePolynomial(coeffs, idx)

		path := sharePath(roundID, e.nodeID, other)
		if exists, err := e.board.Exists(ctx, path); err != nil {
			return err
		} else if exists {
			continue
		}

		recipientKey, err := resolvePublicKey(ctx, other)
		if err != nil {
			return fmt.Errorf("dkg: resolve identity for %s: %w", other, err)
		}

		var shareBytes [32]byte
		share.FillBytes(shareBytes[:])

		ciphertext, err := identity.EncryptShare(recipientKey, shareBytes[:])
		if err != nil {
			return fmt.Errorf("dkg: encrypt share for %s: %w", other, err)
		}

		if err := e.board.Post(ctx, path, ciphertext); err != nil {
			return err
		}
	}

	return e.state.SetRoundPhase(roundID, state.PhaseDistributed)
}

// Finalise runs Phase 3: wait for shares addressed to this node, decrypt,
// verify against the sender's commitments, sum into the final share, and
// persist the group public key.
func (e *Engine) Finalise(ctx context.Context, roundID string, threshold int) error {
	doc, err := e.state.Read()
	if err != nil {
		return err
	}
	round := doc.Rounds[roundID]
	if round.Phase == state.PhaseFinalized {
		e.log.Infow("dkg finalise already run, skipping", "round_id", roundID)
		return nil
	}
	if round.Phase != state.PhaseDistributed {
		return fmt.Errorf("dkg: cannot finalise before distribute (phase is %q)", round.Phase)
	}

	participants, err := e.participants(ctx, roundID)
	if err != nil {
		return err
	}
	selfIndex, err := Index(e.nodeID, participants)
	if err != nil {
		return err
	}

	// Each sender's commitment fetch and decode is independent board I/O;
	// fan them out and assemble the map only after every goroutine has
	// written its own slot, since concurrent map writes are not safe even
	// across distinct keys.
	fetched := make([][]curve.Point, len(participants))
	group, gctx := errgroup.WithContext(ctx)
	for i, sender := range participants {
		i, sender := i, sender
		group.Go(func() error {
			raw, err := e.board.Read(gctx, commitmentsPath(roundID, sender))
			if err != nil {
				return err
			}
			var cdoc CommitmentDocument
			if err := json.Unmarshal(raw, &cdoc); err != nil {
				return fmt.Errorf("dkg: decode commitments for %s: %w", sender, err)
			}
			if cdoc.Threshold != threshold {
				return fmt.Errorf("dkg: %w: %s declared threshold %d, expected %d", custodyerr.ErrParticipantMismatch, sender, cdoc.Threshold, threshold)
			}
			points := make([]curve.Point, len(cdoc.Commitments))
			for j, hex := range cdoc.Commitments {
				p, err := curve.DecompressHex(hex)
				if err != nil {
					return fmt.Errorf("dkg: decode commitment from %s: %w", sender, err)
				}
				points[j] = p
			}
			fetched[i] = points
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	commitmentsBySender := make(map[string][]curve.Point, len(participants))
	for i, sender := range participants {
		commitmentsBySender[sender] = fetched[i]
	}

	total := big.NewInt(0)
	for _, sender := range participants {
		path := sharePath(roundID, sender, e.nodeID)
		ciphertext, err := e.board.Read(ctx, path)
		if err != nil {
			return fmt.Errorf("dkg: waiting on share from %s: %w", sender, err)
		}
		plaintext, err := e.id.DecryptShare(ciphertext)
		if err != nil {
			return fmt.Errorf("dkg: decrypt share from %s: %w", sender, err)
		}
		share := new(big.Int).SetBytes(plaintext)

		lhs := curve.ScalarBaseMul(share)
		rhs := evaluateCommitmentSum(commitmentsBySender[sender], selfIndex)
		if !lhs.Equal(rhs) {
			complaint := ComplaintDocument{
				Accuser:   e.nodeID,
				Accused:   sender,
				RoundID:   roundID,
				Reason:    "share verification failed",
				Timestamp: e.nowFunc().UTC().Format(time.RFC3339Nano),
			}
			payload, merr := json.Marshal(complaint)
			if merr != nil {
				return fmt.Errorf("dkg: marshal complaint: %w", merr)
			}
			if perr := e.board.Post(ctx, complaintPath(roundID, e.nodeID, sender), payload); perr != nil {
				return perr
			}
			return fmt.Errorf("dkg: share from %s: %w", sender, custodyerr.ErrDKGVerificationFailed)
		}

		total.Add(total, share)
		total.Mod(total, curve.Order())
	}

	var shareBytes [32]byte
	total.FillBytes(shareBytes[:])
	if err := e.module.Replace(shareLabel(roundID), shareBytes[:]); err != nil {
		return fmt.Errorf("dkg: persist final share: %w", err)
	}

	groupKey := curve.Identity()
	for _, sender := range participants {
		groupKey = curve.Add(groupKey, commitmentsBySender[sender][0])
	}
	groupKeyHex, err := curve.CompressHex(groupKey)
	if err != nil {
		return fmt.Errorf("dkg: compress group public key: %w", err)
	}
	if err := e.state.SetGroupPublicKey(roundID, groupKeyHex); err != nil {
		return err
	}

	// DKG_COEFFS_{round_id} is ephemeral; wipe it now that the final share
	// has been computed and stored.
	if err := e.module.Replace(coeffsLabel(roundID), nil); err != nil {
		return fmt.Errorf("dkg: wipe coefficients: %w", err)
	}

	return e.state.SetRoundPhase(roundID, state.PhaseFinalized)
}

// Bookkeeping reports this engine's view of member standing for roundID
// against a configured total of declared participants.
func (e *Engine) Bookkeeping(ctx context.Context, roundID string, total int) (Bookkeeping, error) {
	return RoundBookkeeping(ctx, e.board, roundID, total)
}

// PublicShare recomputes participant index's public share Y_index = Σ_sender
// evaluateCommitmentSum(sender's commitments, index) from the commitments
// every round participant posted, letting a signing-session peer verify a
// node's partial signature against its own public share without that node
// ever exposing its private share.
func PublicShare(ctx context.Context, boardClient *board.Client, roundID string, index int) (curve.Point, error) {
	participants, err := ParticipantsForRound(ctx, boardClient, roundID)
	if err != nil {
		return curve.Point{}, err
	}

	share := curve.Identity()
	for _, sender := range participants {
		raw, err := boardClient.Read(ctx, commitmentsPath(roundID, sender))
		if err != nil {
			return curve.Point{}, err
		}
		var cdoc CommitmentDocument
		if err := json.Unmarshal(raw, &cdoc); err != nil {
			return curve.Point{}, fmt.Errorf("dkg: decode commitments for %s: %w", sender, err)
		}
		points := make([]curve.Point, len(cdoc.Commitments))
		for i, hex := range cdoc.Commitments {
			p, err := curve.DecompressHex(hex)
			if err != nil {
				return curve.Point{}, fmt.Errorf("dkg: decode commitment from %s: %w", sender, err)
			}
			points[i] = p
		}
		share = curve.Add(share, evaluateCommitmentSum(points, index))
	}
	return share, nil
}

// evaluateCommitmentSum computes Σ_k index^k · C_k for the verification
// equation s·G == Σ_k index(self)^k · C_{sender,k}.
func evaluateCommitmentSum(commitments []curve.Point, index int) curve.Point {
	sum := curve.Identity()
	power := big.NewInt(1)
	idx := big.NewInt(int64(index))
	for _, c := range commitments {
		sum = curve.Add(sum, curve.ScalarMul(c, power))
		power = new(big.Int).Mul(power, idx)
		power.Mod(power, curve.Order())
	}
	return sum
}
