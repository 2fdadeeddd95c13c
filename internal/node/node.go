// Package node wires the curve, secret module, nonce derivator, durable
// state, bulletin board, DKG, and signing packages into the operations one
// cobra command invokes at a time, in the teacher's style of a thin
// top-level type built entirely from already-tested package constructors
// (see coordinator.go's composition of gjkr/frost state into one driver).
package node

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/shardvault/custody/internal/board"
	"github.com/shardvault/custody/internal/config"
	"github.com/shardvault/custody/internal/dkg"
	"github.com/shardvault/custody/internal/identity"
	"github.com/shardvault/custody/internal/logging"
	"github.com/shardvault/custody/internal/nonce"
	"github.com/shardvault/custody/internal/secretmodule"
	"github.com/shardvault/custody/internal/signing"
	"github.com/shardvault/custody/internal/state"
)

const identityKeyLabel = "IDENTITY_KEY"

// Node bundles everything one invocation of custodyctl needs: the node's
// own identity, its secret module session, durable local state, and a
// bulletin-board client pointed at the configured transport.
type Node struct {
	cfg    config.Config
	log    logging.Logger
	state  *state.Store
	module *secretmodule.Module
	board  *board.Client
	ident  *identity.Identity
}

// Open logs into the secret module, opens local state, and constructs a
// board client from cfg.TransportEndpoint. It does not require the node to
// already be initialised; Init is the operation that provisions identity
// and the nonce master seed for the first time.
func Open(cfg config.Config, log logging.Logger) (*Node, error) {
	mode := secretmodule.Production
	if cfg.OperationMode == config.Demo {
		mode = secretmodule.Demo
	}
	module := secretmodule.New(mode)
	if err := module.Login(cfg.SecretModulePIN.Reveal()); err != nil {
		return nil, fmt.Errorf("node: secret module login: %w", err)
	}

	boardClient, err := buildBoardClient(cfg.TransportEndpoint)
	if err != nil {
		module.Logout()
		return nil, err
	}

	n := &Node{
		cfg:    cfg,
		log:    log.With("node_id", cfg.NodeID),
		state:  state.Open(filepath.Join(cfg.DataDir, "state.json")),
		module: module,
		board:  boardClient,
	}

	// IDENTITY_KEY is non-extractable in Production; UseValue hands the PEM
	// to this closure without the module's Read path (which Production
	// mode refuses outright) ever being invoked.
	if exists, err := module.Exists(identityKeyLabel); err != nil {
		module.Logout()
		return nil, err
	} else if exists {
		var parseErr error
		useErr := module.UseValue(identityKeyLabel, func(pem []byte) error {
			key, err := identity.ParsePrivateKeyPKCS1PEM(pem)
			if err != nil {
				parseErr = err
				return nil
			}
			n.ident = identity.FromPrivateKey(cfg.NodeID, key)
			return nil
		})
		if useErr != nil {
			module.Logout()
			return nil, fmt.Errorf("node: load identity key: %w", useErr)
		}
		if parseErr != nil {
			module.Logout()
			return nil, fmt.Errorf("node: parse stored identity key: %w", parseErr)
		}
	}

	return n, nil
}

// Close releases the secret module session. Callers should defer it after
// a successful Open.
func (n *Node) Close() {
	n.module.Logout()
}

func buildBoardClient(endpoint string) (*board.Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("node: parse transport_endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "file", "":
		return board.New(board.NewLocalTransport(strings.TrimPrefix(endpoint, "file://"))), nil
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("node: load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		prefix := strings.TrimPrefix(u.Path, "/")
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		return board.New(board.NewS3Transport(client, u.Host, prefix)), nil
	default:
		return nil, fmt.Errorf("node: unsupported transport_endpoint scheme %q", u.Scheme)
	}
}

// Init provisions this node for the first time: generates an identity
// keypair if one isn't already stored, seeds NONCE_MASTER_SEED, and marks
// local state initialised. Safe to call again; every step is idempotent.
func (n *Node) Init() error {
	if n.ident == nil {
		ident, err := identity.Generate()
		if err != nil {
			return fmt.Errorf("node: generate identity: %w", err)
		}
		ident.NodeID = n.cfg.NodeID
		if err := n.module.EnsureCreated(identityKeyLabel, ident.PrivateKeyPKCS1PEM()); err != nil {
			return fmt.Errorf("node: store identity key: %w", err)
		}
		n.ident = ident
	}

	if exists, err := n.module.Exists(nonce.MasterSeedLabel); err != nil {
		return err
	} else if !exists {
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return fmt.Errorf("node: generate nonce master seed: %w", err)
		}
		if err := n.module.Create(nonce.MasterSeedLabel, seed); err != nil {
			return fmt.Errorf("node: store nonce master seed: %w", err)
		}
	}

	if err := n.state.MarkInitialized(); err != nil {
		return err
	}
	n.log.Infow("node initialised")
	return nil
}

// PostIdentity publishes this node's public key document to the board.
func (n *Node) PostIdentity(ctx context.Context) error {
	if n.ident == nil {
		return fmt.Errorf("node: run init before posting identity")
	}
	doc, err := n.ident.ToDocument()
	if err != nil {
		return fmt.Errorf("node: build identity document: %w", err)
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("node: marshal identity document: %w", err)
	}
	if err := n.board.Post(ctx, "identity/"+n.cfg.NodeID, payload); err != nil {
		return err
	}
	if err := n.state.MarkIdentityPosted(); err != nil {
		return err
	}
	n.log.Infow("identity posted")
	return nil
}

func (n *Node) dkgEngine() *dkg.Engine {
	return dkg.New(n.cfg.NodeID, n.board, n.state, n.module, n.ident, n.log)
}

// DKGCommit runs ceremony phase 1 for roundID.
func (n *Node) DKGCommit(ctx context.Context, roundID string, threshold, total int) error {
	return n.dkgEngine().Commit(ctx, roundID, threshold, total)
}

// DKGDistribute runs ceremony phase 2 for roundID, resolving peer identity
// keys from the board.
func (n *Node) DKGDistribute(ctx context.Context, roundID string, total int) error {
	return n.dkgEngine().Distribute(ctx, roundID, total, n.resolvePublicKey)
}

// DKGFinalise runs ceremony phase 3 for roundID.
func (n *Node) DKGFinalise(ctx context.Context, roundID string, threshold int) error {
	return n.dkgEngine().Finalise(ctx, roundID, threshold)
}

// DKGStatus reports which of total declared participants have posted a
// commitment for roundID, how many never posted, and which posted but
// were disqualified by a verification-failure complaint.
func (n *Node) DKGStatus(ctx context.Context, roundID string, total int) (dkg.Bookkeeping, error) {
	return n.dkgEngine().Bookkeeping(ctx, roundID, total)
}

func (n *Node) resolvePublicKey(ctx context.Context, nodeID string) (*rsa.PublicKey, error) {
	raw, err := n.board.Read(ctx, "identity/"+nodeID)
	if err != nil {
		return nil, err
	}
	var doc identity.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("node: decode identity document for %s: %w", nodeID, err)
	}
	return identity.ParsePublicKeyPKIXPEM([]byte(doc.PublicKeyPEM))
}

func (n *Node) signingEngine(roundID string) *signing.Engine {
	return signing.New(n.cfg.NodeID, roundID, n.board, n.state, n.module, n.log)
}

// SignRequest posts a new signing request.
func (n *Node) SignRequest(ctx context.Context, requestID, message string, threshold int) error {
	return n.signingEngine("").Request(ctx, requestID, message, n.cfg.NodeID, threshold)
}

// SignApprove approves a pending signing request under the given DKG round.
func (n *Node) SignApprove(ctx context.Context, roundID, requestID string) error {
	return n.signingEngine(roundID).Approve(ctx, requestID)
}

// SignFinalise attempts to contribute this node's partial and combine.
func (n *Node) SignFinalise(ctx context.Context, roundID, requestID string) error {
	return n.signingEngine(roundID).Finalise(ctx, requestID)
}

// StateAudit cross-checks local state's nonce records against the secret
// module's own NONCE_DERIV_{counter} records.
func (n *Node) StateAudit() ([]state.Mismatch, error) {
	deriv := nonce.New(n.module)
	counter, err := n.module.CounterGet(nonce.CounterLabel)
	if err != nil {
		return nil, err
	}

	records := make(map[string]uint64)
	for c := uint64(1); c <= counter; c++ {
		if exists, err := n.module.Exists(nonce.DerivationLabel(c)); err != nil {
			return nil, err
		} else if !exists {
			continue
		}
		record, err := deriv.Record(c)
		if err != nil {
			return nil, err
		}
		records[record.RequestID] = c
	}
	return n.state.AuditAgainstModule(records)
}
