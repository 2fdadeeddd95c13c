// Package identity manages the per-node RSA-2048 keypair used to authenticate
// a node to the rest of the group and to receive encrypted Feldman shares
// during distributed key generation.
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const rsaKeyBits = 2048

// Identity is a node's RSA keypair together with the node_id derived when it
// was generated.
type Identity struct {
	NodeID     string
	PrivateKey *rsa.PrivateKey
}

// Generate creates a fresh RSA-2048 identity with a random node_id.
func Generate() (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return &Identity{
		NodeID:     uuid.NewString(),
		PrivateKey: key,
	}, nil
}

// FromPrivateKey wraps an existing private key, for use when restoring an
// identity out of the secret module.
func FromPrivateKey(nodeID string, key *rsa.PrivateKey) *Identity {
	return &Identity{NodeID: nodeID, PrivateKey: key}
}

// PublicKey returns the identity's public key.
func (id *Identity) PublicKey() *rsa.PublicKey {
	return &id.PrivateKey.PublicKey
}

// PrivateKeyPKCS1PEM encodes the private key as PKCS#1 PEM, the form handed
// to the secret module for storage under the IDENTITY_KEY label.
func (id *Identity) PrivateKeyPKCS1PEM() []byte {
	der := x509.MarshalPKCS1PrivateKey(id.PrivateKey)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
}

// PublicKeyPKIXPEM encodes the public key as PKIX PEM, the form posted to
// identity/{node_id} on the bulletin board as public_key_pem.
func (id *Identity) PublicKeyPKIXPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(id.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePrivateKeyPKCS1PEM decodes a PKCS#1 PEM block produced by
// PrivateKeyPKCS1PEM.
func ParsePrivateKeyPKCS1PEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode private key pem: no PEM block found")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// ParsePublicKeyPKIXPEM decodes a PKIX PEM block produced by
// PublicKeyPKIXPEM, as published on identity/{node_id}.
func ParsePublicKeyPKIXPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode public key pem: no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("parse public key: not an RSA key")
	}
	return rsaPub, nil
}

// EncryptShare encrypts a Feldman share payload for transport to the holder
// of pub, using RSA-OAEP with SHA-256, exactly as the distribution phase of
// key generation requires.
func EncryptShare(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypt share: %w", err)
	}
	return ciphertext, nil
}

// DecryptShare reverses EncryptShare using the receiving node's private key.
func (id *Identity) DecryptShare(ciphertext []byte) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, id.PrivateKey, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt share: %w", err)
	}
	return plaintext, nil
}

// Document is the payload published to identity/{node_id} on the bulletin
// board.
type Document struct {
	NodeID       string `json:"node_id"`
	PublicKeyPEM string `json:"public_key_pem"`
	CreatedAt    string `json:"created_at"`
}

// ToDocument builds the board document for this identity, stamping
// CreatedAt with the current time.
func (id *Identity) ToDocument() (Document, error) {
	pub, err := id.PublicKeyPKIXPEM()
	if err != nil {
		return Document{}, err
	}
	return Document{
		NodeID:       id.NodeID,
		PublicKeyPEM: string(pub),
		CreatedAt:    time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}
