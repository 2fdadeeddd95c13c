package identity

import (
	"bytes"
	"testing"
	"time"

	"github.com/shardvault/custody/internal/testutils"
)

func TestGeneratePopulatesNodeID(t *testing.T) {
	id, err := Generate()
	testutils.AssertNoError(t, "generate identity", err)

	if id.NodeID == "" {
		t.Fatalf("expected non-empty node id")
	}
	testutils.AssertIntsEqual(t, "rsa key bits", rsaKeyBits, id.PrivateKey.N.BitLen())
}

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	id, err := Generate()
	testutils.AssertNoError(t, "generate identity", err)

	pemBytes := id.PrivateKeyPKCS1PEM()
	recovered, err := ParsePrivateKeyPKCS1PEM(pemBytes)
	testutils.AssertNoError(t, "parse private key pem", err)

	if !id.PrivateKey.Equal(recovered) {
		t.Fatalf("recovered private key does not match original")
	}
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	id, err := Generate()
	testutils.AssertNoError(t, "generate identity", err)

	pemBytes, err := id.PublicKeyPKIXPEM()
	testutils.AssertNoError(t, "encode public key pem", err)

	recovered, err := ParsePublicKeyPKIXPEM(pemBytes)
	testutils.AssertNoError(t, "parse public key pem", err)

	if !id.PublicKey().Equal(recovered) {
		t.Fatalf("recovered public key does not match original")
	}
}

func TestToDocumentCarriesNodeID(t *testing.T) {
	id, err := Generate()
	testutils.AssertNoError(t, "generate identity", err)

	doc, err := id.ToDocument()
	testutils.AssertNoError(t, "build document", err)

	testutils.AssertStringsEqual(t, "document node id", id.NodeID, doc.NodeID)

	if doc.CreatedAt == "" {
		t.Fatalf("expected created_at to be populated")
	}
	if _, err := time.Parse(time.RFC3339Nano, doc.CreatedAt); err != nil {
		t.Fatalf("created_at is not RFC3339Nano: %v", err)
	}
}

func TestEncryptDecryptShareRoundTrip(t *testing.T) {
	id, err := Generate()
	testutils.AssertNoError(t, "generate identity", err)

	plaintext := []byte("feldman share payload for member 3")

	ciphertext, err := EncryptShare(id.PublicKey(), plaintext)
	testutils.AssertNoError(t, "encrypt share", err)

	decrypted, err := id.DecryptShare(ciphertext)
	testutils.AssertNoError(t, "decrypt share", err)

	if !bytes.Equal(plaintext, decrypted) {
		t.Fatalf("decrypted share does not match plaintext: got %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptShareRejectsForeignCiphertext(t *testing.T) {
	a, err := Generate()
	testutils.AssertNoError(t, "generate identity a", err)
	b, err := Generate()
	testutils.AssertNoError(t, "generate identity b", err)

	ciphertext, err := EncryptShare(a.PublicKey(), []byte("for a, not b"))
	testutils.AssertNoError(t, "encrypt share", err)

	_, err = b.DecryptShare(ciphertext)
	testutils.AssertError(t, "decrypt with wrong key", err)
}
