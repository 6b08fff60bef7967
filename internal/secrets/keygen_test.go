package secrets

import (
	"encoding/pem"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	// Private key must be a parseable PKCS#1 PEM block.
	block, rest := pem.Decode(kp.PrivateKey)
	if block == nil {
		t.Fatal("private key is not PEM encoded")
	}
	if block.Type != "RSA PRIVATE KEY" {
		t.Errorf("PEM block type = %q, want RSA PRIVATE KEY", block.Type)
	}
	if len(rest) != 0 {
		t.Errorf("trailing data after PEM block: %d bytes", len(rest))
	}

	signer, err := ssh.ParsePrivateKey(kp.PrivateKey)
	if err != nil {
		t.Fatalf("private key does not parse as SSH key: %v", err)
	}

	// Public key must be valid authorized_keys material matching the
	// private key.
	pub, _, _, _, err := ssh.ParseAuthorizedKey(kp.PublicKey)
	if err != nil {
		t.Fatalf("public key does not parse: %v", err)
	}
	if pub.Type() != signer.PublicKey().Type() {
		t.Errorf("public key type = %q, private key type = %q", pub.Type(), signer.PublicKey().Type())
	}
	if string(ssh.MarshalAuthorizedKey(pub)) != string(kp.PublicKey) {
		t.Error("public key does not round-trip through authorized_keys format")
	}
}

func TestGenerateKeyPair_Unique(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	if string(a.PublicKey) == string(b.PublicKey) {
		t.Error("two generated keypairs share a public key")
	}
}
