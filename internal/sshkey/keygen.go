// Package sshkey generates ephemeral ed25519 keypairs for a single run,
// grounded on the teacher's CertificateManager key-material handling
// (cert_manager.go's NewKeyPair/PEMEncodeKey), retargeted from x.509
// enrollment certificates to bare SSH authorized-keys material.
package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// KeyPair is a generated keypair persisted to disk before the container
// that will receive its public key is started (§3 "Invariants").
type KeyPair struct {
	PrivateKeyPath string
	PublicKey      []byte // authorized_keys-format line
}

// Generate creates an ed25519 keypair and writes the private key to
// dir/id_ed25519 with user-only permissions, returning the public key in
// authorized_keys format.
func Generate(dir string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 keypair: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("wrapping public key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "bcvk ephemeral run key")
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("writing private key %s: %w", path, err)
	}

	return &KeyPair{
		PrivateKeyPath: path,
		PublicKey:      ssh.MarshalAuthorizedKey(sshPub),
	}, nil
}
