// Package hostkey manages the orchestrator's own SSH host identity: the
// ed25519 key presented to connecting clients. The identity is stable across
// restarts when a path is configured, or ephemeral when it is not.
package hostkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// generate creates a new ed25519 key pair and returns the PEM-encoded
// PKCS#8 private key and OpenSSH-format public key.
func generate() (privateKeyPEM, publicKey []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	publicKey = ssh.MarshalAuthorizedKey(sshPub)

	return privateKeyPEM, publicKey, nil
}

// LoadOrGenerate returns the host identity private key in PEM form.
//
// An empty path always yields a fresh ephemeral key with no persistence.
// An existing file is returned byte-identical, so the identity survives
// restarts. A missing file triggers generation: the private key is written
// with mode 0600 (plus a .pub sibling with 0644) and returned.
func LoadOrGenerate(path string) ([]byte, error) {
	if path == "" {
		priv, _, err := generate()
		return priv, err
	}

	if data, err := os.ReadFile(path); err == nil {
		// A private key readable by anyone else is a misconfiguration;
		// tighten it rather than carry on.
		if info, err := os.Stat(path); err == nil && info.Mode().Perm() != 0600 {
			if err := os.Chmod(path, 0600); err != nil {
				return nil, fmt.Errorf("fix host key permissions: %w", err)
			}
			log.Printf("host key %s had mode %o, corrected to 0600", path, info.Mode().Perm())
		}
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read host key: %w", err)
	}

	priv, pub, err := generate()
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create host key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("write host key: %w", err)
	}
	if err := os.WriteFile(path+".pub", pub, 0644); err != nil {
		return nil, fmt.Errorf("write host public key: %w", err)
	}

	log.Printf("generated new host identity key at %s", path)
	return priv, nil
}

// Signer parses a PEM-encoded host key into an ssh.Signer.
func Signer(privateKeyPEM []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse host key: %w", err)
	}
	return signer, nil
}
