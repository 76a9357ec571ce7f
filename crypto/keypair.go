package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	PrivateKeyFileName = "id_ed25519"
	PublicKeyFileName  = "id_ed25519.pub"

	keyComment = "alacrite"
)

// Identity is the local OpenSSH Ed25519 key pair.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ssh.PublicKey
}

// Fingerprint returns the OpenSSH SHA256 fingerprint, e.g. "SHA256:...".
func (id *Identity) Fingerprint() string {
	return ssh.FingerprintSHA256(id.PublicKey)
}

// AuthorizedKey returns the public key as one authorized_keys line.
func (id *Identity) AuthorizedKey() string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(id.PublicKey))) + " " + keyComment
}

// EnsureIdentity loads id_ed25519 from keyDir, generating it on first run.
// The public key file is rewritten when missing or out of sync.
func EnsureIdentity(keyDir string) (*Identity, error) {
	privatePath := filepath.Join(keyDir, PrivateKeyFileName)
	publicPath := filepath.Join(keyDir, PublicKeyFileName)

	privateKey, err := LoadPrivateKey(privatePath)
	if err == nil {
		id, err := newIdentity(privateKey)
		if err != nil {
			return nil, err
		}
		stored, readErr := os.ReadFile(publicPath)
		if readErr != nil || !publicKeyMatches(stored, id.PublicKey) {
			if err := savePublicKey(publicPath, id); err != nil {
				return nil, err
			}
		}
		return id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	_, privateKey, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	id, err := newIdentity(privateKey)
	if err != nil {
		return nil, err
	}
	if err := savePrivateKey(privatePath, privateKey); err != nil {
		return nil, err
	}
	if err := savePublicKey(publicPath, id); err != nil {
		return nil, err
	}
	return id, nil
}

// LoadPrivateKey reads an OpenSSH-format Ed25519 private key.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	parsed, err := ssh.ParseRawPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse private key %q: %w", path, err)
	}

	switch key := parsed.(type) {
	case *ed25519.PrivateKey:
		return *key, nil
	case ed25519.PrivateKey:
		return key, nil
	default:
		return nil, fmt.Errorf("parse private key %q: unsupported key type %T", path, parsed)
	}
}

func newIdentity(privateKey ed25519.PrivateKey) (*Identity, error) {
	publicKey, err := ssh.NewPublicKey(privateKey.Public())
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &Identity{PrivateKey: privateKey, PublicKey: publicKey}, nil
}

func savePrivateKey(path string, key ed25519.PrivateKey) error {
	block, err := ssh.MarshalPrivateKey(key, keyComment)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}

func savePublicKey(path string, id *Identity) error {
	if err := os.WriteFile(path, []byte(id.AuthorizedKey()+"\n"), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

func publicKeyMatches(stored []byte, want ssh.PublicKey) bool {
	got, _, _, _, err := ssh.ParseAuthorizedKey(stored)
	if err != nil {
		return false
	}
	return bytes.Equal(got.Marshal(), want.Marshal())
}
