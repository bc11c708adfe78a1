// Package rsakeys is the agentserver.RSAKeyManager implementation: it loads
// the agent's private RSA key from a PEM file at a configured path and
// scopes the in-memory handle to a single call, per spec.md §5 ("the
// private key handle is scoped to the decryption call"). Key provisioning
// itself (how the PEM file got there) is an external collaborator, out of
// spec.md's scope — this package only loads what's already on disk.
package rsakeys

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/distbuild/agent/internal/crypto"
)

// FileStore loads an RSA private key from a PEM-encoded PKCS#1 or PKCS#8
// file at Path on every WithPrivateKey call; it never keeps the parsed key
// in memory between calls.
type FileStore struct {
	Path string
}

// New creates a FileStore reading from path.
func New(path string) *FileStore {
	return &FileStore{Path: path}
}

func (f *FileStore) WithPrivateKey(ctx context.Context, fn func(unwrap func(wrapped []byte) ([]byte, error)) error) error {
	key, err := f.load()
	if err != nil {
		return err
	}
	unwrapper := crypto.NewRSAOAEPUnwrapper(key)
	return fn(unwrapper.Unwrap)
}

func (f *FileStore) load() (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("rsakeys: read %s: %w", f.Path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("rsakeys: %s does not contain PEM data", f.Path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("rsakeys: parse private key in %s: %w", f.Path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("rsakeys: %s does not contain an RSA private key", f.Path)
	}
	return key, nil
}
