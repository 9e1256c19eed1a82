// Package keys manages the server's long-lived RSA keypair: generation,
// PEM storage on disk, and the OAEP operations used by the handshake.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const rsaBits = 2048

const (
	privatePEMType = "PRIVATE KEY"
	publicPEMType  = "PUBLIC KEY"
)

// Pair holds the server keypair. The private key never leaves the process;
// the public key travels to clients in DER form during the handshake.
type Pair struct {
	private *rsa.PrivateKey
}

// Generate creates a fresh RSA keypair.
func Generate() (*Pair, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	return &Pair{private: key}, nil
}

// Save writes the keypair as PKCS#8/PKIX PEM files next to each other:
// path and path+".pub". The private file is created with mode 0600.
func (p *Pair) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(p.private)
	if err != nil {
		return err
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: privatePEMType, Bytes: privDER})
	if err := os.WriteFile(path, privPEM, 0o600); err != nil {
		return err
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&p.private.PublicKey)
	if err != nil {
		return err
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: publicPEMType, Bytes: pubDER})
	return os.WriteFile(path+".pub", pubPEM, 0o644)
}

// Load reads a PKCS#8 PEM private key from path.
func Load(path string) (*Pair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != privatePEMType {
		return nil, fmt.Errorf("no %s PEM block in %s", privatePEMType, path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("key file does not contain an RSA key")
	}
	return &Pair{private: rsaKey}, nil
}

// LoadOrGenerate loads the keypair at path, generating and saving a new one
// if the file does not exist yet.
func LoadOrGenerate(path string) (*Pair, bool, error) {
	p, err := Load(path)
	if err == nil {
		return p, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	p, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := p.Save(path); err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// PublicDER returns the PKIX DER encoding of the public key, as sent in the
// ServerPubKey packet.
func (p *Pair) PublicDER() ([]byte, error) {
	return x509.MarshalPKIXPublicKey(&p.private.PublicKey)
}

// Decrypt opens an RSA-OAEP(SHA-256) blob produced against the public key.
func (p *Pair) Decrypt(ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, p.private, ciphertext, nil)
}

// EncryptTo seals plaintext to a DER-encoded public key with
// RSA-OAEP(SHA-256). Used by tests and client implementations.
func EncryptTo(pubDER, plaintext []byte) ([]byte, error) {
	pub, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaPub, plaintext, nil)
}
