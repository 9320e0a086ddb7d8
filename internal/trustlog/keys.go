package trustlog

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Key file names under <log root>/keys/.
const (
	privateKeyFile = "trustlog_ed25519_private.key"
	publicKeyFile  = "trustlog_ed25519_public.key"
)

// Keys is the gateway's Ed25519 signing pair. Created on first use and
// persisted as url-safe base64 of the raw key bytes with mode 0600.
type Keys struct {
	Private     ed25519.PrivateKey
	Public      ed25519.PublicKey
	PrivatePath string
	PublicPath  string
}

// LoadOrCreateKeys loads the signing pair from dir, generating and persisting
// a new pair when either file is missing.
func LoadOrCreateKeys(dir string) (*Keys, error) {
	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	privRaw, privErr := readKeyFile(privPath)
	pubRaw, pubErr := readKeyFile(pubPath)
	if privErr == nil && pubErr == nil {
		if len(privRaw) != ed25519.SeedSize {
			return nil, fmt.Errorf("trustlog: private key has %d bytes, want %d", len(privRaw), ed25519.SeedSize)
		}
		priv := ed25519.NewKeyFromSeed(privRaw)
		if len(pubRaw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trustlog: public key has %d bytes, want %d", len(pubRaw), ed25519.PublicKeySize)
		}
		derived := priv.Public().(ed25519.PublicKey)
		if !derived.Equal(ed25519.PublicKey(pubRaw)) {
			return nil, fmt.Errorf("trustlog: public key does not match private key")
		}
		return &Keys{Private: priv, Public: pubRaw, PrivatePath: privPath, PublicPath: pubPath}, nil
	}
	if privErr != nil && !os.IsNotExist(privErr) {
		return nil, privErr
	}
	if pubErr != nil && !os.IsNotExist(pubErr) {
		return nil, pubErr
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("trustlog: generate key pair: %w", err)
	}
	if err := writeKeyFile(privPath, priv.Seed()); err != nil {
		return nil, err
	}
	if err := writeKeyFile(pubPath, pub); err != nil {
		return nil, err
	}
	return &Keys{Private: priv, Public: pub, PrivatePath: privPath, PublicPath: pubPath}, nil
}

// Sign signs the payload hash string and returns a url-safe base64 signature.
func (k *Keys) Sign(payloadHash string) string {
	sig := ed25519.Sign(k.Private, []byte(payloadHash))
	return base64.URLEncoding.EncodeToString(sig)
}

// VerifySignature checks a url-safe base64 signature over a payload hash.
func (k *Keys) VerifySignature(payloadHash, signatureB64 string) bool {
	sig, err := base64.URLEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(k.Public, []byte(payloadHash), sig)
}

func readKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from validated config
	if err != nil {
		return nil, err
	}
	raw, err := base64.URLEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("trustlog: decode key file %s: %w", filepath.Base(path), err)
	}
	return raw, nil
}

func writeKeyFile(path string, raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("trustlog: create key dir: %w", err)
	}
	encoded := base64.URLEncoding.EncodeToString(raw)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("trustlog: write key file: %w", err)
	}
	return nil
}
