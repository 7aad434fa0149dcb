// Package signing produces detached Ed25519 signatures from an age secret
// key, so operators manage a single key format.
package signing

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	// SecretKeyEnv holds an AGE-SECRET-KEY-1... identity.
	SecretKeyEnv = "AGE_SECRET_KEY"
	// PublicKeyEnv holds the base64 Ed25519 public key derived from it.
	PublicKeyEnv = "AGE_PUBLIC_KEY"
)

// ErrNoPrivateKey is returned by Sign on a verify-only Signer.
var ErrNoPrivateKey = errors.New("signing: no private key")

// Signer signs and verifies payloads.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	recipient  string
}

// FromEnv builds a Signer from SecretKeyEnv and PublicKeyEnv. It returns a
// nil Signer and no error when neither is set.
func FromEnv() (*Signer, error) {
	secret := strings.TrimSpace(os.Getenv(SecretKeyEnv))
	pub := strings.TrimSpace(os.Getenv(PublicKeyEnv))
	if secret == "" && pub == "" {
		return nil, nil
	}
	return New(secret, pub)
}

// New builds a Signer from an age secret key, a base64 public key, or both.
// When both are given they must belong together.
func New(secret, pub string) (*Signer, error) {
	s := &Signer{}

	if secret != "" {
		seed, err := decodeSecretKey(secret)
		if err != nil {
			return nil, fmt.Errorf("signing: parse secret key: %w", err)
		}
		s.privateKey = ed25519.NewKeyFromSeed(seed)
		s.publicKey = s.privateKey.Public().(ed25519.PublicKey)

		if identity, err := age.ParseX25519Identity(secret); err == nil {
			s.recipient = identity.Recipient().String()
		}
	}

	if pub != "" {
		decoded, err := decodePublicKey(pub)
		if err != nil {
			return nil, err
		}
		switch {
		case s.publicKey == nil:
			s.publicKey = decoded
		case !bytes.Equal(s.publicKey, decoded):
			return nil, errors.New("signing: public key does not match secret key")
		}
	}

	if s.publicKey == nil {
		return nil, errors.New("signing: no key material")
	}
	return s, nil
}

// Sign returns the base64 signature of payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil {
		return "", errors.New("signing: nil signer")
	}
	if len(s.privateKey) == 0 {
		return "", ErrNoPrivateKey
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.privateKey, payload)), nil
}

// Verify checks a base64 signature over payload.
func (s *Signer) Verify(payload []byte, signature string) error {
	if s == nil {
		return errors.New("signing: nil signer")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("signing: decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("signing: signature is %d bytes", len(sig))
	}
	if !ed25519.Verify(s.publicKey, payload, sig) {
		return errors.New("signing: signature mismatch")
	}
	return nil
}

// PublicKey returns the base64 public key.
func (s *Signer) PublicKey() string {
	if s == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.publicKey)
}

// Recipient returns the age recipient paired with the secret key, if any.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func decodePublicKey(raw string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("signing: decode public key: %w", err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signing: public key is %d bytes, want %d", len(decoded), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(decoded), nil
}

func decodeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected prefix %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed is %d bytes", len(seed))
	}
	return seed, nil
}
