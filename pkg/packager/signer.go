package packager

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
	envSigningKey = "XFORGE_SIGNING_KEY"
	envSigningPub = "XFORGE_SIGNING_PUB"
)

// Signer signs package manifests with an Ed25519 key derived from an
// age secret key. A verify-only signer carries just the public key.
type Signer struct {
	priv      ed25519.PrivateKey
	pub       ed25519.PublicKey
	recipient string
}

// LoadSigner builds a Signer from XFORGE_SIGNING_KEY (a bech32 age secret
// key) and/or XFORGE_SIGNING_PUB (a base64 Ed25519 public key). With
// neither set it returns (nil, nil) and packages are left unsigned.
func LoadSigner() (*Signer, error) {
	secret := strings.TrimSpace(os.Getenv(envSigningKey))
	pub := strings.TrimSpace(os.Getenv(envSigningPub))
	if secret == "" && pub == "" {
		return nil, nil
	}

	s := &Signer{}
	if secret != "" {
		seed, err := decodeAgeSecretKey(secret)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envSigningKey, err)
		}
		s.priv = ed25519.NewKeyFromSeed(seed)
		s.pub = ed25519.PublicKey(s.priv[ed25519.SeedSize:])
		if identity, err := age.ParseX25519Identity(secret); err == nil {
			s.recipient = identity.Recipient().String()
		}
	}

	if pub != "" {
		decoded, err := base64.StdEncoding.DecodeString(pub)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", envSigningPub, err)
		}
		if len(decoded) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%s must decode to %d bytes, got %d", envSigningPub, ed25519.PublicKeySize, len(decoded))
		}
		if s.pub == nil {
			s.pub = ed25519.PublicKey(decoded)
		} else if !bytes.Equal(s.pub, decoded) {
			return nil, fmt.Errorf("%s does not match %s", envSigningPub, envSigningKey)
		}
	}
	return s, nil
}

// CanSign reports whether the signer holds a private key.
func (s *Signer) CanSign() bool { return s != nil && len(s.priv) > 0 }

// Sign returns the base64 Ed25519 signature of payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if !s.CanSign() {
		return "", errors.New("signer has no private key")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, payload)), nil
}

// Verify checks a base64 signature against payload using the key embedded
// in the manifest, which must match the configured key when one is present.
func (s *Signer) Verify(payload []byte, signature, manifestPub string) error {
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}

	var key ed25519.PublicKey
	if s != nil {
		key = s.pub
	}
	if manifestPub != "" {
		decoded, err := base64.StdEncoding.DecodeString(manifestPub)
		if err != nil {
			return fmt.Errorf("decode manifest public key: %w", err)
		}
		if len(decoded) != ed25519.PublicKeySize {
			return fmt.Errorf("manifest public key must be %d bytes, got %d", ed25519.PublicKeySize, len(decoded))
		}
		if key != nil && !bytes.Equal(key, decoded) {
			return errors.New("manifest signed by unexpected key")
		}
		key = ed25519.PublicKey(decoded)
	}
	if key == nil {
		return errors.New("no public key available for verification")
	}
	if !ed25519.Verify(key, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKeyBase64 returns the signer's public key in base64 form.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.pub) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.pub)
}

// Recipient returns the age recipient derived from the secret key, when
// one was configured.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(decoded))
	}
	return decoded, nil
}
