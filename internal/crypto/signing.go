package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

const (
	// PublicKeySize is the length of an uncompressed P-256 point.
	PublicKeySize = 65
	// SignatureSize is the length of a raw r||s signature.
	SignatureSize = 64
	// deviceIDBytes is how much of the public key digest becomes the device ID.
	deviceIDBytes = 8
)

var (
	// ErrInvalidPublicKey is returned for malformed signing public keys.
	ErrInvalidPublicKey = errors.New("invalid public key")
	// ErrInvalidSignature is returned when a signature fails verification.
	ErrInvalidSignature = errors.New("invalid signature")
)

// GenerateSigningKey generates an ECDSA P-256 keypair for mutation signing.
func GenerateSigningKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return key, nil
}

// MarshalSigningPublic returns the 65-byte uncompressed point 0x04 || X || Y.
func MarshalSigningPublic(pub *ecdsa.PublicKey) []byte {
	out := make([]byte, PublicKeySize)
	out[0] = 0x04
	pub.X.FillBytes(out[1:33])
	pub.Y.FillBytes(out[33:65])
	return out
}

// ParseSigningPublic parses a 65-byte uncompressed P-256 point.
func ParseSigningPublic(b []byte) (*ecdsa.PublicKey, error) {
	if len(b) != PublicKeySize || b[0] != 0x04 {
		return nil, fmt.Errorf("%w: want %d-byte uncompressed point", ErrInvalidPublicKey, PublicKeySize)
	}
	x := new(big.Int).SetBytes(b[1:33])
	y := new(big.Int).SetBytes(b[33:65])
	curve := elliptic.P256()
	if !curve.IsOnCurve(x, y) {
		return nil, fmt.Errorf("%w: point not on curve", ErrInvalidPublicKey)
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// MarshalSigningPrivate serializes a signing key as SEC1 DER hex for
// storage in the identity file.
func MarshalSigningPrivate(priv *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshal signing key: %w", err)
	}
	return hex.EncodeToString(der), nil
}

// ParseSigningPrivate parses a key produced by MarshalSigningPrivate.
func ParseSigningPrivate(s string) (*ecdsa.PrivateKey, error) {
	der, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode signing key hex: %w", err)
	}
	priv, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return priv, nil
}

// Sign signs data with the device signing key. The signature is the raw
// 64-byte r || s encoding over the SHA-256 digest of data.
func Sign(priv *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	sig := make([]byte, SignatureSize)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// VerifySignature checks a raw 64-byte signature over data against a
// 65-byte uncompressed public key.
func VerifySignature(publicKey, data, sig []byte) error {
	pub, err := ParseSigningPublic(publicKey)
	if err != nil {
		return err
	}
	if len(sig) != SignatureSize {
		return fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidSignature, SignatureSize, len(sig))
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	digest := sha256.Sum256(data)
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return ErrInvalidSignature
	}
	return nil
}

// DeviceIDFromPublicKey derives the stable device ID from a 65-byte signing
// public key: the first 8 bytes of its sha256 digest, hex encoded.
func DeviceIDFromPublicKey(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:deviceIDBytes])
}
