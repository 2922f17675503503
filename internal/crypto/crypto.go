// Package crypto provides the end-to-end encryption primitives for divvy.
// It includes ECDSA P-256 mutation signing, X25519 key exchange, AES-256-GCM
// encryption, ECDH+HKDF key wrapping, and Argon2id passphrase-based key
// derivation for invites.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeyLen is the AES-256 key length in bytes.
	KeyLen = 32
	// nonceLen is the GCM nonce length in bytes.
	nonceLen = 12
	// saltLen is the Argon2id salt length in bytes.
	saltLen = 32
	// hkdfInfo is the info string for HKDF key derivation.
	hkdfInfo = "divvy-key-wrap"

	// Argon2id parameters.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	// ErrInvalidKeySize is returned when a symmetric key is not 32 bytes.
	ErrInvalidKeySize = errors.New("key must be 32 bytes")
	// ErrDecryptFailed is returned when authenticated decryption fails.
	ErrDecryptFailed = errors.New("decryption failed")
)

// GenerateExchangeKey generates an X25519 keypair. The public key doubles as
// the device's publish identity and as its half of envelope key wrapping.
func GenerateExchangeKey() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate x25519 key: %w", err)
	}
	return priv, priv.PublicKey(), nil
}

// ExchangePublicFromBytes parses a 32-byte X25519 public key.
func ExchangePublicFromBytes(b []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.X25519().NewPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("parse x25519 public key: %w", err)
	}
	return pub, nil
}

// ExchangePrivateFromBytes parses a 32-byte X25519 private key.
func ExchangePrivateFromBytes(b []byte) (*ecdh.PrivateKey, error) {
	priv, err := ecdh.X25519().NewPrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("parse x25519 private key: %w", err)
	}
	return priv, nil
}

// Encrypt encrypts plaintext using AES-256-GCM with a 256-bit key.
// Returns nonce || ciphertext (nonce is prepended).
func Encrypt(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeyLen {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("random nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// Decrypt decrypts ciphertext produced by Encrypt.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	if len(key) != KeyLen {
		return nil, ErrInvalidKeySize
	}

	if len(ciphertext) < nonceLen {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}

	nonce := ciphertext[:nonceLen]
	ct := ciphertext[nonceLen:]

	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	return plaintext, nil
}

// DeriveSharedKey performs ECDH and derives an AES-256 key via HKDF-SHA256.
func DeriveSharedKey(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	r := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}

	return key, nil
}

// WrapKey wraps a symmetric key using an ECDH shared secret + HKDF.
// senderPriv + recipientPub -> shared secret -> HKDF-derived AES key -> encrypt.
func WrapKey(senderPriv *ecdh.PrivateKey, recipientPub *ecdh.PublicKey, key []byte) ([]byte, error) {
	aesKey, err := DeriveSharedKey(senderPriv, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("derive wrap key: %w", err)
	}
	return Encrypt(aesKey, key)
}

// UnwrapKey unwraps a symmetric key wrapped by WrapKey.
func UnwrapKey(recipientPriv *ecdh.PrivateKey, senderPub *ecdh.PublicKey, wrapped []byte) ([]byte, error) {
	aesKey, err := DeriveSharedKey(recipientPriv, senderPub)
	if err != nil {
		return nil, fmt.Errorf("derive unwrap key: %w", err)
	}
	return Decrypt(aesKey, wrapped)
}

// DeriveKeyFromPassphrase derives a 256-bit key from a passphrase using
// Argon2id. Returns the derived key and the salt used (32 bytes random salt).
func DeriveKeyFromPassphrase(passphrase string) (key, salt []byte, err error) {
	salt = make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, fmt.Errorf("random salt: %w", err)
	}

	key = argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, KeyLen)
	return key, salt, nil
}

// DeriveKeyFromPassphraseWithSalt derives a key using a known salt.
func DeriveKeyFromPassphraseWithSalt(passphrase string, salt []byte) ([]byte, error) {
	if len(salt) != saltLen {
		return nil, fmt.Errorf("salt must be %d bytes", saltLen)
	}
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, KeyLen)
	return key, nil
}

// NewSymmetricKey generates a random 256-bit symmetric key (broadcast,
// personal, or group key).
func NewSymmetricKey() ([]byte, error) {
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("random key: %w", err)
	}
	return key, nil
}

// ContentAddress returns the sha256 hex digest of data. Identical bytes
// always map to the identical address.
func ContentAddress(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
