package syncconfig

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/maren/divvy/internal/crypto"
)

const identityFile = ".divvy/identity.json"

// Identity is this device's key material, stored next to the ledger with
// 0600 perms. The signing key authenticates mutations; the publish key is
// both the mutable-pointer identity and the ECDH half for key envelopes.
type Identity struct {
	DeviceID          string    `json:"device_id"`
	DeviceName        string    `json:"device_name"`
	SigningPrivateKey string    `json:"signing_private_key"` // SEC1 DER, hex
	PublishPrivateKey string    `json:"publish_private_key"` // X25519 scalar, hex
	CreatedAt         time.Time `json:"created_at"`
}

// GenerateIdentity creates fresh device keys. The device id is derived
// from the signing public key, so it is stable for the key's lifetime.
func GenerateIdentity(deviceName string) (*Identity, error) {
	signPriv, err := crypto.GenerateSigningKey()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	signHex, err := crypto.MarshalSigningPrivate(signPriv)
	if err != nil {
		return nil, fmt.Errorf("marshal signing key: %w", err)
	}
	pubPriv, _, err := crypto.GenerateExchangeKey()
	if err != nil {
		return nil, fmt.Errorf("generate publish key: %w", err)
	}

	return &Identity{
		DeviceID:          crypto.DeviceIDFromPublicKey(crypto.MarshalSigningPublic(&signPriv.PublicKey)),
		DeviceName:        deviceName,
		SigningPrivateKey: signHex,
		PublishPrivateKey: hex.EncodeToString(pubPriv.Bytes()),
		CreatedAt:         time.Now(),
	}, nil
}

// LoadIdentity reads the device identity from baseDir.
func LoadIdentity(baseDir string) (*Identity, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, identityFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("device identity not found: run 'divvy init' first")
		}
		return nil, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	return &id, nil
}

// SaveIdentity writes the device identity with owner-only perms.
func SaveIdentity(baseDir string, id *Identity) error {
	path := filepath.Join(baseDir, identityFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// SigningKey parses the stored ECDSA private key.
func (id *Identity) SigningKey() (*ecdsa.PrivateKey, error) {
	return crypto.ParseSigningPrivate(id.SigningPrivateKey)
}

// SigningPublicHex returns the hex of the 65-byte signing public key.
func (id *Identity) SigningPublicHex() (string, error) {
	priv, err := id.SigningKey()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(crypto.MarshalSigningPublic(&priv.PublicKey)), nil
}

// PublishKey parses the stored X25519 private key.
func (id *Identity) PublishKey() (*ecdh.PrivateKey, error) {
	raw, err := hex.DecodeString(id.PublishPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode publish key: %w", err)
	}
	return crypto.ExchangePrivateFromBytes(raw)
}

// PublishIdentityHex returns the hex of the X25519 public key, which is
// the name this device publishes its mutable pointer under.
func (id *Identity) PublishIdentityHex() (string, error) {
	priv, err := id.PublishKey()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(priv.PublicKey().Bytes()), nil
}

// RotatePublishKey replaces the publish keypair in place. Used when this
// device authors a removal and must move out from under the old pointer.
func (id *Identity) RotatePublishKey() error {
	pubPriv, _, err := crypto.GenerateExchangeKey()
	if err != nil {
		return fmt.Errorf("generate publish key: %w", err)
	}
	id.PublishPrivateKey = hex.EncodeToString(pubPriv.Bytes())
	return nil
}
