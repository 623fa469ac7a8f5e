package chain

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// Signer errors.
var (
	ErrInvalidKeyFormat = errors.New("chain: invalid key format")
	ErrUnsupportedKey   = errors.New("chain: unsupported key type (expected Ed25519)")
	ErrKeyEncrypted     = errors.New("chain: key is encrypted (passphrase required)")
)

// Checkpoint anchors an event id to its chain hash at a point in time.
// When a signing key is configured the record carries an Ed25519
// signature over the checkpoint payload.
type Checkpoint struct {
	ID        int64  `json:"id"`
	EventID   int64  `json:"event_id"`
	EventHash []byte `json:"event_hash"`
	Signature []byte `json:"signature,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Signer signs chain checkpoints with an Ed25519 key.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner loads an Ed25519 private key from path. Supports OpenSSH
// format and raw 32-byte seeds.
func NewSigner(path string) (*Signer, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	if len(keyData) == ed25519.SeedSize {
		return &Signer{priv: ed25519.NewKeyFromSeed(keyData)}, nil
	}
	if len(keyData) == ed25519.PrivateKeySize {
		return &Signer{priv: ed25519.PrivateKey(keyData)}, nil
	}

	parsedKey, err := ssh.ParseRawPrivateKey(keyData)
	if err != nil {
		if _, ok := err.(*ssh.PassphraseMissingError); ok {
			return nil, ErrKeyEncrypted
		}
		return nil, fmt.Errorf("parse key: %w", err)
	}

	switch k := parsedKey.(type) {
	case *ed25519.PrivateKey:
		return &Signer{priv: *k}, nil
	case ed25519.PrivateKey:
		return &Signer{priv: k}, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, parsedKey)
	}
}

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Sign produces the checkpoint signature over
// event_id ‖ event_hash ‖ created_at.
func (s *Signer) Sign(cp *Checkpoint) []byte {
	return ed25519.Sign(s.priv, checkpointPayload(cp))
}

// LoadPublicKey reads an Ed25519 public key from file. Supports the
// OpenSSH authorized_keys format ("ssh-ed25519 ...") and raw 32 bytes.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	if len(keyData) == ed25519.PublicKeySize {
		return ed25519.PublicKey(keyData), nil
	}

	pubKey, _, _, _, err := ssh.ParseAuthorizedKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	cryptoPubKey, ok := pubKey.(ssh.CryptoPublicKey)
	if !ok {
		return nil, ErrInvalidKeyFormat
	}

	edKey, ok := cryptoPubKey.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, cryptoPubKey.CryptoPublicKey())
	}

	return edKey, nil
}

// VerifyCheckpoint checks a checkpoint's signature against pubKey.
func VerifyCheckpoint(pubKey ed25519.PublicKey, cp *Checkpoint) bool {
	if len(cp.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubKey, checkpointPayload(cp), cp.Signature)
}

func checkpointPayload(cp *Checkpoint) []byte {
	payload := make([]byte, 0, 8+len(cp.EventHash)+len(cp.CreatedAt))
	payload = binary.BigEndian.AppendUint64(payload, uint64(cp.EventID))
	payload = append(payload, cp.EventHash...)
	payload = append(payload, []byte(cp.CreatedAt)...)
	return payload
}
