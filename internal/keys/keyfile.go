package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"

	"github.com/Firefish-io/firefish-protocol/pkg/helpers"
)

// Argon2id parameters for keyfile sealing.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // 64 MB
	argon2Parallelism = 4
	argon2KeyLen      = 32
	argon2SaltLen     = 32
)

// Keyfile errors
var (
	ErrKeyfileTampered = errors.New("keypair file tampered or wrong passphrase")
	ErrKeyfileVersion  = errors.New("unsupported keypair file version")
)

// keyfileVersion tags the sealed keyfile format.
const keyfileVersion = 1

// SealedKey is the on-disk form of a sealed keypair. The label is bound
// as AEAD associated data, so renaming a key's role is detected.
type SealedKey struct {
	Version     int    `json:"version"`
	Label       string `json:"label"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// Seal encrypts a keypair under a passphrase using Argon2id + AES-256-GCM.
func Seal(pair *Pair, label, passphrase string) (*SealedKey, error) {
	salt, err := helpers.GenerateSecureRandom(argon2SaltLen)
	if err != nil {
		return nil, fmt.Errorf("seal keypair: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLen)
	defer helpers.SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("seal keypair: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("seal keypair: %w", err)
	}

	nonce, err := helpers.GenerateSecureRandom(gcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("seal keypair: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, pair.Bytes(), []byte(label))

	return &SealedKey{
		Version:     keyfileVersion,
		Label:       label,
		Ciphertext:  ciphertext,
		Salt:        salt,
		Nonce:       nonce,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}, nil
}

// Open decrypts a sealed keypair. Any bit flip in the file, a changed
// label, or a wrong passphrase fails with ErrKeyfileTampered.
func Open(sealed *SealedKey, passphrase string) (*Pair, error) {
	if sealed.Version != keyfileVersion {
		return nil, fmt.Errorf("%w: version %d", ErrKeyfileVersion, sealed.Version)
	}

	key := argon2.IDKey([]byte(passphrase), sealed.Salt, sealed.Time, sealed.Memory, sealed.Parallelism, argon2KeyLen)
	defer helpers.SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("open keypair: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("open keypair: %w", err)
	}

	plaintext, err := gcm.Open(nil, sealed.Nonce, sealed.Ciphertext, []byte(sealed.Label))
	if err != nil {
		return nil, ErrKeyfileTampered
	}
	defer helpers.SecureClear(plaintext)

	return PairFromBytes(plaintext)
}

// SaveSealed writes a sealed keypair to disk with owner-only permissions.
func SaveSealed(sealed *SealedKey, path string) error {
	data, err := json.MarshalIndent(sealed, "", "  ")
	if err != nil {
		return fmt.Errorf("save keypair: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("save keypair: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("save keypair: %w", err)
	}
	return nil
}

// LoadSealed reads a sealed keypair from disk.
func LoadSealed(path string) (*SealedKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}
	var sealed SealedKey
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyfileTampered, err)
	}
	return &sealed, nil
}
