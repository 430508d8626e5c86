// Package keys implements the single-use secp256k1 keypairs used by the
// loan protocol. Each party owns exactly one keypair per loan; a keypair
// is generated at offer-assign/accept time and never reused.
package keys

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"

	"github.com/Firefish-io/firefish-protocol/pkg/helpers"
)

// Key errors
var (
	ErrBadPrivateKey = errors.New("invalid private key")
	ErrBadPublicKey  = errors.New("public key not on curve")
	ErrBadMnemonic   = errors.New("invalid mnemonic")
)

// PubKeyLen is the length of an x-only public key (BIP-340).
const PubKeyLen = 32

// PubKey is an x-only secp256k1 public key.
type PubKey [PubKeyLen]byte

// ParsePubKey validates that b is the x coordinate of a curve point and
// returns it as a PubKey.
func ParsePubKey(b []byte) (PubKey, error) {
	var pk PubKey
	if len(b) != PubKeyLen {
		return pk, fmt.Errorf("%w: got %d bytes, want %d", ErrBadPublicKey, len(b), PubKeyLen)
	}
	if _, err := schnorr.ParsePubKey(b); err != nil {
		return pk, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	copy(pk[:], b)
	return pk, nil
}

// Key returns the lifted btcec public key (even-Y point).
func (pk PubKey) Key() (*btcec.PublicKey, error) {
	key, err := schnorr.ParsePubKey(pk[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	return key, nil
}

// String returns the hex form used in offers and logs.
func (pk PubKey) String() string {
	return fmt.Sprintf("%x", pk[:])
}

// Equal reports whether two public keys are identical.
func (pk PubKey) Equal(other PubKey) bool {
	return pk == other
}

// Pair is a single-use keypair: a secp256k1 scalar and its x-only public
// representation.
type Pair struct {
	priv *btcec.PrivateKey
}

// NewPair generates a fresh keypair.
func NewPair() (*Pair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Pair{priv: priv}, nil
}

// PairFromBytes restores a keypair from its 32-byte scalar.
func PairFromBytes(b []byte) (*Pair, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes, want 32", ErrBadPrivateKey, len(b))
	}
	if helpers.BytesEqual(b, make([]byte, 32)) {
		return nil, fmt.Errorf("%w: zero scalar", ErrBadPrivateKey)
	}
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(b); overflow {
		return nil, fmt.Errorf("%w: scalar overflows group order", ErrBadPrivateKey)
	}
	return &Pair{priv: secp256k1.NewPrivateKey(&scalar)}, nil
}

// Bytes returns the 32-byte private scalar.
func (p *Pair) Bytes() []byte {
	return p.priv.Serialize()
}

// PubKey returns the x-only public key.
func (p *Pair) PubKey() PubKey {
	var pk PubKey
	copy(pk[:], schnorr.SerializePubKey(p.priv.PubKey()))
	return pk
}

// PrivKey exposes the underlying key for signing.
func (p *Pair) PrivKey() *btcec.PrivateKey {
	return p.priv
}

// Sign produces a BIP-340 Schnorr signature over a 32-byte message.
func (p *Pair) Sign(msg []byte) (*schnorr.Signature, error) {
	if len(msg) != 32 {
		return nil, fmt.Errorf("sign: message must be 32 bytes, got %d", len(msg))
	}
	return schnorr.Sign(p.priv, msg)
}

// Zero wipes the private scalar from memory. The pair is unusable after.
func (p *Pair) Zero() {
	p.priv.Zero()
}

// Mnemonic encodes the private scalar as a 24-word BIP-39 phrase for
// offline backup. This is an encoding of the single-use key, not a
// derivation seed.
func (p *Pair) Mnemonic() (string, error) {
	mnemonic, err := bip39.NewMnemonic(p.Bytes())
	if err != nil {
		return "", fmt.Errorf("encode mnemonic: %w", err)
	}
	return mnemonic, nil
}

// PairFromMnemonic restores a keypair from its backup phrase.
func PairFromMnemonic(mnemonic string) (*Pair, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrBadMnemonic
	}
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMnemonic, err)
	}
	return PairFromBytes(entropy)
}

// VerifySchnorr checks a BIP-340 signature over a 32-byte message against
// an x-only public key.
func VerifySchnorr(sig *schnorr.Signature, msg []byte, pk PubKey) error {
	key, err := pk.Key()
	if err != nil {
		return err
	}
	if !sig.Verify(msg, key) {
		return errors.New("schnorr signature verification failed")
	}
	return nil
}
