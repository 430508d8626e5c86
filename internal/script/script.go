// Package script derives the contract output scripts for the loan escrow.
// Both contract outputs are Taproot: the prefund output (cooperative key
// path for the borrower plus cancel/liquidation/recovery leaves) and the
// escrow output (script-path only: repayment/liquidation/recovery leaves).
//
// Derivation is strictly deterministic: leaf order is fixed, no map
// iteration is involved, and the same inputs always produce the same
// scripts on every party's machine.
package script

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Firefish-io/firefish-protocol/internal/chain"
	"github.com/Firefish-io/firefish-protocol/internal/keys"
)

// Script errors
var (
	ErrBadTimelock = errors.New("invalid timelock")
	ErrBadLeaf     = errors.New("unknown tap leaf")
)

// MaxCSVBlocks is the largest representable block-based relative lock.
const MaxCSVBlocks = 0xFFFF

// numsHex is the BIP-341 "nothing up my sleeve" point. Outputs using it
// as internal key can only be spent via a script path.
const numsHex = "50929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"

var numsKey *btcec.PublicKey

func init() {
	raw, err := hex.DecodeString(numsHex)
	if err != nil {
		panic(err)
	}
	numsKey, err = schnorr.ParsePubKey(raw)
	if err != nil {
		panic(err)
	}
}

// NUMSKey returns the unspendable internal key used for the escrow output.
func NUMSKey() *btcec.PublicKey {
	return numsKey
}

// RepaymentLeaf builds the cooperative outcome script:
//
//	<B> OP_CHECKSIG <P> OP_CHECKSIGADD OP_2 OP_NUMEQUAL
//
// Both the repayment and the default transaction spend this leaf; their
// sighashes differ because their outputs differ.
func RepaymentLeaf(borrower, tedP keys.PubKey) ([]byte, error) {
	return twoKeyLeaf(borrower, tedP)
}

// LiquidationLeaf builds the unilateral liquidation script:
//
//	<O> OP_CHECKSIG <P> OP_CHECKSIGADD OP_2 OP_NUMEQUAL
func LiquidationLeaf(tedO, tedP keys.PubKey) ([]byte, error) {
	return twoKeyLeaf(tedO, tedP)
}

func twoKeyLeaf(first, second keys.PubKey) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddData(first[:])
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddData(second[:])
	builder.AddOp(txscript.OP_CHECKSIGADD)
	builder.AddOp(txscript.OP_2)
	builder.AddOp(txscript.OP_NUMEQUAL)
	return builder.Script()
}

// RecoveryLeaf builds the borrower's escape hatch for unresponsive
// witnesses:
//
//	<escrow_lock> OP_CLTV OP_DROP <recover_blocks> OP_CSV OP_DROP <B> OP_CHECKSIG
//
// escrowLock is an absolute unix timestamp; recoverBlocks is a relative
// lock in blocks. The mix is deliberate and must not be normalized.
func RecoveryLeaf(borrower keys.PubKey, escrowLock int64, recoverBlocks uint32) ([]byte, error) {
	if escrowLock < txscript.LockTimeThreshold {
		return nil, fmt.Errorf("%w: escrow lock %d is not a timestamp", ErrBadTimelock, escrowLock)
	}
	if recoverBlocks == 0 || recoverBlocks > MaxCSVBlocks {
		return nil, fmt.Errorf("%w: recover blocks %d out of range", ErrBadTimelock, recoverBlocks)
	}

	builder := txscript.NewScriptBuilder()
	builder.AddInt64(escrowLock)
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddInt64(int64(recoverBlocks))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(borrower[:])
	builder.AddOp(txscript.OP_CHECKSIG)
	return builder.Script()
}

// CancelLeaf builds the prefund reclaim script:
//
//	<cancel_blocks> OP_CSV OP_DROP <B> OP_CHECKSIG
func CancelLeaf(borrower keys.PubKey, cancelBlocks uint32) ([]byte, error) {
	if cancelBlocks == 0 || cancelBlocks > MaxCSVBlocks {
		return nil, fmt.Errorf("%w: cancel blocks %d out of range", ErrBadTimelock, cancelBlocks)
	}

	builder := txscript.NewScriptBuilder()
	builder.AddInt64(int64(cancelBlocks))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(borrower[:])
	builder.AddOp(txscript.OP_CHECKSIG)
	return builder.Script()
}

// Tree is an assembled Taproot output: internal key, ordered leaves, and
// the data needed to spend each path.
type Tree struct {
	InternalKey *btcec.PublicKey
	OutputKey   *btcec.PublicKey
	MerkleRoot  []byte

	leaves []txscript.TapLeaf
	proofs []txscript.TapscriptProof
}

// Assemble builds a Taproot tree from an internal key and leaf scripts.
// Leaf order is part of the contract and must be identical on all
// parties.
func Assemble(internalKey *btcec.PublicKey, leafScripts ...[]byte) (*Tree, error) {
	if internalKey == nil {
		return nil, errors.New("internal key required")
	}
	if len(leafScripts) == 0 {
		return nil, errors.New("at least one leaf required")
	}

	leaves := make([]txscript.TapLeaf, 0, len(leafScripts))
	for _, s := range leafScripts {
		leaves = append(leaves, txscript.NewBaseTapLeaf(s))
	}

	tapTree := txscript.AssembleTaprootScriptTree(leaves...)
	rootHash := tapTree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(internalKey, rootHash[:])

	// LeafMerkleProofs is ordered the same as the input leaves for the
	// trees we build, but index through the leaf script to stay
	// independent of assembly internals.
	proofs := make([]txscript.TapscriptProof, len(leaves))
	for i := range leaves {
		idx := tapTree.LeafProofIndex[leaves[i].TapHash()]
		proofs[i] = tapTree.LeafMerkleProofs[idx]
	}

	return &Tree{
		InternalKey: internalKey,
		OutputKey:   outputKey,
		MerkleRoot:  rootHash[:],
		leaves:      leaves,
		proofs:      proofs,
	}, nil
}

// NumLeaves returns the number of script paths.
func (t *Tree) NumLeaves() int {
	return len(t.leaves)
}

// Leaf returns the i-th leaf.
func (t *Tree) Leaf(i int) (txscript.TapLeaf, error) {
	if i < 0 || i >= len(t.leaves) {
		return txscript.TapLeaf{}, fmt.Errorf("%w: index %d", ErrBadLeaf, i)
	}
	return t.leaves[i], nil
}

// LeafScript returns the i-th leaf's script bytes.
func (t *Tree) LeafScript(i int) ([]byte, error) {
	leaf, err := t.Leaf(i)
	if err != nil {
		return nil, err
	}
	return leaf.Script, nil
}

// ControlBlock returns the serialized control block proving the i-th leaf.
func (t *Tree) ControlBlock(i int) ([]byte, error) {
	if i < 0 || i >= len(t.proofs) {
		return nil, fmt.Errorf("%w: index %d", ErrBadLeaf, i)
	}
	block := t.proofs[i].ToControlBlock(t.InternalKey)
	return block.ToBytes()
}

// PkScript returns the P2TR output script: OP_1 <32-byte output key>.
func (t *Tree) PkScript() []byte {
	xOnly := schnorr.SerializePubKey(t.OutputKey)
	script := make([]byte, 34)
	script[0] = txscript.OP_1
	script[1] = txscript.OP_DATA_32
	copy(script[2:], xOnly)
	return script
}

// Address returns the bech32m address for this output on a network.
func (t *Tree) Address(network chain.Network) (string, error) {
	params, err := chain.Params(network)
	if err != nil {
		return "", err
	}
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(t.OutputKey), params)
	if err != nil {
		return "", fmt.Errorf("taproot address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// TwoKeyWitness builds the witness stack for a two-key CHECKSIGADD leaf.
// firstSig belongs to the key that appears first in the script; it ends
// up on top of the stack for the OP_CHECKSIG.
func TwoKeyWitness(firstSig, secondSig, leafScript, controlBlock []byte) wire.TxWitness {
	return wire.TxWitness{
		secondSig,
		firstSig,
		leafScript,
		controlBlock,
	}
}

// TimelockWitness builds the witness stack for a single-key timelocked
// leaf (cancel, recovery).
func TimelockWitness(sig, leafScript, controlBlock []byte) wire.TxWitness {
	return wire.TxWitness{
		sig,
		leafScript,
		controlBlock,
	}
}

// KeySpendWitness builds the witness for a key-path spend.
func KeySpendWitness(sig []byte) wire.TxWitness {
	return wire.TxWitness{sig}
}
