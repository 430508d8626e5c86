package escrow

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Firefish-io/firefish-protocol/internal/config"
)

// dustLimit mirrors the relay dust threshold for witness outputs.
const dustLimit = config.DustLimitSats

// Schnorr signature sizes on the witness stack.
const (
	sigLenDefault = 64 // SIGHASH_DEFAULT omits the hash-type byte
	sigLenTagged  = 65 // any explicit hash type appends one byte
)

// templateFee computes the fee for a template at the given sat/vB rate.
// The virtual size is measured on the template carrying a dummy witness
// of the exact final shape, then the dummy is stripped again.
func templateFee(t *Template, feeRate uint64) (uint64, error) {
	if feeRate == 0 {
		return 0, fmt.Errorf("fee rate must be at least 1 sat/vB")
	}

	witness, err := dummyWitness(t)
	if err != nil {
		return 0, err
	}

	t.Tx.TxIn[0].Witness = witness
	vsize := txVirtualSize(t.Tx)
	t.Tx.TxIn[0].Witness = nil

	return uint64(vsize) * feeRate, nil
}

// dummyWitness builds a witness stack with correctly sized placeholder
// signatures for the template's spend path.
func dummyWitness(t *Template) (wire.TxWitness, error) {
	sigLen := sigLenTagged
	if t.HashType == txscript.SigHashDefault {
		sigLen = sigLenDefault
	}
	dummySig := make([]byte, sigLen)

	if t.KeySpend {
		return wire.TxWitness{dummySig}, nil
	}

	leafScript, err := t.Tree.LeafScript(t.LeafIndex)
	if err != nil {
		return nil, err
	}
	controlBlock, err := t.Tree.ControlBlock(t.LeafIndex)
	if err != nil {
		return nil, err
	}

	// Two-key leaves carry two signatures; timelocked single-key leaves
	// carry one. The leaf script's trailing opcode distinguishes them.
	if leafScript[len(leafScript)-1] == txscript.OP_NUMEQUAL {
		return wire.TxWitness{dummySig, dummySig, leafScript, controlBlock}, nil
	}
	return wire.TxWitness{dummySig, leafScript, controlBlock}, nil
}

// txVirtualSize computes the BIP-141 virtual size: ceil(weight / 4) with
// weight = 3×stripped-size + total-size.
func txVirtualSize(tx *wire.MsgTx) int64 {
	baseSize := int64(tx.SerializeSizeStripped())
	totalSize := int64(tx.SerializeSize())
	weight := baseSize*3 + totalSize
	return (weight + 3) / 4
}
