package escrow

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Firefish-io/firefish-protocol/internal/chain"
	"github.com/Firefish-io/firefish-protocol/internal/script"
)

// TemplateID identifies one transaction in the template set.
type TemplateID uint8

// The template set, in dependency order. The prefund is funded by the
// borrower's wallet and only its output script is dictated here; all
// others are constructed by the core.
const (
	TemplatePrefund TemplateID = iota
	TemplateCancel
	TemplateEscrow
	TemplateRepayment
	TemplateDefault
	TemplateLiquidation
	TemplateRecover
)

// String returns the template's protocol name.
func (id TemplateID) String() string {
	switch id {
	case TemplatePrefund:
		return "prefund"
	case TemplateCancel:
		return "cancel"
	case TemplateEscrow:
		return "escrow"
	case TemplateRepayment:
		return "repayment"
	case TemplateDefault:
		return "default"
	case TemplateLiquidation:
		return "liquidation"
	case TemplateRecover:
		return "recover"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// sequenceNoRBF disables replace-by-fee while keeping absolute locktime
// enforceable.
const sequenceNoRBF = wire.MaxTxInSequenceNum - 1

// Template is an unsigned transaction with every input, output, sequence
// and locktime fixed. Its txid is final at construction time, which is
// what allows the chained presigning of children before anything is
// broadcast.
type Template struct {
	ID TemplateID
	Tx *wire.MsgTx

	// Prevout being spent by input 0 (the contract input).
	PrevScript []byte
	PrevValue  int64

	// Script path for input 0: the tree and leaf index, or KeySpend.
	Tree      *script.Tree
	LeafIndex int
	KeySpend  bool

	// HashType input 0 is signed with.
	HashType txscript.SigHashType
}

// SigHash computes the BIP-341 sighash for input 0. Receivers always
// recompute this; a claimed sighash is never trusted.
func (t *Template) SigHash() ([]byte, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(t.PrevScript, t.PrevValue)
	sigHashes := txscript.NewTxSigHashes(t.Tx, fetcher)

	if t.KeySpend {
		return txscript.CalcTaprootSignatureHash(sigHashes, t.HashType, t.Tx, 0, fetcher)
	}

	leaf, err := t.Tree.Leaf(t.LeafIndex)
	if err != nil {
		return nil, err
	}
	return txscript.CalcTapscriptSignaturehash(sigHashes, t.HashType, t.Tx, 0, fetcher, leaf)
}

// TxID returns the transaction id (witness-stripped hash).
func (t *Template) TxID() chainhash.Hash {
	return t.Tx.TxHash()
}

// Hex serializes the transaction (BIP-144, witness-inclusive) to hex.
func (t *Template) Hex() (string, error) {
	var buf bytes.Buffer
	if err := t.Tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("serialize %s: %w", t.ID, err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// TemplateParams collects everything needed to derive the full template
// set from a verified spend-info.
type TemplateParams struct {
	// Prefund outpoint and value, located in the borrower's funding
	// transaction.
	PrefundOutPoint wire.OutPoint
	PrefundValue    int64

	// BorrowerReturnAddr receives repayment/cancel/recover payouts.
	BorrowerReturnAddr string

	// FeeRateEscrow and FeeRateChildren are sat/vB rates for the escrow
	// transaction and the outcome transactions respectively.
	FeeRateEscrow   uint64
	FeeRateChildren uint64
}

// TemplateSet is the full derived set for one loan.
type TemplateSet struct {
	Cancel      *Template
	Escrow      *Template
	Repayment   *Template
	Default     *Template
	Liquidation *Template
	Recover     *Template

	// EscrowOutPoint is the escrow contract outpoint the outcome
	// transactions spend; fixed once the escrow template exists.
	EscrowOutPoint wire.OutPoint
	EscrowValue    int64
}

// ByID returns the template with the given id.
func (ts *TemplateSet) ByID(id TemplateID) (*Template, error) {
	switch id {
	case TemplateCancel:
		return ts.Cancel, nil
	case TemplateEscrow:
		return ts.Escrow, nil
	case TemplateRepayment:
		return ts.Repayment, nil
	case TemplateDefault:
		return ts.Default, nil
	case TemplateLiquidation:
		return ts.Liquidation, nil
	case TemplateRecover:
		return ts.Recover, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTemplate, uint8(id))
	}
}

// Presigned returns the templates covered by the witness presigning
// ceremony, in fixed order.
func (ts *TemplateSet) Presigned() []*Template {
	return []*Template{ts.Repayment, ts.Default, ts.Liquidation}
}

// FindContractOutput locates the output of tx paying pkScript.
func FindContractOutput(tx *wire.MsgTx, pkScript []byte) (uint32, int64, error) {
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			return uint32(i), out.Value, nil
		}
	}
	return 0, 0, ErrNoContractOutput
}

// BuildTemplates derives the six core-built templates from a spend-info
// and an offer. Every field of every transaction is fixed here; a single
// byte of drift between parties breaks signature verification.
func BuildTemplates(offer *Offer, si *SpendInfo, params *TemplateParams) (*TemplateSet, error) {
	contract := si.Contract()

	prefundTree, err := contract.PrefundTree()
	if err != nil {
		return nil, fmt.Errorf("prefund tree: %w", err)
	}
	escrowTree, err := contract.EscrowTree()
	if err != nil {
		return nil, fmt.Errorf("escrow tree: %w", err)
	}

	returnScript, err := chain.AddressToScript(params.BorrowerReturnAddr, si.Network)
	if err != nil {
		return nil, err
	}
	liqDefaultScript, err := chain.AddressToScript(offer.LiquidatorDefaultAddr, si.Network)
	if err != nil {
		return nil, err
	}
	liqLiquidationScript, err := chain.AddressToScript(offer.LiquidatorLiquidationAddr, si.Network)
	if err != nil {
		return nil, err
	}

	// Cancel spends the prefund's cancel leaf back to the borrower.
	cancel, err := buildSpend(spendParams{
		id:        TemplateCancel,
		prevOut:   params.PrefundOutPoint,
		prevValue: params.PrefundValue,
		tree:      prefundTree,
		leafIndex: script.PrefundLeafCancel,
		payScript: returnScript,
		feeRate:   params.FeeRateChildren,
		hashType:  txscript.SigHashDefault,
	})
	if err != nil {
		return nil, err
	}
	cancel.Tx.TxIn[0].Sequence = si.CancelLockBlocks

	// Escrow spends the prefund via the borrower key path into the
	// escrow output.
	escrow, err := buildSpend(spendParams{
		id:        TemplateEscrow,
		prevOut:   params.PrefundOutPoint,
		prevValue: params.PrefundValue,
		tree:      prefundTree,
		keySpend:  true,
		payScript: escrowTree.PkScript(),
		feeRate:   params.FeeRateEscrow,
		hashType:  txscript.SigHashDefault,
	})
	if err != nil {
		return nil, err
	}
	escrow.Tx.TxIn[0].Sequence = sequenceNoRBF

	escrowOutPoint := wire.OutPoint{Hash: escrow.TxID(), Index: 0}
	escrowValue := escrow.Tx.TxOut[0].Value

	// The three presigned outcome transactions spend the escrow with
	// SIGHASH_SINGLE|ANYONECANPAY: each witness signature commits to
	// the escrow input and the payout output only, so the broadcasting
	// party can append a fee-bump input later without invalidating
	// ceremony signatures.
	outcomeHashType := txscript.SigHashSingle | txscript.SigHashAnyOneCanPay

	repayment, err := buildSpend(spendParams{
		id:        TemplateRepayment,
		prevOut:   escrowOutPoint,
		prevValue: escrowValue,
		tree:      escrowTree,
		leafIndex: script.EscrowLeafRepayment,
		payScript: returnScript,
		feeRate:   params.FeeRateChildren,
		hashType:  outcomeHashType,
	})
	if err != nil {
		return nil, err
	}
	repayment.Tx.TxIn[0].Sequence = sequenceNoRBF

	deflt, err := buildSpend(spendParams{
		id:        TemplateDefault,
		prevOut:   escrowOutPoint,
		prevValue: escrowValue,
		tree:      escrowTree,
		leafIndex: script.EscrowLeafRepayment,
		payScript: liqDefaultScript,
		feeRate:   params.FeeRateChildren,
		hashType:  outcomeHashType,
	})
	if err != nil {
		return nil, err
	}
	deflt.Tx.TxIn[0].Sequence = sequenceNoRBF

	liquidation, err := buildSpend(spendParams{
		id:        TemplateLiquidation,
		prevOut:   escrowOutPoint,
		prevValue: escrowValue,
		tree:      escrowTree,
		leafIndex: script.EscrowLeafLiquidation,
		payScript: liqLiquidationScript,
		feeRate:   params.FeeRateChildren,
		hashType:  outcomeHashType,
	})
	if err != nil {
		return nil, err
	}
	liquidation.Tx.TxIn[0].Sequence = sequenceNoRBF

	// Recover mixes the absolute escrow-lock timestamp (nLockTime) with
	// the relative recover span (sequence). The mix is part of the
	// contract.
	recoverTmpl, err := buildSpend(spendParams{
		id:        TemplateRecover,
		prevOut:   escrowOutPoint,
		prevValue: escrowValue,
		tree:      escrowTree,
		leafIndex: script.EscrowLeafRecovery,
		payScript: returnScript,
		feeRate:   params.FeeRateChildren,
		hashType:  txscript.SigHashDefault,
	})
	if err != nil {
		return nil, err
	}
	recoverTmpl.Tx.TxIn[0].Sequence = si.RecoverLockBlocks
	recoverTmpl.Tx.LockTime = uint32(offer.EscrowLock)

	return &TemplateSet{
		Cancel:         cancel,
		Escrow:         escrow,
		Repayment:      repayment,
		Default:        deflt,
		Liquidation:    liquidation,
		Recover:        recoverTmpl,
		EscrowOutPoint: escrowOutPoint,
		EscrowValue:    escrowValue,
	}, nil
}

type spendParams struct {
	id        TemplateID
	prevOut   wire.OutPoint
	prevValue int64
	tree      *script.Tree
	leafIndex int
	keySpend  bool
	payScript []byte
	feeRate   uint64
	hashType  txscript.SigHashType
}

// buildSpend constructs a one-input one-output contract spend: input 0
// is the contract outpoint, output 0 the payout, value = input − fee.
func buildSpend(p spendParams) (*Template, error) {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&p.prevOut, nil, nil))
	tx.AddTxOut(wire.NewTxOut(0, p.payScript))

	tmpl := &Template{
		ID:         p.id,
		Tx:         tx,
		PrevScript: p.tree.PkScript(),
		PrevValue:  p.prevValue,
		Tree:       p.tree,
		LeafIndex:  p.leafIndex,
		KeySpend:   p.keySpend,
		HashType:   p.hashType,
	}

	fee, err := templateFee(tmpl, p.feeRate)
	if err != nil {
		return nil, err
	}
	payout := p.prevValue - int64(fee)
	if payout < dustLimit {
		return nil, fmt.Errorf("%w: %s pays %d sats after fee %d",
			ErrDust, p.id, payout, fee)
	}
	tx.TxOut[0].Value = payout

	return tmpl, nil
}
