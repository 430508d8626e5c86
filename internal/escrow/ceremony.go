package escrow

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Firefish-io/firefish-protocol/internal/chain"
	"github.com/Firefish-io/firefish-protocol/internal/codec"
	"github.com/Firefish-io/firefish-protocol/internal/keys"
	"github.com/Firefish-io/firefish-protocol/internal/script"
	"github.com/Firefish-io/firefish-protocol/pkg/helpers"
)

// Role tags a signing party in bundles and state files.
type Role uint8

const (
	RoleBorrower Role = 1
	RoleTedO     Role = 2
	RoleTedP     Role = 3
)

// String returns the role's protocol name.
func (r Role) String() string {
	switch r {
	case RoleBorrower:
		return "borrower"
	case RoleTedO:
		return "ted-o"
	case RoleTedP:
		return "ted-p"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// PresignRequest is the borrower's handoff to the witnesses: the loan
// binding, the prefund outpoint, the serialized templates and the
// borrower-claimed sighashes. Witnesses MUST recompute every sighash
// from the templates; the claimed values exist only for cross-checking.
type PresignRequest struct {
	LoanID        string
	SpendInfoHash [32]byte

	PrefundOutPoint wire.OutPoint
	PrefundValue    int64

	// Raw transactions, keyed by template id, in fixed order:
	// escrow, repayment, default, liquidation, recover, cancel.
	Templates map[TemplateID][]byte

	// Borrower-claimed sighashes for the presigned templates.
	ClaimedSigHashes map[TemplateID][32]byte
}

// presignOrder fixes the template serialization order.
var presignOrder = []TemplateID{
	TemplateEscrow, TemplateRepayment, TemplateDefault,
	TemplateLiquidation, TemplateRecover, TemplateCancel,
}

// NewPresignRequest captures a template set for witness handoff.
func NewPresignRequest(si *SpendInfo, ts *TemplateSet, params *TemplateParams) (*PresignRequest, error) {
	siHash, err := si.Hash()
	if err != nil {
		return nil, err
	}

	req := &PresignRequest{
		LoanID:           si.LoanID,
		SpendInfoHash:    siHash,
		PrefundOutPoint:  params.PrefundOutPoint,
		PrefundValue:     params.PrefundValue,
		Templates:        make(map[TemplateID][]byte, len(presignOrder)),
		ClaimedSigHashes: make(map[TemplateID][32]byte, 3),
	}

	for _, id := range presignOrder {
		tmpl, err := ts.ByID(id)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := tmpl.Tx.Serialize(&buf); err != nil {
			return nil, fmt.Errorf("serialize %s: %w", id, err)
		}
		req.Templates[id] = buf.Bytes()
	}

	for _, tmpl := range ts.Presigned() {
		sighash, err := tmpl.SigHash()
		if err != nil {
			return nil, fmt.Errorf("sighash %s: %w", tmpl.ID, err)
		}
		var h [32]byte
		copy(h[:], sighash)
		req.ClaimedSigHashes[tmpl.ID] = h
	}

	return req, nil
}

// RebuildTemplates reconstructs the full Template set on the witness
// side from the request plus the locally verified offer and spend-info.
// Every structural property is checked: the escrow transaction spends
// the declared prefund outpoint into the escrow script, each outcome
// transaction spends the escrow output through the right leaf, and the
// liquidator payouts go to the offer's addresses.
func (req *PresignRequest) RebuildTemplates(offer *Offer, si *SpendInfo) (*TemplateSet, error) {
	siHash, err := si.Hash()
	if err != nil {
		return nil, err
	}
	if !helpers.ConstantTimeCompare(siHash[:], req.SpendInfoHash[:]) {
		return nil, fmt.Errorf("%w: presign request bound to different spend-info", ErrSpendInfoMismatch)
	}
	if req.LoanID != si.LoanID {
		return nil, fmt.Errorf("%w: loan id %q != %q", ErrSpendInfoMismatch, req.LoanID, si.LoanID)
	}

	contract := si.Contract()
	prefundTree, err := contract.PrefundTree()
	if err != nil {
		return nil, err
	}
	escrowTree, err := contract.EscrowTree()
	if err != nil {
		return nil, err
	}

	txs := make(map[TemplateID]*wire.MsgTx, len(presignOrder))
	for _, id := range presignOrder {
		raw, ok := req.Templates[id]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s template", ErrMalformedTx, id)
		}
		tx := wire.NewMsgTx(2)
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedTx, id, err)
		}
		txs[id] = tx
	}

	// The escrow transaction anchors the chain: prefund outpoint in,
	// escrow script out.
	escrowTx := txs[TemplateEscrow]
	if len(escrowTx.TxIn) != 1 || len(escrowTx.TxOut) != 1 {
		return nil, fmt.Errorf("%w: escrow must be one-in one-out", ErrMalformedTx)
	}
	if escrowTx.TxIn[0].PreviousOutPoint != req.PrefundOutPoint {
		return nil, fmt.Errorf("%w: escrow spends wrong prefund outpoint", ErrMalformedTx)
	}
	if !bytes.Equal(escrowTx.TxOut[0].PkScript, escrowTree.PkScript()) {
		return nil, fmt.Errorf("%w: escrow output is not the contract script", ErrMalformedTx)
	}
	escrowOutPoint := wire.OutPoint{Hash: escrowTx.TxHash(), Index: 0}
	escrowValue := escrowTx.TxOut[0].Value

	liqDefaultScript, err := chain.AddressToScript(offer.LiquidatorDefaultAddr, si.Network)
	if err != nil {
		return nil, err
	}
	liqLiquidationScript, err := chain.AddressToScript(offer.LiquidatorLiquidationAddr, si.Network)
	if err != nil {
		return nil, err
	}

	outcomeHashType := txscript.SigHashSingle | txscript.SigHashAnyOneCanPay

	mk := func(id TemplateID, tree *script.Tree, leaf int, keySpend bool,
		prevOut wire.OutPoint, prevValue int64, hashType txscript.SigHashType) (*Template, error) {

		tx := txs[id]
		if len(tx.TxIn) != 1 || len(tx.TxOut) != 1 {
			return nil, fmt.Errorf("%w: %s must be one-in one-out", ErrMalformedTx, id)
		}
		if tx.TxIn[0].PreviousOutPoint != prevOut {
			return nil, fmt.Errorf("%w: %s spends wrong outpoint", ErrMalformedTx, id)
		}
		return &Template{
			ID:         id,
			Tx:         tx,
			PrevScript: tree.PkScript(),
			PrevValue:  prevValue,
			Tree:       tree,
			LeafIndex:  leaf,
			KeySpend:   keySpend,
			HashType:   hashType,
		}, nil
	}

	set := &TemplateSet{EscrowOutPoint: escrowOutPoint, EscrowValue: escrowValue}

	if set.Escrow, err = mk(TemplateEscrow, prefundTree, 0, true,
		req.PrefundOutPoint, req.PrefundValue, txscript.SigHashDefault); err != nil {
		return nil, err
	}
	if set.Cancel, err = mk(TemplateCancel, prefundTree, script.PrefundLeafCancel, false,
		req.PrefundOutPoint, req.PrefundValue, txscript.SigHashDefault); err != nil {
		return nil, err
	}
	if set.Repayment, err = mk(TemplateRepayment, escrowTree, script.EscrowLeafRepayment, false,
		escrowOutPoint, escrowValue, outcomeHashType); err != nil {
		return nil, err
	}
	if set.Default, err = mk(TemplateDefault, escrowTree, script.EscrowLeafRepayment, false,
		escrowOutPoint, escrowValue, outcomeHashType); err != nil {
		return nil, err
	}
	if set.Liquidation, err = mk(TemplateLiquidation, escrowTree, script.EscrowLeafLiquidation, false,
		escrowOutPoint, escrowValue, outcomeHashType); err != nil {
		return nil, err
	}
	if set.Recover, err = mk(TemplateRecover, escrowTree, script.EscrowLeafRecovery, false,
		escrowOutPoint, escrowValue, txscript.SigHashDefault); err != nil {
		return nil, err
	}

	// The witness's entire purpose: the default and liquidation payouts
	// must go to the liquidator addresses fixed in the offer.
	if !bytes.Equal(set.Default.Tx.TxOut[0].PkScript, liqDefaultScript) {
		return nil, fmt.Errorf("%w: default pays the wrong address", ErrMalformedTx)
	}
	if !bytes.Equal(set.Liquidation.Tx.TxOut[0].PkScript, liqLiquidationScript) {
		return nil, fmt.Errorf("%w: liquidation pays the wrong address", ErrMalformedTx)
	}

	// Claimed sighashes are cross-checked against the recomputed ones.
	for _, tmpl := range set.Presigned() {
		claimed, ok := req.ClaimedSigHashes[tmpl.ID]
		if !ok {
			return nil, fmt.Errorf("%w: no claimed sighash for %s", ErrSighashMismatch, tmpl.ID)
		}
		recomputed, err := tmpl.SigHash()
		if err != nil {
			return nil, fmt.Errorf("sighash %s: %w", tmpl.ID, err)
		}
		if !helpers.ConstantTimeCompare(claimed[:], recomputed) {
			return nil, fmt.Errorf("%w: %s", ErrSighashMismatch, tmpl.ID)
		}
	}

	return set, nil
}

// SigEntry is one signature in a bundle: which template, which input,
// and the 64-byte BIP-340 signature over its recomputed sighash.
type SigEntry struct {
	Template TemplateID
	Input    uint32
	Sig      [schnorr.SignatureSize]byte
}

// SigBundle is the ordered tuple of signatures one party contributes.
type SigBundle struct {
	LoanID        string
	Signer        Role
	SpendInfoHash [32]byte
	Sigs          []SigEntry
}

// Find returns the signature for a template, or nil.
func (b *SigBundle) Find(id TemplateID) *SigEntry {
	for i := range b.Sigs {
		if b.Sigs[i].Template == id {
			return &b.Sigs[i]
		}
	}
	return nil
}

// Presign produces a witness's signature bundle over the rebuilt
// template set. Both witnesses sign the repayment, default and
// liquidation sighashes: TED-P's signatures complete those leaves,
// TED-O's liquidation signature is the other half of the liquidation
// leaf, and TED-O's repayment/default signatures are orderly-witness
// attestations the borrower verifies but never puts on chain. Each
// witness signs on its own; neither sees the other's bundle, the
// borrower combines both liquidation signatures in Finalize, and no
// order between TED-O and TED-P signing is enforced.
func Presign(set *TemplateSet, pair *keys.Pair, signer Role, si *SpendInfo) (*SigBundle, error) {
	if signer != RoleTedO && signer != RoleTedP {
		return nil, fmt.Errorf("presign: role %s cannot presign", signer)
	}
	siHash, err := si.Hash()
	if err != nil {
		return nil, err
	}

	bundle := &SigBundle{
		LoanID:        si.LoanID,
		Signer:        signer,
		SpendInfoHash: siHash,
	}

	for _, tmpl := range set.Presigned() {
		sighash, err := tmpl.SigHash()
		if err != nil {
			return nil, fmt.Errorf("sighash %s: %w", tmpl.ID, err)
		}
		sig, err := pair.Sign(sighash)
		if err != nil {
			return nil, fmt.Errorf("sign %s: %w", tmpl.ID, err)
		}
		// Never release an unverified signature, not even our own.
		if err := keys.VerifySchnorr(sig, sighash, pair.PubKey()); err != nil {
			return nil, fmt.Errorf("%w: self-check on %s: %v", ErrBadSignature, tmpl.ID, err)
		}
		entry := SigEntry{Template: tmpl.ID, Input: 0}
		copy(entry.Sig[:], sig.Serialize())
		bundle.Sigs = append(bundle.Sigs, entry)
	}

	return bundle, nil
}

// VerifyBundle checks every signature in a bundle against the sighashes
// recomputed from the template set and the signer's offer key. Nothing
// from an unverified bundle may be persisted.
func VerifyBundle(bundle *SigBundle, set *TemplateSet, offer *Offer, si *SpendInfo) error {
	var signerPub keys.PubKey
	switch bundle.Signer {
	case RoleTedO:
		signerPub = offer.TedOPub
	case RoleTedP:
		signerPub = offer.TedPPub
	default:
		return fmt.Errorf("%w: bundle signed by %s", ErrBadSignature, bundle.Signer)
	}

	siHash, err := si.Hash()
	if err != nil {
		return err
	}
	if !helpers.ConstantTimeCompare(siHash[:], bundle.SpendInfoHash[:]) {
		return fmt.Errorf("%w: bundle bound to different spend-info", ErrSpendInfoMismatch)
	}

	for _, tmpl := range set.Presigned() {
		entry := bundle.Find(tmpl.ID)
		if entry == nil {
			return fmt.Errorf("%w: no %s signature from %s", ErrMissingSignature, tmpl.ID, bundle.Signer)
		}
		sig, err := schnorr.ParseSignature(entry.Sig[:])
		if err != nil {
			return fmt.Errorf("%w: %s/%s: %v", ErrBadSignature, bundle.Signer, tmpl.ID, err)
		}
		sighash, err := tmpl.SigHash()
		if err != nil {
			return fmt.Errorf("sighash %s: %w", tmpl.ID, err)
		}
		if err := keys.VerifySchnorr(sig, sighash, signerPub); err != nil {
			return fmt.Errorf("%w: %s/%s", ErrBadSignature, bundle.Signer, tmpl.ID)
		}
	}

	return nil
}

// FinalizedSet holds the fully signed transactions the borrower ends the
// ceremony with.
type FinalizedSet struct {
	EscrowTx      *wire.MsgTx
	RepaymentTx   *wire.MsgTx
	DefaultTx     *wire.MsgTx
	LiquidationTx *wire.MsgTx
	RecoverTx     *wire.MsgTx

	EscrowTxID chainhash.Hash
}

// Finalize verifies both witness bundles, assembles the witness stacks
// for every outcome transaction, and signs the escrow, recover and
// borrower halves of the outcome leaves. After this the loan is fully
// non-custodial: the borrower holds a signed transaction for every
// outcome.
func Finalize(set *TemplateSet, tedO, tedP *SigBundle, borrower *keys.Pair,
	offer *Offer, si *SpendInfo) (*FinalizedSet, error) {

	if err := VerifyBundle(tedO, set, offer, si); err != nil {
		return nil, fmt.Errorf("ted-o bundle: %w", err)
	}
	if tedO.Signer != RoleTedO {
		return nil, fmt.Errorf("%w: first bundle must be ted-o's", ErrBadSignature)
	}
	if err := VerifyBundle(tedP, set, offer, si); err != nil {
		return nil, fmt.Errorf("ted-p bundle: %w", err)
	}
	if tedP.Signer != RoleTedP {
		return nil, fmt.Errorf("%w: second bundle must be ted-p's", ErrBadSignature)
	}

	// Borrower halves of the repayment and default leaves.
	repaymentTx, err := finalizeTwoKey(set.Repayment, borrower, tedP)
	if err != nil {
		return nil, err
	}
	defaultTx, err := finalizeTwoKey(set.Default, borrower, tedP)
	if err != nil {
		return nil, err
	}

	// Liquidation carries TED-O then TED-P; the borrower contributes no
	// signature there.
	liquidationTx, err := finalizeLiquidation(set.Liquidation, tedO, tedP)
	if err != nil {
		return nil, err
	}

	// Recover is borrower-only on the recovery leaf.
	recoverTx, err := finalizeSingleKey(set.Recover, borrower)
	if err != nil {
		return nil, err
	}

	// The escrow transaction is a borrower key-path spend of the
	// prefund; the private key is tweaked with the prefund tree root.
	escrowTx, err := signKeySpend(set.Escrow, borrower)
	if err != nil {
		return nil, err
	}

	return &FinalizedSet{
		EscrowTx:      escrowTx,
		RepaymentTx:   repaymentTx,
		DefaultTx:     defaultTx,
		LiquidationTx: liquidationTx,
		RecoverTx:     recoverTx,
		EscrowTxID:    escrowTx.TxHash(),
	}, nil
}

// witnessSig appends the explicit hash-type byte for non-default
// sighashes, per BIP-341 witness rules.
func witnessSig(sig64 []byte, hashType txscript.SigHashType) []byte {
	if hashType == txscript.SigHashDefault {
		return sig64
	}
	return append(append([]byte{}, sig64...), byte(hashType))
}

// finalizeTwoKey completes a {borrower, ted-p} leaf: the borrower signs
// now, TED-P's signature comes from its verified bundle.
func finalizeTwoKey(tmpl *Template, borrower *keys.Pair, tedP *SigBundle) (*wire.MsgTx, error) {
	entry := tedP.Find(tmpl.ID)
	if entry == nil {
		return nil, fmt.Errorf("%w: no %s signature from ted-p", ErrMissingSignature, tmpl.ID)
	}

	sighash, err := tmpl.SigHash()
	if err != nil {
		return nil, err
	}
	borrowerSig, err := borrower.Sign(sighash)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", tmpl.ID, err)
	}

	leafScript, err := tmpl.Tree.LeafScript(tmpl.LeafIndex)
	if err != nil {
		return nil, err
	}
	controlBlock, err := tmpl.Tree.ControlBlock(tmpl.LeafIndex)
	if err != nil {
		return nil, err
	}

	tx := tmpl.Tx.Copy()
	tx.TxIn[0].Witness = script.TwoKeyWitness(
		witnessSig(borrowerSig.Serialize(), tmpl.HashType),
		witnessSig(entry.Sig[:], tmpl.HashType),
		leafScript, controlBlock,
	)
	return tx, nil
}

// finalizeLiquidation completes the {ted-o, ted-p} leaf from the two
// witness bundles.
func finalizeLiquidation(tmpl *Template, tedO, tedP *SigBundle) (*wire.MsgTx, error) {
	oEntry := tedO.Find(tmpl.ID)
	pEntry := tedP.Find(tmpl.ID)
	if oEntry == nil || pEntry == nil {
		return nil, fmt.Errorf("%w: liquidation halves incomplete", ErrMissingSignature)
	}

	leafScript, err := tmpl.Tree.LeafScript(tmpl.LeafIndex)
	if err != nil {
		return nil, err
	}
	controlBlock, err := tmpl.Tree.ControlBlock(tmpl.LeafIndex)
	if err != nil {
		return nil, err
	}

	tx := tmpl.Tx.Copy()
	tx.TxIn[0].Witness = script.TwoKeyWitness(
		witnessSig(oEntry.Sig[:], tmpl.HashType),
		witnessSig(pEntry.Sig[:], tmpl.HashType),
		leafScript, controlBlock,
	)
	return tx, nil
}

// finalizeSingleKey completes a borrower-only timelocked leaf (recover,
// cancel).
func finalizeSingleKey(tmpl *Template, borrower *keys.Pair) (*wire.MsgTx, error) {
	sighash, err := tmpl.SigHash()
	if err != nil {
		return nil, err
	}
	sig, err := borrower.Sign(sighash)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", tmpl.ID, err)
	}

	leafScript, err := tmpl.Tree.LeafScript(tmpl.LeafIndex)
	if err != nil {
		return nil, err
	}
	controlBlock, err := tmpl.Tree.ControlBlock(tmpl.LeafIndex)
	if err != nil {
		return nil, err
	}

	tx := tmpl.Tx.Copy()
	tx.TxIn[0].Witness = script.TimelockWitness(
		witnessSig(sig.Serialize(), tmpl.HashType),
		leafScript, controlBlock,
	)
	return tx, nil
}

// SignCancel finalizes the cancel template. Exposed separately because
// the cancel path is exercised outside the ceremony, any time after the
// prefund confirms.
func SignCancel(tmpl *Template, borrower *keys.Pair) (*wire.MsgTx, error) {
	if tmpl.ID != TemplateCancel {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTemplate, uint8(tmpl.ID))
	}
	return finalizeSingleKey(tmpl, borrower)
}

// signKeySpend signs a key-path template with the borrower key tweaked
// by the template tree's merkle root.
func signKeySpend(tmpl *Template, borrower *keys.Pair) (*wire.MsgTx, error) {
	tx := tmpl.Tx.Copy()
	fetcher := txscript.NewCannedPrevOutputFetcher(tmpl.PrevScript, tmpl.PrevValue)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	sig, err := txscript.RawTxInTaprootSignature(
		tx, sigHashes, 0, tmpl.PrevValue, tmpl.PrevScript,
		tmpl.Tree.MerkleRoot, tmpl.HashType, borrower.PrivKey(),
	)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", tmpl.ID, err)
	}

	tx.TxIn[0].Witness = script.KeySpendWitness(sig)
	return tx, nil
}

// --- wire encoding -------------------------------------------------------

// MsgType implements codec.Message.
func (req *PresignRequest) MsgType() codec.MessageType {
	return codec.MsgPresignRequest
}

// Encode writes the canonical presign-request body.
func (req *PresignRequest) Encode(w io.Writer) error {
	if err := codec.WriteString(w, req.LoanID); err != nil {
		return err
	}
	if err := codec.WriteFixed(w, req.SpendInfoHash[:]); err != nil {
		return err
	}
	if err := codec.WriteFixed(w, req.PrefundOutPoint.Hash[:]); err != nil {
		return err
	}
	if err := codec.WriteUint32(w, req.PrefundOutPoint.Index); err != nil {
		return err
	}
	if err := codec.WriteSats(w, uint64(req.PrefundValue)); err != nil {
		return err
	}
	for _, id := range presignOrder {
		if err := codec.WriteUint8(w, uint8(id)); err != nil {
			return err
		}
		if err := codec.WriteBytes(w, req.Templates[id]); err != nil {
			return err
		}
	}
	if err := codec.WriteUint8(w, uint8(len(req.ClaimedSigHashes))); err != nil {
		return err
	}
	// Fixed iteration order: the presigned subset of presignOrder.
	for _, id := range presignOrder {
		h, ok := req.ClaimedSigHashes[id]
		if !ok {
			continue
		}
		if err := codec.WriteUint8(w, uint8(id)); err != nil {
			return err
		}
		if err := codec.WriteFixed(w, h[:]); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads a presign-request body.
func (req *PresignRequest) Decode(r io.Reader, version byte) error {
	var err error
	if req.LoanID, err = codec.ReadString(r); err != nil {
		return err
	}
	if err := codec.ReadFixed(r, req.SpendInfoHash[:]); err != nil {
		return err
	}
	if err := codec.ReadFixed(r, req.PrefundOutPoint.Hash[:]); err != nil {
		return err
	}
	if req.PrefundOutPoint.Index, err = codec.ReadUint32(r); err != nil {
		return err
	}
	value, err := codec.ReadSats(r)
	if err != nil {
		return err
	}
	req.PrefundValue = int64(value)

	req.Templates = make(map[TemplateID][]byte, len(presignOrder))
	for range presignOrder {
		id, err := codec.ReadUint8(r)
		if err != nil {
			return err
		}
		raw, err := codec.ReadBytes(r)
		if err != nil {
			return err
		}
		req.Templates[TemplateID(id)] = raw
	}

	count, err := codec.ReadUint8(r)
	if err != nil {
		return err
	}
	req.ClaimedSigHashes = make(map[TemplateID][32]byte, count)
	for i := 0; i < int(count); i++ {
		id, err := codec.ReadUint8(r)
		if err != nil {
			return err
		}
		var h [32]byte
		if err := codec.ReadFixed(r, h[:]); err != nil {
			return err
		}
		req.ClaimedSigHashes[TemplateID(id)] = h
	}
	return nil
}

// MsgType implements codec.Message.
func (b *SigBundle) MsgType() codec.MessageType {
	return codec.MsgSigBundle
}

// Encode writes the canonical bundle body.
func (b *SigBundle) Encode(w io.Writer) error {
	if err := codec.WriteString(w, b.LoanID); err != nil {
		return err
	}
	if err := codec.WriteUint8(w, uint8(b.Signer)); err != nil {
		return err
	}
	if err := codec.WriteFixed(w, b.SpendInfoHash[:]); err != nil {
		return err
	}
	if err := codec.WriteUint16(w, uint16(len(b.Sigs))); err != nil {
		return err
	}
	for _, entry := range b.Sigs {
		if err := codec.WriteUint8(w, uint8(entry.Template)); err != nil {
			return err
		}
		if err := codec.WriteUint32(w, entry.Input); err != nil {
			return err
		}
		if err := codec.WriteFixed(w, entry.Sig[:]); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads a bundle body.
func (b *SigBundle) Decode(r io.Reader, version byte) error {
	var err error
	if b.LoanID, err = codec.ReadString(r); err != nil {
		return err
	}
	signer, err := codec.ReadUint8(r)
	if err != nil {
		return err
	}
	b.Signer = Role(signer)
	if err := codec.ReadFixed(r, b.SpendInfoHash[:]); err != nil {
		return err
	}
	count, err := codec.ReadUint16(r)
	if err != nil {
		return err
	}
	b.Sigs = make([]SigEntry, count)
	for i := range b.Sigs {
		id, err := codec.ReadUint8(r)
		if err != nil {
			return err
		}
		b.Sigs[i].Template = TemplateID(id)
		if b.Sigs[i].Input, err = codec.ReadUint32(r); err != nil {
			return err
		}
		if err := codec.ReadFixed(r, b.Sigs[i].Sig[:]); err != nil {
			return err
		}
	}
	return nil
}
