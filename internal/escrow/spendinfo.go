package escrow

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/Firefish-io/firefish-protocol/internal/chain"
	"github.com/Firefish-io/firefish-protocol/internal/codec"
	"github.com/Firefish-io/firefish-protocol/internal/keys"
	"github.com/Firefish-io/firefish-protocol/internal/script"
	"github.com/Firefish-io/firefish-protocol/pkg/helpers"
)

// Acceptance holds the borrower-chosen parameters of a loan.
type Acceptance struct {
	// CollateralSats is the amount the borrower locks up.
	CollateralSats uint64

	// BorrowerReturnAddr receives the collateral on repayment, cancel
	// and recovery.
	BorrowerReturnAddr string

	// BorrowerFeeBumpAddr funds fee bumps on the repayment transaction.
	BorrowerFeeBumpAddr string

	// CancelLockBlocks is the relative timelock (blocks) on the prefund
	// cancel path.
	CancelLockBlocks uint32

	// RecoverLockBlocks is the relative timelock (blocks) on the escrow
	// recovery path, on top of the offer's absolute escrow lock.
	RecoverLockBlocks uint32
}

// Validate checks the acceptance against an offer.
func (a *Acceptance) Validate(offer *Offer) error {
	if a.CollateralSats == 0 {
		return fmt.Errorf("%w: zero collateral", ErrInvalidOffer)
	}
	if a.CancelLockBlocks == 0 || a.CancelLockBlocks > script.MaxCSVBlocks {
		return fmt.Errorf("%w: cancel lock %d blocks out of range", ErrInvalidOffer, a.CancelLockBlocks)
	}
	if a.RecoverLockBlocks == 0 || a.RecoverLockBlocks > script.MaxCSVBlocks {
		return fmt.Errorf("%w: recover lock %d blocks out of range", ErrInvalidOffer, a.RecoverLockBlocks)
	}
	if err := chain.ValidateAddress(a.BorrowerReturnAddr, offer.Network); err != nil {
		return fmt.Errorf("%w: return address: %v", ErrInvalidOffer, err)
	}
	if err := chain.ValidateAddress(a.BorrowerFeeBumpAddr, offer.Network); err != nil {
		return fmt.Errorf("%w: fee-bump address: %v", ErrInvalidOffer, err)
	}
	return nil
}

// SpendInfo is the public artifact that finalizes the funding address:
// the borrower's key, the collateral amount, the derived contract
// scripts and the relative timelocks. Both witnesses must verify it
// byte-for-byte before signing anything.
type SpendInfo struct {
	LoanID         string
	Network        chain.Network
	BorrowerPub    keys.PubKey
	CollateralSats uint64

	// Contract leaf scripts, in fixed order.
	RepaymentScript   []byte
	LiquidationScript []byte
	RecoveryScript    []byte
	CancelScript      []byte

	CancelLockBlocks  uint32
	RecoverLockBlocks uint32
}

// AcceptOffer performs the borrower side of offer acceptance: validates
// the offer for the requested network and time, derives the contract
// scripts from the borrower's fresh keypair, and returns the spend-info.
func AcceptOffer(offer *Offer, acc *Acceptance, borrower *keys.Pair, network chain.Network, now time.Time) (*SpendInfo, error) {
	if err := offer.CheckAcceptable(network, now); err != nil {
		return nil, err
	}
	if err := acc.Validate(offer); err != nil {
		return nil, err
	}

	contract, err := script.DeriveContract(
		borrower.PubKey(), offer.TedOPub, offer.TedPPub,
		offer.EscrowLock, acc.CancelLockBlocks, acc.RecoverLockBlocks,
	)
	if err != nil {
		return nil, fmt.Errorf("derive contract: %w", err)
	}

	return &SpendInfo{
		LoanID:            offer.ID,
		Network:           offer.Network,
		BorrowerPub:       borrower.PubKey(),
		CollateralSats:    acc.CollateralSats,
		RepaymentScript:   contract.Repayment,
		LiquidationScript: contract.Liquidation,
		RecoveryScript:    contract.Recovery,
		CancelScript:      contract.Cancel,
		CancelLockBlocks:  acc.CancelLockBlocks,
		RecoverLockBlocks: acc.RecoverLockBlocks,
	}, nil
}

// Contract rebuilds the script.Contract from the carried scripts.
func (si *SpendInfo) Contract() *script.Contract {
	return script.RestoreContract(
		si.BorrowerPub,
		si.RepaymentScript, si.LiquidationScript, si.RecoveryScript, si.CancelScript,
	)
}

// FundingAddress returns the prefund (funding) address. Byte-identical
// across all three parties for the same spend-info.
func (si *SpendInfo) FundingAddress() (string, error) {
	tree, err := si.Contract().PrefundTree()
	if err != nil {
		return "", err
	}
	return tree.Address(si.Network)
}

// EscrowAddress returns the escrow output address.
func (si *SpendInfo) EscrowAddress() (string, error) {
	tree, err := si.Contract().EscrowTree()
	if err != nil {
		return "", err
	}
	return tree.Address(si.Network)
}

// Verify recomputes every contract script from the offer and the
// spend-info's own key/locks, and rejects any byte of drift. This is the
// witness-side defence: a tampered liquidator address or swapped key
// changes a script and fails here, before any signature is produced.
func (si *SpendInfo) Verify(offer *Offer) error {
	if si.LoanID != offer.ID {
		return fmt.Errorf("%w: loan id %q != offer id %q", ErrSpendInfoMismatch, si.LoanID, offer.ID)
	}
	if si.Network != offer.Network {
		return fmt.Errorf("%w: network %q != offer network %q", ErrSpendInfoMismatch, si.Network, offer.Network)
	}
	if si.CollateralSats == 0 {
		return fmt.Errorf("%w: zero collateral", ErrSpendInfoMismatch)
	}

	contract, err := script.DeriveContract(
		si.BorrowerPub, offer.TedOPub, offer.TedPPub,
		offer.EscrowLock, si.CancelLockBlocks, si.RecoverLockBlocks,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpendInfoMismatch, err)
	}

	if !helpers.BytesEqual(contract.Repayment, si.RepaymentScript) {
		return fmt.Errorf("%w: repayment script differs", ErrSpendInfoMismatch)
	}
	if !helpers.BytesEqual(contract.Liquidation, si.LiquidationScript) {
		return fmt.Errorf("%w: liquidation script differs", ErrSpendInfoMismatch)
	}
	if !helpers.BytesEqual(contract.Recovery, si.RecoveryScript) {
		return fmt.Errorf("%w: recovery script differs", ErrSpendInfoMismatch)
	}
	if !helpers.BytesEqual(contract.Cancel, si.CancelScript) {
		return fmt.Errorf("%w: cancel script differs", ErrSpendInfoMismatch)
	}
	return nil
}

// Hash returns the SHA-256 of the canonical encoding. All three session
// files for a loan must agree on this hash.
func (si *SpendInfo) Hash() ([32]byte, error) {
	var buf bytes.Buffer
	if err := si.Encode(&buf); err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(buf.Bytes()), nil
}

// MsgType implements codec.Message.
func (si *SpendInfo) MsgType() codec.MessageType {
	return codec.MsgSpendInfo
}

// Encode writes the canonical spend-info body.
func (si *SpendInfo) Encode(w io.Writer) error {
	if err := codec.WriteString(w, si.LoanID); err != nil {
		return err
	}
	if err := codec.WriteString(w, string(si.Network)); err != nil {
		return err
	}
	if err := codec.WriteFixed(w, si.BorrowerPub[:]); err != nil {
		return err
	}
	if err := codec.WriteSats(w, si.CollateralSats); err != nil {
		return err
	}
	for _, s := range [][]byte{si.RepaymentScript, si.LiquidationScript, si.RecoveryScript, si.CancelScript} {
		if err := codec.WriteBytes(w, s); err != nil {
			return err
		}
	}
	if err := codec.WriteUint32(w, si.CancelLockBlocks); err != nil {
		return err
	}
	return codec.WriteUint32(w, si.RecoverLockBlocks)
}

// Decode reads a spend-info body.
func (si *SpendInfo) Decode(r io.Reader, version byte) error {
	var err error
	if si.LoanID, err = codec.ReadString(r); err != nil {
		return err
	}
	networkStr, err := codec.ReadString(r)
	if err != nil {
		return err
	}
	si.Network = chain.Network(networkStr)
	if err := codec.ReadFixed(r, si.BorrowerPub[:]); err != nil {
		return err
	}
	if _, err := keys.ParsePubKey(si.BorrowerPub[:]); err != nil {
		return err
	}
	if si.CollateralSats, err = codec.ReadSats(r); err != nil {
		return err
	}
	for _, dst := range []*[]byte{&si.RepaymentScript, &si.LiquidationScript, &si.RecoveryScript, &si.CancelScript} {
		if *dst, err = codec.ReadBytes(r); err != nil {
			return err
		}
	}
	if si.CancelLockBlocks, err = codec.ReadUint32(r); err != nil {
		return err
	}
	si.RecoverLockBlocks, err = codec.ReadUint32(r)
	return err
}
