package script

import (
	"fmt"

	"github.com/Firefish-io/firefish-protocol/internal/keys"
)

// Leaf positions in the escrow tree. Order is part of the contract.
const (
	EscrowLeafRepayment = iota
	EscrowLeafLiquidation
	EscrowLeafRecovery
)

// Leaf positions in the prefund tree.
const (
	PrefundLeafCancel = iota
	PrefundLeafLiquidation
	PrefundLeafRecovery
)

// Contract holds the derived leaf scripts for one loan. These are the
// "three output scripts" carried in the spend-info, plus the prefund
// cancel script.
type Contract struct {
	Repayment   []byte
	Liquidation []byte
	Recovery    []byte
	Cancel      []byte

	borrower keys.PubKey
}

// DeriveContract computes every contract script from the party keys and
// the lock parameters.
func DeriveContract(
	borrower, tedO, tedP keys.PubKey,
	escrowLock int64,
	cancelBlocks, recoverBlocks uint32,
) (*Contract, error) {
	repayment, err := RepaymentLeaf(borrower, tedP)
	if err != nil {
		return nil, fmt.Errorf("repayment leaf: %w", err)
	}
	liquidation, err := LiquidationLeaf(tedO, tedP)
	if err != nil {
		return nil, fmt.Errorf("liquidation leaf: %w", err)
	}
	recovery, err := RecoveryLeaf(borrower, escrowLock, recoverBlocks)
	if err != nil {
		return nil, fmt.Errorf("recovery leaf: %w", err)
	}
	cancel, err := CancelLeaf(borrower, cancelBlocks)
	if err != nil {
		return nil, fmt.Errorf("cancel leaf: %w", err)
	}

	return &Contract{
		Repayment:   repayment,
		Liquidation: liquidation,
		Recovery:    recovery,
		Cancel:      cancel,
		borrower:    borrower,
	}, nil
}

// RestoreContract rebuilds a Contract from previously derived scripts
// (e.g. out of a spend-info). No validation happens here; callers that
// receive scripts from a counterparty must re-derive and compare.
func RestoreContract(borrower keys.PubKey, repayment, liquidation, recovery, cancel []byte) *Contract {
	return &Contract{
		Repayment:   repayment,
		Liquidation: liquidation,
		Recovery:    recovery,
		Cancel:      cancel,
		borrower:    borrower,
	}
}

// EscrowTree assembles the escrow output: script-path only under the
// NUMS internal key, leaves [repayment, liquidation, recovery].
func (c *Contract) EscrowTree() (*Tree, error) {
	return Assemble(NUMSKey(), c.Repayment, c.Liquidation, c.Recovery)
}

// PrefundTree assembles the prefund (funding) output. The borrower key
// is the internal key: the cooperative path that creates the escrow is a
// plain borrower key spend. Leaves [cancel, liquidation, recovery] keep
// every outcome available even if the escrow transaction never happens.
func (c *Contract) PrefundTree() (*Tree, error) {
	internal, err := c.borrower.Key()
	if err != nil {
		return nil, err
	}
	return Assemble(internal, c.Cancel, c.Liquidation, c.Recovery)
}
