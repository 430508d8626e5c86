package escrow

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	btcwire "github.com/btcsuite/btcd/wire"

	"github.com/Firefish-io/firefish-protocol/internal/chain"
	"github.com/Firefish-io/firefish-protocol/internal/keys"
)

func buildSet(t *testing.T, f *fixture) *TemplateSet {
	t.Helper()
	set, err := BuildTemplates(f.offer, f.si, f.params)
	if err != nil {
		t.Fatalf("BuildTemplates: %v", err)
	}
	return set
}

func TestBuildTemplatesStructure(t *testing.T) {
	f := newFixture(t)
	set := buildSet(t, f)

	returnScript := mustScript(t, f.acc.BorrowerReturnAddr)
	liqDefault := mustScript(t, f.offer.LiquidatorDefaultAddr)
	liqLiquidation := mustScript(t, f.offer.LiquidatorLiquidationAddr)

	tests := []struct {
		name      string
		tmpl      *Template
		spends    btcwire.OutPoint
		sequence  uint32
		lockTime  uint32
		payScript []byte
	}{
		{"cancel", set.Cancel, f.params.PrefundOutPoint, 42, 0, returnScript},
		{"escrow", set.Escrow, f.params.PrefundOutPoint, sequenceNoRBF, 0, nil},
		{"repayment", set.Repayment, set.EscrowOutPoint, sequenceNoRBF, 0, returnScript},
		{"default", set.Default, set.EscrowOutPoint, sequenceNoRBF, 0, liqDefault},
		{"liquidation", set.Liquidation, set.EscrowOutPoint, sequenceNoRBF, 0, liqLiquidation},
		{"recover", set.Recover, set.EscrowOutPoint, 12, uint32(fixEscrowLock), returnScript},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := tt.tmpl.Tx
			if len(tx.TxIn) != 1 || len(tx.TxOut) != 1 {
				t.Fatalf("%s is %d-in %d-out, want 1-in 1-out", tt.name, len(tx.TxIn), len(tx.TxOut))
			}
			if tx.Version != 2 {
				t.Errorf("version = %d, want 2", tx.Version)
			}
			if tx.TxIn[0].PreviousOutPoint != tt.spends {
				t.Errorf("spends %v, want %v", tx.TxIn[0].PreviousOutPoint, tt.spends)
			}
			if tx.TxIn[0].Sequence != tt.sequence {
				t.Errorf("sequence = %#x, want %#x", tx.TxIn[0].Sequence, tt.sequence)
			}
			if tx.LockTime != tt.lockTime {
				t.Errorf("locktime = %d, want %d", tx.LockTime, tt.lockTime)
			}
			if tt.payScript != nil && string(tx.TxOut[0].PkScript) != string(tt.payScript) {
				t.Errorf("pays %x, want %x", tx.TxOut[0].PkScript, tt.payScript)
			}
			if tx.TxOut[0].Value < dustLimit {
				t.Errorf("payout %d below dust", tx.TxOut[0].Value)
			}
			if tx.TxOut[0].Value >= tt.tmpl.PrevValue {
				t.Errorf("payout %d pays no fee from %d", tx.TxOut[0].Value, tt.tmpl.PrevValue)
			}
		})
	}

	// The outcome templates commit with SINGLE|ANYONECANPAY so fee-bump
	// inputs can be appended; escrow/cancel/recover commit to everything.
	outcome := txscript.SigHashSingle | txscript.SigHashAnyOneCanPay
	for _, tmpl := range set.Presigned() {
		if tmpl.HashType != outcome {
			t.Errorf("%s hash type = %d, want SINGLE|ANYONECANPAY", tmpl.ID, tmpl.HashType)
		}
	}
	for _, tmpl := range []*Template{set.Escrow, set.Cancel, set.Recover} {
		if tmpl.HashType != txscript.SigHashDefault {
			t.Errorf("%s hash type = %d, want DEFAULT", tmpl.ID, tmpl.HashType)
		}
	}
}

func TestBuildTemplatesDeterministic(t *testing.T) {
	f := newFixture(t)
	first := buildSet(t, f)
	second := buildSet(t, f)

	if first.EscrowOutPoint != second.EscrowOutPoint {
		t.Fatal("escrow txid differs between identical builds")
	}
	for _, id := range []TemplateID{TemplateCancel, TemplateEscrow, TemplateRepayment, TemplateDefault, TemplateLiquidation, TemplateRecover} {
		a, err := first.ByID(id)
		if err != nil {
			t.Fatal(err)
		}
		b, err := second.ByID(id)
		if err != nil {
			t.Fatal(err)
		}
		if a.TxID() != b.TxID() {
			t.Errorf("%s txid differs between identical builds", id)
		}
	}
}

func TestFundingAddressAgreement(t *testing.T) {
	f := newFixture(t)

	// The borrower derives the funding address from its acceptance; each
	// witness re-derives it from the offer plus the received spend-info.
	borrowerAddr, err := f.si.FundingAddress()
	if err != nil {
		t.Fatalf("borrower funding address: %v", err)
	}

	for _, witness := range []*keys.Pair{f.tedO, f.tedP} {
		if !f.offer.HasWitnessKey(witness.PubKey()) {
			t.Fatal("fixture witness key missing from offer")
		}
		if err := f.si.Verify(f.offer); err != nil {
			t.Fatalf("witness verify: %v", err)
		}
		witnessAddr, err := f.si.FundingAddress()
		if err != nil {
			t.Fatalf("witness funding address: %v", err)
		}
		if witnessAddr != borrowerAddr {
			t.Errorf("funding address disagreement: %s != %s", witnessAddr, borrowerAddr)
		}
	}
}

func TestDustBoundary(t *testing.T) {
	f := newFixture(t)

	// Reasonable rates succeed (checked in the fixture already); a rate
	// that eats the whole collateral must fail with ErrDust.
	params := *f.params
	params.FeeRateChildren = 1_000_000
	if _, err := BuildTemplates(f.offer, f.si, &params); !errors.Is(err, ErrDust) {
		t.Errorf("err = %v, want ErrDust", err)
	}

	params = *f.params
	params.FeeRateEscrow = 1_000_000
	if _, err := BuildTemplates(f.offer, f.si, &params); !errors.Is(err, ErrDust) {
		t.Errorf("err = %v, want ErrDust", err)
	}

	// Fee rates of zero are refused outright.
	params = *f.params
	params.FeeRateChildren = 0
	if _, err := BuildTemplates(f.offer, f.si, &params); err == nil {
		t.Error("zero fee rate accepted")
	}
}

func TestFeeScalesWithRate(t *testing.T) {
	f := newFixture(t)
	cheap := buildSet(t, f)

	params := *f.params
	params.FeeRateChildren = 20
	expensive, err := BuildTemplates(f.offer, f.si, &params)
	if err != nil {
		t.Fatalf("BuildTemplates: %v", err)
	}

	if expensive.Repayment.Tx.TxOut[0].Value >= cheap.Repayment.Tx.TxOut[0].Value {
		t.Error("higher fee rate did not lower the payout")
	}

	// Fee = vsize x rate: a 10x rate pays exactly 10x the fee.
	cheapFee := cheap.EscrowValue - cheap.Repayment.Tx.TxOut[0].Value
	expensiveFee := expensive.EscrowValue - expensive.Repayment.Tx.TxOut[0].Value
	if expensiveFee != cheapFee*10 {
		t.Errorf("fee did not scale linearly: %d vs %d", expensiveFee, cheapFee)
	}
}

func TestFindContractOutput(t *testing.T) {
	f := newFixture(t)
	tree, err := f.si.Contract().PrefundTree()
	if err != nil {
		t.Fatalf("PrefundTree: %v", err)
	}

	vout, value, err := FindContractOutput(f.prefundTx, tree.PkScript())
	if err != nil {
		t.Fatalf("FindContractOutput: %v", err)
	}
	if vout != 1 {
		t.Errorf("vout = %d, want 1 (change is output 0)", vout)
	}
	if value != int64(f.acc.CollateralSats) {
		t.Errorf("value = %d, want %d", value, f.acc.CollateralSats)
	}

	other := btcwire.NewMsgTx(2)
	other.AddTxOut(btcwire.NewTxOut(1000, mustScript(t, newAddr(t, chain.Regtest))))
	if _, _, err := FindContractOutput(other, tree.PkScript()); !errors.Is(err, ErrNoContractOutput) {
		t.Errorf("err = %v, want ErrNoContractOutput", err)
	}
}

func TestTemplateSetByIDUnknown(t *testing.T) {
	f := newFixture(t)
	set := buildSet(t, f)

	if _, err := set.ByID(TemplateID(99)); !errors.Is(err, ErrUnknownTemplate) {
		t.Errorf("err = %v, want ErrUnknownTemplate", err)
	}
	if _, err := set.ByID(TemplatePrefund); !errors.Is(err, ErrUnknownTemplate) {
		t.Errorf("prefund is wallet territory; err = %v, want ErrUnknownTemplate", err)
	}
}

func TestSighashDomainsDiffer(t *testing.T) {
	f := newFixture(t)
	set := buildSet(t, f)

	// Repayment and default spend the same leaf but pay different
	// outputs: their sighashes must differ so a repayment signature can
	// never finalize a default.
	repayHash, err := set.Repayment.SigHash()
	if err != nil {
		t.Fatalf("repayment sighash: %v", err)
	}
	defaultHash, err := set.Default.SigHash()
	if err != nil {
		t.Fatalf("default sighash: %v", err)
	}
	if string(repayHash) == string(defaultHash) {
		t.Error("repayment and default share a sighash")
	}
}

func TestEscrowLockMustPrecedeDefault(t *testing.T) {
	f := newFixture(t)

	if _, err := NewOffer(
		chain.Regtest, 50_000_000,
		f.offer.LiquidatorDefaultAddr, f.offer.LiquidatorLiquidationAddr, f.offer.LiquidatorFeeBumpAddr,
		fixEscrowLock, fixEscrowLock, // default_after == escrow_lock
		f.tedO.PubKey(), f.tedP.PubKey(),
	); !errors.Is(err, ErrInvalidOffer) {
		t.Errorf("err = %v, want ErrInvalidOffer", err)
	}
}
