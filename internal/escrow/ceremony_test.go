package escrow

import (
	"bytes"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	btcwire "github.com/btcsuite/btcd/wire"

	"github.com/Firefish-io/firefish-protocol/internal/codec"
)

// runCeremony drives the full presigning flow for a fixture: request,
// witness rebuild + presign, borrower finalize.
func runCeremony(t *testing.T, f *fixture) (*TemplateSet, *SigBundle, *SigBundle, *FinalizedSet) {
	t.Helper()

	set := buildSet(t, f)
	req, err := NewPresignRequest(f.si, set, f.params)
	if err != nil {
		t.Fatalf("NewPresignRequest: %v", err)
	}

	// Each witness rebuilds the templates independently and signs.
	oSet, err := req.RebuildTemplates(f.offer, f.si)
	if err != nil {
		t.Fatalf("ted-o RebuildTemplates: %v", err)
	}
	oBundle, err := Presign(oSet, f.tedO, RoleTedO, f.si)
	if err != nil {
		t.Fatalf("ted-o Presign: %v", err)
	}

	pSet, err := req.RebuildTemplates(f.offer, f.si)
	if err != nil {
		t.Fatalf("ted-p RebuildTemplates: %v", err)
	}
	pBundle, err := Presign(pSet, f.tedP, RoleTedP, f.si)
	if err != nil {
		t.Fatalf("ted-p Presign: %v", err)
	}

	final, err := Finalize(set, oBundle, pBundle, f.borrower, f.offer, f.si)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return set, oBundle, pBundle, final
}

func TestCeremonyCompletes(t *testing.T) {
	f := newFixture(t)
	set, oBundle, pBundle, final := runCeremony(t, f)

	if len(oBundle.Sigs) != 3 || len(pBundle.Sigs) != 3 {
		t.Fatalf("bundles carry %d/%d sigs, want 3/3", len(oBundle.Sigs), len(pBundle.Sigs))
	}

	if final.EscrowTxID != set.EscrowOutPoint.Hash {
		t.Error("finalized escrow txid differs from the template chain")
	}

	// Witness stack shapes: key spend, two-key leaves, single-key leaf.
	if n := len(final.EscrowTx.TxIn[0].Witness); n != 1 {
		t.Errorf("escrow witness has %d elements, want 1 (key spend)", n)
	}
	twoKey := map[string]int{
		"repayment":   len(final.RepaymentTx.TxIn[0].Witness),
		"default":     len(final.DefaultTx.TxIn[0].Witness),
		"liquidation": len(final.LiquidationTx.TxIn[0].Witness),
	}
	for name, n := range twoKey {
		if n != 4 {
			t.Errorf("%s witness has %d elements, want 4", name, n)
		}
	}
	if n := len(final.RecoverTx.TxIn[0].Witness); n != 3 {
		t.Errorf("recover witness has %d elements, want 3", n)
	}

	// Outcome signatures carry the explicit SINGLE|ANYONECANPAY byte.
	sig := final.RepaymentTx.TxIn[0].Witness[0]
	if len(sig) != 65 || sig[64] != byte(txscript.SigHashSingle|txscript.SigHashAnyOneCanPay) {
		t.Errorf("repayment witness signature is %d bytes (last %#x)", len(sig), sig[len(sig)-1])
	}
	// Recover uses SIGHASH_DEFAULT: bare 64-byte signature.
	if n := len(final.RecoverTx.TxIn[0].Witness[0]); n != 64 {
		t.Errorf("recover signature is %d bytes, want 64", n)
	}
}

func TestVerifyBundle(t *testing.T) {
	f := newFixture(t)
	set, oBundle, pBundle, _ := runCeremony(t, f)

	if err := VerifyBundle(oBundle, set, f.offer, f.si); err != nil {
		t.Errorf("valid ted-o bundle rejected: %v", err)
	}
	if err := VerifyBundle(pBundle, set, f.offer, f.si); err != nil {
		t.Errorf("valid ted-p bundle rejected: %v", err)
	}

	t.Run("flipped signature bit", func(t *testing.T) {
		bad := *pBundle
		bad.Sigs = append([]SigEntry{}, pBundle.Sigs...)
		bad.Sigs[0].Sig[10] ^= 0x01
		if err := VerifyBundle(&bad, set, f.offer, f.si); !errors.Is(err, ErrBadSignature) {
			t.Errorf("err = %v, want ErrBadSignature", err)
		}
	})

	t.Run("claimed wrong role", func(t *testing.T) {
		bad := *pBundle
		bad.Signer = RoleTedO
		if err := VerifyBundle(&bad, set, f.offer, f.si); !errors.Is(err, ErrBadSignature) {
			t.Errorf("err = %v, want ErrBadSignature", err)
		}
	})

	t.Run("missing template signature", func(t *testing.T) {
		bad := *pBundle
		bad.Sigs = bad.Sigs[:1]
		if err := VerifyBundle(&bad, set, f.offer, f.si); !errors.Is(err, ErrMissingSignature) {
			t.Errorf("err = %v, want ErrMissingSignature", err)
		}
	})
}

func TestBundleDoesNotVerifyAgainstOtherTemplateSet(t *testing.T) {
	f := newFixture(t)
	_, oBundle, pBundle, _ := runCeremony(t, f)

	// A different children fee rate changes every outcome payout and so
	// every presigned sighash (the escrow txid stays the same): T2 != T1.
	params := *f.params
	params.FeeRateChildren = 5
	otherSet, err := BuildTemplates(f.offer, f.si, &params)
	if err != nil {
		t.Fatalf("BuildTemplates: %v", err)
	}

	if err := VerifyBundle(oBundle, otherSet, f.offer, f.si); !errors.Is(err, ErrBadSignature) {
		t.Errorf("ted-o bundle err = %v, want ErrBadSignature", err)
	}
	if err := VerifyBundle(pBundle, otherSet, f.offer, f.si); !errors.Is(err, ErrBadSignature) {
		t.Errorf("ted-p bundle err = %v, want ErrBadSignature", err)
	}
}

func TestRebuildTemplatesRejectsTampering(t *testing.T) {
	f := newFixture(t)
	set := buildSet(t, f)

	freshRequest := func() *PresignRequest {
		req, err := NewPresignRequest(f.si, set, f.params)
		if err != nil {
			t.Fatalf("NewPresignRequest: %v", err)
		}
		return req
	}

	t.Run("default pays attacker", func(t *testing.T) {
		req := freshRequest()
		// Redirect the default payout to the borrower's own address.
		tampered := set.Default.Tx.Copy()
		tampered.TxOut[0].PkScript = mustScript(t, f.acc.BorrowerReturnAddr)
		raw := serializeTx(t, tampered)
		req.Templates[TemplateDefault] = raw
		if _, err := req.RebuildTemplates(f.offer, f.si); !errors.Is(err, ErrMalformedTx) {
			t.Errorf("err = %v, want ErrMalformedTx", err)
		}
	})

	t.Run("claimed sighash lies", func(t *testing.T) {
		req := freshRequest()
		h := req.ClaimedSigHashes[TemplateRepayment]
		h[0] ^= 0xFF
		req.ClaimedSigHashes[TemplateRepayment] = h
		if _, err := req.RebuildTemplates(f.offer, f.si); !errors.Is(err, ErrSighashMismatch) {
			t.Errorf("err = %v, want ErrSighashMismatch", err)
		}
	})

	t.Run("spend-info hash mismatch", func(t *testing.T) {
		req := freshRequest()
		req.SpendInfoHash[0] ^= 0xFF
		if _, err := req.RebuildTemplates(f.offer, f.si); !errors.Is(err, ErrSpendInfoMismatch) {
			t.Errorf("err = %v, want ErrSpendInfoMismatch", err)
		}
	})

	t.Run("missing template", func(t *testing.T) {
		req := freshRequest()
		delete(req.Templates, TemplateLiquidation)
		if _, err := req.RebuildTemplates(f.offer, f.si); !errors.Is(err, ErrMalformedTx) {
			t.Errorf("err = %v, want ErrMalformedTx", err)
		}
	})
}

func TestSpendInfoVerifyRejectsTampering(t *testing.T) {
	f := newFixture(t)

	if err := f.si.Verify(f.offer); err != nil {
		t.Fatalf("authentic spend-info rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*SpendInfo)
	}{
		{"repayment script", func(si *SpendInfo) { si.RepaymentScript[5] ^= 0x01 }},
		{"liquidation script", func(si *SpendInfo) { si.LiquidationScript[5] ^= 0x01 }},
		{"recovery script", func(si *SpendInfo) { si.RecoveryScript[5] ^= 0x01 }},
		{"cancel lock", func(si *SpendInfo) { si.CancelLockBlocks++ }},
		{"loan id", func(si *SpendInfo) { si.LoanID = "other-loan" }},
		{"network", func(si *SpendInfo) { si.Network = "mainnet" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := *f.si
			tampered.RepaymentScript = append([]byte{}, f.si.RepaymentScript...)
			tampered.LiquidationScript = append([]byte{}, f.si.LiquidationScript...)
			tampered.RecoveryScript = append([]byte{}, f.si.RecoveryScript...)
			tampered.CancelScript = append([]byte{}, f.si.CancelScript...)
			tt.mutate(&tampered)
			if err := tampered.Verify(f.offer); !errors.Is(err, ErrSpendInfoMismatch) {
				t.Errorf("err = %v, want ErrSpendInfoMismatch", err)
			}
		})
	}
}

func TestPresignRejectsWrongRole(t *testing.T) {
	f := newFixture(t)
	set := buildSet(t, f)

	if _, err := Presign(set, f.borrower, RoleBorrower, f.si); err == nil {
		t.Error("borrower allowed to presign")
	}
}

func TestFinalizeRejectsSwappedBundles(t *testing.T) {
	f := newFixture(t)
	set, oBundle, pBundle, _ := runCeremony(t, f)

	if _, err := Finalize(set, pBundle, oBundle, f.borrower, f.offer, f.si); err == nil {
		t.Error("swapped bundles accepted")
	}
}

func TestPresignRequestRoundTrip(t *testing.T) {
	f := newFixture(t)
	set := buildSet(t, f)
	req, err := NewPresignRequest(f.si, set, f.params)
	if err != nil {
		t.Fatalf("NewPresignRequest: %v", err)
	}

	wrapped, err := codec.MarshalB64(req)
	if err != nil {
		t.Fatalf("MarshalB64: %v", err)
	}
	decoded := &PresignRequest{}
	if err := codec.UnmarshalB64(wrapped, decoded); err != nil {
		t.Fatalf("UnmarshalB64: %v", err)
	}

	again, err := codec.MarshalB64(decoded)
	if err != nil {
		t.Fatalf("MarshalB64: %v", err)
	}
	if again != wrapped {
		t.Error("presign request re-serialization not byte-identical")
	}

	// The decoded request still rebuilds and verifies.
	if _, err := decoded.RebuildTemplates(f.offer, f.si); err != nil {
		t.Errorf("decoded request does not rebuild: %v", err)
	}
}

func TestSigBundleRoundTrip(t *testing.T) {
	f := newFixture(t)
	set, oBundle, _, _ := runCeremony(t, f)

	wrapped, err := codec.MarshalB64(oBundle)
	if err != nil {
		t.Fatalf("MarshalB64: %v", err)
	}
	decoded := &SigBundle{}
	if err := codec.UnmarshalB64(wrapped, decoded); err != nil {
		t.Fatalf("UnmarshalB64: %v", err)
	}

	if decoded.Signer != RoleTedO || decoded.LoanID != oBundle.LoanID {
		t.Error("bundle round trip lost identity")
	}
	if err := VerifyBundle(decoded, set, f.offer, f.si); err != nil {
		t.Errorf("decoded bundle does not verify: %v", err)
	}

	again, err := codec.MarshalB64(decoded)
	if err != nil {
		t.Fatalf("MarshalB64: %v", err)
	}
	if again != wrapped {
		t.Error("bundle re-serialization not byte-identical")
	}
}

func serializeTx(t *testing.T, tx *btcwire.MsgTx) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}
