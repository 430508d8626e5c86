package script

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/txscript"

	"github.com/Firefish-io/firefish-protocol/internal/chain"
	"github.com/Firefish-io/firefish-protocol/internal/keys"
)

const testEscrowLock = int64(1_900_000_000)

func testKeys(t *testing.T) (borrower, tedO, tedP keys.PubKey) {
	t.Helper()
	for _, dst := range []*keys.PubKey{&borrower, &tedO, &tedP} {
		pair, err := keys.NewPair()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		*dst = pair.PubKey()
	}
	return
}

func TestRepaymentLeaf(t *testing.T) {
	borrower, _, tedP := testKeys(t)

	leaf, err := RepaymentLeaf(borrower, tedP)
	if err != nil {
		t.Fatalf("RepaymentLeaf: %v", err)
	}

	// <B> CHECKSIG <P> CHECKSIGADD 2 NUMEQUAL
	if !bytes.Contains(leaf, borrower[:]) {
		t.Error("leaf missing borrower key")
	}
	if !bytes.Contains(leaf, tedP[:]) {
		t.Error("leaf missing ted-p key")
	}
	if leaf[len(leaf)-1] != txscript.OP_NUMEQUAL {
		t.Errorf("leaf does not end in OP_NUMEQUAL: %x", leaf)
	}
	if leaf[len(leaf)-2] != txscript.OP_2 {
		t.Errorf("leaf does not require 2 signatures: %x", leaf)
	}
}

func TestRecoveryLeaf(t *testing.T) {
	borrower, _, _ := testKeys(t)

	tests := []struct {
		name          string
		escrowLock    int64
		recoverBlocks uint32
		wantErr       bool
		errContains   string
	}{
		{"valid", testEscrowLock, 12, false, ""},
		{"max csv", testEscrowLock, 0xFFFF, false, ""},
		{"block height locktime", 800_000, 12, true, "not a timestamp"},
		{"zero blocks", testEscrowLock, 0, true, "out of range"},
		{"blocks too large", testEscrowLock, 0x10000, true, "out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leaf, err := RecoveryLeaf(borrower, tt.escrowLock, tt.recoverBlocks)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrBadTimelock) {
					t.Errorf("err = %v, want ErrBadTimelock", err)
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q should contain %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Contains(leaf, borrower[:]) {
				t.Error("leaf missing borrower key")
			}
		})
	}
}

func TestCancelLeaf(t *testing.T) {
	borrower, _, _ := testKeys(t)

	if _, err := CancelLeaf(borrower, 0); !errors.Is(err, ErrBadTimelock) {
		t.Errorf("zero blocks err = %v, want ErrBadTimelock", err)
	}
	if _, err := CancelLeaf(borrower, 0x10000); !errors.Is(err, ErrBadTimelock) {
		t.Errorf("oversize blocks err = %v, want ErrBadTimelock", err)
	}

	leaf, err := CancelLeaf(borrower, 42)
	if err != nil {
		t.Fatalf("CancelLeaf: %v", err)
	}
	if leaf[len(leaf)-1] != txscript.OP_CHECKSIG {
		t.Errorf("leaf does not end in OP_CHECKSIG: %x", leaf)
	}
}

func TestDeriveContractDeterministic(t *testing.T) {
	borrower, tedO, tedP := testKeys(t)

	first, err := DeriveContract(borrower, tedO, tedP, testEscrowLock, 42, 12)
	if err != nil {
		t.Fatalf("DeriveContract: %v", err)
	}
	second, err := DeriveContract(borrower, tedO, tedP, testEscrowLock, 42, 12)
	if err != nil {
		t.Fatalf("DeriveContract: %v", err)
	}

	pairs := []struct {
		name string
		a, b []byte
	}{
		{"repayment", first.Repayment, second.Repayment},
		{"liquidation", first.Liquidation, second.Liquidation},
		{"recovery", first.Recovery, second.Recovery},
		{"cancel", first.Cancel, second.Cancel},
	}
	for _, p := range pairs {
		if !bytes.Equal(p.a, p.b) {
			t.Errorf("%s script not deterministic", p.name)
		}
	}

	addr1 := treeAddr(t, first)
	addr2 := treeAddr(t, second)
	if addr1 != addr2 {
		t.Errorf("funding address not deterministic: %s != %s", addr1, addr2)
	}
}

func treeAddr(t *testing.T, c *Contract) string {
	t.Helper()
	tree, err := c.PrefundTree()
	if err != nil {
		t.Fatalf("PrefundTree: %v", err)
	}
	addr, err := tree.Address(chain.Regtest)
	if err != nil {
		t.Fatalf("Address: %v", err)
	}
	return addr
}

func TestDeriveContractKeySensitivity(t *testing.T) {
	borrower, tedO, tedP := testKeys(t)
	otherBorrower, _, _ := testKeys(t)

	base, err := DeriveContract(borrower, tedO, tedP, testEscrowLock, 42, 12)
	if err != nil {
		t.Fatalf("DeriveContract: %v", err)
	}
	changed, err := DeriveContract(otherBorrower, tedO, tedP, testEscrowLock, 42, 12)
	if err != nil {
		t.Fatalf("DeriveContract: %v", err)
	}

	if bytes.Equal(base.Repayment, changed.Repayment) {
		t.Error("repayment script ignores the borrower key")
	}
	if treeAddr(t, base) == treeAddr(t, changed) {
		t.Error("funding address ignores the borrower key")
	}
}

func TestEscrowTree(t *testing.T) {
	borrower, tedO, tedP := testKeys(t)
	contract, err := DeriveContract(borrower, tedO, tedP, testEscrowLock, 42, 12)
	if err != nil {
		t.Fatalf("DeriveContract: %v", err)
	}

	tree, err := contract.EscrowTree()
	if err != nil {
		t.Fatalf("EscrowTree: %v", err)
	}

	if tree.NumLeaves() != 3 {
		t.Fatalf("escrow tree has %d leaves, want 3", tree.NumLeaves())
	}
	if tree.InternalKey != NUMSKey() {
		t.Error("escrow tree is not script-path only")
	}

	wantLeaves := [][]byte{contract.Repayment, contract.Liquidation, contract.Recovery}
	for i, want := range wantLeaves {
		got, err := tree.LeafScript(i)
		if err != nil {
			t.Fatalf("LeafScript(%d): %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("leaf %d out of order", i)
		}
		cb, err := tree.ControlBlock(i)
		if err != nil {
			t.Fatalf("ControlBlock(%d): %v", i, err)
		}
		// 33-byte header + internal key path; 3-leaf tree proofs carry
		// one or two 32-byte hashes.
		if len(cb) < 33 {
			t.Errorf("control block %d too short: %d bytes", i, len(cb))
		}
	}

	if _, err := tree.LeafScript(3); !errors.Is(err, ErrBadLeaf) {
		t.Errorf("out-of-range leaf err = %v, want ErrBadLeaf", err)
	}

	pkScript := tree.PkScript()
	if len(pkScript) != 34 || pkScript[0] != txscript.OP_1 {
		t.Errorf("escrow pkScript malformed: %x", pkScript)
	}
}

func TestTreeAddressPerNetwork(t *testing.T) {
	borrower, tedO, tedP := testKeys(t)
	contract, err := DeriveContract(borrower, tedO, tedP, testEscrowLock, 42, 12)
	if err != nil {
		t.Fatalf("DeriveContract: %v", err)
	}
	tree, err := contract.PrefundTree()
	if err != nil {
		t.Fatalf("PrefundTree: %v", err)
	}

	tests := []struct {
		network chain.Network
		prefix  string
	}{
		{chain.Mainnet, "bc1p"},
		{chain.Testnet, "tb1p"},
		{chain.Regtest, "bcrt1p"},
		{chain.Signet, "tb1p"},
	}
	for _, tt := range tests {
		addr, err := tree.Address(tt.network)
		if err != nil {
			t.Fatalf("Address(%s): %v", tt.network, err)
		}
		if !strings.HasPrefix(addr, tt.prefix) {
			t.Errorf("%s address %q does not start with %q", tt.network, addr, tt.prefix)
		}
	}
}

func TestWitnessShapes(t *testing.T) {
	sigA := bytes.Repeat([]byte{0xAA}, 64)
	sigB := bytes.Repeat([]byte{0xBB}, 64)
	leaf := []byte{0x51}
	cb := bytes.Repeat([]byte{0xCC}, 33)

	two := TwoKeyWitness(sigA, sigB, leaf, cb)
	if len(two) != 4 {
		t.Fatalf("two-key witness has %d elements, want 4", len(two))
	}
	// The first script key's signature is consumed first (by OP_CHECKSIG),
	// so it sits on top of the stack: [secondSig, firstSig, leaf, controlBlock].
	if !bytes.Equal(two[0], sigB) || !bytes.Equal(two[1], sigA) {
		t.Error("two-key witness signature order wrong")
	}

	single := TimelockWitness(sigA, leaf, cb)
	if len(single) != 3 {
		t.Fatalf("timelock witness has %d elements, want 3", len(single))
	}

	key := KeySpendWitness(sigA)
	if len(key) != 1 {
		t.Fatalf("key spend witness has %d elements, want 1", len(key))
	}
}
