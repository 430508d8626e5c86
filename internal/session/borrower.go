// Package session implements the per-role protocol state machines and
// their persisted state files. A borrower session and a witness session
// are distinct types sharing no operations: the two roles never overlap
// and conflating them invites exactly the bugs this split prevents.
//
// Sessions are strictly single-threaded: created at offer time, mutated
// exactly once per transition, dead once a finalized transaction is
// broadcast. Persistence is one binary file per (session, role).
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/Firefish-io/firefish-protocol/internal/chain"
	"github.com/Firefish-io/firefish-protocol/internal/escrow"
	"github.com/Firefish-io/firefish-protocol/internal/keys"
	"github.com/Firefish-io/firefish-protocol/pkg/logging"
)

// Session errors
var (
	ErrInvalidState = errors.New("operation invalid in current state")
	ErrWrongRole    = errors.New("state file belongs to a different role")
	ErrNotAcked     = errors.New("recover transaction backup not acknowledged")
)

// BackupAck is the exact confirmation line a host must collect from the
// user before the escrow transaction is released.
const BackupAck = "I have backed it up"

// BorrowerPhase enumerates the borrower state machine. Transitions are
// forward-only.
type BorrowerPhase uint8

const (
	BorrowerFresh BorrowerPhase = iota
	BorrowerOfferAccepted
	BorrowerPrefunded
	BorrowerEscrowReady
	BorrowerSigned
	BorrowerBroadcast
)

// String returns the phase name.
func (p BorrowerPhase) String() string {
	switch p {
	case BorrowerFresh:
		return "fresh"
	case BorrowerOfferAccepted:
		return "offer-accepted"
	case BorrowerPrefunded:
		return "prefunded"
	case BorrowerEscrowReady:
		return "escrow-ready"
	case BorrowerSigned:
		return "signed"
	case BorrowerBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// Borrower is the borrower-side session. It carries the witness public
// keys (inside the offer) and the assembled spend-info, and after the
// ceremony the verified witness signature bundles.
type Borrower struct {
	Phase   BorrowerPhase
	Network chain.Network

	Offer      *escrow.Offer
	Pair       *keys.Pair
	Acceptance *escrow.Acceptance
	SpendInfo  *escrow.SpendInfo

	PrefundOutPoint wire.OutPoint
	PrefundValue    int64

	FeeRateEscrow   uint64
	FeeRateChildren uint64

	TedOBundle *escrow.SigBundle
	TedPBundle *escrow.SigBundle
	EscrowTxID chainhash.Hash

	log *logging.Logger
}

// NewBorrower starts a fresh borrower session on a network.
func NewBorrower(network chain.Network) (*Borrower, error) {
	if !chain.Valid(network) {
		return nil, fmt.Errorf("%w: %q", chain.ErrUnknownNetwork, network)
	}
	return &Borrower{
		Phase:   BorrowerFresh,
		Network: network,
		log:     logging.GetDefault().With("role", "borrower"),
	}, nil
}

func (b *Borrower) logger() *logging.Logger {
	if b.log == nil {
		b.log = logging.GetDefault().With("role", "borrower")
	}
	return b.log
}

// require guards a transition's entry phase.
func (b *Borrower) require(phase BorrowerPhase, op string) error {
	if b.Phase != phase {
		return fmt.Errorf("%w: %s requires %s, session is %s",
			ErrInvalidState, op, phase, b.Phase)
	}
	return nil
}

// AcceptOffer consumes the platform offer and the borrower-chosen
// parameters, generates the single-use borrower keypair, and derives the
// spend-info. Returns the funding address the wallet must pay.
func (b *Borrower) AcceptOffer(offer *escrow.Offer, acc *escrow.Acceptance, now time.Time) (string, error) {
	if err := b.require(BorrowerFresh, "offer accept"); err != nil {
		return "", err
	}

	pair, err := keys.NewPair()
	if err != nil {
		return "", err
	}

	si, err := escrow.AcceptOffer(offer, acc, pair, b.Network, now)
	if err != nil {
		return "", err
	}
	addr, err := si.FundingAddress()
	if err != nil {
		return "", err
	}

	b.Offer = offer
	b.Pair = pair
	b.Acceptance = acc
	b.SpendInfo = si
	b.Phase = BorrowerOfferAccepted

	b.logger().Info("offer accepted", "loan", offer.ID, "funding", addr)
	return addr, nil
}

// SetPrefund consumes the wallet-signed prefund transaction, locating
// the contract output in it.
func (b *Borrower) SetPrefund(prefundTx *wire.MsgTx) error {
	if err := b.require(BorrowerOfferAccepted, "prefund set"); err != nil {
		return err
	}

	tree, err := b.SpendInfo.Contract().PrefundTree()
	if err != nil {
		return err
	}
	vout, value, err := escrow.FindContractOutput(prefundTx, tree.PkScript())
	if err != nil {
		return err
	}

	b.PrefundOutPoint = wire.OutPoint{Hash: prefundTx.TxHash(), Index: vout}
	b.PrefundValue = value
	b.Phase = BorrowerPrefunded

	b.logger().Info("prefund located", "outpoint", b.PrefundOutPoint.String(), "value", value)
	return nil
}

// templateParams assembles the construction parameters from session
// state.
func (b *Borrower) templateParams() *escrow.TemplateParams {
	return &escrow.TemplateParams{
		PrefundOutPoint:    b.PrefundOutPoint,
		PrefundValue:       b.PrefundValue,
		BorrowerReturnAddr: b.Acceptance.BorrowerReturnAddr,
		FeeRateEscrow:      b.FeeRateEscrow,
		FeeRateChildren:    b.FeeRateChildren,
	}
}

// Templates rebuilds the deterministic template set from session state.
// Valid from EscrowReady onward.
func (b *Borrower) Templates() (*escrow.TemplateSet, error) {
	if b.Phase < BorrowerEscrowReady {
		return nil, fmt.Errorf("%w: templates not derived yet", ErrInvalidState)
	}
	return escrow.BuildTemplates(b.Offer, b.SpendInfo, b.templateParams())
}

// BuildPresignRequest fixes the fee rates, derives the full template set
// and emits the presign request for the witnesses.
func (b *Borrower) BuildPresignRequest(feeRateEscrow, feeRateChildren uint64) (*escrow.PresignRequest, error) {
	if err := b.require(BorrowerPrefunded, "escrow init"); err != nil {
		return nil, err
	}

	b.FeeRateEscrow = feeRateEscrow
	b.FeeRateChildren = feeRateChildren

	set, err := escrow.BuildTemplates(b.Offer, b.SpendInfo, b.templateParams())
	if err != nil {
		b.FeeRateEscrow, b.FeeRateChildren = 0, 0
		return nil, err
	}
	req, err := escrow.NewPresignRequest(b.SpendInfo, set, b.templateParams())
	if err != nil {
		b.FeeRateEscrow, b.FeeRateChildren = 0, 0
		return nil, err
	}

	b.Phase = BorrowerEscrowReady
	b.logger().Info("templates derived", "escrow_txid", set.EscrowOutPoint.Hash.String())
	return req, nil
}

// Finalize consumes both witness bundles and the user's backup
// acknowledgement, and produces the fully signed transaction set. The
// escrow transaction is only released once the user has confirmed the
// recover transaction is backed up.
func (b *Borrower) Finalize(tedO, tedP *escrow.SigBundle, backupAck string) (*escrow.FinalizedSet, error) {
	if err := b.require(BorrowerEscrowReady, "escrow sign"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(backupAck) != BackupAck {
		return nil, ErrNotAcked
	}

	set, err := escrow.BuildTemplates(b.Offer, b.SpendInfo, b.templateParams())
	if err != nil {
		return nil, err
	}

	final, err := escrow.Finalize(set, tedO, tedP, b.Pair, b.Offer, b.SpendInfo)
	if err != nil {
		return nil, err
	}

	// Only verified bundles are persisted.
	b.TedOBundle = tedO
	b.TedPBundle = tedP
	b.EscrowTxID = final.EscrowTxID
	b.Phase = BorrowerSigned

	b.logger().Info("ceremony complete", "escrow_txid", final.EscrowTxID.String())
	return final, nil
}

// Cancel builds and signs the prefund cancel transaction. The cancel
// branch stays available from Prefunded onward, independent of ceremony
// progress.
func (b *Borrower) Cancel(feeRate uint64) (*wire.MsgTx, error) {
	if b.Phase < BorrowerPrefunded {
		return nil, fmt.Errorf("%w: cancel requires a located prefund", ErrInvalidState)
	}

	params := b.templateParams()
	params.FeeRateEscrow = feeRate
	params.FeeRateChildren = feeRate

	set, err := escrow.BuildTemplates(b.Offer, b.SpendInfo, params)
	if err != nil {
		return nil, err
	}
	tx, err := escrow.SignCancel(set.Cancel, b.Pair)
	if err != nil {
		return nil, err
	}

	b.logger().Info("cancel signed", "txid", tx.TxHash().String())
	return tx, nil
}

// Finalized re-assembles the fully signed transaction set from the
// persisted bundles. Valid from Signed onward; lets a host re-emit any
// outcome transaction in a later invocation without another ceremony.
func (b *Borrower) Finalized() (*escrow.FinalizedSet, error) {
	if b.Phase < BorrowerSigned {
		return nil, fmt.Errorf("%w: ceremony not finalized", ErrInvalidState)
	}

	set, err := escrow.BuildTemplates(b.Offer, b.SpendInfo, b.templateParams())
	if err != nil {
		return nil, err
	}
	return escrow.Finalize(set, b.TedOBundle, b.TedPBundle, b.Pair, b.Offer, b.SpendInfo)
}

// MarkBroadcast records that the escrow transaction left the core. The
// session is dead state afterwards.
func (b *Borrower) MarkBroadcast() error {
	if err := b.require(BorrowerSigned, "broadcast"); err != nil {
		return err
	}
	b.Phase = BorrowerBroadcast
	return nil
}
