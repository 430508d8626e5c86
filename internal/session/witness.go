package session

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/Firefish-io/firefish-protocol/internal/chain"
	"github.com/Firefish-io/firefish-protocol/internal/escrow"
	"github.com/Firefish-io/firefish-protocol/internal/keys"
	"github.com/Firefish-io/firefish-protocol/pkg/logging"
)

// WitnessPhase enumerates the witness state machine, shared by TED-O and
// TED-P. Transitions are forward-only.
type WitnessPhase uint8

const (
	WitnessFresh WitnessPhase = iota
	WitnessOfferAssigned
	WitnessSpendInfoVerified
	WitnessPresigned
)

// String returns the phase name.
func (p WitnessPhase) String() string {
	switch p {
	case WitnessFresh:
		return "fresh"
	case WitnessOfferAssigned:
		return "offer-assigned"
	case WitnessSpendInfoVerified:
		return "spend-info-verified"
	case WitnessPresigned:
		return "presigned"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// Witness is a TED-side session: the witness keypair, the assigned
// offer, and — once learned and verified — the spend-info and the escrow
// txid.
type Witness struct {
	Phase   WitnessPhase
	Role    escrow.Role
	Network chain.Network

	Offer     *escrow.Offer
	Pair      *keys.Pair
	SpendInfo *escrow.SpendInfo

	EscrowTxID chainhash.Hash

	log *logging.Logger
}

// NewWitness starts a fresh witness session.
func NewWitness(network chain.Network) (*Witness, error) {
	if !chain.Valid(network) {
		return nil, fmt.Errorf("%w: %q", chain.ErrUnknownNetwork, network)
	}
	return &Witness{
		Phase:   WitnessFresh,
		Network: network,
	}, nil
}

func (w *Witness) logger() *logging.Logger {
	if w.log == nil {
		w.log = logging.GetDefault().With("role", w.Role.String())
	}
	return w.log
}

func (w *Witness) require(phase WitnessPhase, op string) error {
	if w.Phase != phase {
		return fmt.Errorf("%w: %s requires %s, session is %s",
			ErrInvalidState, op, phase, w.Phase)
	}
	return nil
}

// AssignOffer consumes the platform offer and the witness's keypair.
// The keypair's public key must appear in the offer; which slot it
// matches determines the witness role for the rest of the session.
func (w *Witness) AssignOffer(offer *escrow.Offer, pair *keys.Pair) error {
	if err := w.require(WitnessFresh, "offer assign"); err != nil {
		return err
	}
	if err := offer.Validate(); err != nil {
		return err
	}
	if offer.Network != w.Network {
		return fmt.Errorf("%w: offer targets %s, session is %s",
			escrow.ErrNetworkMismatch, offer.Network, w.Network)
	}

	switch pair.PubKey() {
	case offer.TedOPub:
		w.Role = escrow.RoleTedO
	case offer.TedPPub:
		w.Role = escrow.RoleTedP
	default:
		return escrow.ErrKeyNotInOffer
	}

	w.Offer = offer
	w.Pair = pair
	w.Phase = WitnessOfferAssigned

	w.logger().Info("offer assigned", "loan", offer.ID)
	return nil
}

// SetSpendInfo imports the borrower's spend-info, recomputing every
// output script from the offer and rejecting on any byte of drift. No
// signature is ever produced before this verification passes.
func (w *Witness) SetSpendInfo(si *escrow.SpendInfo) error {
	if err := w.require(WitnessOfferAssigned, "set spend-info"); err != nil {
		return err
	}
	if err := si.Verify(w.Offer); err != nil {
		return err
	}

	w.SpendInfo = si
	w.Phase = WitnessSpendInfoVerified

	hash, err := si.Hash()
	if err != nil {
		return err
	}
	w.logger().Info("spend-info verified", "hash", fmt.Sprintf("%x", hash[:8]))
	return nil
}

// Presign consumes the borrower's presign request, rebuilds the template
// set, recomputes every sighash, and produces this witness's signature
// bundle. The signatures are only valid for the template set derived
// from the verified spend-info.
func (w *Witness) Presign(req *escrow.PresignRequest) (*escrow.SigBundle, error) {
	if err := w.require(WitnessSpendInfoVerified, "presign"); err != nil {
		return nil, err
	}

	set, err := req.RebuildTemplates(w.Offer, w.SpendInfo)
	if err != nil {
		return nil, err
	}

	bundle, err := escrow.Presign(set, w.Pair, w.Role, w.SpendInfo)
	if err != nil {
		return nil, err
	}

	w.EscrowTxID = set.EscrowOutPoint.Hash
	w.Phase = WitnessPresigned

	w.logger().Info("presigned", "escrow_txid", w.EscrowTxID.String(), "sigs", len(bundle.Sigs))
	return bundle, nil
}
