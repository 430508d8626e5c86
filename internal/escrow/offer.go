// Package escrow implements the loan contract itself: the platform
// offer, the borrower's acceptance, the spend-info handoff, the
// transaction template set and the pre-signing ceremony.
package escrow

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/tlv"

	"github.com/Firefish-io/firefish-protocol/internal/chain"
	"github.com/Firefish-io/firefish-protocol/internal/codec"
	"github.com/Firefish-io/firefish-protocol/internal/keys"
)

// tlv record types for version-1 offer extensions.
const (
	offerTlvLiquidationAddr tlv.Type = 1
)

// Offer is the platform's loan proposal. It is created platform-side,
// serialized to an opaque string, and handed to all three parties.
type Offer struct {
	// ID uniquely identifies the loan.
	ID string

	// Network every artifact of this loan lives on.
	Network chain.Network

	// PrincipalSats is the loan principal in satoshis. Informational
	// for the collateral contract; displayed by hosts.
	PrincipalSats uint64

	// LiquidatorDefaultAddr receives the collateral on orderly default.
	LiquidatorDefaultAddr string

	// LiquidatorLiquidationAddr receives the collateral on forced
	// liquidation. Before api-version 1 this was the same address.
	LiquidatorLiquidationAddr string

	// LiquidatorFeeBumpAddr funds fee bumps on the liquidator-side
	// outcome transactions.
	LiquidatorFeeBumpAddr string

	// DefaultAfter is the absolute unix time at which default becomes
	// available. This is the protocol's timeout.
	DefaultAfter int64

	// EscrowLock is the absolute unix time anchoring the escrow
	// recovery path. Strictly earlier than DefaultAfter.
	EscrowLock int64

	// TedOPub and TedPPub are the witness public keys.
	TedOPub keys.PubKey
	TedPPub keys.PubKey
}

// NewOffer assembles and validates a platform offer, assigning a fresh
// loan ID.
func NewOffer(
	network chain.Network,
	principalSats uint64,
	liqDefaultAddr, liqLiquidationAddr, liqFeeBumpAddr string,
	defaultAfter, escrowLock int64,
	tedOPub, tedPPub keys.PubKey,
) (*Offer, error) {
	// API v0 callers pass a single liquidator address.
	if liqLiquidationAddr == "" {
		liqLiquidationAddr = liqDefaultAddr
	}

	o := &Offer{
		ID:                        uuid.New().String(),
		Network:                   network,
		PrincipalSats:             principalSats,
		LiquidatorDefaultAddr:     liqDefaultAddr,
		LiquidatorLiquidationAddr: liqLiquidationAddr,
		LiquidatorFeeBumpAddr:     liqFeeBumpAddr,
		DefaultAfter:              defaultAfter,
		EscrowLock:                escrowLock,
		TedOPub:                   tedOPub,
		TedPPub:                   tedPPub,
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Validate checks the offer's internal consistency.
func (o *Offer) Validate() error {
	if !chain.Valid(o.Network) {
		return fmt.Errorf("%w: unknown network %q", ErrInvalidOffer, o.Network)
	}
	if o.ID == "" {
		return fmt.Errorf("%w: missing loan id", ErrInvalidOffer)
	}
	if o.PrincipalSats == 0 {
		return fmt.Errorf("%w: zero principal", ErrInvalidOffer)
	}
	if o.EscrowLock >= o.DefaultAfter {
		return fmt.Errorf("%w: escrow lock %d must precede default-after %d",
			ErrInvalidOffer, o.EscrowLock, o.DefaultAfter)
	}
	if o.EscrowLock <= 0 {
		return fmt.Errorf("%w: escrow lock must be a positive timestamp", ErrInvalidOffer)
	}
	if o.TedOPub == o.TedPPub {
		return fmt.Errorf("%w: witness keys must differ", ErrInvalidOffer)
	}
	for _, addr := range []string{o.LiquidatorDefaultAddr, o.LiquidatorLiquidationAddr, o.LiquidatorFeeBumpAddr} {
		if err := chain.ValidateAddress(addr, o.Network); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOffer, err)
		}
	}
	return nil
}

// HasWitnessKey reports whether pk is one of the offer's witness keys.
func (o *Offer) HasWitnessKey(pk keys.PubKey) bool {
	return pk == o.TedOPub || pk == o.TedPPub
}

// MsgType implements codec.Message.
func (o *Offer) MsgType() codec.MessageType {
	return codec.MsgOffer
}

// Encode writes the canonical offer body. The version-0 fields come
// first in fixed order; version-1 additions ride in a trailing tlv
// stream so old readers can be upgraded deterministically.
func (o *Offer) Encode(w io.Writer) error {
	return o.EncodeVersion(w, codec.CurrentApiVersion)
}

// EncodeVersion writes the body at an explicit api version. Version 0
// is only representable when the liquidation address equals the default
// address, which is exactly the v0->v1 upgrade invariant; this is what
// makes the upgrade byte-reversible for audit.
func (o *Offer) EncodeVersion(w io.Writer, version byte) error {
	if version == 0 && o.LiquidatorLiquidationAddr != o.LiquidatorDefaultAddr {
		return fmt.Errorf("%w: distinct liquidation address cannot encode as version 0", ErrInvalidOffer)
	}
	if err := codec.WriteString(w, o.ID); err != nil {
		return err
	}
	if err := codec.WriteString(w, string(o.Network)); err != nil {
		return err
	}
	if err := codec.WriteSats(w, o.PrincipalSats); err != nil {
		return err
	}
	if err := codec.WriteString(w, o.LiquidatorDefaultAddr); err != nil {
		return err
	}
	if err := codec.WriteString(w, o.LiquidatorFeeBumpAddr); err != nil {
		return err
	}
	if err := codec.WriteUint64(w, uint64(o.DefaultAfter)); err != nil {
		return err
	}
	if err := codec.WriteUint64(w, uint64(o.EscrowLock)); err != nil {
		return err
	}
	if err := codec.WriteFixed(w, o.TedOPub[:]); err != nil {
		return err
	}
	if err := codec.WriteFixed(w, o.TedPPub[:]); err != nil {
		return err
	}

	if version == 0 {
		return nil
	}

	// The v1 extension records ride in a length-prefixed tlv blob so the
	// offer can embed in larger streams (state files) without the tlv
	// decoder running past the offer's end.
	liqAddr := []byte(o.LiquidatorLiquidationAddr)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(offerTlvLiquidationAddr, &liqAddr),
	)
	if err != nil {
		return err
	}
	var ext bytes.Buffer
	if err := stream.Encode(&ext); err != nil {
		return err
	}
	return codec.WriteBytes(w, ext.Bytes())
}

// Decode reads an offer body. A version-0 body has no tlv stream and a
// single liquidator address, which is promoted into the address pair.
func (o *Offer) Decode(r io.Reader, version byte) error {
	var err error
	if o.ID, err = codec.ReadString(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	networkStr, err := codec.ReadString(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	o.Network = chain.Network(networkStr)
	if o.PrincipalSats, err = codec.ReadSats(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	if o.LiquidatorDefaultAddr, err = codec.ReadString(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	if o.LiquidatorFeeBumpAddr, err = codec.ReadString(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	defaultAfter, err := codec.ReadUint64(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	o.DefaultAfter = int64(defaultAfter)
	escrowLock, err := codec.ReadUint64(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	o.EscrowLock = int64(escrowLock)
	if err := codec.ReadFixed(r, o.TedOPub[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	if err := codec.ReadFixed(r, o.TedPPub[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}

	if version == 0 {
		// v0 -> v1 upgrade: the single liquidator address serves both
		// outcomes.
		o.LiquidatorLiquidationAddr = o.LiquidatorDefaultAddr
		return o.Validate()
	}

	ext, err := codec.ReadBytes(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	var liqAddr []byte
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(offerTlvLiquidationAddr, &liqAddr),
	)
	if err != nil {
		return err
	}
	if err := stream.Decode(bytes.NewReader(ext)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	if len(liqAddr) == 0 {
		return fmt.Errorf("%w: missing liquidation address record", ErrInvalidOffer)
	}
	o.LiquidatorLiquidationAddr = string(liqAddr)

	return o.Validate()
}

// CheckAcceptable verifies an offer from the receiving party's point of
// view: correct network, not yet expired.
func (o *Offer) CheckAcceptable(network chain.Network, now time.Time) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.Network != network {
		return fmt.Errorf("%w: offer targets %s, caller requested %s",
			ErrNetworkMismatch, o.Network, network)
	}
	if now.Unix() >= o.DefaultAfter {
		return fmt.Errorf("%w: default-after %d already passed", ErrOfferExpired, o.DefaultAfter)
	}
	return nil
}
