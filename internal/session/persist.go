package session

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Firefish-io/firefish-protocol/internal/chain"
	"github.com/Firefish-io/firefish-protocol/internal/codec"
	"github.com/Firefish-io/firefish-protocol/internal/escrow"
	"github.com/Firefish-io/firefish-protocol/internal/keys"
	"github.com/Firefish-io/firefish-protocol/pkg/logging"
)

// State files begin with the session-state frame: message type, then the
// one-byte API version, then the role tag and the phase-dependent body.
// Nested artifacts (offer, spend-info, bundles) are stored as frames of
// their own, so their version handling applies recursively.

// MsgType implements codec.Message.
func (b *Borrower) MsgType() codec.MessageType {
	return codec.MsgSessionState
}

// Encode writes the borrower state body at the current API version.
func (b *Borrower) Encode(w io.Writer) error {
	return b.encodeVersion(w, codec.CurrentApiVersion)
}

func (b *Borrower) encodeVersion(w io.Writer, version byte) error {
	if err := codec.WriteUint8(w, uint8(escrow.RoleBorrower)); err != nil {
		return err
	}
	if err := codec.WriteUint8(w, uint8(b.Phase)); err != nil {
		return err
	}
	if err := codec.WriteString(w, string(b.Network)); err != nil {
		return err
	}

	if b.Phase >= BorrowerOfferAccepted {
		if err := codec.WriteFrameVersion(w, codec.MsgOffer, version, func(w io.Writer) error {
			return b.Offer.EncodeVersion(w, version)
		}); err != nil {
			return err
		}
		if err := codec.WriteFixed(w, b.Pair.Bytes()); err != nil {
			return err
		}
		if err := codec.WriteSats(w, b.Acceptance.CollateralSats); err != nil {
			return err
		}
		if err := codec.WriteString(w, b.Acceptance.BorrowerReturnAddr); err != nil {
			return err
		}
		if err := codec.WriteString(w, b.Acceptance.BorrowerFeeBumpAddr); err != nil {
			return err
		}
		if err := codec.WriteUint32(w, b.Acceptance.CancelLockBlocks); err != nil {
			return err
		}
		if err := codec.WriteUint32(w, b.Acceptance.RecoverLockBlocks); err != nil {
			return err
		}
		if err := codec.WriteFrameVersion(w, codec.MsgSpendInfo, version, b.SpendInfo.Encode); err != nil {
			return err
		}
	}

	if b.Phase >= BorrowerPrefunded {
		if err := codec.WriteFixed(w, b.PrefundOutPoint.Hash[:]); err != nil {
			return err
		}
		if err := codec.WriteUint32(w, b.PrefundOutPoint.Index); err != nil {
			return err
		}
		if err := codec.WriteSats(w, uint64(b.PrefundValue)); err != nil {
			return err
		}
	}

	if b.Phase >= BorrowerEscrowReady {
		if err := codec.WriteUint64(w, b.FeeRateEscrow); err != nil {
			return err
		}
		if err := codec.WriteUint64(w, b.FeeRateChildren); err != nil {
			return err
		}
	}

	if b.Phase >= BorrowerSigned {
		if err := codec.WriteFrameVersion(w, codec.MsgSigBundle, version, b.TedOBundle.Encode); err != nil {
			return err
		}
		if err := codec.WriteFrameVersion(w, codec.MsgSigBundle, version, b.TedPBundle.Encode); err != nil {
			return err
		}
		if err := codec.WriteFixed(w, b.EscrowTxID[:]); err != nil {
			return err
		}
	}

	return nil
}

// Decode reads a borrower state body. Version 0 bodies upgrade in place
// through the nested offer frame's own decoding.
func (b *Borrower) Decode(r io.Reader, version byte) error {
	role, err := codec.ReadUint8(r)
	if err != nil {
		return err
	}
	if escrow.Role(role) != escrow.RoleBorrower {
		return fmt.Errorf("%w: file holds %s state", ErrWrongRole, escrow.Role(role))
	}

	phase, err := codec.ReadUint8(r)
	if err != nil {
		return err
	}
	if BorrowerPhase(phase) > BorrowerBroadcast {
		return fmt.Errorf("%w: unknown phase %d", codec.ErrBadFrame, phase)
	}
	b.Phase = BorrowerPhase(phase)

	networkStr, err := codec.ReadString(r)
	if err != nil {
		return err
	}
	b.Network = chain.Network(networkStr)
	if !chain.Valid(b.Network) {
		return fmt.Errorf("%w: %q", chain.ErrUnknownNetwork, b.Network)
	}

	if b.Phase >= BorrowerOfferAccepted {
		b.Offer = &escrow.Offer{}
		if err := codec.ReadFrame(r, b.Offer); err != nil {
			return err
		}
		var priv [32]byte
		if err := codec.ReadFixed(r, priv[:]); err != nil {
			return err
		}
		if b.Pair, err = keys.PairFromBytes(priv[:]); err != nil {
			return err
		}
		acc := &escrow.Acceptance{}
		if acc.CollateralSats, err = codec.ReadSats(r); err != nil {
			return err
		}
		if acc.BorrowerReturnAddr, err = codec.ReadString(r); err != nil {
			return err
		}
		if acc.BorrowerFeeBumpAddr, err = codec.ReadString(r); err != nil {
			return err
		}
		if acc.CancelLockBlocks, err = codec.ReadUint32(r); err != nil {
			return err
		}
		if acc.RecoverLockBlocks, err = codec.ReadUint32(r); err != nil {
			return err
		}
		b.Acceptance = acc

		b.SpendInfo = &escrow.SpendInfo{}
		if err := codec.ReadFrame(r, b.SpendInfo); err != nil {
			return err
		}
	}

	if b.Phase >= BorrowerPrefunded {
		if err := codec.ReadFixed(r, b.PrefundOutPoint.Hash[:]); err != nil {
			return err
		}
		if b.PrefundOutPoint.Index, err = codec.ReadUint32(r); err != nil {
			return err
		}
		value, err := codec.ReadSats(r)
		if err != nil {
			return err
		}
		b.PrefundValue = int64(value)
	}

	if b.Phase >= BorrowerEscrowReady {
		if b.FeeRateEscrow, err = codec.ReadUint64(r); err != nil {
			return err
		}
		if b.FeeRateChildren, err = codec.ReadUint64(r); err != nil {
			return err
		}
	}

	if b.Phase >= BorrowerSigned {
		b.TedOBundle = &escrow.SigBundle{}
		if err := codec.ReadFrame(r, b.TedOBundle); err != nil {
			return err
		}
		b.TedPBundle = &escrow.SigBundle{}
		if err := codec.ReadFrame(r, b.TedPBundle); err != nil {
			return err
		}
		if err := codec.ReadFixed(r, b.EscrowTxID[:]); err != nil {
			return err
		}
	}

	return nil
}

// MsgType implements codec.Message.
func (wit *Witness) MsgType() codec.MessageType {
	return codec.MsgSessionState
}

// Encode writes the witness state body at the current API version.
func (wit *Witness) Encode(w io.Writer) error {
	return wit.encodeVersion(w, codec.CurrentApiVersion)
}

func (wit *Witness) encodeVersion(w io.Writer, version byte) error {
	if err := codec.WriteUint8(w, uint8(wit.Role)); err != nil {
		return err
	}
	if err := codec.WriteUint8(w, uint8(wit.Phase)); err != nil {
		return err
	}
	if err := codec.WriteString(w, string(wit.Network)); err != nil {
		return err
	}

	if wit.Phase >= WitnessOfferAssigned {
		if err := codec.WriteFrameVersion(w, codec.MsgOffer, version, func(w io.Writer) error {
			return wit.Offer.EncodeVersion(w, version)
		}); err != nil {
			return err
		}
		if err := codec.WriteFixed(w, wit.Pair.Bytes()); err != nil {
			return err
		}
	}

	if wit.Phase >= WitnessSpendInfoVerified {
		if err := codec.WriteFrameVersion(w, codec.MsgSpendInfo, version, wit.SpendInfo.Encode); err != nil {
			return err
		}
	}

	if wit.Phase >= WitnessPresigned {
		if err := codec.WriteFixed(w, wit.EscrowTxID[:]); err != nil {
			return err
		}
	}

	return nil
}

// Decode reads a witness state body.
func (wit *Witness) Decode(r io.Reader, version byte) error {
	role, err := codec.ReadUint8(r)
	if err != nil {
		return err
	}
	switch escrow.Role(role) {
	case escrow.RoleTedO, escrow.RoleTedP:
		wit.Role = escrow.Role(role)
	case escrow.RoleBorrower:
		return fmt.Errorf("%w: file holds borrower state", ErrWrongRole)
	default:
		// A fresh witness has not learned its role yet.
		if role != 0 {
			return fmt.Errorf("%w: unknown role %d", codec.ErrBadFrame, role)
		}
	}

	phase, err := codec.ReadUint8(r)
	if err != nil {
		return err
	}
	if WitnessPhase(phase) > WitnessPresigned {
		return fmt.Errorf("%w: unknown phase %d", codec.ErrBadFrame, phase)
	}
	wit.Phase = WitnessPhase(phase)

	networkStr, err := codec.ReadString(r)
	if err != nil {
		return err
	}
	wit.Network = chain.Network(networkStr)
	if !chain.Valid(wit.Network) {
		return fmt.Errorf("%w: %q", chain.ErrUnknownNetwork, wit.Network)
	}

	if wit.Phase >= WitnessOfferAssigned {
		wit.Offer = &escrow.Offer{}
		if err := codec.ReadFrame(r, wit.Offer); err != nil {
			return err
		}
		var priv [32]byte
		if err := codec.ReadFixed(r, priv[:]); err != nil {
			return err
		}
		if wit.Pair, err = keys.PairFromBytes(priv[:]); err != nil {
			return err
		}
	}

	if wit.Phase >= WitnessSpendInfoVerified {
		wit.SpendInfo = &escrow.SpendInfo{}
		if err := codec.ReadFrame(r, wit.SpendInfo); err != nil {
			return err
		}
	}

	if wit.Phase >= WitnessPresigned {
		if err := codec.ReadFixed(r, wit.EscrowTxID[:]); err != nil {
			return err
		}
	}

	return nil
}

// Save atomically writes a session state file: temp file in the same
// directory, fsync, rename. An advisory .lock file guards against two
// concurrent invocations on the same state; it is best-effort only and
// correctness never depends on it.
func Save(path string, state codec.Message) error {
	release, err := acquireLock(path)
	if err != nil {
		logging.Warn("state file appears locked, proceeding", "path", path, "err", err)
	} else {
		defer release()
	}

	var buf bytes.Buffer
	if err := codec.WriteFrame(&buf, state); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("chmod state: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// LoadBorrower reads a borrower state file. Files written at an API
// version above the current one are refused.
func LoadBorrower(path string) (*Borrower, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	b := &Borrower{}
	if err := codec.ReadFrame(bytes.NewReader(data), b); err != nil {
		return nil, err
	}
	return b, nil
}

// LoadWitness reads a witness state file.
func LoadWitness(path string) (*Witness, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	w := &Witness{}
	if err := codec.ReadFrame(bytes.NewReader(data), w); err != nil {
		return nil, err
	}
	return w, nil
}

// Upgrade rewrites a state file blob at the current API version. A v0
// blob has its single liquidator address promoted into the
// {default, liquidation} pair by the nested offer decoding.
func Upgrade(data []byte) ([]byte, error) {
	state, err := decodeAny(data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := codec.WriteFrame(&buf, state); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Downgrade rewrites a current state blob at version 0, for audit of the
// upgrade path. It fails when the state is not v0-representable (i.e.
// the liquidation address genuinely differs from the default address).
func Downgrade(data []byte) ([]byte, error) {
	state, err := decodeAny(data)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	switch s := state.(type) {
	case *Borrower:
		err = codec.WriteFrameVersion(&buf, codec.MsgSessionState, 0, func(w io.Writer) error {
			return s.encodeVersion(w, 0)
		})
	case *Witness:
		err = codec.WriteFrameVersion(&buf, codec.MsgSessionState, 0, func(w io.Writer) error {
			return s.encodeVersion(w, 0)
		})
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeAny sniffs the role tag to pick the concrete state type.
func decodeAny(data []byte) (codec.Message, error) {
	// Frame header is 3 bytes; the role tag follows.
	if len(data) < 4 {
		return nil, codec.ErrBadFrame
	}
	if escrow.Role(data[3]) == escrow.RoleBorrower {
		b := &Borrower{}
		if err := codec.ReadFrame(bytes.NewReader(data), b); err != nil {
			return nil, err
		}
		return b, nil
	}
	w := &Witness{}
	if err := codec.ReadFrame(bytes.NewReader(data), w); err != nil {
		return nil, err
	}
	return w, nil
}

// acquireLock creates the advisory lock file next to a state file.
func acquireLock(path string) (func(), error) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	f.Close()
	return func() { os.Remove(lockPath) }, nil
}
