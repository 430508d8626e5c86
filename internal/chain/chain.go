// Package chain defines the Bitcoin network parameters the protocol runs
// on. All network-specific values resolve through here; nothing else in
// the core touches chaincfg directly for address work.
package chain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Network identifies a Bitcoin network. Every serialized artifact carries
// its network; cross-network artifacts are rejected.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
	Signet  Network = "signet"
)

// Chain errors
var (
	ErrUnknownNetwork = errors.New("unknown network")
	ErrBadAddress     = errors.New("invalid address")
)

// networks maps the Network tag to btcd chain parameters. Fixed table,
// no registration at runtime.
var networks = map[Network]*chaincfg.Params{
	Mainnet: &chaincfg.MainNetParams,
	Testnet: &chaincfg.TestNet3Params,
	Regtest: &chaincfg.RegressionNetParams,
	Signet:  &chaincfg.SigNetParams,
}

// Parse converts a network name into a Network tag.
func Parse(name string) (Network, error) {
	n := Network(name)
	if _, ok := networks[n]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
	}
	return n, nil
}

// Params returns the btcd chain parameters for a network.
func Params(n Network) (*chaincfg.Params, error) {
	params, ok := networks[n]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, n)
	}
	return params, nil
}

// Valid reports whether n names a supported network.
func Valid(n Network) bool {
	_, ok := networks[n]
	return ok
}

// Bech32HRP returns the bech32 human-readable prefix for a network.
func Bech32HRP(n Network) (string, error) {
	params, err := Params(n)
	if err != nil {
		return "", err
	}
	return params.Bech32HRPSegwit, nil
}

// AddressToScript decodes a bech32/bech32m address for the given network
// and returns its scriptPubKey. Only witness outputs (SegWit v0, Taproot)
// are accepted; the protocol never pays to legacy outputs.
func AddressToScript(address string, n Network) ([]byte, error) {
	params, err := Params(n)
	if err != nil {
		return nil, err
	}

	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadAddress, address, err)
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("%w: %q is not a %s address", ErrBadAddress, address, n)
	}

	switch addr.(type) {
	case *btcutil.AddressWitnessPubKeyHash, *btcutil.AddressWitnessScriptHash, *btcutil.AddressTaproot:
	default:
		return nil, fmt.Errorf("%w: %q: only witness addresses are supported", ErrBadAddress, address)
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadAddress, address, err)
	}
	return script, nil
}

// ValidateAddress checks that an address parses for the given network.
func ValidateAddress(address string, n Network) error {
	_, err := AddressToScript(address, n)
	return err
}
