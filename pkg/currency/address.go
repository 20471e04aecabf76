package currency

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
)

// AddressValidator checks and normalizes addresses per currency family.
// Normalized addresses are what the ledger stores and compares.
type AddressValidator struct {
	btcParams *chaincfg.Params
}

// NewAddressValidator creates a validator for the given bitcoin network
// ("mainnet", "testnet", "regtest" or "signet").
func NewAddressValidator(bitcoinNetwork string) (*AddressValidator, error) {
	params, err := bitcoinParams(bitcoinNetwork)
	if err != nil {
		return nil, err
	}
	return &AddressValidator{btcParams: params}, nil
}

// Normalize validates address for code and returns its canonical form.
// EVM addresses are returned EIP-55 checksummed.
func (v *AddressValidator) Normalize(code Code, address string) (string, error) {
	address = strings.TrimSpace(address)
	meta, ok := code.Meta()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, code)
	}
	switch meta.Family {
	case FamilyEVM:
		if !common.IsHexAddress(address) {
			return "", fmt.Errorf("%w: %q is not a hex address", ErrInvalidAddress, address)
		}
		return common.HexToAddress(address).Hex(), nil
	case FamilyBitcoin:
		addr, err := btcutil.DecodeAddress(address, v.btcParams)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		if !addr.IsForNet(v.btcParams) {
			return "", fmt.Errorf("%w: %q is not a %s address", ErrInvalidAddress, address, v.btcParams.Name)
		}
		return addr.EncodeAddress(), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupported, code)
	}
}

// Valid reports whether address parses for code.
func (v *AddressValidator) Valid(code Code, address string) bool {
	_, err := v.Normalize(code, address)
	return err == nil
}

func bitcoinParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unsupported bitcoin network: %s", network)
	}
}
