package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidAddress = errors.New("invalid payout address")

var evmNetworks = map[string]bool{
	"":         true,
	"ETH":      true,
	"ERC20":    true,
	"BSC":      true,
	"BEP20":    true,
	"POLYGON":  true,
	"ARBITRUM": true,
	"BASE":     true,
}

// IsEVM reports whether network uses hex account addresses.
func IsEVM(network string) bool {
	return evmNetworks[strings.ToUpper(strings.TrimSpace(network))]
}

// ValidateAddress checks a payout address for network and returns it in
// canonical form. EVM addresses come back checksummed.
func ValidateAddress(network, address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if IsEVM(network) {
		if !common.IsHexAddress(address) {
			return "", fmt.Errorf("%w: %q is not a hex address", ErrInvalidAddress, address)
		}
		addr := common.HexToAddress(address)
		if addr == (common.Address{}) {
			return "", fmt.Errorf("%w: zero address", ErrInvalidAddress)
		}
		return addr.Hex(), nil
	}
	if strings.ContainsAny(address, " \t\n") || len(address) < 20 || len(address) > 100 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return address, nil
}
