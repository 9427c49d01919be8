package chaindata

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/vedhavyas/go-subkey/v2"
)

// PublicKey decodes an SS58 address or a 0x-prefixed 32 byte hex key.
func PublicKey(address string) ([]byte, error) {
	if strings.HasPrefix(address, "0x") {
		bz, err := hex.DecodeString(address[2:])
		if err != nil {
			return nil, fmt.Errorf("decode hex account %s: %w", address, err)
		}
		if len(bz) != types.AccountIDLen {
			return nil, fmt.Errorf("account %s is %d bytes, want %d", address, len(bz), types.AccountIDLen)
		}
		return bz, nil
	}
	_, pub, err := subkey.SS58Decode(address)
	if err != nil {
		return nil, fmt.Errorf("decode ss58 account %s: %w", address, err)
	}
	return pub, nil
}

// FormatAddress re-encodes any accepted address form with the network prefix.
func FormatAddress(address string, network uint16) (string, error) {
	pub, err := PublicKey(address)
	if err != nil {
		return "", err
	}
	return subkey.SS58Encode(pub, network), nil
}

func (c *Client) encode(id types.AccountID) string {
	return subkey.SS58Encode(id.ToBytes(), c.network)
}

func multiAddress(address string) (types.MultiAddress, error) {
	pub, err := PublicKey(address)
	if err != nil {
		return types.MultiAddress{}, err
	}
	return types.NewMultiAddressFromAccountID(pub)
}

func multiAddresses(addresses []string) ([]types.MultiAddress, error) {
	out := make([]types.MultiAddress, 0, len(addresses))
	for _, a := range addresses {
		m, err := multiAddress(a)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
