package chain

import (
	"bytes"
	"encoding/binary"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// AssetID is the runtime's numeric currency identifier.
type AssetID uint32

func (a AssetID) String() string {
	return strconv.FormatUint(uint64(a), 10)
}

// Amount is a raw on-chain quantity of an asset (not scaled by decimals).
type Amount struct {
	Asset AssetID
	Value decimal.Decimal
}

// Asset is currency metadata resolved by the registry.
type Asset struct {
	ID       AssetID
	Symbol   string
	Decimals int32
	Parent   *AssetID
}

// Scale converts a raw amount into whole units.
func (a Asset) Scale(raw decimal.Decimal) decimal.Decimal {
	return raw.Shift(-a.Decimals)
}

var assetAddressPrefix = common.FromHex("0x0000000000000000000000000000000100000000")[:16]

// AssetAddress maps an asset id onto its ERC20 precompile address.
func AssetAddress(id AssetID) common.Address {
	var addr common.Address
	addr[15] = 1
	binary.BigEndian.PutUint32(addr[16:], uint32(id))
	return addr
}

// IsAssetAddress reports whether addr lies in the precompile range.
func IsAssetAddress(addr common.Address) bool {
	return bytes.Equal(addr[:16], assetAddressPrefix)
}

// AssetFromAddress decodes an ERC20 precompile address. Addresses outside the
// precompile range resolve through overrides, if any.
func AssetFromAddress(addr common.Address, overrides map[common.Address]AssetID) (AssetID, bool) {
	if id, ok := overrides[addr]; ok {
		return id, true
	}
	if !IsAssetAddress(addr) {
		return 0, false
	}
	return AssetID(binary.BigEndian.Uint32(addr[16:])), true
}
