package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBlockGroupsByPhase(t *testing.T) {
	init1 := NewEvent("system", "Remarked", Initialization(), nil)
	feePaid := NewEvent("transactionPayment", "TransactionFeePaid", ApplyExtrinsic(1), Fields{"who": "alice"})
	sold := NewEvent("currencies", "Transferred", ApplyExtrinsic(1), Fields{"from": "alice"})
	init2 := NewEvent("broadcast", "Relayed", Initialization(), nil)
	trade := NewEvent("xyk", "SellExecuted", ApplyExtrinsic(1), Fields{"who": "alice"})
	other := NewEvent("balances", "Withdraw", ApplyExtrinsic(2), nil)

	block := NewBlock(42, common.HexToHash("0x01"), []*Event{init1, feePaid, sold, init2, trade, other})

	require.Len(t, block.Events, 6)
	assert.Equal(t, uint64(42), trade.BlockNumber)
	assert.Equal(t, 4, trade.Index)

	assert.Equal(t, []*Event{feePaid, sold, trade}, trade.Group())
	assert.Equal(t, []*Event{feePaid, sold}, trade.Siblings())
	assert.Equal(t, []*Event{init2}, init1.Siblings())
	assert.Empty(t, other.Siblings())

	assert.Equal(t, []*Event{feePaid}, sold.Preceding())
	assert.Equal(t, []*Event{trade}, sold.Following())
	assert.Nil(t, trade.Following())

	assert.Same(t, sold, trade.LastBefore("Transferred"))
	assert.Same(t, trade, feePaid.FirstAfter("SellExecuted"))
	assert.True(t, trade.HasSibling("TransactionFeePaid"))
	assert.False(t, trade.HasSibling("SellExecuted"))
}

func TestFieldsAccessors(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000001000000AB")
	f := Fields{
		"who":    addr,
		"name":   "alice",
		"amount": big.NewInt(1_000_000),
		"asset":  uint32(5),
		"until":  "123",
		"dec":    decimal.RequireFromString("2.5"),
	}

	who, err := f.String("who")
	require.NoError(t, err)
	assert.Equal(t, "0x00000000000000000000000000000001000000ab", who)

	amount, err := f.Amount("asset", "amount")
	require.NoError(t, err)
	assert.Equal(t, AssetID(5), amount.Asset)
	assert.True(t, amount.Value.Equal(decimal.NewFromInt(1_000_000)))

	until, err := f.Uint64("until")
	require.NoError(t, err)
	assert.Equal(t, uint64(123), until)

	d, err := f.Decimal("dec")
	require.NoError(t, err)
	assert.Equal(t, "2.5", d.String())

	_, err = f.String("missing")
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = f.Uint64("name")
	assert.ErrorIs(t, err, ErrFieldType)

	assert.ErrorIs(t, f.Require("who", "nope"), ErrMissingField)
}

func TestAssetAddressRoundTrip(t *testing.T) {
	addr := AssetAddress(222)
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000001000000de"), addr)
	assert.True(t, IsAssetAddress(addr))

	id, ok := AssetFromAddress(addr, nil)
	require.True(t, ok)
	assert.Equal(t, AssetID(222), id)

	_, ok = AssetFromAddress(common.HexToAddress("0x531a654d1696ed52e7275a8cede955e82620f99a"), nil)
	assert.False(t, ok)

	override := map[common.Address]AssetID{common.HexToAddress("0x531a654d1696ed52e7275a8cede955e82620f99a"): 222}
	id, ok = AssetFromAddress(common.HexToAddress("0x531a654d1696ed52e7275a8cede955e82620f99a"), override)
	require.True(t, ok)
	assert.Equal(t, AssetID(222), id)
}
