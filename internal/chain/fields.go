package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

var (
	// ErrMissingField indicates an event payload lacks a required field.
	ErrMissingField = errors.New("chain: missing event field")
	// ErrFieldType indicates a field holds a value of an unexpected type.
	ErrFieldType = errors.New("chain: unexpected field type")
)

// Fields is the named payload of an event. Values are produced by the data
// source decoder: strings, integers, *big.Int, decimal.Decimal, common.Address,
// *types.Log or nested Fields.
type Fields map[string]any

// Require checks that all keys are present.
func (f Fields) Require(keys ...string) error {
	for _, k := range keys {
		if _, ok := f[k]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingField, k)
		}
	}
	return nil
}

func (f Fields) get(key string) (any, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	return v, nil
}

// String renders account-like values (strings, addresses, stringers).
func (f Fields) String(key string) (string, error) {
	v, err := f.get(key)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case common.Address:
		return strings.ToLower(t.Hex()), nil
	case fmt.Stringer:
		return t.String(), nil
	default:
		return "", fmt.Errorf("%w: %s is %T", ErrFieldType, key, v)
	}
}

// BigInt returns integer-like values as a new *big.Int.
func (f Fields) BigInt(key string) (*big.Int, error) {
	v, err := f.get(key)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case *big.Int:
		return new(big.Int).Set(t), nil
	case decimal.Decimal:
		return t.BigInt(), nil
	case int:
		return big.NewInt(int64(t)), nil
	case int64:
		return big.NewInt(t), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(t)), nil
	case uint64:
		return new(big.Int).SetUint64(t), nil
	case float64:
		b, _ := big.NewFloat(t).Int(nil)
		return b, nil
	case string:
		b, ok := new(big.Int).SetString(t, 0)
		if !ok {
			return nil, fmt.Errorf("%w: %s=%q is not an integer", ErrFieldType, key, t)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %s is %T", ErrFieldType, key, v)
	}
}

// Decimal returns a numeric field as decimal.Decimal.
func (f Fields) Decimal(key string) (decimal.Decimal, error) {
	v, err := f.get(key)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if d, ok := v.(decimal.Decimal); ok {
		return d, nil
	}
	b, err := f.BigInt(key)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromBigInt(b, 0), nil
}

// Uint64 returns a numeric field as uint64.
func (f Fields) Uint64(key string) (uint64, error) {
	v, err := f.get(key)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case uint64:
		return t, nil
	case uint32:
		return uint64(t), nil
	case int:
		if t < 0 {
			return 0, fmt.Errorf("%w: %s is negative", ErrFieldType, key)
		}
		return uint64(t), nil
	case string:
		n, err := strconv.ParseUint(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s=%q: %v", ErrFieldType, key, t, err)
		}
		return n, nil
	}
	b, err := f.BigInt(key)
	if err != nil {
		return 0, err
	}
	if !b.IsUint64() {
		return 0, fmt.Errorf("%w: %s overflows uint64", ErrFieldType, key)
	}
	return b.Uint64(), nil
}

// Asset returns a currency id field.
func (f Fields) Asset(key string) (AssetID, error) {
	n, err := f.Uint64(key)
	if err != nil {
		return 0, err
	}
	if n > uint64(^uint32(0)) {
		return 0, fmt.Errorf("%w: %s=%d is not an asset id", ErrFieldType, key, n)
	}
	return AssetID(n), nil
}

// Amount reads an asset and amount pair.
func (f Fields) Amount(assetKey, amountKey string) (Amount, error) {
	asset, err := f.Asset(assetKey)
	if err != nil {
		return Amount{}, err
	}
	value, err := f.Decimal(amountKey)
	if err != nil {
		return Amount{}, err
	}
	return Amount{Asset: asset, Value: value}, nil
}

// List returns a nested list of payloads such as stableswap asset amounts.
func (f Fields) List(key string) ([]Fields, error) {
	v, err := f.get(key)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case []Fields:
		return t, nil
	case []map[string]any:
		out := make([]Fields, len(t))
		for i, m := range t {
			out[i] = Fields(m)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s is %T", ErrFieldType, key, v)
	}
}

// Log returns the raw EVM log carried by evm.Log events.
func (f Fields) Log() (*types.Log, bool) {
	v, ok := f[FieldLog]
	if !ok {
		return nil, false
	}
	lg, ok := v.(*types.Log)
	return lg, ok && lg != nil
}
