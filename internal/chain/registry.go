package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
)

// ErrUnknownAsset is returned when metadata for an asset cannot be resolved.
var ErrUnknownAsset = errors.New("chain: unknown asset")

// Registry resolves currency metadata through the ERC20 precompiles and
// memoizes the results.
type Registry struct {
	caller ethereum.ContractCaller
	cache  *lru.Cache[AssetID, Asset]

	mu       sync.RWMutex
	bySymbol map[string]AssetID
}

// NewRegistry builds a registry with a bounded metadata cache.
func NewRegistry(caller ethereum.ContractCaller, size int) *Registry {
	if size <= 0 {
		size = 1024
	}
	return &Registry{
		caller:   caller,
		cache:    lru.NewCache[AssetID, Asset](size),
		bySymbol: make(map[string]AssetID),
	}
}

// Preload seeds the registry with known metadata, e.g. from configuration.
func (r *Registry) Preload(assets ...Asset) {
	for _, a := range assets {
		r.remember(a)
	}
}

func (r *Registry) remember(a Asset) {
	r.cache.Add(a.ID, a)
	r.mu.Lock()
	r.bySymbol[strings.ToUpper(a.Symbol)] = a.ID
	r.mu.Unlock()
}

// Resolve returns metadata for id.
func (r *Registry) Resolve(ctx context.Context, id AssetID) (Asset, error) {
	if a, ok := r.cache.Get(id); ok {
		return a, nil
	}
	if r.caller == nil {
		return Asset{}, fmt.Errorf("%w: %d", ErrUnknownAsset, id)
	}

	addr := AssetAddress(id)
	symbol, err := r.callString(ctx, addr, "symbol")
	if err != nil {
		return Asset{}, fmt.Errorf("%w: %d: %v", ErrUnknownAsset, id, err)
	}
	decimals, err := r.callUint8(ctx, addr, "decimals")
	if err != nil {
		return Asset{}, fmt.Errorf("%w: %d: %v", ErrUnknownAsset, id, err)
	}

	a := Asset{ID: id, Symbol: symbol, Decimals: int32(decimals)}
	r.remember(a)
	return a, nil
}

// BySymbol looks up an already resolved asset. USD is treated as USDT.
func (r *Registry) BySymbol(symbol string) (AssetID, bool) {
	s := strings.ToUpper(symbol)
	if s == "USD" {
		s = "USDT"
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySymbol[s]
	return id, ok
}

func (r *Registry) call(ctx context.Context, addr common.Address, method string) ([]any, error) {
	payload, err := ERC20ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, err
	}
	return ERC20ABI.Unpack(method, res)
}

func (r *Registry) callString(ctx context.Context, addr common.Address, method string) (string, error) {
	out, err := r.call(ctx, addr, method)
	if err != nil {
		return "", err
	}
	if len(out) != 1 {
		return "", fmt.Errorf("unexpected %s response", method)
	}
	s, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("failed to decode %s output", method)
	}
	return s, nil
}

func (r *Registry) callUint8(ctx context.Context, addr common.Address, method string) (uint8, error) {
	out, err := r.call(ctx, addr, method)
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("unexpected %s response", method)
	}
	v, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("failed to decode %s output", method)
	}
	return v, nil
}
