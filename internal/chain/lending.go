package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// AccountData is a lending position converted to the pool's base unit.
type AccountData struct {
	TotalCollateralBase  decimal.Decimal
	TotalDebtBase        decimal.Decimal
	AvailableBorrowsBase decimal.Decimal
	LiquidationThreshold decimal.Decimal
	LTV                  decimal.Decimal
	HealthFactor         decimal.Decimal
}

// LendingPool queries Aave-style pools for position health.
type LendingPool struct {
	caller ethereum.ContractCaller
}

// NewLendingPool wraps a contract caller.
func NewLendingPool(caller ethereum.ContractCaller) *LendingPool {
	return &LendingPool{caller: caller}
}

// UserAccountData calls getUserAccountData. Base figures carry 8 decimals, the
// health factor 18 and the percentages 2.
func (p *LendingPool) UserAccountData(ctx context.Context, pool, user common.Address) (AccountData, error) {
	if user == (common.Address{}) {
		return AccountData{}, errors.New("invalid user address")
	}

	payload, err := LendingPoolABI.Pack("getUserAccountData", user)
	if err != nil {
		return AccountData{}, err
	}

	res, err := p.caller.CallContract(ctx, ethereum.CallMsg{To: &pool, Data: payload}, nil)
	if err != nil {
		return AccountData{}, fmt.Errorf("getUserAccountData %s: %w", user.Hex(), err)
	}

	outputs, err := LendingPoolABI.Unpack("getUserAccountData", res)
	if err != nil {
		return AccountData{}, err
	}
	if len(outputs) != 6 {
		return AccountData{}, errors.New("unexpected getUserAccountData response")
	}

	values := make([]*big.Int, len(outputs))
	for i, out := range outputs {
		v, ok := out.(*big.Int)
		if !ok {
			return AccountData{}, errors.New("failed to decode getUserAccountData output")
		}
		values[i] = v
	}

	return AccountData{
		TotalCollateralBase:  decimal.NewFromBigInt(values[0], -8),
		TotalDebtBase:        decimal.NewFromBigInt(values[1], -8),
		AvailableBorrowsBase: decimal.NewFromBigInt(values[2], -8),
		LiquidationThreshold: decimal.NewFromBigInt(values[3], -2),
		LTV:                  decimal.NewFromBigInt(values[4], -2),
		HealthFactor:         decimal.NewFromBigInt(values[5], -18),
	}, nil
}
