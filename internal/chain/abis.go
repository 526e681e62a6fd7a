package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	lendingPoolABIJSON = `[
{"anonymous":false,"inputs":[{"indexed":true,"name":"reserve","type":"address"},{"indexed":false,"name":"user","type":"address"},{"indexed":true,"name":"onBehalfOf","type":"address"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":true,"name":"referralCode","type":"uint16"}],"name":"Supply","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"name":"reserve","type":"address"},{"indexed":true,"name":"user","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"Withdraw","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"name":"reserve","type":"address"},{"indexed":false,"name":"user","type":"address"},{"indexed":true,"name":"onBehalfOf","type":"address"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"interestRateMode","type":"uint8"},{"indexed":false,"name":"borrowRate","type":"uint256"},{"indexed":true,"name":"referralCode","type":"uint16"}],"name":"Borrow","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"name":"reserve","type":"address"},{"indexed":true,"name":"user","type":"address"},{"indexed":true,"name":"repayer","type":"address"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"useATokens","type":"bool"}],"name":"Repay","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"name":"collateralAsset","type":"address"},{"indexed":true,"name":"debtAsset","type":"address"},{"indexed":true,"name":"user","type":"address"},{"indexed":false,"name":"debtToCover","type":"uint256"},{"indexed":false,"name":"liquidatedCollateralAmount","type":"uint256"},{"indexed":false,"name":"liquidator","type":"address"},{"indexed":false,"name":"receiveAToken","type":"bool"}],"name":"LiquidationCall","type":"event"},
{"inputs":[{"name":"user","type":"address"}],"name":"getUserAccountData","outputs":[{"name":"totalCollateralBase","type":"uint256"},{"name":"totalDebtBase","type":"uint256"},{"name":"availableBorrowsBase","type":"uint256"},{"name":"currentLiquidationThreshold","type":"uint256"},{"name":"ltv","type":"uint256"},{"name":"healthFactor","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

	oracleABIJSON = `[
{"anonymous":false,"inputs":[{"indexed":false,"name":"key","type":"string"},{"indexed":false,"name":"value","type":"uint128"},{"indexed":false,"name":"timestamp","type":"uint128"}],"name":"OracleUpdate","type":"event"}
]`

	erc20ABIJSON = `[
{"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`
)

// Section and method under which the EVM source publishes raw logs.
const (
	SectionEVM = "evm"
	MethodLog  = "Log"
	FieldLog   = "log"
)

var (
	// LendingPoolABI covers the Aave-style pool events and account query.
	LendingPoolABI abi.ABI
	// OracleABI covers the DIA-style OracleUpdate event.
	OracleABI abi.ABI
	// ERC20ABI covers the metadata getters used for asset resolution.
	ERC20ABI abi.ABI

	// ErrUnknownEvent is returned when a log does not belong to the interface.
	ErrUnknownEvent = errors.New("chain: log does not match interface")
)

func init() {
	LendingPoolABI = mustParseABI("lending pool", lendingPoolABIJSON)
	OracleABI = mustParseABI("oracle", oracleABIJSON)
	ERC20ABI = mustParseABI("erc20", erc20ABIJSON)
}

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}

// DecodedLog is an EVM log decoded against a known interface.
type DecodedLog struct {
	Name    string
	Address common.Address
	Args    map[string]any
	Raw     *types.Log
}

// AddressArg returns an address-typed argument.
func (d *DecodedLog) AddressArg(name string) (common.Address, error) {
	v, ok := d.Args[name]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrMissingField, name)
	}
	addr, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s is %T", ErrFieldType, name, v)
	}
	return addr, nil
}

// Fields exposes decoded arguments through the typed accessors.
func (d *DecodedLog) Fields() Fields {
	return Fields(d.Args)
}

// DecodeLog resolves the log's event by topic and unpacks indexed and data arguments.
func DecodeLog(contract abi.ABI, lg *types.Log) (*DecodedLog, error) {
	if lg == nil || len(lg.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	ev, err := contract.EventByID(lg.Topics[0])
	if err != nil {
		return nil, ErrUnknownEvent
	}

	args := make(map[string]any, len(ev.Inputs))
	if len(lg.Data) > 0 {
		if err := ev.Inputs.NonIndexed().UnpackIntoMap(args, lg.Data); err != nil {
			return nil, fmt.Errorf("unpack %s data: %w", ev.Name, err)
		}
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if len(lg.Topics)-1 < len(indexed) {
			return nil, fmt.Errorf("decode %s topics: have %d want %d", ev.Name, len(lg.Topics)-1, len(indexed))
		}
		if err := abi.ParseTopicsIntoMap(args, indexed, lg.Topics[1:]); err != nil {
			return nil, fmt.Errorf("decode %s topics: %w", ev.Name, err)
		}
	}

	return &DecodedLog{Name: ev.Name, Address: lg.Address, Args: args, Raw: lg}, nil
}
