package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"chainwatch/internal/chain"
	"chainwatch/internal/pipeline"
)

// rayDecimals is the precision of lending pool rates.
const rayDecimals = 27

type lendingLog struct {
	event   string
	asset   string
	amount  string
	account string
	render  func(account, asset string) string
}

var lendingLogs = []lendingLog{
	{"Supply", "reserve", "amount", "onBehalfOf", func(a, x string) string { return a + " supplied " + x + " to 🏦" }},
	{"Withdraw", "reserve", "amount", "to", func(a, x string) string { return a + " withdrew " + x + " from 🏦" }},
	{"Borrow", "reserve", "amount", "onBehalfOf", func(a, x string) string { return a + " borrowed " + x + " from 🏦" }},
	{"Repay", "reserve", "amount", "user", func(a, x string) string { return a + " repaid " + x + " to 🏦" }},
	{"LiquidationCall", "collateralAsset", "liquidatedCollateralAmount", "user", func(a, x string) string { return "🏦 liquidated " + x + " of " + a }},
}

// positionOwner names the argument identifying the affected position per event.
var positionOwner = map[string]string{
	"Supply":          "onBehalfOf",
	"Withdraw":        "user",
	"Borrow":          "onBehalfOf",
	"Repay":           "user",
	"LiquidationCall": "user",
}

func (h *Handlers) registerLending(p *pipeline.Pipeline) {
	opts := []pipeline.ListenerOption{pipeline.FromContracts(h.opts.LendingPools...)}
	for _, l := range lendingLogs {
		handler := h.lendingMessage(l)
		if h.deps.Borrowers != nil {
			handler = h.deps.Borrowers.Handler(positionOwner[l.event], handler)
		}
		p.OnLog(chain.LendingPoolABI, l.event, handler, append(opts, pipeline.Named("lending."+l.event))...)
	}

	p.OnSection("broadcast", h.priceTick, pipeline.Named("price-tick"))
}

func (h *Handlers) lendingMessage(l lendingLog) pipeline.Handler {
	return func(ctx context.Context, p pipeline.Payload) error {
		reserve, err := p.Log.AddressArg(l.asset)
		if err != nil {
			return err
		}
		asset, ok := chain.AssetFromAddress(reserve, h.opts.ReserveAssets)
		if !ok {
			return fmt.Errorf("%s: unknown reserve %s", l.event, reserve.Hex())
		}
		value, err := p.Log.Fields().Decimal(l.amount)
		if err != nil {
			return err
		}
		who, err := p.Log.AddressArg(l.account)
		if err != nil {
			return err
		}

		f := h.deps.Format
		amt := chain.Amount{Asset: asset, Value: value}
		h.broadcast(l.render(f.Account(addressString(who), false), f.Asset(ctx, amt)))

		if l.event == "Borrow" && h.deps.Rates != nil {
			if rate, err := p.Log.Fields().Decimal("borrowRate"); err == nil {
				h.deps.Rates.CheckInterestRate(ctx, f.Symbol(ctx, asset), "borrow", rate.Shift(-rayDecimals).InexactFloat64())
			}
		}
		return nil
	}
}

// priceTick refreshes oracle comparisons and position health once per block
// carrying a price broadcast or an oracle update. Later calls in the same
// block are ignored by the monitors.
func (h *Handlers) priceTick(_ context.Context, p pipeline.Payload) error {
	if h.deps.Oracle != nil {
		h.deps.Oracle.UpdateAll(p.BlockNumber)
	}
	if h.deps.Borrowers != nil {
		h.deps.Borrowers.UpdateAll(p.BlockNumber)
	}
	return nil
}

func (h *Handlers) registerOracle(p *pipeline.Pipeline) {
	// The tick runs before the new report is queued so the refresh covers
	// the pairs known before this block.
	p.OnLog(chain.OracleABI, "OracleUpdate", h.priceTick,
		pipeline.FromContracts(h.opts.OracleContracts...), pipeline.Named("price-tick.oracle"))
	if h.deps.Oracle == nil {
		return
	}
	p.OnLog(chain.OracleABI, "OracleUpdate", h.deps.Oracle.Handler(nil),
		pipeline.FromContracts(h.opts.OracleContracts...), pipeline.Named("oracle.OracleUpdate"))
}

func addressString(a common.Address) string {
	return strings.ToLower(a.Hex())
}
