package handlers

import (
	"context"
	"fmt"

	"chainwatch/internal/aggregator"
	"chainwatch/internal/chain"
	"chainwatch/internal/pipeline"
)

func (h *Handlers) registerDCA(p *pipeline.Pipeline) {
	p.On("dca", "TradeExecuted", h.dcaTradeExecuted, pipeline.Requires(Schema["dca.TradeExecuted"]...)).
		On("dca", "Terminated", h.dcaTerminated, pipeline.Requires(Schema["dca.Terminated"]...))
}

// dcaTradeExecuted feeds one schedule execution to the trade aggregator. The
// traded amounts come from the route executed just before it and the next
// execution block from the plan emitted after it.
func (h *Handlers) dcaTradeExecuted(ctx context.Context, p pipeline.Payload) error {
	who, err := account(p.Fields, "who")
	if err != nil {
		return err
	}
	id, err := p.Fields.Uint64("id")
	if err != nil {
		return err
	}
	route := p.LastBefore("RouteExecuted")
	if route == nil {
		return fmt.Errorf("dca schedule %d: route not found", id)
	}
	s, err := tradeAmounts(route.Fields)
	if err != nil {
		return err
	}

	var next uint64
	if planned := p.FirstAfter("ExecutionPlanned"); planned != nil {
		if next, err = planned.Fields.Uint64("block"); err != nil {
			return err
		}
	}

	return h.trades.Contribute(ctx, aggregator.Contribution{
		Session:   fmt.Sprint(id),
		Who:       who,
		AssetIn:   s.sold.Asset,
		AssetOut:  s.bought.Asset,
		AmountIn:  s.sold.Value,
		AmountOut: s.bought.Value,
		Block:     p.BlockNumber,
		NextBlock: next,
	})
}

func (h *Handlers) dcaTerminated(ctx context.Context, p pipeline.Payload) error {
	id, err := p.Fields.Uint64("id")
	if err != nil {
		return err
	}
	return h.trades.Terminate(ctx, fmt.Sprint(id))
}

func (h *Handlers) emitTrade(ctx context.Context, t aggregator.Trade) error {
	h.announceSwap(ctx, swap{
		who:    t.Who,
		sold:   chain.Amount{Asset: t.AssetIn, Value: t.AmountIn},
		bought: chain.Amount{Asset: t.AssetOut, Value: t.AmountOut},
		action: t.Note(),
	})
	return nil
}
