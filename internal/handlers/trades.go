package handlers

import (
	"context"
	"fmt"
	"strings"

	"chainwatch/internal/aggregator"
	"chainwatch/internal/chain"
	"chainwatch/internal/pipeline"
)

const lbpIcon = "⚙"

func (h *Handlers) registerTrades(p *pipeline.Pipeline) {
	p.On("xyk", "SellExecuted", h.xykTrade, pipeline.Requires(Schema["xyk.SellExecuted"]...)).
		On("xyk", "BuyExecuted", h.xykTrade, pipeline.Requires(Schema["xyk.BuyExecuted"]...)).
		On("omnipool", "SellExecuted", h.directTrade, pipeline.Requires(Schema["omnipool.SellExecuted"]...)).
		On("omnipool", "BuyExecuted", h.directTrade, pipeline.Requires(Schema["omnipool.BuyExecuted"]...)).
		OnFilter("stableswap", "SellExecuted", notInDCA, h.directTrade, pipeline.Requires(Schema["stableswap.SellExecuted"]...)).
		OnFilter("stableswap", "BuyExecuted", notInDCA, h.directTrade, pipeline.Requires(Schema["stableswap.BuyExecuted"]...),
			pipeline.Where(func(ev *chain.Event) bool { return !h.isHSM(ev) })).
		On("lbp", "SellExecuted", h.lbpSell, pipeline.Requires(Schema["lbp.SellExecuted"]...)).
		On("lbp", "BuyExecuted", h.lbpBuy, pipeline.Requires(Schema["lbp.BuyExecuted"]...)).
		OnFilter("router", "Executed", notInDCA, h.routerTrade, pipeline.Requires(Schema["router.Executed"]...))
	if h.opts.HSMAccount != "" {
		p.OnFilter("stableswap", "BuyExecuted", h.isHSM, h.hsmBuy,
			pipeline.Requires(Schema["stableswap.BuyExecuted"]...), pipeline.Named("hsm.BuyExecuted"))
	}
}

func (h *Handlers) isHSM(ev *chain.Event) bool {
	return h.opts.HSMAccount != "" && sameAccount(ev.Fields, "who", strings.ToLower(h.opts.HSMAccount))
}

// hsmBuy folds a stability module purchase into the open batch.
func (h *Handlers) hsmBuy(_ context.Context, p pipeline.Payload) error {
	s, err := tradeAmounts(p.Fields)
	if err != nil {
		return err
	}
	h.hsm.Add(aggregator.Purchase{Who: strings.ToLower(h.opts.HSMAccount), Sold: s.sold, Bought: s.bought})
	return nil
}

func (h *Handlers) reportHSM(ctx context.Context, s aggregator.Summary) error {
	f := h.deps.Format
	action := "swapped"
	if note := s.Note(); note != "" {
		action = note
	}
	h.broadcast(fmt.Sprintf("%s %s **%s** for **%s**",
		f.Account(s.Who, false), action, h.joinAmounts(ctx, s.Sold), h.joinAmounts(ctx, s.Bought)))
	return nil
}

func (h *Handlers) joinAmounts(ctx context.Context, amounts []chain.Amount) string {
	parts := make([]string, len(amounts))
	for i, a := range amounts {
		parts[i] = h.deps.Format.Amount(ctx, a)
	}
	return strings.Join(parts, " + ")
}

// xykTrade reads the traded amounts from the transfers correlated with the trade.
func (h *Handlers) xykTrade(ctx context.Context, p pipeline.Payload) error {
	who, err := account(p.Fields, "who")
	if err != nil {
		return err
	}
	soldEv := p.FindSibling("Transferred", func(e *chain.Event) bool { return sameAccount(e.Fields, "from", who) })
	boughtEv := p.FindSibling("Transferred", func(e *chain.Event) bool { return sameAccount(e.Fields, "to", who) })
	if soldEv == nil || boughtEv == nil {
		return fmt.Errorf("xyk trade of %s: correlated transfers not found", who)
	}
	sold, err := soldEv.Fields.Amount("currencyId", "amount")
	if err != nil {
		return err
	}
	bought, err := boughtEv.Fields.Amount("currencyId", "amount")
	if err != nil {
		return err
	}
	h.announceSwap(ctx, swap{who: who, sold: sold, bought: bought})
	return nil
}

func (h *Handlers) directTrade(ctx context.Context, p pipeline.Payload) error {
	who, err := account(p.Fields, "who")
	if err != nil {
		return err
	}
	s, err := tradeAmounts(p.Fields)
	if err != nil {
		return err
	}
	s.who = who
	h.announceSwap(ctx, s)
	return nil
}

// lbpSell adds the fee back to the sold amount when it was charged in the sold asset.
func (h *Handlers) lbpSell(ctx context.Context, p pipeline.Payload) error {
	who, err := account(p.Fields, "who")
	if err != nil {
		return err
	}
	sold, err := p.Fields.Amount("assetIn", "amount")
	if err != nil {
		return err
	}
	bought, err := p.Fields.Amount("assetOut", "salePrice")
	if err != nil {
		return err
	}
	fee, err := p.Fields.Amount("feeAsset", "feeAmount")
	if err != nil {
		return err
	}
	if fee.Asset == sold.Asset {
		sold.Value = sold.Value.Add(fee.Value)
	}
	h.announceSwap(ctx, swap{who: who, sold: sold, bought: bought, icon: lbpIcon})
	return nil
}

func (h *Handlers) lbpBuy(ctx context.Context, p pipeline.Payload) error {
	who, err := account(p.Fields, "who")
	if err != nil {
		return err
	}
	sold, err := p.Fields.Amount("assetIn", "amount")
	if err != nil {
		return err
	}
	bought, err := p.Fields.Amount("assetOut", "buyPrice")
	if err != nil {
		return err
	}
	h.announceSwap(ctx, swap{who: who, sold: sold, bought: bought, icon: lbpIcon})
	return nil
}

// routerTrade attributes the route to the account that paid the transaction fee.
func (h *Handlers) routerTrade(ctx context.Context, p pipeline.Payload) error {
	fee := p.FindSibling("TransactionFeePaid", nil)
	if fee == nil {
		return fmt.Errorf("router trade: fee payer not found")
	}
	who, err := account(fee.Fields, "who")
	if err != nil {
		return err
	}
	s, err := tradeAmounts(p.Fields)
	if err != nil {
		return err
	}
	s.who = who
	h.announceSwap(ctx, s)
	return nil
}

func tradeAmounts(f chain.Fields) (swap, error) {
	sold, err := f.Amount("assetIn", "amountIn")
	if err != nil {
		return swap{}, err
	}
	bought, err := f.Amount("assetOut", "amountOut")
	if err != nil {
		return swap{}, err
	}
	return swap{sold: sold, bought: bought}, nil
}
