package handlers

import (
	"context"
	"fmt"

	"chainwatch/internal/chain"
	"chainwatch/internal/pipeline"
)

func (h *Handlers) registerLiquidity(p *pipeline.Pipeline) {
	p.On("xyk", "LiquidityAdded", h.xykLiquidityAdded, pipeline.Requires(Schema["xyk.LiquidityAdded"]...)).
		On("xyk", "LiquidityRemoved", h.xykLiquidityRemoved, pipeline.Requires(Schema["xyk.LiquidityRemoved"]...)).
		On("omnipool", "LiquidityAdded", h.omnipoolLiquidityAdded, pipeline.Requires(Schema["omnipool.LiquidityAdded"]...)).
		On("omnipool", "LiquidityRemoved", h.omnipoolLiquidityRemoved, pipeline.Requires(Schema["omnipool.LiquidityRemoved"]...)).
		OnFilter("stableswap", "LiquidityAdded", notInDCA, h.stableswapLiquidityAdded, pipeline.Requires(Schema["stableswap.LiquidityAdded"]...)).
		OnFilter("stableswap", "LiquidityRemoved", notInDCA, h.stableswapLiquidityRemoved, pipeline.Requires(Schema["stableswap.LiquidityRemoved"]...))
}

func (h *Handlers) xykLiquidityAdded(ctx context.Context, p pipeline.Payload) error {
	who, err := account(p.Fields, "who")
	if err != nil {
		return err
	}
	a, err := p.Fields.Amount("assetA", "amountA")
	if err != nil {
		return err
	}
	b, err := p.Fields.Amount("assetB", "amountB")
	if err != nil {
		return err
	}
	f := h.deps.Format
	h.broadcast(fmt.Sprintf("💦 liquidity added as **%s** + **%s** by %s",
		f.Amount(ctx, a), f.Amount(ctx, b), f.Account(who, false)))
	return nil
}

func (h *Handlers) xykLiquidityRemoved(ctx context.Context, p pipeline.Payload) error {
	who, err := account(p.Fields, "who")
	if err != nil {
		return err
	}
	var received []chain.Amount
	for _, s := range p.Siblings() {
		if s.Method != "Transferred" || !sameAccount(s.Fields, "to", who) {
			continue
		}
		amt, err := s.Fields.Amount("currencyId", "amount")
		if err != nil {
			return err
		}
		received = append(received, amt)
	}
	if len(received) < 2 {
		return fmt.Errorf("xyk liquidity removal of %s: expected 2 transfers, found %d", who, len(received))
	}
	f := h.deps.Format
	h.broadcast(fmt.Sprintf("🚰 liquidity removed as **%s** + **%s** by %s",
		f.Amount(ctx, received[0]), f.Amount(ctx, received[1]), f.Account(who, false)))
	return nil
}

func (h *Handlers) omnipoolLiquidityAdded(ctx context.Context, p pipeline.Payload) error {
	who, err := account(p.Fields, "who")
	if err != nil {
		return err
	}
	added, err := p.Fields.Amount("assetId", "amount")
	if err != nil {
		return err
	}
	f := h.deps.Format
	h.broadcast(fmt.Sprintf("💦 omnipool hydrated with %s by %s",
		f.Asset(ctx, added), f.Account(who, f.IsWhale(ctx, added))))
	return nil
}

func (h *Handlers) omnipoolLiquidityRemoved(ctx context.Context, p pipeline.Payload) error {
	who, err := account(p.Fields, "who")
	if err != nil {
		return err
	}
	transfer := p.FindSibling("Transferred", func(e *chain.Event) bool { return sameAccount(e.Fields, "to", who) })
	if transfer == nil {
		return fmt.Errorf("omnipool liquidity removal of %s: transfer not found", who)
	}
	removed, err := transfer.Fields.Amount("currencyId", "amount")
	if err != nil {
		return err
	}
	f := h.deps.Format
	h.broadcast(fmt.Sprintf("🚰 omnipool dehydrated of %s by %s",
		f.Asset(ctx, removed), f.Account(who, f.IsWhale(ctx, removed))))
	return nil
}

// stableswapLiquidityAdded treats a single-asset deposit as a swap into pool shares.
func (h *Handlers) stableswapLiquidityAdded(ctx context.Context, p pipeline.Payload) error {
	who, err := account(p.Fields, "who")
	if err != nil {
		return err
	}
	shares, err := p.Fields.Amount("poolId", "shares")
	if err != nil {
		return err
	}
	assets, err := p.Fields.List("assets")
	if err != nil {
		return err
	}
	if len(assets) == 1 {
		in, err := assets[0].Amount("assetId", "amount")
		if err != nil {
			return err
		}
		h.announceSwap(ctx, swap{who: who, sold: in, bought: shares})
		return nil
	}
	f := h.deps.Format
	h.broadcast(fmt.Sprintf("💦 pool hydrated for %s shares by %s",
		f.Asset(ctx, shares), f.Account(who, f.IsWhale(ctx, shares))))
	return nil
}

// stableswapLiquidityRemoved treats a single-asset withdrawal as a swap out of pool shares.
func (h *Handlers) stableswapLiquidityRemoved(ctx context.Context, p pipeline.Payload) error {
	who, err := account(p.Fields, "who")
	if err != nil {
		return err
	}
	shares, err := p.Fields.Amount("poolId", "shares")
	if err != nil {
		return err
	}
	amounts, err := p.Fields.List("amounts")
	if err != nil {
		return err
	}
	if len(amounts) == 1 {
		out, err := amounts[0].Amount("assetId", "amount")
		if err != nil {
			return err
		}
		h.announceSwap(ctx, swap{who: who, sold: shares, bought: out})
		return nil
	}
	f := h.deps.Format
	h.broadcast(fmt.Sprintf("🚰 pool dehydrated for %s shares by %s",
		f.Asset(ctx, shares), f.Account(who, f.IsWhale(ctx, shares))))
	return nil
}
