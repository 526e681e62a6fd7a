package handlers

import (
	"context"
	"fmt"
	"strings"

	"chainwatch/internal/aggregator"
	"chainwatch/internal/chain"
	"chainwatch/internal/pipeline"
)

func (h *Handlers) registerTransfers(p *pipeline.Pipeline) {
	p.On("currencies", "Transferred", h.whaleTransfer, pipeline.Requires(Schema["currencies.Transferred"]...))
}

// whaleTransfer announces transfers worth at least the whale threshold,
// except those that are legs of an xyk trade.
func (h *Handlers) whaleTransfer(ctx context.Context, p pipeline.Payload) error {
	for _, s := range p.Siblings() {
		if s.Section == "xyk" {
			return nil
		}
	}
	amt, err := p.Fields.Amount("currencyId", "amount")
	if err != nil {
		return err
	}
	f := h.deps.Format
	if !f.IsWhale(ctx, amt) {
		return nil
	}
	from, err := account(p.Fields, "from")
	if err != nil {
		return err
	}
	to, err := account(p.Fields, "to")
	if err != nil {
		return err
	}
	h.broadcast(fmt.Sprintf("%s transferred %s to %s @here",
		f.Account(from, true), f.Asset(ctx, amt), f.Account(to, true)))
	return nil
}

func (h *Handlers) registerOTC(p *pipeline.Pipeline) {
	p.On("otc", "Placed", h.otcPlaced, pipeline.Requires(Schema["otc.Placed"]...)).
		On("otc", "Filled", h.otcFilled, pipeline.Requires(Schema["otc.Filled"]...)).
		On("otc", "PartiallyFilled", h.otcFilled, pipeline.Requires(Schema["otc.PartiallyFilled"]...))
}

func (h *Handlers) otcPlaced(ctx context.Context, p pipeline.Payload) error {
	reserved := p.FindSibling("Reserved", nil)
	if reserved == nil {
		return fmt.Errorf("otc order: reservation not found")
	}
	who, err := account(reserved.Fields, "who")
	if err != nil {
		return err
	}
	want, err := p.Fields.Amount("assetIn", "amountIn")
	if err != nil {
		return err
	}
	give, err := p.Fields.Amount("assetOut", "amountOut")
	if err != nil {
		return err
	}
	f := h.deps.Format
	h.broadcast(fmt.Sprintf("%s wants to buy **%s** for **%s**",
		f.Account(who, false), f.Amount(ctx, want), f.Amount(ctx, give)))
	return nil
}

// otcFilled reads the two transfers preceding the fill: the nearest one is
// what the filler bought, the one before it what they paid.
func (h *Handlers) otcFilled(ctx context.Context, p pipeline.Payload) error {
	who, err := account(p.Fields, "who")
	if err != nil {
		return err
	}
	var legs []chain.Amount
	before := p.Preceding()
	for i := len(before) - 1; i >= 0 && len(legs) < 2; i-- {
		if before[i].Method != "Transfer" {
			continue
		}
		amt, err := h.transferAmount(before[i].Fields)
		if err != nil {
			return err
		}
		legs = append(legs, amt)
	}
	if len(legs) < 2 {
		return fmt.Errorf("otc fill by %s: expected 2 transfers, found %d", who, len(legs))
	}
	bought, paid := legs[0], legs[1]
	f := h.deps.Format
	h.broadcast(fmt.Sprintf("%s swapped **%s** for **%s** OTC",
		f.Account(who, false), f.Amount(ctx, paid), f.Amount(ctx, bought)))
	return nil
}

// transferAmount reads a transfer, defaulting to the native asset when the
// event carries no currency.
func (h *Handlers) transferAmount(f chain.Fields) (chain.Amount, error) {
	if _, ok := f["currencyId"]; ok {
		return f.Amount("currencyId", "amount")
	}
	v, err := f.Decimal("amount")
	if err != nil {
		return chain.Amount{}, err
	}
	return chain.Amount{Asset: h.opts.NativeAsset, Value: v}, nil
}

func (h *Handlers) registerStaking(p *pipeline.Pipeline) {
	p.On("staking", "PositionCreated", h.stakingMessage("stake", "staked"), pipeline.Requires(Schema["staking.PositionCreated"]...)).
		On("staking", "StakeAdded", h.stakingMessage("stake", "staked"), pipeline.Requires(Schema["staking.StakeAdded"]...)).
		On("staking", "RewardsClaimed", h.stakingMessage("paidRewards", "claimed"), pipeline.Requires(Schema["staking.RewardsClaimed"]...)).
		On("staking", "Unstaked", h.stakingMessage("unlockedStake", "unstaked"), pipeline.Requires(Schema["staking.Unstaked"]...))
}

func (h *Handlers) stakingMessage(field, verb string) pipeline.Handler {
	return func(ctx context.Context, p pipeline.Payload) error {
		who, err := account(p.Fields, "who")
		if err != nil {
			return err
		}
		v, err := p.Fields.Decimal(field)
		if err != nil {
			return err
		}
		f := h.deps.Format
		h.broadcast(fmt.Sprintf("%s %s **%s**", f.Account(who, false), verb,
			f.Amount(ctx, chain.Amount{Asset: h.opts.NativeAsset, Value: v})))
		return nil
	}
}

func (h *Handlers) registerCircuitBreaker(p *pipeline.Pipeline) {
	p.On("circuitBreaker", "AssetLockdown", h.assetLockdown, pipeline.Requires(Schema["circuitBreaker.AssetLockdown"]...))
}

// assetLockdown goes to the chat and, with mentions, to the operator webhooks.
func (h *Handlers) assetLockdown(ctx context.Context, p pipeline.Payload) error {
	asset, err := p.Fields.Asset("assetId")
	if err != nil {
		return err
	}
	until, err := p.Fields.Uint64("until")
	if err != nil {
		return err
	}
	remaining := int64(until) - int64(p.BlockNumber)
	msg := fmt.Sprintf("🔒 **Circuit Breaker Triggered**: Asset **%s** (%s) locked until block #%d (~%d blocks remaining)",
		h.deps.Format.Symbol(ctx, asset), asset, until, remaining)
	h.broadcast(msg)

	if h.deps.Webhooks != nil {
		hook := strings.TrimSpace(msg + " " + h.opts.LockdownMentions)
		if !h.deps.Webhooks.SendWebhook(ctx, hook) {
			h.logger.Warn().Str("asset", asset.String()).Msg("lockdown webhook not delivered")
		}
	}
	return nil
}

func (h *Handlers) registerReferrals(p *pipeline.Pipeline) {
	if h.opts.ReferralPot == "" {
		return
	}
	pot := strings.ToLower(h.opts.ReferralPot)
	toPot := func(ev *chain.Event) bool { return sameAccount(ev.Fields, "to", pot) }
	p.OnFilter("balances", "Transfer", toPot, h.referralPurchase, pipeline.Requires(Schema["balances.Transfer"]...))
}

func (h *Handlers) referralPurchase(ctx context.Context, p pipeline.Payload) error {
	v, err := p.Fields.Decimal("amount")
	if err != nil {
		return err
	}
	return h.accrual.Add(ctx, v, p.BlockNumber)
}

func (h *Handlers) reportAccrued(ctx context.Context, a aggregator.Accrued) error {
	f := h.deps.Format
	amt := chain.Amount{Asset: h.opts.NativeAsset, Value: a.Amount}
	h.broadcast(fmt.Sprintf("💸 %s bought for rewards (Window: %d blocks)", f.Asset(ctx, amt), a.Window))
	return nil
}
