// Package handlers turns chain events into community notifications and feeds
// the monitors, price graph and aggregators.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"chainwatch/internal/aggregator"
	"chainwatch/internal/borrowers"
	"chainwatch/internal/chain"
	"chainwatch/internal/format"
	"chainwatch/internal/oracle"
	"chainwatch/internal/pipeline"
	"chainwatch/internal/pricegraph"
)

// Notifier receives chat messages.
type Notifier interface {
	Broadcast(text string)
}

// Webhooks delivers operator notifications.
type Webhooks interface {
	SendWebhook(ctx context.Context, text string) bool
}

// RateChecker evaluates interest rate alert rules.
type RateChecker interface {
	CheckInterestRate(ctx context.Context, reserve, kind string, rate float64)
}

// Deps are the collaborators shared by the handlers. Borrowers, Oracle,
// Webhooks and Rates may be nil, which disables what depends on them.
type Deps struct {
	Notifier  Notifier
	Format    *format.Formatter
	Prices    *pricegraph.Graph
	Borrowers *borrowers.Monitor
	Oracle    *oracle.Monitor
	Webhooks  Webhooks
	Rates     RateChecker
}

// Options configure the handlers.
type Options struct {
	// DCAWindow is the block span over which scheduled trades are merged.
	DCAWindow uint64
	// ReferralWindows are the accrual spans of referral pot purchases.
	ReferralWindows []uint64
	// ReferralPot is the account receiving referral purchases. Empty disables the handler.
	ReferralPot string
	// NativeAsset is the asset of balances transfers.
	NativeAsset chain.AssetID
	// LendingPools restricts lending logs to these contracts. Empty accepts any emitter.
	LendingPools []common.Address
	// OracleContracts restricts oracle logs to these contracts. Empty accepts any emitter.
	OracleContracts []common.Address
	// ReserveAssets maps non-precompile reserve addresses to asset ids.
	ReserveAssets map[common.Address]chain.AssetID
	// LockdownMentions is appended to circuit breaker webhook messages.
	LockdownMentions string
	// HSMAccount is the stability module whose stableswap buys are batched.
	// Empty disables batching.
	HSMAccount string
	// HSMWindow is the batching window of HSM buys.
	HSMWindow time.Duration
}

// Handlers owns the event handlers and their aggregation state.
type Handlers struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	trades  *aggregator.Trades
	accrual *aggregator.Accrual
	hsm     *aggregator.Batch
}

// New builds the handlers.
func New(deps Deps, opts Options, logger zerolog.Logger) *Handlers {
	if deps.Prices == nil {
		deps.Prices = pricegraph.New()
	}
	if deps.Format == nil {
		deps.Format = format.New(nil, deps.Prices, format.Options{})
	}
	h := &Handlers{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "handlers").Logger(),
	}
	h.trades = aggregator.NewTrades(opts.DCAWindow, h.emitTrade, logger)
	h.accrual = aggregator.NewAccrual(opts.ReferralWindows, h.reportAccrued, logger)
	h.hsm = aggregator.NewBatch(opts.HSMWindow, h.reportHSM, logger)
	return h
}

// Register attaches every handler to p.
func (h *Handlers) Register(p *pipeline.Pipeline) {
	h.registerTrades(p)
	h.registerLiquidity(p)
	h.registerTransfers(p)
	h.registerOTC(p)
	h.registerStaking(p)
	h.registerCircuitBreaker(p)
	h.registerDCA(p)
	h.registerReferrals(p)
	h.registerLending(p)
	h.registerOracle(p)
}

// Flush emits every buffered trade, accrual window and HSM batch.
func (h *Handlers) Flush(ctx context.Context) error {
	return errors.Join(h.trades.Flush(ctx), h.accrual.Flush(ctx), h.hsm.Flush(ctx))
}

// Trades exposes the scheduled trade aggregator.
func (h *Handlers) Trades() *aggregator.Trades {
	return h.trades
}

// Accrual exposes the referral accrual windows.
func (h *Handlers) Accrual() *aggregator.Accrual {
	return h.accrual
}

func (h *Handlers) broadcast(text string) {
	if h.deps.Notifier == nil {
		h.logger.Info().Msg(text)
		return
	}
	h.deps.Notifier.Broadcast(text)
}

// swap describes a trade of sold for bought by who.
type swap struct {
	who    string
	sold   chain.Amount
	bought chain.Amount
	icon   string
	action string
}

// announceSwap records the exchange rate and broadcasts the trade. The dollar
// value is taken from whichever side is not the stablecoin.
func (h *Handlers) announceSwap(ctx context.Context, s swap) {
	f := h.deps.Format
	h.deps.Prices.RecordPrice(s.sold, s.bought)

	valued := s.sold
	if s.sold.Asset == h.usdAsset() {
		valued = s.bought
	}
	whale := f.IsWhale(ctx, valued)

	icon := s.icon
	if icon == "" {
		icon = f.Emoji(s.who)
	}
	action := s.action
	if action == "" {
		action = "swapped"
	}
	h.broadcast(fmt.Sprintf("%s %s **%s** for **%s**%s",
		f.AccountAs(icon, s.who, whale), action,
		f.Amount(ctx, s.sold), f.Amount(ctx, s.bought), f.USDSuffix(ctx, valued)))
}

func (h *Handlers) usdAsset() chain.AssetID {
	return h.deps.Format.USDAsset()
}

// account reads an account field as a lower-case string.
func account(f chain.Fields, key string) (string, error) {
	s, err := f.String(key)
	if err != nil {
		return "", err
	}
	return strings.ToLower(s), nil
}

func sameAccount(f chain.Fields, key, who string) bool {
	s, err := account(f, key)
	return err == nil && s == who
}

// notInDCA rejects trades executed as part of a DCA schedule.
func notInDCA(ev *chain.Event) bool {
	return !ev.HasSibling("ExecutionStarted")
}
