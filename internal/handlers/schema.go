package handlers

// Schema lists, per section.method, the fields an event must carry before a
// handler sees it. Amount fields hold raw integers (*big.Int, decimal or
// decimal strings), asset fields numeric currency ids and account fields
// strings or addresses. Correlated sibling events are documented next to the
// handler reading them:
//
//	xyk.SellExecuted/BuyExecuted     siblings currencies.Transferred{from,to,currencyId,amount}
//	xyk.LiquidityRemoved             siblings currencies.Transferred{to,currencyId,amount}
//	omnipool.LiquidityRemoved        sibling currencies.Transferred{to,currencyId,amount}
//	router.Executed                  sibling transactionPayment.TransactionFeePaid{who}
//	otc.Placed                       sibling *.Reserved{who}
//	otc.Filled/PartiallyFilled       preceding *.Transfer{currencyId?,amount}, bought first
//	dca.TradeExecuted                preceding *.RouteExecuted{assetIn,assetOut,amountIn,amountOut},
//	                                 following dca.ExecutionPlanned{block}
var Schema = map[string][]string{
	"xyk.SellExecuted":     {"who"},
	"xyk.BuyExecuted":      {"who"},
	"xyk.LiquidityAdded":   {"who", "assetA", "assetB", "amountA", "amountB"},
	"xyk.LiquidityRemoved": {"who", "assetA", "assetB"},

	"omnipool.SellExecuted":     {"who", "assetIn", "assetOut", "amountIn", "amountOut"},
	"omnipool.BuyExecuted":      {"who", "assetIn", "assetOut", "amountIn", "amountOut"},
	"omnipool.LiquidityAdded":   {"who", "assetId", "amount"},
	"omnipool.LiquidityRemoved": {"who", "assetId"},

	"stableswap.SellExecuted":     {"who", "assetIn", "assetOut", "amountIn", "amountOut"},
	"stableswap.BuyExecuted":      {"who", "assetIn", "assetOut", "amountIn", "amountOut"},
	"stableswap.LiquidityAdded":   {"who", "poolId", "shares", "assets"},
	"stableswap.LiquidityRemoved": {"who", "poolId", "shares", "amounts"},

	"lbp.SellExecuted": {"who", "assetIn", "assetOut", "amount", "salePrice", "feeAsset", "feeAmount"},
	"lbp.BuyExecuted":  {"who", "assetIn", "assetOut", "amount", "buyPrice"},

	"router.Executed": {"assetIn", "assetOut", "amountIn", "amountOut"},

	"currencies.Transferred": {"from", "to", "currencyId", "amount"},
	"balances.Transfer":      {"from", "to", "amount"},

	"otc.Placed":          {"assetIn", "assetOut", "amountIn", "amountOut"},
	"otc.Filled":          {"who"},
	"otc.PartiallyFilled": {"who"},

	"staking.PositionCreated": {"who", "stake"},
	"staking.StakeAdded":      {"who", "stake"},
	"staking.RewardsClaimed":  {"who", "paidRewards"},
	"staking.Unstaked":        {"who", "unlockedStake"},

	"circuitBreaker.AssetLockdown": {"assetId", "until"},

	"dca.TradeExecuted": {"who", "id"},
	"dca.Terminated":    {"id"},
}
