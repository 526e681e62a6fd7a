// Package format renders amounts, accounts and values for chat messages.
package format

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"chainwatch/internal/chain"
	"chainwatch/internal/pricegraph"
)

// AssetResolver resolves currency metadata.
type AssetResolver interface {
	Resolve(ctx context.Context, id chain.AssetID) (chain.Asset, error)
}

// Options configure a Formatter.
type Options struct {
	// USDAsset is the stablecoin used for dollar values.
	USDAsset chain.AssetID
	// WhaleUSD is the dollar value from which an account is flagged as a whale.
	WhaleUSD decimal.Decimal
	// Emojis maps accounts to fixed emojis.
	Emojis map[string]string
}

// Formatter renders domain values. Unknown prices render as absent, never as zero.
type Formatter struct {
	assets AssetResolver
	prices *pricegraph.Graph
	opts   Options
}

// New builds a formatter.
func New(assets AssetResolver, prices *pricegraph.Graph, opts Options) *Formatter {
	return &Formatter{assets: assets, prices: prices, opts: opts}
}

// USDAsset returns the stablecoin used for dollar values.
func (f *Formatter) USDAsset() chain.AssetID {
	return f.opts.USDAsset
}

// Symbol returns the asset symbol or #id when metadata is unavailable.
func (f *Formatter) Symbol(ctx context.Context, id chain.AssetID) string {
	if f.assets != nil {
		if a, err := f.assets.Resolve(ctx, id); err == nil && a.Symbol != "" {
			return a.Symbol
		}
	}
	return "#" + id.String()
}

// Amount renders a raw amount as "1,234 DOT".
func (f *Formatter) Amount(ctx context.Context, amount chain.Amount) string {
	if f.assets != nil {
		if a, err := f.assets.Resolve(ctx, amount.Asset); err == nil {
			return Number(a.Scale(amount.Value)) + " " + a.Symbol
		}
	}
	return Number(amount.Value) + " #" + amount.Asset.String()
}

// Asset renders an amount in bold followed by its dollar value, if known.
func (f *Formatter) Asset(ctx context.Context, amount chain.Amount) string {
	return "**" + f.Amount(ctx, amount) + "**" + f.USDSuffix(ctx, amount)
}

// USDValue converts a raw amount into whole dollars.
func (f *Formatter) USDValue(ctx context.Context, amount chain.Amount) (decimal.Decimal, bool) {
	if f.prices == nil {
		return decimal.Decimal{}, false
	}
	raw, ok := f.prices.Value(amount, f.opts.USDAsset)
	if !ok {
		return decimal.Decimal{}, false
	}
	if f.assets == nil {
		return raw, true
	}
	usd, err := f.assets.Resolve(ctx, f.opts.USDAsset)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return usd.Scale(raw), true
}

// USDSuffix renders " *~ 1,234 USDT*" or nothing when the value is unknown.
func (f *Formatter) USDSuffix(ctx context.Context, amount chain.Amount) string {
	if amount.Asset == f.opts.USDAsset {
		return ""
	}
	v, ok := f.USDValue(ctx, amount)
	if !ok {
		return ""
	}
	return " *~ " + Number(v) + " " + f.Symbol(ctx, f.opts.USDAsset) + "*"
}

// IsWhale reports whether amount is worth at least the whale threshold.
func (f *Formatter) IsWhale(ctx context.Context, amount chain.Amount) bool {
	if !f.opts.WhaleUSD.IsPositive() {
		return false
	}
	v, ok := f.USDValue(ctx, amount)
	return ok && v.GreaterThanOrEqual(f.opts.WhaleUSD)
}

// Account renders an account with its emoji and last three characters.
func (f *Formatter) Account(account string, whale bool) string {
	return f.AccountAs(f.Emoji(account), account, whale)
}

// AccountAs renders an account behind a fixed icon. Whales always get 🐋.
func (f *Formatter) AccountAs(icon, account string, whale bool) string {
	if whale {
		icon = "🐋"
	}
	short := account
	if len(short) > 3 {
		short = short[len(short)-3:]
	}
	return icon + "`" + short + "`"
}

var emojis = []string{
	"🐵", "🐒", "🦍", "🦧", "🐶", "🐕", "🦮", "🐩", "🐺", "🦊", "🦝", "🐱", "🐈", "🦁", "🐯", "🐅",
	"🐆", "🐴", "🐎", "🦄", "🦓", "🦌", "🐮", "🐂", "🐃", "🐄", "🐷", "🐖", "🐗", "🐏", "🐑", "🐐",
	"🐪", "🐫", "🦙", "🦒", "🐘", "🦏", "🦛", "🐭", "🐁", "🐀", "🐹", "🐰", "🐇", "🦔", "🦇", "🐻",
	"🐨", "🐼", "🦥", "🦦", "🦨", "🦘", "🦡", "🦃", "🐔", "🐓", "🐣", "🐤", "🐥", "🐦", "🐧", "🦅",
	"🦆", "🦢", "🦉", "🦩", "🦚", "🦜", "🐸", "🐊", "🐢", "🦎", "🐍", "🐲", "🐉", "🦕", "🦖", "🐬",
	"🐟", "🐠", "🐡", "🦈", "🐙", "🐌", "🦋", "🐛", "🐜", "🐝", "🐞", "🦗", "🦂", "🌸", "🌹", "🌺",
	"🌻", "🌼", "🌷", "🌱", "🌲", "🌳", "🌴", "🌵", "🌾", "🌿", "🍀", "🍁", "🍂", "🍃", "🍄",
}

// Emoji picks a stable emoji for account.
func (f *Formatter) Emoji(account string) string {
	if e, ok := f.opts.Emojis[account]; ok {
		return e
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(account)))
	return emojis[h.Sum32()%uint32(len(emojis))]
}

// Number renders v with four significant digits and thousands separators.
func Number(v decimal.Decimal) string {
	if v.IsZero() {
		return "0"
	}
	f, _ := v.Abs().Float64()
	exp := int32(math.Floor(math.Log10(f)))
	rounded := v.Round(3 - exp)

	s := rounded.String()
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	intPart, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	if frac = strings.TrimRight(frac, "0"); frac != "" {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}

// Float renders f like Number.
func Float(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "n/a"
	}
	return Number(decimal.NewFromFloat(f))
}

// USD renders a dollar figure as "$1,234".
func USD(f float64) string {
	if f < 0 {
		return "-$" + Float(-f)
	}
	return "$" + Float(f)
}
