// Package spot fetches live spot prices from the trade router quote API.
package spot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"chainwatch/internal/chain"
	"chainwatch/internal/version"
)

const spotPricePath = "/spot-price"

// Quote is a spot price as a fixed-point amount.
type Quote struct {
	Amount   decimal.Decimal
	Decimals int32
}

// Price converts the quote to a float.
func (q Quote) Price() float64 {
	f, _ := q.Amount.Shift(-q.Decimals).Float64()
	return f
}

// Router returns the best spot price of a in units of b. A nil quote with a
// nil error means no route exists.
type Router interface {
	BestSpotPrice(ctx context.Context, a, b chain.AssetID) (*Quote, error)
}

// Options parameterise the HTTP router client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// HTTPRouter queries the router's quote service.
type HTTPRouter struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPRouter constructs a router client.
func NewHTTPRouter(opts Options, logger zerolog.Logger) *HTTPRouter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPRouter{
		opts:    opts,
		logger:  logger.With().Str("component", "spot_router").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// BestSpotPrice retrieves the router's best spot price for a→b.
func (r *HTTPRouter) BestSpotPrice(ctx context.Context, a, b chain.AssetID) (*Quote, error) {
	if r.baseURL == "" {
		return nil, errors.New("spot router base url not configured")
	}

	query := url.Values{}
	query.Set("assetIn", a.String())
	query.Set("assetOut", b.String())
	endpoint := r.baseURL + spotPricePath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(r.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	var res spotPriceResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode spot price: %w", err)
	}
	if res.Amount == "" {
		return nil, nil
	}

	amount, err := decimal.NewFromString(res.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse spot amount: %w", err)
	}
	decimals, err := res.Decimals.Int64()
	if err != nil {
		return nil, fmt.Errorf("parse spot decimals: %w", err)
	}

	r.logger.Debug().Str("assetIn", a.String()).Str("assetOut", b.String()).Str("amount", res.Amount).Int64("decimals", decimals).Msg("spot price fetched")
	return &Quote{Amount: amount, Decimals: int32(decimals)}, nil
}

type spotPriceResponse struct {
	Amount   string      `json:"amount"`
	Decimals json.Number `json:"decimals"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("router api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("router api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("router api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("router api error (%d)", status)
}

// Static is a fixed price table.
type Static map[[2]chain.AssetID]Quote

// Set records the price of a in units of b.
func (s Static) Set(a, b chain.AssetID, price float64) {
	s[[2]chain.AssetID{a, b}] = Quote{Amount: decimal.NewFromFloat(price).Shift(12).Round(0), Decimals: 12}
}

func (s Static) BestSpotPrice(_ context.Context, a, b chain.AssetID) (*Quote, error) {
	q, ok := s[[2]chain.AssetID{a, b}]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

var (
	_ Router = (*HTTPRouter)(nil)
	_ Router = Static(nil)
)
