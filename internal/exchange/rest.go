// rest.go implements the optional pre-flight check: before the feed
// starts, verify every configured pair is actually listed on the
// exchange, so a typo fails fast instead of leaving a market stuck in
// initialising forever. Uses the exchanges' public REST endpoints:
//
//   - Bitfinex: GET /v2/conf/pub:list:pair:exchange — [["ETHBTC", …]]
//   - Poloniex: GET /public?command=returnTicker    — {"BTC_ETH": {…}, …}
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"cryptobook/pkg/types"
)

const (
	bitfinexConfURL   = "https://api-pub.bitfinex.com/v2/conf/pub:list:pair:exchange"
	poloniexTickerURL = "https://poloniex.com/public?command=returnTicker"
)

// Preflight validates configured markets against an exchange's public
// symbol listing.
type Preflight struct {
	http   *resty.Client
	gate   *requestGate
	logger *slog.Logger

	// Endpoint overrides for tests.
	bitfinexURL string
	poloniexURL string
}

// NewPreflight creates a pre-flight client with retry on transport
// errors and 5xx responses.
func NewPreflight(logger *slog.Logger) *Preflight {
	httpClient := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Preflight{
		http:        httpClient,
		gate:        newRequestGate(2 * time.Second),
		logger:      logger.With("component", "preflight"),
		bitfinexURL: bitfinexConfURL,
		poloniexURL: poloniexTickerURL,
	}
}

// VerifyPairs checks that every pair is listed on the named exchange.
func (p *Preflight) VerifyPairs(ctx context.Context, exchange string, pairs []types.Pair) error {
	if err := p.gate.wait(ctx); err != nil {
		return err
	}

	switch exchange {
	case "bitfinex":
		return p.verifyBitfinex(ctx, pairs)
	case "poloniex":
		return p.verifyPoloniex(ctx, pairs)
	default:
		return fmt.Errorf("unknown exchange %q: %w", exchange, types.ErrOrderBook)
	}
}

func (p *Preflight) verifyBitfinex(ctx context.Context, pairs []types.Pair) error {
	var result [][]string
	resp, err := p.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(p.bitfinexURL)
	if err != nil {
		return fmt.Errorf("fetch bitfinex pair list: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("fetch bitfinex pair list: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result) == 0 {
		return fmt.Errorf("empty bitfinex pair list: %w", types.ErrOrderBook)
	}

	listed := make(map[string]bool, len(result[0]))
	for _, symbol := range result[0] {
		listed[symbol] = true
	}

	for _, pair := range pairs {
		symbol := strings.ToUpper(pair.Base) + strings.ToUpper(pair.Quote)
		if !listed[symbol] {
			return fmt.Errorf("the market %s is not listed on bitfinex: %w", pair, types.ErrOrderBook)
		}
	}
	p.logger.Info("pre-flight passed", "exchange", "bitfinex", "markets", len(pairs))
	return nil
}

func (p *Preflight) verifyPoloniex(ctx context.Context, pairs []types.Pair) error {
	var result map[string]struct {
		Last string `json:"last"`
	}
	resp, err := p.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(p.poloniexURL)
	if err != nil {
		return fmt.Errorf("fetch poloniex ticker: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("fetch poloniex ticker: status %d: %s", resp.StatusCode(), resp.String())
	}

	for _, pair := range pairs {
		name := strings.ToUpper(pair.Quote) + "_" + strings.ToUpper(pair.Base)
		if _, ok := result[name]; !ok {
			return fmt.Errorf("the market %s is not listed on poloniex: %w", pair, types.ErrOrderBook)
		}
	}
	p.logger.Info("pre-flight passed", "exchange", "poloniex", "markets", len(pairs))
	return nil
}
