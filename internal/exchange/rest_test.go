package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"cryptobook/pkg/types"
)

func newTestPreflight(bitfinexURL, poloniexURL string) *Preflight {
	p := NewPreflight(testLogger())
	if bitfinexURL != "" {
		p.bitfinexURL = bitfinexURL
	}
	if poloniexURL != "" {
		p.poloniexURL = poloniexURL
	}
	return p
}

func TestPreflightBitfinex(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[["ETHBTC","LTCBTC","BTCUSD"]]`))
	}))
	defer srv.Close()

	p := newTestPreflight(srv.URL, "")

	pairs := []types.Pair{types.NewPair("eth", "btc"), types.NewPair("ltc", "btc")}
	if err := p.VerifyPairs(context.Background(), "bitfinex", pairs); err != nil {
		t.Fatalf("VerifyPairs: %v", err)
	}

	err := p.VerifyPairs(context.Background(), "bitfinex", []types.Pair{types.NewPair("xmr", "btc")})
	if !errors.Is(err, types.ErrOrderBook) {
		t.Errorf("unlisted pair = %v, want ErrOrderBook", err)
	}
}

func TestPreflightPoloniex(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"BTC_ETH":{"last":"0.05"},"BTC_LTC":{"last":"0.01"}}`))
	}))
	defer srv.Close()

	p := newTestPreflight("", srv.URL)

	if err := p.VerifyPairs(context.Background(), "poloniex", []types.Pair{types.NewPair("eth", "btc")}); err != nil {
		t.Fatalf("VerifyPairs: %v", err)
	}

	err := p.VerifyPairs(context.Background(), "poloniex", []types.Pair{types.NewPair("xmr", "btc")})
	if !errors.Is(err, types.ErrOrderBook) {
		t.Errorf("unlisted pair = %v, want ErrOrderBook", err)
	}
}

func TestPreflightUnknownExchange(t *testing.T) {
	t.Parallel()

	p := NewPreflight(testLogger())
	err := p.VerifyPairs(context.Background(), "mtgox", nil)
	if !errors.Is(err, types.ErrOrderBook) {
		t.Errorf("unknown exchange = %v, want ErrOrderBook", err)
	}
}

func TestPreflightServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer srv.Close()

	p := newTestPreflight(srv.URL, "")
	err := p.VerifyPairs(context.Background(), "bitfinex", []types.Pair{types.NewPair("eth", "btc")})
	if err == nil {
		t.Error("server error should fail the pre-flight")
	}
}
