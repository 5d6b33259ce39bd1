package gateway_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/perpsentinel/internal/gateway"
	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/atlas-desktop/perpsentinel/pkg/xerrors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type fakeVenue struct {
	tickerErrs   []error
	tickerCalls  int
	filterCalls  int
	filterResult types.Symbol
}

func (f *fakeVenue) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.OHLCV, error) {
	return nil, nil
}

func (f *fakeVenue) TickerPrice(ctx context.Context, symbol string) (types.Ticker, error) {
	idx := f.tickerCalls
	f.tickerCalls++
	if idx < len(f.tickerErrs) && f.tickerErrs[idx] != nil {
		return types.Ticker{}, f.tickerErrs[idx]
	}
	return types.Ticker{Price: dec(100)}, nil
}

func (f *fakeVenue) OpenOrders(ctx context.Context, symbol string) ([]types.VenueOrder, error) {
	return nil, nil
}

func (f *fakeVenue) PositionInfo(ctx context.Context, symbol string) (types.PositionInfo, error) {
	return types.PositionInfo{}, nil
}

func (f *fakeVenue) AccountBalance(ctx context.Context) ([]types.Balance, error) {
	return nil, nil
}

func (f *fakeVenue) PlaceOrder(ctx context.Context, params types.OrderParams) (string, error) {
	return "order1", nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func (f *fakeVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }

func (f *fakeVenue) Filters(ctx context.Context, symbol string) (types.Symbol, error) {
	f.filterCalls++
	return f.filterResult, nil
}

func (f *fakeVenue) FundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeVenue) StreamMarkPrices(ctx context.Context, symbols []string, onUpdate func(types.MarkPriceUpdate)) error {
	<-ctx.Done()
	return ctx.Err()
}

func testConfig() gateway.Config {
	return gateway.Config{
		RetryBaseDelay:   time.Millisecond,
		RetryFactor:      1.0,
		RetryMaxAttempts: 3,
		CallTimeout:      time.Second,
		SafetyTicks:      2,
	}
}

func TestGatewayRetriesOnTransientError(t *testing.T) {
	fv := &fakeVenue{tickerErrs: []error{errors.New("timeout"), nil}}
	g := gateway.New(zap.NewNop(), fv, testConfig())
	ticker, err := g.GetTicker(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if !ticker.Price.Equal(dec(100)) {
		t.Errorf("unexpected ticker price %s", ticker.Price)
	}
	if fv.tickerCalls != 2 {
		t.Errorf("expected 2 calls (1 failure + 1 success), got %d", fv.tickerCalls)
	}
}

func TestGatewayShortCircuitsOnMappedError(t *testing.T) {
	mapped := &xerrors.VenueError{Code: -2019, Message: "margin insufficient"}
	fv := &fakeVenue{tickerErrs: []error{mapped, mapped, mapped}}
	g := gateway.New(zap.NewNop(), fv, testConfig())
	_, err := g.GetTicker(context.Background(), "BTCUSDT")
	if err == nil {
		t.Fatal("expected an error")
	}
	if fv.tickerCalls != 1 {
		t.Errorf("expected short-circuit after the first mapped error, got %d calls", fv.tickerCalls)
	}
}

func TestGatewayExhaustsRetriesOnPersistentTransientError(t *testing.T) {
	fv := &fakeVenue{tickerErrs: []error{errors.New("a"), errors.New("b"), errors.New("c")}}
	g := gateway.New(zap.NewNop(), fv, testConfig())
	_, err := g.GetTicker(context.Background(), "BTCUSDT")
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if fv.tickerCalls != 3 {
		t.Errorf("expected exactly RetryMaxAttempts calls, got %d", fv.tickerCalls)
	}
}

func TestGatewayFiltersAreCached(t *testing.T) {
	fv := &fakeVenue{filterResult: types.Symbol{TickSize: dec(0.1), StepSize: dec(0.001)}}
	g := gateway.New(zap.NewNop(), fv, testConfig())
	ctx := context.Background()

	if _, err := g.GetFilters(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := g.GetFilters(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fv.filterCalls != 1 {
		t.Errorf("expected filters to be fetched once and cached, got %d fetches", fv.filterCalls)
	}
}

func TestRoundPriceEnforcesSafetyOffsetForSellSide(t *testing.T) {
	g := gateway.New(zap.NewNop(), &fakeVenue{}, testConfig())
	sym := types.Symbol{TickSize: dec(0.1)}
	mark := dec(100)
	// a sell-side (SL-for-long style) price too close to mark must be
	// pushed down below mark by at least SafetyTicks*TickSize.
	rounded := g.RoundPrice(dec(99.95), sym, mark, types.OrderSideSell)
	maxAllowed := mark.Sub(sym.TickSize.Mul(dec(2)))
	if rounded.GreaterThan(maxAllowed) {
		t.Errorf("expected rounded price %s <= %s", rounded, maxAllowed)
	}
}

func TestRoundPriceEnforcesSafetyOffsetForBuySide(t *testing.T) {
	g := gateway.New(zap.NewNop(), &fakeVenue{}, testConfig())
	sym := types.Symbol{TickSize: dec(0.1)}
	mark := dec(100)
	rounded := g.RoundPrice(dec(100.05), sym, mark, types.OrderSideBuy)
	minAllowed := mark.Add(sym.TickSize.Mul(dec(2)))
	if rounded.LessThan(minAllowed) {
		t.Errorf("expected rounded price %s >= %s", rounded, minAllowed)
	}
}

// TestRoundPriceSellSideAboveMarkKeepsTPIntact guards against keying the
// safety offset off order side alone: a LONG's TP is a SELL order that
// sits above mark, same side as its SL which sits below mark. Both must
// be pushed away from mark in their own direction, not both pulled below
// it.
func TestRoundPriceSellSideAboveMarkKeepsTPIntact(t *testing.T) {
	g := gateway.New(zap.NewNop(), &fakeVenue{}, testConfig())
	sym := types.Symbol{TickSize: dec(0.1)}
	mark := dec(2000)
	rounded := g.RoundPrice(dec(2040), sym, mark, types.OrderSideSell)
	minAllowed := mark.Add(sym.TickSize.Mul(dec(2)))
	if rounded.LessThan(minAllowed) {
		t.Errorf("expected TP-style sell price to stay above mark, got %s (min allowed %s)", rounded, minAllowed)
	}
}

func TestRoundQuantityFloorsToStepSize(t *testing.T) {
	g := gateway.New(zap.NewNop(), &fakeVenue{}, testConfig())
	sym := types.Symbol{StepSize: dec(0.01)}
	got := g.RoundQuantity(dec(1.2349), sym)
	if !got.Equal(dec(1.23)) {
		t.Errorf("expected 1.23, got %s", got)
	}
}

func TestAverageLatencyZeroBeforeAnyCalls(t *testing.T) {
	g := gateway.New(zap.NewNop(), &fakeVenue{}, testConfig())
	if g.AverageLatency() != 0 {
		t.Errorf("expected zero latency before any calls, got %s", g.AverageLatency())
	}
}
