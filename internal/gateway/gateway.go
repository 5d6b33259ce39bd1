// Package gateway is the thin, retrying wrapper around the external perp
// futures venue (component 4.A). It is the only package allowed to speak
// REST/WS to the exchange; every other component calls through Gateway.
package gateway

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/atlas-desktop/perpsentinel/pkg/xerrors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Venue is the minimal REST contract a concrete exchange adapter must
// satisfy (spec §6). Gateway wraps it with retries, rounding and the
// mapped-error short-circuit; it never calls the venue directly from
// other packages.
type Venue interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]types.OHLCV, error)
	TickerPrice(ctx context.Context, symbol string) (types.Ticker, error)
	OpenOrders(ctx context.Context, symbol string) ([]types.VenueOrder, error)
	PositionInfo(ctx context.Context, symbol string) (types.PositionInfo, error)
	AccountBalance(ctx context.Context) ([]types.Balance, error)
	PlaceOrder(ctx context.Context, params types.OrderParams) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	Filters(ctx context.Context, symbol string) (types.Symbol, error)
	FundingRate(ctx context.Context, symbol string) (decimal.Decimal, error)
	// StreamMarkPrices subscribes to the venue's push mark-price/funding
	// stream for the given symbols and invokes onUpdate for every tick
	// until ctx is cancelled, reconnecting on transport drops.
	StreamMarkPrices(ctx context.Context, symbols []string, onUpdate func(types.MarkPriceUpdate)) error
}

// Config controls retry behaviour and the minimum tick offset applied to
// rounded prices before they are returned to callers.
type Config struct {
	RetryBaseDelay   time.Duration
	RetryFactor      float64
	RetryMaxAttempts int
	CallTimeout      time.Duration
	SafetyTicks      int // min offset in ticks from current mark, spec §4.A

	// MarkPriceStreamTTL is how long a push-fed mark-price/funding-rate
	// cache entry is trusted before GetFundingRate falls back to REST.
	MarkPriceStreamTTL time.Duration
}

// DefaultConfig mirrors the fixed backoff policy in spec.md §4.A: base
// 200ms, factor 2, max 5 tries.
func DefaultConfig() Config {
	return Config{
		RetryBaseDelay:   200 * time.Millisecond,
		RetryFactor:      2.0,
		RetryMaxAttempts: 5,
		CallTimeout:      5 * time.Second,
		SafetyTicks:      2,

		MarkPriceStreamTTL: 5 * time.Second,
	}
}

// Gateway is thread-safe; it holds no per-symbol mutation state of its
// own beyond a filter cache and a mark-price/funding cache, each guarded
// by its own RWMutex.
type Gateway struct {
	logger  *zap.Logger
	venue   Venue
	config  Config
	latency *latencyWindow

	mu      sync.RWMutex
	filters map[string]types.Symbol

	marksMu sync.RWMutex
	marks   map[string]types.MarkPriceUpdate
}

// New constructs a Gateway over a concrete Venue implementation.
func New(logger *zap.Logger, venue Venue, config Config) *Gateway {
	return &Gateway{
		logger:  logger.Named("gateway"),
		venue:   venue,
		config:  config,
		latency: newLatencyWindow(20),
		filters: make(map[string]types.Symbol),
		marks:   make(map[string]types.MarkPriceUpdate),
	}
}

// StartMarkPriceStream launches a background subscription to the venue's
// push mark-price/funding stream for symbols, feeding GetFundingRate's
// cache until ctx is cancelled. It returns once the subscription goroutine
// has been started; stream errors are logged, not returned, since the
// gateway continues to serve funding rates over REST in their absence.
func (g *Gateway) StartMarkPriceStream(ctx context.Context, symbols []string) {
	go func() {
		err := g.venue.StreamMarkPrices(ctx, symbols, g.recordMarkPrice)
		if err != nil && ctx.Err() == nil {
			g.logger.Warn("mark price stream ended", zap.Error(err))
		}
	}()
}

func (g *Gateway) recordMarkPrice(u types.MarkPriceUpdate) {
	g.marksMu.Lock()
	g.marks[u.Symbol] = u
	g.marksMu.Unlock()
}

// AverageLatency returns the mean of the last 20 exchange-call latencies,
// consulted by the Risk Engine's kill-switch #4.
func (g *Gateway) AverageLatency() time.Duration {
	return g.latency.Average()
}

// call executes fn with the configured retry/backoff policy, retrying on
// transient transport errors but short-circuiting on mapped exchange
// errors (spec §4.A: "retry... but short-circuit on mapped exchange
// errors"). A rate limit (429, PolicyBackoff) is retried with backoff.
func (g *Gateway) call(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := g.config.RetryBaseDelay
	var lastErr error

	for attempt := 1; attempt <= g.config.RetryMaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, g.config.CallTimeout)
		start := time.Now()
		err := fn(callCtx)
		cancel()
		g.latency.Record(time.Since(start))

		if err == nil {
			return nil
		}
		lastErr = err

		if venueErr, ok := err.(*xerrors.VenueError); ok {
			m, _ := xerrors.Lookup(venueErr.Code)
			if xerrors.Classify(venueErr) == xerrors.KindMappedExchange && m.Policy != xerrors.PolicyBackoff {
				g.logger.Debug("mapped exchange error, short-circuiting",
					zap.String("op", op), zap.Int("code", venueErr.Code))
				return err
			}
		}

		if attempt == g.config.RetryMaxAttempts {
			break
		}

		g.logger.Warn("transient transport error, retrying",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * g.config.RetryFactor)
	}

	return fmt.Errorf("%s: after %d attempts: %w", op, g.config.RetryMaxAttempts, lastErr)
}

// GetKlines fetches OHLCV candles.
func (g *Gateway) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]types.OHLCV, error) {
	var out []types.OHLCV
	err := g.call(ctx, "get_klines", func(c context.Context) error {
		var err error
		out, err = g.venue.Klines(c, symbol, interval, limit)
		return err
	})
	return out, err
}

// GetTicker fetches the latest price and best bid/ask.
func (g *Gateway) GetTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	var out types.Ticker
	err := g.call(ctx, "get_ticker", func(c context.Context) error {
		var err error
		out, err = g.venue.TickerPrice(c, symbol)
		return err
	})
	return out, err
}

// GetOpenOrders fetches currently open orders for a symbol.
func (g *Gateway) GetOpenOrders(ctx context.Context, symbol string) ([]types.VenueOrder, error) {
	var out []types.VenueOrder
	err := g.call(ctx, "get_open_orders", func(c context.Context) error {
		var err error
		out, err = g.venue.OpenOrders(c, symbol)
		return err
	})
	return out, err
}

// GetPositionInfo fetches the venue's view of an open position.
func (g *Gateway) GetPositionInfo(ctx context.Context, symbol string) (types.PositionInfo, error) {
	var out types.PositionInfo
	err := g.call(ctx, "get_position_info", func(c context.Context) error {
		var err error
		out, err = g.venue.PositionInfo(c, symbol)
		return err
	})
	return out, err
}

// GetBalance fetches account balances.
func (g *Gateway) GetBalance(ctx context.Context) ([]types.Balance, error) {
	var out []types.Balance
	err := g.call(ctx, "get_balance", func(c context.Context) error {
		var err error
		out, err = g.venue.AccountBalance(c)
		return err
	})
	return out, err
}

// PlaceOrder submits params unchanged under the retry policy. Callers
// round price/quantity first with RoundPrice/RoundQuantity, as
// orders.Manager does.
func (g *Gateway) PlaceOrder(ctx context.Context, params types.OrderParams) (string, error) {
	var orderID string
	err := g.call(ctx, "place_order", func(c context.Context) error {
		var err error
		orderID, err = g.venue.PlaceOrder(c, params)
		return err
	})
	return orderID, err
}

// CancelOrder cancels a resting order.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return g.call(ctx, "cancel_order", func(c context.Context) error {
		return g.venue.CancelOrder(c, symbol, orderID)
	})
}

// SetLeverage sets leverage for a symbol. Idempotent at the venue.
func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return g.call(ctx, "set_leverage", func(c context.Context) error {
		return g.venue.SetLeverage(c, symbol, leverage)
	})
}

// GetFilters returns the symbol's rounding filters, fetching them on first
// use and caching them thereafter. A failed fetch is not cached, so the
// next call fetches again; once cached, filters are never reloaded, not
// even after an order is rejected for a filter violation.
func (g *Gateway) GetFilters(ctx context.Context, symbol string) (types.Symbol, error) {
	g.mu.RLock()
	cached, ok := g.filters[symbol]
	g.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var out types.Symbol
	err := g.call(ctx, "get_filters", func(c context.Context) error {
		var err error
		out, err = g.venue.Filters(c, symbol)
		return err
	})
	if err != nil {
		return types.Symbol{}, err
	}
	out.FetchedAt = time.Now()

	g.mu.Lock()
	g.filters[symbol] = out
	g.mu.Unlock()
	return out, nil
}

// GetFundingRate fetches the current funding rate, consulted by the
// funding-spike circuit breaker (spec §4.H). If StartMarkPriceStream has
// delivered a tick for symbol within MarkPriceStreamTTL, that cached value
// is returned in place of a REST round-trip.
func (g *Gateway) GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if cached, ok := g.cachedFundingRate(symbol); ok {
		return cached, nil
	}

	var out decimal.Decimal
	err := g.call(ctx, "get_funding_rate", func(c context.Context) error {
		var err error
		out, err = g.venue.FundingRate(c, symbol)
		return err
	})
	return out, err
}

func (g *Gateway) cachedFundingRate(symbol string) (decimal.Decimal, bool) {
	if g.config.MarkPriceStreamTTL <= 0 {
		return decimal.Zero, false
	}
	g.marksMu.RLock()
	u, ok := g.marks[symbol]
	g.marksMu.RUnlock()
	if !ok || time.Since(u.Timestamp) > g.config.MarkPriceStreamTTL {
		return decimal.Zero, false
	}
	return u.FundingRate, true
}

// RoundPrice rounds price to the symbol's tickSize and applies a minimum
// safety offset of SafetyTicks ticks away from the current mark, per
// spec §4.A. The side away from mark is derived from the unrounded price
// itself (above mark vs below mark), not from the order side: a LONG's TP
// and SL are both SELL orders yet sit on opposite sides of mark, so the
// order side alone cannot tell a caller which direction to push a price
// that lands too close to it.
func (g *Gateway) RoundPrice(price decimal.Decimal, sym types.Symbol, mark decimal.Decimal, side types.OrderSide) decimal.Decimal {
	_ = side
	if sym.TickSize.IsZero() {
		return price
	}
	rounded := price.Div(sym.TickSize).Round(0).Mul(sym.TickSize)
	if mark.LessThanOrEqual(decimal.Zero) {
		return rounded
	}

	minOffset := sym.TickSize.Mul(decimal.NewFromInt(int64(g.config.SafetyTicks)))
	if price.GreaterThanOrEqual(mark) {
		floor := mark.Add(minOffset)
		if rounded.LessThan(floor) {
			rounded = floor.Div(sym.TickSize).Ceil().Mul(sym.TickSize)
		}
	} else {
		ceiling := mark.Sub(minOffset)
		if rounded.GreaterThan(ceiling) {
			rounded = ceiling.Div(sym.TickSize).Floor().Mul(sym.TickSize)
		}
	}
	return rounded
}

// RoundQuantity rounds a quantity down to the symbol's stepSize.
func (g *Gateway) RoundQuantity(qty decimal.Decimal, sym types.Symbol) decimal.Decimal {
	if sym.StepSize.IsZero() {
		return qty
	}
	return qty.Div(sym.StepSize).Floor().Mul(sym.StepSize)
}

// latencyWindow tracks the last N call latencies for the Risk Engine's
// latency kill-switch (spec §4.G, kill-switch #4).
type latencyWindow struct {
	mu     sync.Mutex
	size   int
	values []time.Duration
	idx    int
	filled int
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{size: size, values: make([]time.Duration, size)}
}

func (w *latencyWindow) Record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.values[w.idx] = d
	w.idx = (w.idx + 1) % w.size
	if w.filled < w.size {
		w.filled++
	}
}

func (w *latencyWindow) Average() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < w.filled; i++ {
		sum += w.values[i]
	}
	return time.Duration(int64(sum) / int64(w.filled))
}

// backoffDelay computes the n-th retry delay under the configured policy,
// the same base*factor^(n-1) schedule call applies inline; nothing calls it.
func backoffDelay(base time.Duration, factor float64, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(factor, float64(attempt-1)))
}
