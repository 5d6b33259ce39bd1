// Package marketdata fetches OHLCV candles and derives the canonical
// indicator set (component 4.B), caching per-symbol with a TTL and a hard
// refresh threshold.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-desktop/perpsentinel/pkg/types"
	"github.com/atlas-desktop/perpsentinel/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// KlineFetcher is the subset of the Exchange Gateway this package depends
// on — narrowed so tests can fake it without a full Venue.
type KlineFetcher interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]types.OHLCV, error)
}

// Config controls cache TTL and hard-refresh threshold (spec §4.B).
type Config struct {
	TTL          time.Duration
	HardRefresh  time.Duration
	Interval     string
	CandleLimit  int
}

// DefaultConfig matches the fixed values in spec.md §4.B.
func DefaultConfig() Config {
	return Config{
		TTL:         30 * time.Second,
		HardRefresh: 10 * time.Second,
		Interval:    "5m",
		CandleLimit: 100,
	}
}

type cacheEntry struct {
	snapshot types.MarketSnapshot
	fetchedAt time.Time
}

// Provider fetches candles through a Gateway and derives indicators,
// caching the derived snapshot per symbol.
type Provider struct {
	logger  *zap.Logger
	gateway KlineFetcher
	config  Config

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New constructs a Provider.
func New(logger *zap.Logger, gateway KlineFetcher, config Config) *Provider {
	return &Provider{
		logger:  logger.Named("marketdata"),
		gateway: gateway,
		config:  config,
		cache:   make(map[string]cacheEntry),
	}
}

// Snapshot returns the cached indicator snapshot for symbol, refreshing it
// if stale. requireFresh bypasses the soft TTL but never the hard-refresh
// floor: a fetch that fails within the hard threshold still returns the
// last known snapshot (data-staleness handling is the caller's job, per
// spec §7 — this package never synthesizes data).
func (p *Provider) Snapshot(ctx context.Context, symbol string, requireFresh bool) (types.MarketSnapshot, bool, error) {
	p.mu.Lock()
	entry, ok := p.cache[symbol]
	p.mu.Unlock()

	age := time.Duration(0)
	if ok {
		age = time.Since(entry.fetchedAt)
	}

	needsRefresh := !ok || age > p.config.TTL || (requireFresh && age > p.config.HardRefresh)
	if !needsRefresh {
		return entry.snapshot, true, nil
	}

	candles, err := p.gateway.GetKlines(ctx, symbol, p.config.Interval, p.config.CandleLimit)
	if err != nil {
		if ok && age <= p.config.HardRefresh {
			return entry.snapshot, true, nil
		}
		if ok {
			// stale past the hard threshold: return what we have but tell
			// the caller it is stale so they can decide to skip the cycle.
			return entry.snapshot, false, err
		}
		return types.MarketSnapshot{}, false, err
	}

	snap := Derive(symbol, candles)
	p.mu.Lock()
	p.cache[symbol] = cacheEntry{snapshot: snap, fetchedAt: time.Now()}
	p.mu.Unlock()
	return snap, true, nil
}

// Derive computes the canonical indicator set from a candle series,
// newest-last. Grounded on the teacher's ATR/EMA math style in
// pkg/utils/utils.go (EMA/SMA rolling accumulators), generalized to the
// fixed periods spec.md §4.B names: ATR-fast=7, ATR-slow=21, EMA-20, RSI,
// MACD, Bollinger.
func Derive(symbol string, candles []types.OHLCV) types.MarketSnapshot {
	if len(candles) == 0 {
		return types.MarketSnapshot{Symbol: symbol, Timestamp: time.Now()}
	}
	closes := make([]decimal.Decimal, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	atrFast := atr(candles, 7)
	atrSlow := atr(candles, 21)
	ema20 := ema(closes, 20)
	rsi := rsi14(closes)
	macd, signal := macd(closes)
	upper, lower := bollinger(closes, 20, 2.0)

	last := candles[len(candles)-1]
	return types.MarketSnapshot{
		Symbol:         symbol,
		Price:          last.Close,
		ATRFast:        atrFast,
		ATRSlow:        atrSlow,
		EMA20:          ema20,
		RSI:            rsi,
		MACD:           macd,
		MACDSignal:     signal,
		BollingerUpper: upper,
		BollingerLower: lower,
		Timestamp:      last.CloseTime,
	}
}

// atr computes the Average True Range over the last `period` bars using a
// simple rolling mean of true range (teacher's utils.SMA accumulator).
func atr(candles []types.OHLCV, period int) decimal.Decimal {
	if len(candles) < 2 {
		return decimal.Zero
	}
	start := len(candles) - period
	if start < 1 {
		start = 1
	}
	sma := utils.NewSMA(period)
	for i := start; i < len(candles); i++ {
		tr := trueRange(candles[i], candles[i-1])
		sma.Add(tr)
	}
	return sma.Current()
}

func trueRange(cur, prev types.OHLCV) decimal.Decimal {
	hl := cur.High.Sub(cur.Low)
	hc := cur.High.Sub(prev.Close).Abs()
	lc := cur.Low.Sub(prev.Close).Abs()
	tr := hl
	if hc.GreaterThan(tr) {
		tr = hc
	}
	if lc.GreaterThan(tr) {
		tr = lc
	}
	return tr
}

func ema(closes []decimal.Decimal, period int) decimal.Decimal {
	if len(closes) == 0 {
		return decimal.Zero
	}
	e := utils.NewEMA(period)
	for _, c := range closes {
		e.Add(c)
	}
	return e.Current()
}

func rsi14(closes []decimal.Decimal) decimal.Decimal {
	const period = 14
	if len(closes) <= period {
		return decimal.NewFromInt(50)
	}
	gainSMA := utils.NewSMA(period)
	lossSMA := utils.NewSMA(period)
	start := len(closes) - period
	for i := start; i < len(closes); i++ {
		diff := closes[i].Sub(closes[i-1])
		if diff.GreaterThan(decimal.Zero) {
			gainSMA.Add(diff)
			lossSMA.Add(decimal.Zero)
		} else {
			gainSMA.Add(decimal.Zero)
			lossSMA.Add(diff.Abs())
		}
	}
	avgGain := gainSMA.Current()
	avgLoss := lossSMA.Current()
	if avgLoss.IsZero() {
		return decimal.NewFromInt(100)
	}
	rs := avgGain.Div(avgLoss)
	hundred := decimal.NewFromInt(100)
	return hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs)))
}

func macd(closes []decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	fast := utils.NewEMA(12)
	slow := utils.NewEMA(26)
	var macdSeries []decimal.Decimal
	for _, c := range closes {
		fast.Add(c)
		slow.Add(c)
		macdSeries = append(macdSeries, fast.Current().Sub(slow.Current()))
	}
	signalEMA := utils.NewEMA(9)
	for _, v := range macdSeries {
		signalEMA.Add(v)
	}
	var line decimal.Decimal
	if len(macdSeries) > 0 {
		line = macdSeries[len(macdSeries)-1]
	}
	return line, signalEMA.Current()
}

func bollinger(closes []decimal.Decimal, period int, k float64) (decimal.Decimal, decimal.Decimal) {
	if len(closes) < period {
		period = len(closes)
	}
	if period == 0 {
		return decimal.Zero, decimal.Zero
	}
	start := len(closes) - period
	window := closes[start:]
	mean := utils.CalculateMean(window)
	std := utils.CalculateStdDev(window)
	kDec := decimal.NewFromFloat(k)
	return mean.Add(std.Mul(kDec)), mean.Sub(std.Mul(kDec))
}
