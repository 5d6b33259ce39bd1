package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OHLCV is one candlestick as returned by Exchange Gateway klines().
type OHLCV struct {
	Symbol    string          `json:"symbol"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	OpenTime  time.Time       `json:"openTime"`
	CloseTime time.Time       `json:"closeTime"`
}

// Ticker is the latest trade price plus best bid/ask, used for spread and
// circuit-breaker checks.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	BestBid   decimal.Decimal `json:"bestBid"`
	BestAsk   decimal.Decimal `json:"bestAsk"`
	Timestamp time.Time       `json:"timestamp"`
}

// Spread returns (ask-bid)/price, used by the quote-spread circuit breaker.
func (t Ticker) Spread() decimal.Decimal {
	if t.Price.IsZero() {
		return decimal.Zero
	}
	return t.BestAsk.Sub(t.BestBid).Div(t.Price)
}

// VenueOrderType mirrors the exchange-native order types in spec §6.
type VenueOrderType string

const (
	OrderTypeMarket          VenueOrderType = "MARKET"
	OrderTypeTakeProfitMarket VenueOrderType = "TAKE_PROFIT_MARKET"
	OrderTypeStopMarket      VenueOrderType = "STOP_MARKET"
)

// WorkingType selects the price reference a conditional order triggers on.
type WorkingType string

const (
	WorkingTypeMarkPrice WorkingType = "MARK_PRICE"
)

// OrderParams is the normalized parameter set for place_order, covering
// entry, TP-preferred, TP-fallback and SL modes (spec §6).
type OrderParams struct {
	Symbol         string
	Side           OrderSide
	Type           VenueOrderType
	Quantity       decimal.Decimal
	StopPrice      decimal.Decimal
	ClosePosition  bool
	ReduceOnly     bool
	WorkingType    WorkingType
	ClientOrderID  string
}

// VenueOrder is an order as reported back by open_orders().
type VenueOrder struct {
	OrderID       string
	Symbol        string
	Side          OrderSide
	Type          VenueOrderType
	StopPrice     decimal.Decimal
	ClosePosition bool
	ReduceOnly    bool
	Quantity      decimal.Decimal
	Status        string
}

// PositionInfo is the venue's view of an open position, as returned by
// get_position_info(). PositionAmt is signed: positive for long, negative
// for short.
type PositionInfo struct {
	Symbol            string
	PositionAmt       decimal.Decimal
	EntryPrice        decimal.Decimal
	Leverage          int
	MarkPrice         decimal.Decimal
	UnrealizedProfit  decimal.Decimal
}

// Balance is one asset entry from get_balance().
type Balance struct {
	Asset            string
	Balance          decimal.Decimal
	AvailableBalance decimal.Decimal
}

// MarkPriceUpdate is one tick off the venue's push mark-price/funding-rate
// stream, consumed by the Exchange Gateway's StreamMarkPrices to keep a
// fresh funding-rate cache between REST polls (spec §4.A).
type MarkPriceUpdate struct {
	Symbol      string
	MarkPrice   decimal.Decimal
	FundingRate decimal.Decimal
	Timestamp   time.Time
}
