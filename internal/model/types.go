// Package model defines core data types shared by the codec, the candle engine and the stores.
//
// Prices and sizes are float32 because that is what a DTF record carries on disk;
// parsing from text feeds goes through decimal.Decimal before narrowing (see feed and server).
package model

import "time"

// Update represents one trade or orderbook event for a single instrument.
//
// Updates are produced by the codec (file replay), by live feeds or by clients
// of the server, and are never modified after creation.
type Update struct {
	Timestamp uint64  // Event time as a millisecond epoch (see dtf.NormalizeTimestamp)
	Seq       uint32  // Exchange sequence number
	IsTrade   bool    // True for executed trades, false for orderbook updates
	IsBid     bool    // Side of the update
	Price     float32 // Price level or execution price
	Size      float32 // Size at the level or traded quantity
}

// Time returns the update timestamp as a time.Time.
func (u Update) Time() time.Time {
	return time.UnixMilli(int64(u.Timestamp)).UTC()
}

// TradeEvent is an Update tagged with the trading pair it belongs to.
//
// Live feeds emit TradeEvents so that a single merged channel can fan out
// into one store per instrument.
type TradeEvent struct {
	Pair   string // Trading pair symbol (e.g., "BTC-USDT")
	Update Update // The normalized event
}
