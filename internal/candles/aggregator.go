// Package candles provides OHLCV candle aggregation from trade updates, gap detection
// and rebinning of candle series into coarser intervals.
//
// Two forms of aggregation are offered:
//   - Aggregator / FromUpdates: batch aggregation of a replayed update stream into a
//     one minute Series.
//   - Stream: live aggregation of an update channel that publishes each minute
//     candle as soon as a later minute is observed.
package candles

import (
	"context"
	"sort"

	"candlestore/internal/dtf"
	"candlestore/internal/model"

	"github.com/rs/zerolog/log"
)

// Bucket returns the start, in epoch seconds, of the minute containing ts.
func Bucket(ts uint64) uint32 {
	return uint32(dtf.NormalizeTimestamp(ts) / 1000 / 60 * 60)
}

// Aggregator builds one minute candles from trade updates.
//
// Candles are kept in a working set keyed by bucket; the set has no iteration order,
// so Series sorts before exposing anything.
type Aggregator struct {
	// fixMissing enables continuation candles for minutes without trades.
	fixMissing bool

	// candles is the working set keyed by bucket start.
	candles map[uint32]*Candle

	// started is set once the first trade has been processed.
	started bool

	// lastBucket and lastPrice describe the previously processed trade.
	lastBucket uint32
	lastPrice  float32
}

// NewAggregator creates an empty aggregator.
func NewAggregator(fixMissing bool) *Aggregator {
	return &Aggregator{
		fixMissing: fixMissing,
		candles:    make(map[uint32]*Candle),
	}
}

// Add folds one update into the working set. Non-trade updates are ignored.
//
// With fixMissing set, a trade landing more than one minute after the previous trade
// first fills every minute strictly between them with a flat candle at the previous
// trade price. Minutes before the first trade are never filled.
func (agg *Aggregator) Add(u model.Update) {
	if !u.IsTrade {
		return
	}
	bucket := Bucket(u.Timestamp)

	if agg.fixMissing && agg.started && bucket != agg.lastBucket && bucket != agg.lastBucket+60 {
		for cur := agg.lastBucket + 60; cur < bucket; cur += 60 {
			if _, found := agg.candles[cur]; !found {
				c := flat(cur, agg.lastPrice)
				agg.candles[cur] = &c
			}
		}
	}

	current, found := agg.candles[bucket]
	if !found {
		agg.candles[bucket] = &Candle{
			Time:   bucket,
			Open:   u.Price,
			High:   u.Price,
			Low:    u.Price,
			Close:  u.Price,
			Volume: u.Size,
		}
	} else {
		current.Volume += u.Size
		if u.Price > current.High {
			current.High = u.Price
		}
		if u.Price < current.Low {
			current.Low = u.Price
		}
		current.Close = u.Price
	}

	agg.started = true
	agg.lastBucket = bucket
	agg.lastPrice = u.Price
}

// Len returns the number of candles in the working set.
func (agg *Aggregator) Len() int {
	return len(agg.candles)
}

// Series extracts the working set as a one minute series sorted by time.
func (agg *Aggregator) Series() *Series {
	out := make([]Candle, 0, len(agg.candles))
	for _, c := range agg.candles {
		out = append(out, *c)
	}
	// map iteration order is random; the series must be ordered
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return NewSeries(out, 1)
}

// FromUpdates aggregates updates into a one minute series.
//
// When fixMissing is set the result has no internal gaps, which is verified.
func FromUpdates(updates []model.Update, fixMissing bool) *Series {
	agg := NewAggregator(fixMissing)
	for _, u := range updates {
		agg.Add(u)
	}
	s := agg.Series()
	if fixMissing {
		s.MustBeSequential("aggregate")
	}
	return s
}

// Stream aggregates a live update channel and publishes each minute candle once a
// trade from a later minute arrives. The last candle is published when input closes.
//
// Trades older than the minute being built are dropped since their candle has
// already been published. With fixMissing set, skipped minutes are published as
// flat candles at the previous close.
func Stream(ctx context.Context, input <-chan model.Update, fixMissing bool) <-chan Candle {
	output := make(chan Candle, 1000)

	go func() {
		defer close(output)

		emit := func(c Candle) bool {
			select {
			case output <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var current *Candle
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("candle stream stopped")
				return
			case u, ok := <-input:
				if !ok {
					if current != nil {
						emit(*current)
					}
					return
				}
				if !u.IsTrade {
					continue
				}

				bucket := Bucket(u.Timestamp)
				switch {
				case current == nil:
					c := Candle{Time: bucket, Open: u.Price, High: u.Price, Low: u.Price, Close: u.Price, Volume: u.Size}
					current = &c
				case bucket == current.Time:
					current.Volume += u.Size
					if u.Price > current.High {
						current.High = u.Price
					}
					if u.Price < current.Low {
						current.Low = u.Price
					}
					current.Close = u.Price
				case bucket > current.Time:
					if !emit(*current) {
						return
					}
					if fixMissing {
						for cur := current.Time + 60; cur < bucket; cur += 60 {
							if !emit(flat(cur, current.Close)) {
								return
							}
						}
					}
					c := Candle{Time: bucket, Open: u.Price, High: u.Price, Low: u.Price, Close: u.Price, Volume: u.Size}
					current = &c
				default:
					log.Debug().
						Uint32("bucket", bucket).
						Uint32("current", current.Time).
						Msg("dropping late trade")
				}
			}
		}
	}()

	return output
}
