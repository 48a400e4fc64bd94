package feed

import (
	"context"
	"fmt"
	"sync"

	"candlestore/internal/candles"
	"candlestore/internal/model"
	"candlestore/internal/session"
	"candlestore/internal/utils"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Recorder persists a trade stream into one store per pair. Every pair is also
// aggregated into live minute candles, which are handed to OnCandle.
type Recorder struct {
	sess   *session.Session
	logger zerolog.Logger

	// OnCandle receives each completed minute candle. It runs on a per-pair
	// goroutine; the default logs the candle.
	OnCandle func(pair string, c candles.Candle)

	wg   sync.WaitGroup
	taps map[string]chan model.Update
}

// NewRecorder creates a recorder writing through sess.
func NewRecorder(sess *session.Session) *Recorder {
	r := &Recorder{
		sess:   sess,
		logger: log.With().Str("component", "recorder").Str("session", sess.ID()).Logger(),
		taps:   make(map[string]chan model.Update),
	}
	r.OnCandle = func(pair string, c candles.Candle) {
		r.logger.Info().
			Str("pair", pair).
			Uint32("time", c.Time).
			Float32("open", c.Open).
			Float32("high", c.High).
			Float32("low", c.Low).
			Float32("close", c.Close).
			Float32("volume", c.Volume).
			Msg("candle")
	}
	return r
}

// Record consumes events until the channel closes or ctx is cancelled, then flushes
// every store. Stores whose autoflush fired are cleared so memory stays bounded.
func (r *Recorder) Record(ctx context.Context, events <-chan model.TradeEvent) error {
	tapCtx, stopTaps := context.WithCancel(context.Background())
	defer func() {
		for _, tap := range r.taps {
			close(tap)
		}
		r.wg.Wait()
		stopTaps()
		r.taps = make(map[string]chan model.Update)
	}()

	for {
		select {
		case <-ctx.Done():
			return r.flush()
		case e, ok := <-events:
			if !ok {
				return r.flush()
			}
			if err := r.record(tapCtx, e); err != nil {
				return err
			}
		}
	}
}

func (r *Recorder) record(ctx context.Context, e model.TradeEvent) error {
	name := utils.StoreName(e.Pair)
	if !r.sess.Exists(name) {
		if err := r.sess.Create(name); err != nil {
			return fmt.Errorf("record %s: %w", e.Pair, err)
		}
		r.logger.Info().Str("pair", e.Pair).Str("store", name).Msg("recording pair")
	}
	if err := r.sess.Use(name); err != nil {
		return err
	}

	r.sess.Add(e.Update)
	flushed, err := r.sess.Autoflush()
	if err != nil {
		return fmt.Errorf("autoflush %s: %w", name, err)
	}
	if flushed {
		if err := r.sess.Clear(); err != nil {
			return fmt.Errorf("clear %s: %w", name, err)
		}
	}

	r.tap(ctx, e)
	return nil
}

// tap forwards the update to the pair's candle stream, dropping it when the stream
// falls behind.
func (r *Recorder) tap(ctx context.Context, e model.TradeEvent) {
	tap, ok := r.taps[e.Pair]
	if !ok {
		tap = make(chan model.Update, 1000)
		r.taps[e.Pair] = tap
		out := candles.Stream(ctx, tap, true)
		r.wg.Add(1)
		go func(pair string) {
			defer r.wg.Done()
			for c := range out {
				r.OnCandle(pair, c)
			}
		}(e.Pair)
	}

	select {
	case tap <- e.Update:
	default:
		r.logger.Warn().Str("pair", e.Pair).Msg("candle stream behind, dropping trade")
	}
}

func (r *Recorder) flush() error {
	if err := r.sess.FlushAll(); err != nil {
		return fmt.Errorf("flush on shutdown: %w", err)
	}
	r.logger.Info().Uint64("records", r.sess.CountAll()).Msg("recorder stopped")
	return nil
}
