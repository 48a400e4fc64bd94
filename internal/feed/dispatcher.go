package feed

import (
	"context"
	"errors"
	"sync/atomic"

	"candlestore/internal/candles"
	"candlestore/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrDispatcherNotStarted is returned by Subscribe before Start.
	ErrDispatcherNotStarted = errors.New("dispatcher not started")

	// ErrDispatcherBusy is returned when a subscription request cannot be queued.
	ErrDispatcherBusy = errors.New("dispatcher busy")
)

// PairCandle is a completed minute candle of one pair.
type PairCandle struct {
	Pair string
	candles.Candle
}

// Subscriber receives the candles of the pairs it subscribed to.
type Subscriber struct {
	id    string
	ch    chan PairCandle
	pairs map[string]struct{}
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the delivery channel. It is closed on Unsubscribe or dispatcher shutdown.
func (s *Subscriber) C() <-chan PairCandle { return s.ch }

// DispatcherConfig holds the dispatcher limits.
type DispatcherConfig struct {
	MaxSymbolsAllowed int // Maximum pairs per subscription
	BufferSize        int // Per subscriber channel capacity; 100 when <= 0
}

// Dispatcher fans live candles out to subscribers.
//
// A single goroutine owns the subscriber map; Subscribe and Unsubscribe talk to it
// over channels. A subscriber that falls behind loses its oldest buffered candle.
type Dispatcher struct {
	cfg         DispatcherConfig
	subscribers map[string]*Subscriber
	subCh       chan *Subscriber
	unsubCh     chan *Subscriber
	done        chan struct{}
	started     atomic.Bool
}

// NewDispatcher creates a stopped dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	return &Dispatcher{
		cfg:         cfg,
		subscribers: make(map[string]*Subscriber),
		subCh:       make(chan *Subscriber, 10),
		unsubCh:     make(chan *Subscriber, 10),
		done:        make(chan struct{}),
	}
}

// Subscribe registers a subscriber for pairs.
func (d *Dispatcher) Subscribe(pairs []string) (*Subscriber, error) {
	if !d.started.Load() {
		return nil, ErrDispatcherNotStarted
	}
	if err := utils.ValidatePairs(pairs, d.cfg.MaxSymbolsAllowed); err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		set[p] = struct{}{}
	}
	sub := &Subscriber{
		id:    uuid.NewString(),
		ch:    make(chan PairCandle, d.cfg.BufferSize),
		pairs: set,
	}

	select {
	case <-d.done:
		return nil, ErrDispatcherNotStarted
	default:
	}
	select {
	case d.subCh <- sub:
		return sub, nil
	default:
		return nil, ErrDispatcherBusy
	}
}

// Unsubscribe removes sub and closes its channel. It does nothing once the
// dispatcher has stopped, since shutdown closes every channel.
func (d *Dispatcher) Unsubscribe(sub *Subscriber) {
	select {
	case d.unsubCh <- sub:
	case <-d.done:
	}
}

// Start runs the dispatch loop until ctx is cancelled or in is closed.
func (d *Dispatcher) Start(ctx context.Context, in <-chan PairCandle) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}

	go func() {
		defer func() {
			for id, sub := range d.subscribers {
				close(sub.ch)
				delete(d.subscribers, id)
			}
			close(d.done)
			// requests queued before done was closed
			for {
				select {
				case sub := <-d.subCh:
					close(sub.ch)
				default:
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info().Str("component", "dispatcher").Msg("dispatcher stopped")
				return
			case sub := <-d.subCh:
				d.subscribers[sub.id] = sub
			case sub := <-d.unsubCh:
				if _, ok := d.subscribers[sub.id]; ok {
					delete(d.subscribers, sub.id)
					close(sub.ch)
				}
			case c, ok := <-in:
				if !ok {
					return
				}
				d.dispatch(c)
			}
		}
	}()
	return nil
}

// Done is closed once the dispatch loop has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) dispatch(c PairCandle) {
	for _, sub := range d.subscribers {
		if _, ok := sub.pairs[c.Pair]; !ok {
			continue
		}
		select {
		case sub.ch <- c:
		default:
			log.Debug().Str("component", "dispatcher").Str("subscriber", sub.id).Msg("slow subscriber, dropping oldest candle")
			<-sub.ch
			sub.ch <- c
		}
	}
}
