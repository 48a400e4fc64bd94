// Package feed streams live trades from exchanges as model.TradeEvent values.
//
// Each connector speaks one exchange's websocket protocol, validates the payload
// with struct tags, parses prices and sizes as decimals and narrows them into the
// float32 fields of a dtf record. Pairs use the BASE-QUOTE form on the way in and
// on the way out regardless of the exchange's native symbol format.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"candlestore/internal/dtf"
	"candlestore/internal/model"
	"candlestore/internal/utils"
	"candlestore/internal/websocket"

	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidConfig indicates that the provided Config contains invalid values.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnsupportedExchange is returned by NewConnector for an unknown exchange name.
	ErrUnsupportedExchange = errors.New("unsupported exchange")
)

// Connector subscribes to the trade stream of one exchange.
//
// Pairs are given and reported as BASE-QUOTE, e.g. BTC-USDT, whatever the exchange
// calls them natively. Every trade is delivered as a dtf record with IsTrade set and
// IsBid true when the taker bought. A connector holds no state between
// subscriptions, so one value may serve several SubscribeToTrades calls.
type Connector interface {
	// SubscribeToTrades connects and returns a channel of trades for pairs. The
	// channel is closed when the connection ends or ctx is cancelled.
	SubscribeToTrades(ctx context.Context, pairs []string) (<-chan model.TradeEvent, error)

	// Name returns the exchange name.
	Name() string
}

// Config provides connection parameters shared by every connector.
//
// A nil *Config passed to a constructor selects the exchange defaults for every
// field.
type Config struct {
	// BaseURL is the websocket endpoint to dial. Empty selects the exchange's public
	// endpoint. It must use the ws or wss scheme, which lets tests point a connector
	// at a local server.
	BaseURL string

	// MaxSymbols caps the number of pairs accepted by one SubscribeToTrades call.
	// Zero or negative selects the exchange default.
	MaxSymbols int
}

// applyDefaults returns cfg with empty fields taken from def.
func applyDefaults(cfg *Config, def Config) (Config, error) {
	if cfg == nil {
		return def, nil
	}
	out := *cfg
	if out.BaseURL == "" {
		out.BaseURL = def.BaseURL
	}
	if !strings.HasPrefix(out.BaseURL, "ws://") && !strings.HasPrefix(out.BaseURL, "wss://") {
		return Config{}, fmt.Errorf("%w: base URL %q is not a websocket URL", ErrInvalidConfig, out.BaseURL)
	}
	if out.MaxSymbols <= 0 {
		out.MaxSymbols = def.MaxSymbols
	}
	return out, nil
}

// NewConnector returns the connector for the named exchange (binance, coinbase, okx).
func NewConnector(exchange string, cfg *Config) (Connector, error) {
	switch strings.ToLower(strings.TrimSpace(exchange)) {
	case "binance":
		return NewBinanceConnector(cfg)
	case "coinbase":
		return NewCoinbaseConnector(cfg)
	case "okx":
		return NewOkxConnector(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedExchange, exchange)
	}
}

// parseFunc decodes one websocket message into zero or more trades.
type parseFunc func(raw []byte) ([]model.TradeEvent, error)

// subscribe connects to endpoint and forwards every parsed trade to the returned
// channel. The channel is closed once the client's read loop has exited, after which
// parse is never called again.
func subscribe(ctx context.Context, exchange, endpoint string, subMsgs [][]byte, parse parseFunc) (<-chan model.TradeEvent, error) {
	out := make(chan model.TradeEvent, 1000)
	logger := log.With().Str("component", "feed").Str("exchange", exchange).Logger()

	handler := func(messageType int, raw []byte) error {
		if messageType != gorilla.TextMessage {
			return fmt.Errorf("%s sent a non text frame of %d bytes", exchange, len(raw))
		}
		events, err := parse(raw)
		if err != nil {
			return err
		}
		for _, e := range events {
			select {
			case out <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	client, err := websocket.NewWebsocketClient(ctx, websocket.Config{
		Endpoint:             endpoint,
		Handler:              handler,
		SubscriptionMessages: subMsgs,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to create websocket client")
		return nil, err
	}

	go func() {
		<-client.DisconnectChan()
		close(out)
		logger.Info().Msg("trade stream closed")
	}()
	return out, nil
}

// newTrade builds a trade event from exchange fields.
func newTrade(pair string, at time.Time, seq uint64, isBid bool, price, size decimal.Decimal) model.TradeEvent {
	return model.TradeEvent{
		Pair: pair,
		Update: model.Update{
			Timestamp: dtf.NormalizeTimestamp(uint64(at.UnixMilli())),
			Seq:       uint32(seq),
			IsTrade:   true,
			IsBid:     isBid,
			Price:     float32(price.InexactFloat64()),
			Size:      float32(size.InexactFloat64()),
		},
	}
}

// quotesByLength lists quote assets longest first so suffix matching is deterministic.
var quotesByLength = func() []string {
	q := make([]string, 0, len(utils.QuoteAssetSet))
	for k := range utils.QuoteAssetSet {
		q = append(q, k)
	}
	sort.Slice(q, func(i, j int) bool {
		if len(q[i]) != len(q[j]) {
			return len(q[i]) > len(q[j])
		}
		return q[i] < q[j]
	})
	return q
}()

// toNormalizedSymbol converts a concatenated symbol such as BTCUSDT to BTC-USDT.
// Symbols without a known quote suffix are returned upper cased.
func toNormalizedSymbol(symbol string) string {
	symbol = strings.ToUpper(symbol)
	for _, quote := range quotesByLength {
		if len(symbol) > len(quote) && strings.HasSuffix(symbol, quote) {
			return symbol[:len(symbol)-len(quote)] + "-" + quote
		}
	}
	return symbol
}
