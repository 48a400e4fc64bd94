package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"candlestore/internal/model"
	"candlestore/internal/utils"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

var defaultBinanceConfig = Config{
	BaseURL:    "wss://stream.binance.com:9443",
	MaxSymbols: 10,
}

// BinanceConnector reads the combined <symbol>@trade streams of Binance.
//
// All pairs of one subscription share a single connection: the stream names are
// part of the URL, so no subscription message is sent. Binance reports symbols
// without a separator (BTCUSDT); they are mapped back to BASE-QUOTE by matching
// known quote assets. The trade id becomes the record sequence number.
type BinanceConnector struct {
	// config holds the endpoint and pair limit, defaults already applied.
	config Config

	// validate checks the struct tags of every decoded message.
	validate *validator.Validate
}

// binanceEnvelope is the combined stream wrapper:
//
//	{"stream":"btcusdt@trade","data":{...}}
type binanceEnvelope struct {
	Stream string          `json:"stream" validate:"required"`
	Data   json.RawMessage `json:"data" validate:"required"`
}

// binanceTrade is the trade payload. Numbers arrive as strings to keep precision.
//
//	{"e":"trade","s":"BTCUSDT","t":12345,"p":"0.001","q":"100","T":1505177401000,"m":true}
//
// Time is the execution time in epoch milliseconds. BuyerIsMaker set means the
// taker sold into a resting bid.
type binanceTrade struct {
	Symbol       string `json:"s" validate:"required"`
	TradeID      int64  `json:"t" validate:"gte=0"`
	Price        string `json:"p" validate:"required,numeric"`
	Quantity     string `json:"q" validate:"required,numeric"`
	Time         int64  `json:"T" validate:"required,gt=0"`
	BuyerIsMaker bool   `json:"m"`
}

// NewBinanceConnector creates a connector; a nil cfg selects the public endpoint
// and a limit of 10 pairs. It fails with ErrInvalidConfig for a non websocket URL.
func NewBinanceConnector(cfg *Config) (*BinanceConnector, error) {
	c, err := applyDefaults(cfg, defaultBinanceConfig)
	if err != nil {
		return nil, err
	}
	return &BinanceConnector{config: c, validate: validator.New()}, nil
}

// Name returns "binance".
func (bc *BinanceConnector) Name() string { return "binance" }

// SubscribeToTrades connects to the combined trade stream of pairs.
//
// Pairs are validated against the BASE-QUOTE form and the configured limit before
// dialing. Malformed messages are logged and skipped; the returned channel closes
// when the connection drops or ctx is cancelled.
func (bc *BinanceConnector) SubscribeToTrades(ctx context.Context, pairs []string) (<-chan model.TradeEvent, error) {
	if err := utils.ValidatePairs(pairs, bc.config.MaxSymbols); err != nil {
		return nil, err
	}
	return subscribe(ctx, bc.Name(), bc.buildStreamURL(pairs), nil, bc.parse)
}

// buildStreamURL returns <base>/stream?streams=btcusdt@trade/ethusdt@trade.
func (bc *BinanceConnector) buildStreamURL(pairs []string) string {
	streams := make([]string, 0, len(pairs))
	for _, p := range pairs {
		streams = append(streams, strings.ToLower(strings.ReplaceAll(p, "-", ""))+"@trade")
	}
	return fmt.Sprintf("%s/stream?streams=%s", bc.config.BaseURL, strings.Join(streams, "/"))
}

// parse decodes one combined stream message.
//
// The taker side is the bid side when the buyer is not the maker.
func (bc *BinanceConnector) parse(raw []byte) ([]model.TradeEvent, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("binance envelope: %w", err)
	}
	if err := bc.validate.Struct(&env); err != nil {
		return nil, fmt.Errorf("binance envelope: %w", err)
	}

	var t binanceTrade
	if err := json.Unmarshal(env.Data, &t); err != nil {
		return nil, fmt.Errorf("binance trade: %w", err)
	}
	if err := bc.validate.Struct(&t); err != nil {
		return nil, fmt.Errorf("binance trade: %w", err)
	}

	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return nil, fmt.Errorf("binance price: %w", err)
	}
	quantity, err := decimal.NewFromString(t.Quantity)
	if err != nil {
		return nil, fmt.Errorf("binance quantity: %w", err)
	}

	return []model.TradeEvent{
		newTrade(toNormalizedSymbol(t.Symbol), time.UnixMilli(t.Time), uint64(t.TradeID), !t.BuyerIsMaker, price, quantity),
	}, nil
}
