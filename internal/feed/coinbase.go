package feed

import (
	"context"
	"fmt"
	"time"

	"candlestore/internal/model"
	"candlestore/internal/utils"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

var defaultCoinbaseConfig = Config{
	BaseURL:    "wss://ws-feed.exchange.coinbase.com",
	MaxSymbols: 10,
}

// CoinbaseConnector reads the matches channel of the Coinbase exchange feed.
//
// One subscribe message lists every product. Coinbase product ids already use the
// BASE-QUOTE form, so pairs pass through unchanged. Match times are RFC 3339 with
// microseconds and are truncated to milliseconds.
type CoinbaseConnector struct {
	// config holds the endpoint and pair limit, defaults already applied.
	config Config

	// validate checks the struct tags of every decoded match.
	validate *validator.Validate
}

// coinbaseMatch is a trade execution. Side is the maker order side, so a "sell"
// maker means the taker bought.
//
//	{"type":"match","trade_id":10,"side":"sell","size":"5.2","price":"400.23","product_id":"BTC-USD","time":"2014-11-07T08:19:27.028459Z"}
type coinbaseMatch struct {
	Type      string `json:"type" validate:"required"`
	TradeID   int64  `json:"trade_id" validate:"gte=0"`
	Side      string `json:"side" validate:"omitempty,oneof=buy sell"`
	Price     string `json:"price" validate:"required,numeric"`
	Size      string `json:"size" validate:"required,numeric"`
	ProductID string `json:"product_id" validate:"required"`
	Time      string `json:"time" validate:"required"`
}

// coinbaseSubscribe is the request sent right after connecting.
type coinbaseSubscribe struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// NewCoinbaseConnector creates a connector; a nil cfg selects the public endpoint
// and a limit of 10 pairs. It fails with ErrInvalidConfig for a non websocket URL.
func NewCoinbaseConnector(cfg *Config) (*CoinbaseConnector, error) {
	c, err := applyDefaults(cfg, defaultCoinbaseConfig)
	if err != nil {
		return nil, err
	}
	return &CoinbaseConnector{config: c, validate: validator.New()}, nil
}

// Name returns "coinbase".
func (cc *CoinbaseConnector) Name() string { return "coinbase" }

// SubscribeToTrades subscribes to the matches channel of pairs. Coinbase product ids
// already use the BASE-QUOTE form.
func (cc *CoinbaseConnector) SubscribeToTrades(ctx context.Context, pairs []string) (<-chan model.TradeEvent, error) {
	if err := utils.ValidatePairs(pairs, cc.config.MaxSymbols); err != nil {
		return nil, err
	}
	sub, err := json.Marshal(coinbaseSubscribe{Type: "subscribe", ProductIDs: pairs, Channels: []string{"matches"}})
	if err != nil {
		return nil, err
	}
	return subscribe(ctx, cc.Name(), cc.config.BaseURL, [][]byte{sub}, cc.parse)
}

// parse decodes one feed message. Messages other than matches (subscriptions,
// heartbeats, last_match snapshots) yield no trades.
func (cc *CoinbaseConnector) parse(raw []byte) ([]model.TradeEvent, error) {
	var m coinbaseMatch
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("coinbase message: %w", err)
	}
	if m.Type != "match" {
		return nil, nil
	}
	if err := cc.validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("coinbase match: %w", err)
	}

	at, err := time.Parse(time.RFC3339Nano, m.Time)
	if err != nil {
		return nil, fmt.Errorf("coinbase time: %w", err)
	}
	price, err := decimal.NewFromString(m.Price)
	if err != nil {
		return nil, fmt.Errorf("coinbase price: %w", err)
	}
	size, err := decimal.NewFromString(m.Size)
	if err != nil {
		return nil, fmt.Errorf("coinbase size: %w", err)
	}

	// a sell maker means the taker bought
	return []model.TradeEvent{
		newTrade(m.ProductID, at, uint64(m.TradeID), m.Side == "sell", price, size),
	}, nil
}
