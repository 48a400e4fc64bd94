package feed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"candlestore/internal/model"
	"candlestore/internal/utils"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

var defaultOkxConfig = Config{
	BaseURL:    "wss://ws.okx.com:8443/ws/v5/public",
	MaxSymbols: 10,
}

// OkxConnector reads the v5 public trades channel of OKX.
//
// One subscribe message carries an argument per pair. OKX instrument ids already
// use the BASE-QUOTE form. A push may batch several trades of one instrument; the
// trade id, a decimal string, becomes the record sequence number.
type OkxConnector struct {
	// config holds the endpoint and pair limit, defaults already applied.
	config Config

	// validate checks the struct tags of every decoded push, trades included.
	validate *validator.Validate
}

// okxArg names one channel subscription, and tags every push with its source.
type okxArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// okxSubscribe is the request sent right after connecting.
type okxSubscribe struct {
	Op   string   `json:"op"`
	Args []okxArg `json:"args"`
}

// okxTradeMessage carries one or more trades of a single instrument:
//
//	{"arg":{"channel":"trades","instId":"BTC-USDT"},"data":[{...}]}
type okxTradeMessage struct {
	Arg   okxArg     `json:"arg"`
	Event string     `json:"event"`
	Data  []okxTrade `json:"data" validate:"dive"`
}

// okxTrade is one trade. Side is the taker side; TS is epoch milliseconds.
type okxTrade struct {
	InstID  string `json:"instId" validate:"required"`
	TradeID string `json:"tradeId" validate:"required,numeric"`
	Price   string `json:"px" validate:"required,numeric"`
	Size    string `json:"sz" validate:"required,numeric"`
	Side    string `json:"side" validate:"required,oneof=buy sell"`
	TS      string `json:"ts" validate:"required,numeric"`
}

// NewOkxConnector creates a connector; a nil cfg selects the public endpoint
// and a limit of 10 pairs. It fails with ErrInvalidConfig for a non websocket URL.
func NewOkxConnector(cfg *Config) (*OkxConnector, error) {
	c, err := applyDefaults(cfg, defaultOkxConfig)
	if err != nil {
		return nil, err
	}
	return &OkxConnector{config: c, validate: validator.New()}, nil
}

// Name returns "okx".
func (oc *OkxConnector) Name() string { return "okx" }

// SubscribeToTrades subscribes to the trades channel of every pair.
func (oc *OkxConnector) SubscribeToTrades(ctx context.Context, pairs []string) (<-chan model.TradeEvent, error) {
	if err := utils.ValidatePairs(pairs, oc.config.MaxSymbols); err != nil {
		return nil, err
	}
	sub := okxSubscribe{Op: "subscribe", Args: make([]okxArg, 0, len(pairs))}
	for _, p := range pairs {
		sub.Args = append(sub.Args, okxArg{Channel: "trades", InstID: p})
	}
	msg, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}
	return subscribe(ctx, oc.Name(), oc.config.BaseURL, [][]byte{msg}, oc.parse)
}

// parse decodes one push message. Event replies (subscribe acks, errors) yield no
// trades; the whole batch is rejected if any trade is malformed.
func (oc *OkxConnector) parse(raw []byte) ([]model.TradeEvent, error) {
	var m okxTradeMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("okx message: %w", err)
	}
	if m.Event != "" {
		if m.Event == "error" {
			return nil, fmt.Errorf("okx error event: %s", raw)
		}
		return nil, nil
	}
	if err := oc.validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("okx trades: %w", err)
	}

	events := make([]model.TradeEvent, 0, len(m.Data))
	for _, d := range m.Data {
		ts, err := strconv.ParseInt(d.TS, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("okx ts: %w", err)
		}
		id, err := strconv.ParseUint(d.TradeID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("okx trade id: %w", err)
		}
		price, err := decimal.NewFromString(d.Price)
		if err != nil {
			return nil, fmt.Errorf("okx price: %w", err)
		}
		size, err := decimal.NewFromString(d.Size)
		if err != nil {
			return nil, fmt.Errorf("okx size: %w", err)
		}
		events = append(events, newTrade(d.InstID, time.UnixMilli(ts), id, d.Side == "buy", price, size))
	}
	return events, nil
}
