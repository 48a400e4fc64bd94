// Package websocket provides a long-lived websocket client for streaming feeds.
//
// The client dials once, sends the configured subscription messages and then hands
// every incoming message to a Handler on a single read goroutine. It keeps the
// connection alive with pings and tears everything down on Close or when its
// context is cancelled.
//
// The same client serves the exchange connectors, which subscribe to trade channels
// and parse JSON text frames, and the interactive store client, which receives both
// text replies and binary record batches.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// defaultPingPeriod is the interval between pings when Config.PingPeriod is zero.
	defaultPingPeriod = 15 * time.Second

	// defaultSendTimeout is the write deadline when Config.SendTimeout is zero.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit bounds one incoming message.
	defaultReadLimit = 1 << 20

	// defaultHandshakeTimeout bounds the opening handshake.
	defaultHandshakeTimeout = 10 * time.Second
)

// ErrClientShuttingDown is reported on ErrChan when the read loop exits, and returned
// by Send once the client is closing.
var ErrClientShuttingDown = errors.New("client is shutting down")

// Handler processes one incoming message.
//
// messageType is the gorilla frame type, websocket.TextMessage or
// websocket.BinaryMessage, so a handler never has to guess how to read data.
// Handlers run on the read goroutine, so a slow handler applies backpressure to the
// connection. An error is logged and the message dropped; it does not close the
// connection. A panic is recovered the same way.
type Handler func(messageType int, data []byte) error

// Config defines settings for the client.
type Config struct {
	// Endpoint is the websocket URL to dial, e.g. wss://stream.binance.com:9443/ws.
	// Required.
	Endpoint string

	// Handler receives every data message read from the connection. Control frames
	// never reach it.
	// Required.
	Handler Handler

	// TLSInsecureSkip disables certificate verification for wss endpoints. Only
	// meant for local test servers.
	TLSInsecureSkip bool

	// PingPeriod is the interval between pings. The read deadline is pushed to twice
	// this value on every pong. Defaults to 15s.
	PingPeriod time.Duration

	// SendTimeout is the write deadline applied to Send and to pings. Defaults to 5s.
	SendTimeout time.Duration

	// SubscriptionMessages are sent as text messages, in order, right after the
	// connection is established and before the read loop starts. A failed write
	// aborts NewWebsocketClient.
	SubscriptionMessages [][]byte
}

// Client wraps a websocket connection with its read and ping loops.
//
// A Client is created connected by NewWebsocketClient and lives until Close is called
// or its context is cancelled. It does not reconnect: when the peer goes away
// DisconnectChan is closed and the owner decides whether to dial again.
type Client struct {
	// conn is the live connection, nil until the subscriptions are sent.
	conn atomic.Pointer[websocket.Conn]

	// disconnect is closed when the read loop exits.
	disconnect chan struct{}

	// errChan holds the error that ended the read loop.
	errChan chan error

	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	// once guards Close.
	once sync.Once

	// wg tracks the read, ping and shutdown goroutines.
	wg sync.WaitGroup
}

// NewWebsocketClient dials cfg.Endpoint, sends the subscription messages and starts
// processing messages.
//
// The returned client is already running. Cancelling ctx has the same effect as
// calling Close. An error means nothing was started and no goroutine is left behind.
func NewWebsocketClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		disconnect: make(chan struct{}),
		errChan:    make(chan error, 1),
	}

	if err := c.start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}
	return c, nil
}

func (c *Client) start() error {
	logger := log.With().Str("endpoint", c.cfg.Endpoint).Str("component", "start").Logger()

	conn, err := c.dial(c.ctx)
	if err != nil {
		return fmt.Errorf("initial dial failed: %w", err)
	}

	conn.SetReadLimit(defaultReadLimit)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PingPeriod * 2))
	})

	for _, m := range c.cfg.SubscriptionMessages {
		if err := conn.WriteMessage(websocket.TextMessage, m); err != nil {
			logger.Error().Err(err).Msg("subscription error")
			if cerr := conn.Close(); cerr != nil {
				logger.Warn().Err(cerr).Msg("error closing connection during cleanup")
			}
			return err
		}
	}
	c.conn.Store(conn)

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.readLoop(conn)
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()
	go func() {
		defer c.wg.Done()
		<-c.ctx.Done()
		c.Close()
	}()
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	logger := log.With().Str("endpoint", c.cfg.Endpoint).Str("component", "readLoop").Logger()

	defer func() {
		close(c.disconnect)
		select {
		case c.errChan <- ErrClientShuttingDown:
		default:
		}
		logger.Info().Msg("read loop exiting")
	}()

	for {
		if c.ctx.Err() != nil {
			return
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
				logger.Debug().Err(err).Msg("read interrupted by shutdown")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Info().Err(err).Msg("websocket closed normally")
			case websocket.IsUnexpectedCloseError(err):
				logger.Warn().Err(err).Msg("unexpected websocket closure")
			default:
				logger.Error().Err(err).Msg("read error")
			}
			select {
			case c.errChan <- err:
			default:
			}
			return
		}

		c.handle(messageType, data)
	}
}

// handle runs the handler, isolating the read loop from handler panics.
func (c *Client) handle(messageType int, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("recover", r).Str("endpoint", c.cfg.Endpoint).Msg("panic in message handler")
		}
	}()
	if err := c.cfg.Handler(messageType, data); err != nil {
		log.Debug().Err(err).Str("endpoint", c.cfg.Endpoint).Msg("message rejected by handler")
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			conn := c.conn.Load()
			if conn == nil {
				continue
			}
			deadline := time.Now().Add(c.cfg.SendTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Warn().Err(err).Str("endpoint", c.cfg.Endpoint).Msg("ping error")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Close sends a close frame, closes the connection and waits briefly for the loops
// to exit. It is safe to call more than once and from any goroutine.
//
// The wait happens in the background, so Close returns without blocking; use
// DisconnectChan to know when the read loop is gone.
func (c *Client) Close() {
	c.once.Do(func() {
		logger := log.With().Str("endpoint", c.cfg.Endpoint).Str("component", "close").Logger()
		c.cancel()

		if conn := c.conn.Load(); conn != nil {
			if err := conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			); err != nil {
				logger.Debug().Err(err).Msg("failed to send close frame")
			}
			if err := conn.Close(); err != nil {
				logger.Debug().Err(err).Msg("error closing websocket connection")
			}
		}

		// Close may run on the shutdown goroutine itself, which is part of wg
		go func() {
			done := make(chan struct{})
			go func() {
				c.wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				logger.Debug().Msg("client goroutines completed")
			case <-time.After(5 * time.Second):
				logger.Warn().Msg("timeout waiting for client goroutines")
			}
		}()
	})
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, nil)
	if err != nil {
		ev := log.Error().Err(err).Str("endpoint", c.cfg.Endpoint)
		if resp != nil {
			ev = ev.Int("statusCode", resp.StatusCode)
		}
		ev.Msg("connection failed")
		return nil, err
	}
	log.Info().Str("endpoint", c.cfg.Endpoint).Msg("websocket connection established")
	return conn, nil
}

// Send writes msg as one text message on the connection.
//
// It returns ErrClientShuttingDown once the client is closing. Writes are bounded by
// Config.SendTimeout. Send is not meant for concurrent callers: gorilla allows one
// writer at a time.
func (c *Client) Send(msg []byte) error {
	conn := c.conn.Load()
	if conn == nil || c.ctx.Err() != nil {
		return ErrClientShuttingDown
	}
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// DisconnectChan is closed once the read loop has exited. No Handler call happens
// after it is closed.
func (c *Client) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan emits the error that ended the read loop: the read error itself, or
// ErrClientShuttingDown when nothing else was pending. At most one value is buffered.
func (c *Client) ErrChan() <-chan error {
	return c.errChan
}
