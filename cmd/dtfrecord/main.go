/*
Package main records live exchange trades into .dtf stores.

Each pair gets its own store (BTC-USDT is written to btc_usdt.dtf) and is flushed
every flush-interval trades and on shutdown. Completed one minute candles are
logged and, when -listen is set, streamed to websocket clients on /candles while
the store folder can be queried through the command protocol on /ws. Those query
sessions are read only: the recorder is the only writer of its files.

Usage:

	go run ./cmd/dtfrecord -exchange=binance -pairs=BTC-USDT,ETH-USDT -folder=db
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"candlestore/internal/candles"
	"candlestore/internal/config"
	"candlestore/internal/feed"
	"candlestore/internal/server"
	"candlestore/internal/session"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	exchange := flag.String("exchange", cfg.Feed.Exchange, "Exchange to record: binance, coinbase or okx")
	endpoint := flag.String("endpoint", cfg.Feed.Endpoint, "Websocket URL, the exchange default when empty")
	pairs := flag.String("pairs", strings.Join(cfg.Feed.Pairs, ","), "Comma-separated list of pairs")
	folder := flag.String("folder", cfg.Store.Folder, "Folder holding the .dtf files")
	flushInterval := flag.Uint("flush-interval", uint(cfg.Store.FlushInterval), "Trades between flushes of a store")
	listen := flag.String("listen", cfg.Feed.Listen, "Query and live candle listen address, empty to disable")
	level := flag.String("log-level", cfg.Log.Level, "Log level")
	flag.Parse()

	zerolog.SetGlobalLevel(config.ParseLevel(*level))

	settings := session.Settings{Autoflush: true, FlushInterval: uint32(*flushInterval), Folder: *folder}
	sess, err := session.New(settings)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid store settings")
	}
	if err := sess.Bootstrap(); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap stores")
	}

	connector, err := feed.NewConnector(*exchange, &feed.Config{BaseURL: *endpoint})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create connector")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	symbolList := strings.Split(*pairs, ",")
	events, err := connector.SubscribeToTrades(ctx, symbolList)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe")
	}

	rec := feed.NewRecorder(sess)

	var srv *server.Server
	if *listen != "" {
		candleCh := make(chan feed.PairCandle, 1000)
		dispatcher := feed.NewDispatcher(feed.DispatcherConfig{MaxSymbolsAllowed: len(symbolList)})
		if err := dispatcher.Start(ctx, candleCh); err != nil {
			log.Fatal().Err(err).Msg("failed to start dispatcher")
		}
		logCandle := rec.OnCandle
		rec.OnCandle = func(pair string, c candles.Candle) {
			logCandle(pair, c)
			select {
			case candleCh <- feed.PairCandle{Pair: pair, Candle: c}:
			case <-ctx.Done():
			}
		}

		srv, err = server.New(server.Config{Addr: *listen, Settings: settings, ReadOnly: true})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create server")
		}
		srv.HandleCandles(dispatcher)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				log.Error().Err(err).Msg("server stopped")
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("initiating graceful shutdown")
		cancel()
	}()

	log.Info().
		Str("exchange", connector.Name()).
		Strs("pairs", symbolList).
		Str("folder", settings.Folder).
		Uint32("flush_interval", settings.FlushInterval).
		Msg("recording")

	if err := rec.Record(ctx, events); err != nil {
		log.Error().Err(err).Msg("recording failed")
	}

	if srv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown incomplete")
		}
	}
}
