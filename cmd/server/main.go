/*
Package main runs the dtf store server.

Clients connect over websocket to /ws and drive a session with text commands
(CREATE, USE, ADD, BULKADD, FLUSH, GET, CANDLES, ...). Stores live as .dtf files in
the store folder. A gRPC health service runs on a separate port for probes.

Usage:

	go run ./cmd/server -addr=:9001 -grpc=:9002 -folder=db -flush-interval=1000

Flag defaults come from DTF_ prefixed environment variables or a .env file.
*/
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"candlestore/internal/config"
	"candlestore/internal/server"
	"candlestore/internal/session"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	addr := flag.String("addr", cfg.Server.Addr, "Websocket listen address")
	grpcAddr := flag.String("grpc", cfg.Server.GRPCAddr, "gRPC health listen address, empty to disable")
	folder := flag.String("folder", cfg.Store.Folder, "Folder holding the .dtf files")
	autoflush := flag.Bool("autoflush", cfg.Store.Autoflush, "Flush the selected store every flush-interval adds")
	flushInterval := flag.Uint("flush-interval", uint(cfg.Store.FlushInterval), "Adds between automatic flushes")
	level := flag.String("log-level", cfg.Log.Level, "Log level")
	flag.Parse()

	zerolog.SetGlobalLevel(config.ParseLevel(*level))

	settings := session.Settings{
		Autoflush:     *autoflush,
		FlushInterval: uint32(*flushInterval),
		Folder:        *folder,
	}
	srv, err := server.New(server.Config{Addr: *addr, Settings: settings})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}

	var grpcServer *grpc.Server
	if *grpcAddr != "" {
		lis, err := net.Listen("tcp", *grpcAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to listen")
		}
		grpcServer = grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				MaxConnectionIdle: 5 * time.Minute,
				MaxConnectionAge:  30 * time.Minute,
				Time:              20 * time.Second,
				Timeout:           10 * time.Second,
			}),
		)
		healthServer := health.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

		go func() {
			log.Info().Str("addr", *grpcAddr).Msg("health server starting")
			if err := grpcServer.Serve(lis); err != nil {
				log.Error().Err(err).Msg("health server stopped")
			}
		}()
	}

	stopped := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer close(stopped)
		<-sig
		log.Info().Msg("initiating graceful shutdown")
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("shutdown incomplete")
		}
	}()

	log.Info().
		Str("addr", *addr).
		Str("folder", settings.Folder).
		Bool("autoflush", settings.Autoflush).
		Uint32("flush_interval", settings.FlushInterval).
		Msg("server starting")

	if err := srv.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("failed to serve")
	}
	<-stopped
	log.Info().Msg("server stopped")
}
