/*
Package main turns a .dtf file into candles.

The trades of the input file are aggregated into one minute candles, optionally
with gap filling, then rebinned to the requested width and written as CSV, Parquet
or JSON.

Usage:

	go run ./cmd/dtfrebin -i db/btc_usdt.dtf -m 5 -a -format parquet -o btc_5m.parquet
*/
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"candlestore/internal/candles"
	"candlestore/internal/dtf"
	"candlestore/internal/export"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	input   = flag.String("i", "", "Input .dtf file")
	aligned = flag.Bool("a", false, "Skip leading candles until one starts on a multiple of the source candle width. Groups are not snapped to multiples of -m")
	minutes = flag.Uint("m", 1, "Candle width in minutes")
	fix     = flag.Bool("fix", true, "Fill minutes without trades with flat candles")
	output  = flag.String("o", "", "Output file, stdout when empty")
	format  = flag.String("format", "csv", "Output format: csv, parquet or json")
)

func main() {
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := validateConfig(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	writer := export.NewWriter(*format)
	if writer == nil {
		log.Fatal().Str("format", *format).Msg("unsupported output format")
	}

	records, err := dtf.Decode(*input)
	if err != nil {
		log.Fatal().Err(err).Str("input", *input).Msg("failed to decode")
	}

	series, err := candles.FromUpdates(records, *fix).Rebin(*aligned, uint32(*minutes))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to rebin")
	}

	var w io.Writer = os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create output")
		}
		defer f.Close()
		w = f
	}
	bw := bufio.NewWriter(w)
	if err := writer.Write(bw, series); err != nil {
		log.Fatal().Err(err).Msg("failed to write candles")
	}
	if err := bw.Flush(); err != nil {
		log.Fatal().Err(err).Msg("failed to write candles")
	}

	log.Info().
		Int("records", len(records)).
		Int("candles", series.Len()).
		Uint("minutes", *minutes).
		Str("format", writer.Extension()).
		Msg("rebinned")
}

func validateConfig() error {
	if *input == "" {
		return fmt.Errorf("input file is required")
	}
	if *minutes == 0 {
		return fmt.Errorf("minutes must be greater than 0")
	}
	return nil
}
