/*
Package main is an interactive client for the dtf store server.

Each stdin line is sent as one command. BULKADD blocks are collected until the
closing DDAKLUB line and sent as a single message. Text replies are printed as is;
binary GET replies are decoded and printed one record per line.

Usage:

	go run ./cmd/client -addr=ws://localhost:9001/ws
*/
package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"candlestore/internal/dtf"
	"candlestore/internal/model"
	"candlestore/internal/websocket"

	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	serverAddr = flag.String("addr", "ws://localhost:9001/ws", "Server websocket URL")
	timeout    = flag.Duration("timeout", 10*time.Second, "Time to wait for a reply")
)

func main() {
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	replies := make(chan reply, 1)
	client, err := websocket.NewWebsocketClient(ctx, websocket.Config{
		Endpoint: *serverAddr,
		Handler: func(messageType int, data []byte) error {
			replies <- reply{binary: messageType == gorilla.BinaryMessage, data: data}
			return nil
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("could not connect")
	}
	defer client.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 1<<20), 1<<26)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	var bulk []string
	prompt()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.DisconnectChan():
			fmt.Fprintln(os.Stderr, "connection closed")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			trimmed := strings.TrimSpace(line)
			upper := strings.ToUpper(trimmed)
			switch {
			case trimmed == "" && bulk == nil:
				prompt()
				continue
			case strings.HasPrefix(upper, "BULKADD") && bulk == nil:
				bulk = []string{trimmed}
				continue
			case bulk != nil && !strings.HasPrefix(upper, "DDAKLUB"):
				bulk = append(bulk, trimmed)
				continue
			case bulk != nil:
				trimmed = strings.Join(append(bulk, trimmed), "\n")
				bulk = nil
			}

			if err := client.Send([]byte(trimmed)); err != nil {
				log.Error().Err(err).Msg("send failed")
				return
			}
			select {
			case r := <-replies:
				printReply(r)
			case <-client.DisconnectChan():
				fmt.Fprintln(os.Stderr, "connection closed")
				return
			case <-time.After(*timeout):
				fmt.Fprintln(os.Stderr, "no reply")
			}
			prompt()
		}
	}
}

func prompt() {
	fmt.Print("dtf> ")
}

// reply is one server message with its frame type.
type reply struct {
	binary bool
	data   []byte
}

// printReply prints text replies verbatim and decodes binary replies as record
// batches, one record per line.
func printReply(r reply) {
	if !r.binary {
		fmt.Println(string(r.data))
		return
	}
	records, err := dtf.ReadBatches(bytes.NewReader(r.data))
	if err != nil {
		fmt.Fprintf(os.Stderr, "undecodable reply of %d bytes: %v\n", len(r.data), err)
		return
	}
	for _, u := range records {
		printRecord(u)
	}
}

func printRecord(r model.Update) {
	side := "ask"
	if r.IsBid {
		side = "bid"
	}
	kind := "book"
	if r.IsTrade {
		kind = "trade"
	}
	fmt.Printf("%d\t%d\t%s\t%s\t%g\t%g\n", r.Timestamp, r.Seq, kind, side, r.Price, r.Size)
}
