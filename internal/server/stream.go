package server

import (
	"net/http"
	"strings"

	"candlestore/internal/feed"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// CandlePath is the live candle endpoint, e.g. /candles?pairs=BTC-USDT,ETH-USDT.
const CandlePath = "/candles"

// CandleSource hands out live candle subscriptions.
type CandleSource interface {
	Subscribe(pairs []string) (*feed.Subscriber, error)
	Unsubscribe(sub *feed.Subscriber)
}

// HandleCandles serves src on CandlePath. Every completed candle of a subscribed
// pair is sent as one text message: PAIR,time,open,high,low,close,volume.
func (s *Server) HandleCandles(src CandleSource) {
	s.mux.HandleFunc(CandlePath, func(w http.ResponseWriter, r *http.Request) {
		s.serveCandles(w, r, src)
	})
}

func (s *Server) serveCandles(w http.ResponseWriter, r *http.Request, src CandleSource) {
	var pairs []string
	for _, p := range strings.Split(r.URL.Query().Get("pairs"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			pairs = append(pairs, strings.ToUpper(p))
		}
	}

	sub, err := src.Subscribe(pairs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer src.Unsubscribe(sub)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
		s.wg.Done()
	}()

	logger := log.With().
		Str("component", "candles").
		Str("subscriber", sub.ID()).
		Str("remote", r.RemoteAddr).
		Strs("pairs", pairs).
		Logger()
	logger.Info().Msg("subscriber connected")
	defer logger.Info().Msg("subscriber disconnected")

	// the read side only watches for the peer going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case c, ok := <-sub.C():
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed stopped"))
				return
			}
			if err := s.write(conn, text(c.Pair+","+c.CSV())); err != nil {
				logger.Warn().Err(err).Msg("write error")
				return
			}
		}
	}
}
