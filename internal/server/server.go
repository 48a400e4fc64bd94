// Package server exposes sessions over a websocket text protocol.
//
// Every connection gets its own session.Session, bootstrapped from the store folder,
// and is served by a single goroutine: one text message in, one reply out. Replies to
// GET are binary messages carrying dtf batches; every other reply is text.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"candlestore/internal/session"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// defaultReadLimit bounds one incoming message; BULKADD blocks can be large.
	defaultReadLimit = 64 << 20

	// defaultWriteTimeout bounds one reply write.
	defaultWriteTimeout = 10 * time.Second

	// Path is the websocket endpoint.
	Path = "/ws"
)

// Config configures a Server.
type Config struct {
	Addr     string           // Listen address, e.g. ":9001"
	Settings session.Settings // Settings handed to every new session

	// ReadOnly rejects CREATE, ADD, BULKADD and FLUSH. Use it when another writer in
	// the process owns the store files, such as a running recorder.
	ReadOnly bool
}

// Server accepts websocket connections and runs one session per connection.
type Server struct {
	cfg      Config
	http     *http.Server
	mux      *http.ServeMux
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
}

// New validates the session settings and builds a server.
func New(cfg Config) (*Server, error) {
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:   cfg,
		conns: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc(Path, s.ServeWS)
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP handler serving the websocket endpoints.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving connections until Shutdown is called.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.cfg.Addr).Str("folder", s.cfg.Settings.Folder).Msg("websocket server starting")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve serves connections from l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	err := s.http.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, closes the open ones and waits for their
// goroutines or ctx. Resident records are not flushed.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeWS upgrades the request and serves the connection until it closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
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

	sess, err := session.New(s.cfg.Settings)
	if err != nil {
		log.Error().Err(err).Msg("failed to create session")
		return
	}
	s.serve(conn, sess, r.RemoteAddr)
}

func (s *Server) serve(conn *websocket.Conn, sess *session.Session, remote string) {
	logger := log.With().
		Str("component", "connection").
		Str("session", sess.ID()).
		Str("remote", remote).
		Logger()

	if err := sess.Bootstrap(); err != nil {
		logger.Error().Err(err).Msg("bootstrap failed")
		return
	}
	logger.Info().Strs("stores", sess.Names()).Msg("client connected")
	defer logger.Info().Msg("client disconnected")

	conn.SetReadLimit(defaultReadLimit)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("websocket closed normally")
			} else if websocket.IsUnexpectedCloseError(err) {
				logger.Warn().Err(err).Msg("unexpected websocket closure")
			} else {
				logger.Debug().Err(err).Msg("read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			if err := s.write(conn, text("ERR: expected a text message")); err != nil {
				return
			}
			continue
		}

		var resp Response
		cmd, err := ParseCommand(string(data))
		if err != nil {
			resp = fail(err)
		} else if s.cfg.ReadOnly && cmd.Kind.Writes() {
			resp = fail(ErrReadOnly)
		} else {
			resp = Execute(sess, cmd)
		}

		logger.Debug().
			Int("kind", int(cmd.Kind)).
			Int("bytes", len(resp.Data)).
			Bool("binary", resp.Binary).
			Msg("command served")

		if err := s.write(conn, resp); err != nil {
			logger.Warn().Err(err).Msg("write error")
			return
		}
	}
}

func (s *Server) write(conn *websocket.Conn, resp Response) error {
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	kind := websocket.TextMessage
	if resp.Binary {
		kind = websocket.BinaryMessage
	}
	return conn.WriteMessage(kind, resp.Data)
}
