// Package webapi serves a read-only view of the relay: json status endpoints
// and a websocket that streams stats snapshots.
package webapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/blukai/rorrelay/internal/lock"
	"github.com/blukai/rorrelay/internal/sequencer"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/phuslu/log"
)

const (
	DefaultStreamInterval = time.Second

	shutdownTimeout = 5 * time.Second
	writeTimeout    = 10 * time.Second
	pongTimeout     = 60 * time.Second
)

// Source is the read-only view of the client table. *sequencer.Sequencer
// satisfies it.
type Source interface {
	Stats() sequencer.Stats
	Clients() []sequencer.ClientInfo
	Bans() []sequencer.Ban
}

type Server struct {
	ln       net.Listener
	srv      *http.Server
	source   Source
	upgrader websocket.Upgrader
	interval time.Duration

	logger *log.Logger

	mu          lock.Mutex
	subscribers map[string]*websocket.Conn
}

func NewServer(address string, source Source, logger *log.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("could not listen tcp: %w", err)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	s := &Server{
		ln:     ln,
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		interval: DefaultStreamInterval,

		logger: logger,

		subscribers: make(map[string]*websocket.Conn),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/clients", s.handleClients)
	mux.HandleFunc("/api/bans", s.handleBans)
	mux.HandleFunc("/ws", s.handleWebSocket)
	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s, nil
}

// Addr can be useful to retrieve listener's address when it was constructed
// with ":0".
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// SetStreamInterval changes how often websocket subscribers get a snapshot.
// must be called before Run.
func (s *Server) SetStreamInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.srv.Serve(s.ln)
		if err == http.ErrServerClosed {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("could not serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// hijacked websocket connections are not tracked by http.Server
	s.mu.Lock()
	for id, conn := range s.subscribers {
		conn.Close()
		delete(s.subscribers, id)
	}
	s.mu.Unlock()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("could not shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Msgf("could not write response: %v", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.source.Stats())
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.source.Clients())
}

func (s *Server) handleBans(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.source.Bans())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.logger.Debug().Msgf("could not upgrade: %v", err)
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.subscribers[id] = conn
	s.mu.Unlock()

	s.logger.Debug().
		Str("id", id).
		Str("addr", r.RemoteAddr).
		Msg("stats subscriber connected")

	s.stream(id, conn)

	s.mu.Lock()
	delete(s.subscribers, id)
	s.mu.Unlock()
	conn.Close()

	s.logger.Debug().
		Str("id", id).
		Msg("stats subscriber disconnected")
}

// stream pushes stats until the subscriber goes away.
func (s *Server) stream(id string, conn *websocket.Conn) {
	done := make(chan struct{})
	wg := &sync.WaitGroup{}

	// the read side only serves control frames and notices the close
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)

		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug().Str("id", id).Msgf("unexpected close: %v", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	pings := time.NewTicker(pongTimeout * 9 / 10)
	defer pings.Stop()

	write := func() error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(s.source.Stats())
	}

	err := write()
loop:
	for err == nil {
		select {
		case <-done:
			break loop
		case <-ticker.C:
			err = write()
		case <-pings.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err = conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
	if err != nil {
		s.logger.Debug().Str("id", id).Msgf("could not write: %v", err)
	}

	conn.Close()
	wg.Wait()
}
