package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/obdbridge/internal/config"
	"github.com/shaunagostinho/obdbridge/internal/diag"
	"github.com/shaunagostinho/obdbridge/internal/monitor"
	"github.com/shaunagostinho/obdbridge/internal/obd"
)

// Diagnostics is the part of diag.Service the API exposes.
type Diagnostics interface {
	ReadDTCs(ctx context.Context) ([]diag.DTCEntry, error)
	ClearDTCs(ctx context.Context) error
}

// Server broadcasts monitor samples to WebSocket clients and serves the
// JSON API.
type Server struct {
	cfg   *config.Config
	mon   *monitor.Monitor
	diag  Diagnostics
	webFS fs.FS

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Sample  *monitor.Sample `json:"sample,omitempty"`
	Warning string          `json:"warning,omitempty"`
	Stamp   int64           `json:"stamp"` // Unix ms
}

// New creates a Server. webFS may be nil.
func New(cfg *config.Config, mon *monitor.Monitor, d Diagnostics, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		mon:     mon,
		diag:    d,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler routes the WebSocket feed, the API and the embedded web files.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/dtcs", s.handleDTCs)
	mux.HandleFunc("/api/dtcs/clear", s.handleClearDTCs)
	mux.HandleFunc("/api/config", s.handleConfig)
	return mux
}

// Run serves HTTP on the configured address and relays samples until ctx
// is done.
func (s *Server) Run(ctx context.Context) error {
	go s.pump(ctx)

	addr := s.cfg.Server.ListenAddr
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// pump forwards every monitor sample to the WebSocket clients.
func (s *Server) pump(ctx context.Context) {
	samples, cancel := s.mon.Subscribe(16)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case sm, ok := <-samples:
			if !ok {
				return
			}
			s.broadcast(sampleFrame(sm))
		}
	}
}

func sampleFrame(sm monitor.Sample) Frame {
	f := Frame{Sample: &sm, Stamp: sm.Timestamp.UnixMilli()}
	if sm.Safety != nil && !sm.Safety.InSafeRange {
		f.Warning = sm.Safety.Message
	}
	return f
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Latest sample first so a new page is not blank until the next tick.
	if sm, ok := s.mon.Latest(); ok {
		if data, err := json.Marshal(sampleFrame(sm)); err == nil {
			client.send <- data
		}
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", n)

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			close(client.send)
			n := len(s.clients)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode: %v", err)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.mon.History())
}

func (s *Server) handleDTCs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	dtcs, err := s.diag.ReadDTCs(r.Context())
	if err != nil {
		log.Printf("[server] read DTCs: %v", err)
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	if dtcs == nil {
		dtcs = []diag.DTCEntry{}
	}
	writeJSON(w, dtcs)
}

func (s *Server) handleClearDTCs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.diag.ClearDTCs(r.Context()); err != nil {
		log.Printf("[server] clear DTCs: %v", err)
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// statusOf maps engine errors onto HTTP codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, obd.ErrSafetyLimit):
		return http.StatusForbidden
	case errors.Is(err, obd.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, obd.ErrUnsupported):
		return http.StatusNotImplemented
	}
	return http.StatusBadGateway
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// Changes apply from the next start of the monitor command.
		if s.cfg.Path() != "" {
			if err := s.cfg.Save(); err != nil {
				log.Printf("[config] save failed: %v", err)
			}
		}
		writeJSON(w, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
