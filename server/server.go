package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"hand-rehab/analytics"
	"hand-rehab/hand"
)

const (
	defaultRawBytes = 256
	tickInterval    = time.Second
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string      `json:"error"`
	State *hand.State `json:"state,omitempty"`
}

// OKResponse is the body of every successful command.
type OKResponse struct {
	OK    bool       `json:"ok"`
	State hand.State `json:"state"`
}

// RawResponse is the body of GET /api/debug/raw.
type RawResponse struct {
	Hex string `json:"hex"`
}

type thresholdsRequest struct {
	Thresholds []float64 `json:"thresholds"`
}

type alphaRequest struct {
	Alpha float64 `json:"alpha"`
}

// Server is the HTTP surface over a Hand.
type Server struct {
	hand     *hand.Hand
	hub      *Hub
	upgrader websocket.Upgrader
	log      *logrus.Entry
	cancels  []func()
}

// New creates a server and subscribes its hub to hand's state and press
// events.
func New(h *hand.Hand, hub *Hub) *Server {
	s := &Server{
		hand: h,
		hub:  hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logrus.WithField("component", "server"),
	}
	s.cancels = append(s.cancels,
		h.Subscribe(func(st hand.State) {
			hub.Broadcast(Event{Type: EventState, Payload: st})
		}),
		h.OnPress(func(ev analytics.PressEvent) {
			hub.Broadcast(Event{Type: EventPress, Payload: ev})
		}),
	)
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/state", s.methodHandler(http.MethodGet, s.handleState))
	mux.HandleFunc("/api/debug/raw", s.methodHandler(http.MethodGet, s.handleRaw))
	mux.HandleFunc("/api/connect", s.methodHandler(http.MethodPost, s.handleConnect))
	mux.HandleFunc("/api/disconnect", s.methodHandler(http.MethodPost, s.handleDisconnect))
	mux.HandleFunc("/api/reconnect", s.methodHandler(http.MethodPost, s.handleReconnect))
	mux.HandleFunc("/api/reset", s.methodHandler(http.MethodPost, s.handleReset))
	mux.HandleFunc("/api/calibrate", s.methodHandler(http.MethodPost, s.handleCalibrate))
	mux.HandleFunc("/api/thresholds", s.methodHandler(http.MethodPost, s.handleThresholds))
	mux.HandleFunc("/api/alpha", s.methodHandler(http.MethodPost, s.handleAlpha))
	return corsMiddleware(mux)
}

// ListenAndServe serves on addr until ctx is done. While running it sends
// the state once per tick so clients see elapsed time advance.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.tick(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("HTTP/WS server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.Close()
	err := srv.Shutdown(shutdownCtx)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

// Close removes the hand subscriptions.
func (s *Server) Close() {
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
}

func (s *Server) tick(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.Len() > 0 {
				s.hub.Broadcast(Event{Type: EventState, Payload: s.hand.State()})
			}
		}
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) methodHandler(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "Method not allowed"})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) ok(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, OKResponse{OK: true, State: s.hand.State()})
}

func (s *Server) fail(w http.ResponseWriter, code int, err error) {
	st := s.hand.State()
	writeJSON(w, code, ErrorResponse{Error: err.Error(), State: &st})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WS upgrade failed")
		return
	}
	// The first message is always the current state.
	data, err := json.Marshal(Event{Type: EventState, Payload: s.hand.State()})
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			return
		}
	}
	s.hub.Serve(conn)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hand.State())
}

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	max := defaultRawBytes
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "max must be a positive integer"})
			return
		}
		max = n
	}
	writeJSON(w, http.StatusOK, RawResponse{Hex: s.hand.RawHex(max)})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.hand.Connect(r.Context()); err != nil {
		s.fail(w, http.StatusBadGateway, err)
		return
	}
	s.ok(w)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.hand.Disconnect(r.Context()); err != nil {
		s.log.WithError(err).Warn("Disconnect reported an error")
	}
	s.ok(w)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.hand.Reconnect(r.Context()); err != nil {
		s.fail(w, http.StatusBadGateway, err)
		return
	}
	s.ok(w)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.hand.ResetData()
	s.ok(w)
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if err := s.hand.Calibrate(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, analytics.ErrNoReading) {
			code = http.StatusConflict
		}
		s.fail(w, code, err)
		return
	}
	s.ok(w)
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	var req thresholdsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return
	}
	s.hand.SetThresholds(req.Thresholds)
	s.ok(w)
}

func (s *Server) handleAlpha(w http.ResponseWriter, r *http.Request) {
	var req alphaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return
	}
	if err := s.hand.SetAlpha(req.Alpha); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	s.ok(w)
}
