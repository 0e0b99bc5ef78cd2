package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/enetdash/internal/doip"
	"github.com/shaunagostinho/enetdash/internal/dtc"
	"github.com/shaunagostinho/enetdash/internal/ecu"
	"github.com/shaunagostinho/enetdash/internal/logger"
)

// Server exposes the engine over HTTP and broadcasts its state to WebSocket
// clients.
type Server struct {
	cfg     *Config
	engine  *ecu.Engine
	webFS   fs.FS
	logger  *logger.Logger
	history *dtc.History

	// discover is doip.Discover outside tests
	discover func(ctx context.Context, timeout time.Duration) ([]doip.Adapter, error)

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients. Type is
// "snapshot" or the name of the carried event.
type Frame struct {
	Type     string        `json:"type"`
	Snapshot *ecu.Snapshot `json:"snapshot,omitempty"`
	Event    ecu.Event     `json:"event,omitempty"`
	Stamp    int64         `json:"stamp"` // Unix ms
}

// New creates a Server. history and webFS may be nil.
func New(cfg *Config, engine *ecu.Engine, history *dtc.History, webFS fs.FS) *Server {
	return &Server{
		cfg:      cfg,
		engine:   engine,
		webFS:    webFS,
		logger:   logger.New(cfg.Logging),
		history:  history,
		discover: doip.Discover,
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/check", s.handleCheck)
	mux.HandleFunc("/api/discover", s.handleDiscover)
	mux.HandleFunc("/api/layout", s.handleLayout)
	mux.HandleFunc("/api/dtc", s.handleDTC)
	mux.HandleFunc("/api/dtc/history", s.handleDTCHistory)
	return mux
}

// Run starts the HTTP server and the broadcast loop. It returns when ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.broadcastLoop(ctx)

	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// broadcastLoop sends a snapshot to every client at the poll rate and
// forwards engine events as they happen.
func (s *Server) broadcastLoop(ctx context.Context) {
	events, cancel := s.engine.Subscribe(256)
	defer cancel()

	rate := time.Duration(s.cfg.Polling.TickMs) * time.Millisecond
	if rate <= 0 {
		rate = 100 * time.Millisecond
	}
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Close()
			return
		case <-ticker.C:
			snap := s.engine.Snapshot()
			if snap.SessionID == "" && snap.State != ecu.Failed && snap.State != ecu.Connecting {
				continue
			}
			s.broadcast(Frame{Type: "snapshot", Snapshot: &snap, Stamp: time.Now().UnixMilli()})
			s.logger.Record(snap)
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Server) handleEvent(ev ecu.Event) {
	switch e := ev.(type) {
	case ecu.DtcListUpdated:
		if s.history != nil && !e.Cleared {
			fresh, err := s.history.Observe(e.Codes, e.At)
			if err != nil {
				log.Printf("[dtc] history: %v", err)
			}
			for _, r := range fresh {
				log.Printf("[dtc] new code %s %s", r.Code, r.Description)
			}
		}
	case ecu.ValueUpdated, ecu.CorrectionUpdated:
		// carried by the periodic snapshot
		return
	}
	s.broadcast(Frame{Type: ev.EventName(), Event: ev, Stamp: time.Now().UnixMilli()})
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

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// initial state so the page can render before the first tick
	snap := s.engine.Snapshot()
	if data, err := json.Marshal(Frame{Type: "snapshot", Snapshot: &snap, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	go func() {
		defer conn.Close()
		for msg := range client.send {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
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

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[ws] marshal %s: %v", frame.Type, err)
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ecu.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, ecu.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ecu.ErrConnectTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, ecu.ErrConnectRefused):
		status = http.StatusBadGateway
	case errors.Is(err, ecu.ErrUnknownParameter), errors.Is(err, ecu.ErrUnknownPreset):
		status = http.StatusBadRequest
	case errors.As(err, new(*ecu.TransportError)):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		s.logger.SetEnabled(s.cfg.loggingEnabled())

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

// connectRequest is the body of /api/connect and /api/check. Empty fields
// fall back to the configured adapter.
type connectRequest struct {
	Address   string `json:"address"`
	Port      int    `json:"port"`
	TimeoutMs int    `json:"timeoutMs"`
}

func (s *Server) connectTarget(r *http.Request) (connectRequest, error) {
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		return req, err
	}
	a := s.cfg.AdapterSettings()
	if req.Address == "" {
		req.Address = a.Address
	}
	if req.Port == 0 {
		req.Port = a.Port
	}
	if req.TimeoutMs <= 0 {
		req.TimeoutMs = a.ConnectTimeoutMs
	}
	return req, nil
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	req, err := s.connectTarget(r)
	if err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	if err := s.engine.Connect(r.Context(), req.Address, req.Port, time.Duration(req.TimeoutMs)*time.Millisecond); err != nil {
		writeError(w, err)
		return
	}
	s.cfg.SetAdapter(req.Address, req.Port)
	if err := s.cfg.Save(); err != nil {
		log.Printf("[config] save failed: %v", err)
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	if err := s.engine.Disconnect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	req, err := s.connectTarget(r)
	if err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	ok, msg := ecu.TestConnection(r.Context(), req.Address, req.Port, time.Duration(req.TimeoutMs)*time.Millisecond)
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "message": msg})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	timeout := 2 * time.Second
	if v := r.URL.Query().Get("timeoutMs"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "bad timeoutMs", 400)
			return
		}
		timeout = time.Duration(n) * time.Millisecond
	}
	adapters, err := s.discover(r.Context(), timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	if adapters == nil {
		adapters = []doip.Adapter{}
	}
	writeJSON(w, http.StatusOK, adapters)
}

// layoutRequest either names a preset or carries a full assignment.
type layoutRequest struct {
	Preset string              `json:"preset"`
	Left   ecu.GaugeAssignment `json:"left"`
	Right  ecu.GaugeAssignment `json:"right"`
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.engine.Snapshot().Layout)

	case http.MethodPost:
		var req layoutRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		var err error
		if req.Preset != "" {
			_, err = s.engine.ApplyPreset(r.Context(), req.Preset)
		} else {
			err = s.engine.SetLayout(r.Context(), ecu.DashboardLayout{Left: req.Left, Right: req.Right})
		}
		if err != nil {
			writeError(w, err)
			return
		}
		layout := s.engine.Snapshot().Layout
		s.PersistLayout(layout)
		writeJSON(w, http.StatusOK, layout)

	default:
		http.Error(w, "method not allowed", 405)
	}
}

// PersistLayout stores l as the configured layout and saves the file.
func (s *Server) PersistLayout(l ecu.DashboardLayout) {
	s.cfg.SetLayout(l)
	if err := s.cfg.Save(); err != nil {
		log.Printf("[config] save failed: %v", err)
	}
}

func (s *Server) handleDTC(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snap := s.engine.Snapshot()
		codes := snap.DTCs
		if codes == nil {
			codes = []dtc.Record{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"codes": codes, "busy": snap.DTCBusy})

	case http.MethodPost:
		action := r.URL.Query().Get("action")
		if action == "" {
			var body struct {
				Action string `json:"action"`
			}
			if err := decodeBody(r, &body); err != nil {
				http.Error(w, "bad request", 400)
				return
			}
			action = body.Action
		}
		var err error
		switch action {
		case "read":
			err = s.engine.ReadDTC(r.Context())
		case "clear":
			err = s.engine.ClearDTC(r.Context())
		default:
			http.Error(w, "action must be read or clear", 400)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleDTCHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "dtc history disabled", 404)
		return
	}
	switch r.Method {
	case http.MethodGet:
		entries, err := s.history.List()
		if err != nil {
			writeError(w, err)
			return
		}
		if entries == nil {
			entries = []dtc.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)

	case http.MethodDelete:
		if err := s.history.Clear(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", 405)
	}
}
