// Package webapi is the controller's HTTP surface: GET /data, POST
// /update, POST /toggle-load, and a gorilla/websocket live-push
// stream for supervisors that would rather subscribe than poll. The
// HTML dashboard is served by a separate frontend; this mux only ever
// writes JSON, plain-text error responses, or redirects.
package webapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/SolarHatProject/sc-hat-controller/internal/protocol"
)

// maxHTTPToggleSeconds is the HTTP-specific ceiling, deliberately
// tighter than the serial protocol's 28800 s.
const maxHTTPToggleSeconds = 300

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the HTTP collaborator.
type Server struct {
	log *logrus.Logger
	acc protocol.StateAccessor

	mu   sync.Mutex
	subs map[*websocket.Conn]struct{}
}

// New constructs a Server bound to acc.
func New(log *logrus.Logger, acc protocol.StateAccessor) *Server {
	return &Server{log: log, acc: acc, subs: make(map[*websocket.Conn]struct{})}
}

// Handler returns the http.Handler to serve.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/data", s.handleData)
	mux.HandleFunc("/update", s.handleUpdate)
	mux.HandleFunc("/toggle-load", s.handleToggleLoad)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.acc.Snapshot()); err != nil {
		s.log.WithError(err).Error("webapi: failed to encode /data response")
	}
}

// handleUpdate accepts POST form fields matching the tunables and
// redirects 303 on success.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	for _, field := range []string{"BATTERY_CAPACITY", "THRESHOLD_PERCENTAGE", "MAX_ALLOWED_CURRENT", "BULK_VOLTAGE", "ABSORPTION_VOLTAGE", "FLOAT_VOLTAGE", "DC_SOURCE_AMPS", "FACTOR_DIVIDER"} {
		raw := r.FormValue(field)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			http.Error(w, "invalid value for "+field, http.StatusBadRequest)
			return
		}
		if err := s.acc.SetTunable(field, v); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	for _, field := range []string{"IS_LITHIUM", "USE_DC_SOURCE"} {
		raw := r.FormValue(field)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "invalid value for "+field, http.StatusBadRequest)
			return
		}
		if err := s.acc.SetBoolTunable(field, v); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleToggleLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	seconds, err := strconv.Atoi(r.FormValue("seconds"))
	if err != nil || seconds < 1 || seconds > maxHTTPToggleSeconds {
		http.Error(w, "seconds must be in [1, 300]", http.StatusBadRequest)
		return
	}
	if err := s.acc.ToggleLoad(seconds); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("webapi: websocket upgrade failed")
		return
	}
	s.mu.Lock()
	s.subs[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// Drain and discard inbound traffic so the connection's read
	// deadline logic keeps working; this is a push-only stream.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// BroadcastSnapshot pushes the current snapshot to every connected
// websocket subscriber; called once per tick by the scheduler.
func (s *Server) BroadcastSnapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return
	}
	raw, err := json.Marshal(s.acc.Snapshot())
	if err != nil {
		s.log.WithError(err).Error("webapi: failed to encode snapshot for broadcast")
		return
	}
	for conn := range s.subs {
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			delete(s.subs, conn)
			conn.Close()
		}
	}
}
