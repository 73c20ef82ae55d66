package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"github.com/pbnjay/memory"
	"github.com/sirupsen/logrus"
)

// TokenResolver maps a bearer token to a user id. It never fails; an
// unresolvable token yields ("", false).
type TokenResolver interface {
	Resolve(token string) (string, bool)
}

// Handlers serves the hub's HTTP surface.
type Handlers struct {
	hub       *Hub
	cfg       *Config
	resolver  TokenResolver
	upgrader  websocket.Upgrader
	startTime time.Time
	log       *logrus.Entry
}

// NewHandlers creates the HTTP handlers for hub. resolver may be nil, in which
// case every connection is anonymous.
func NewHandlers(hub *Hub, cfg *Config, resolver TokenResolver) *Handlers {
	if cfg == nil {
		cfg = NewConfig()
	}
	policy := newOriginPolicy(cfg.Origins())

	return &Handlers{
		hub:      hub,
		cfg:      cfg,
		resolver: resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 8 * time.Second,
			CheckOrigin:      policy.checkOrigin,
		},
		startTime: time.Now(),
		log:       logrus.WithField("comp", "http"),
	}
}

// WebSocket upgrades the request and hands the new connection to the hub.
// The token query parameter is resolved best-effort: a missing or invalid
// token still connects, anonymously.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub.ShuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	userID := ""
	if token := r.URL.Query().Get("token"); token != "" && h.resolver != nil {
		userID, _ = h.resolver.Resolve(token)
	}

	transport, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithField("addr", r.RemoteAddr).WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := NewConnection(transport, userID, r.RemoteAddr, h.cfg)
	if err := h.hub.Register(c); err != nil {
		h.log.WithField("addr", r.RemoteAddr).WithError(err).Info("refusing connection")
		message := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = transport.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeWriteWait))
		_ = transport.Close()
	}
}

// Health reports that the server is running.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Collabhub server is running!")
}

type pingResponse struct {
	PID        int64  `json:"pid"`
	Hostname   string `json:"hostname"`
	Uptime     int64  `json:"uptime"`
	FreeMemory int64  `json:"freeMemory"`
	Version    string `json:"version"`
}

// Ping returns process diagnostics.
func (h *Handlers) Ping(w http.ResponseWriter, _ *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		h.log.WithError(err).Warn("unable to read hostname")
	}

	writeJSON(w, http.StatusOK, &pingResponse{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		Uptime:     int64(time.Since(h.startTime).Seconds()),
		FreeMemory: int64(memory.FreeMemory()),
		Version:    h.cfg.Version,
	})
}

// Stats returns the hub's connection and room counts.
func (h *Handlers) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.Stats())
}

type broadcastRequest struct {
	Type string          `json:"type" validate:"required"`
	Data json.RawMessage `json:"data"`
}

type broadcastResponse struct {
	Delivered int `json:"delivered"`
}

// BroadcastAll sends the posted envelope to every connection.
func (h *Handlers) BroadcastAll(w http.ResponseWriter, r *http.Request) {
	env, ok := h.decodeBroadcast(w, r)
	if !ok {
		return
	}

	delivered := h.hub.BroadcastToAll(env)
	h.log.WithField("type", env.Type).WithField("delivered", delivered).Info("broadcast to all connections")
	writeJSON(w, http.StatusOK, &broadcastResponse{Delivered: delivered})
}

// BroadcastUser sends the posted envelope to every connection of the user in
// the URL.
func (h *Handlers) BroadcastUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	env, ok := h.decodeBroadcast(w, r)
	if !ok {
		return
	}

	delivered := h.hub.BroadcastToUser(userID, env)
	h.log.WithField("type", env.Type).WithField("user_id", userID).WithField("delivered", delivered).Info("broadcast to user")
	writeJSON(w, http.StatusOK, &broadcastResponse{Delivered: delivered})
}

func (h *Handlers) decodeBroadcast(w http.ResponseWriter, r *http.Request) (*Envelope, bool) {
	req := &broadcastRequest{}
	if err := decodeAndValidateJSON(req, r); err != nil {
		h.log.WithError(err).Debug("invalid broadcast request")
		writeJSON(w, http.StatusBadRequest, &errorPayload{Message: err.Error()})
		return nil, false
	}

	env := &Envelope{Type: req.Type, Data: req.Data}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		env.Data = json.RawMessage("{}")
	}
	return env, true
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		logrus.WithField("comp", "http").WithError(err).Error("error writing response")
	}
}
