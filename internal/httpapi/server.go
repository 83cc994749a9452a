package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/leafsync/internal/fact"
	"github.com/roach88/leafsync/internal/server"
)

var errMissingClient = errors.New("clientID is required")

type api struct {
	srv      *server.Server
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// Handler builds the HTTP surface over a server of record. The hub, if
// non-nil, serves the poke websocket; wire the same hub into the server's
// OnCommit so pushes announce themselves.
func Handler(srv *server.Server, hub *Hub, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{
		srv:    srv,
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	r := mux.NewRouter()
	r.Methods(http.MethodPost).Path("/sync/{scope}/push").HandlerFunc(a.handlePush)
	r.Methods(http.MethodPost).Path("/sync/{scope}/pull").HandlerFunc(a.handlePull)
	if hub != nil {
		r.Methods(http.MethodGet).Path("/sync/{scope}/poke").HandlerFunc(a.handlePoke)
	}
	return r
}

func (a *api) handlePush(w http.ResponseWriter, r *http.Request) {
	scopeID := mux.Vars(r)["scope"]
	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, errMissingClient)
		return
	}

	res, err := a.srv.Push(r.Context(), scopeID, req.ClientID, req.Records)
	if err != nil {
		a.logger.Error("push failed", "scope", scopeID, "client", req.ClientID, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, res)
}

func (a *api) handlePull(w http.ResponseWriter, r *http.Request) {
	scopeID := mux.Vars(r)["scope"]
	var req PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, errMissingClient)
		return
	}

	res, err := a.srv.Pull(r.Context(), scopeID, req.ClientID, req.Since)
	if err != nil {
		a.logger.Error("pull failed", "scope", scopeID, "client", req.ClientID, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if res.Facts == nil {
		res.Facts = []fact.Fact{}
	}
	writeJSON(w, res)
}

func (a *api) handlePoke(w http.ResponseWriter, r *http.Request) {
	scopeID := mux.Vars(r)["scope"]
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("poke upgrade failed", "scope", scopeID, "error", err)
		return
	}
	a.hub.add(scopeID, conn)
	defer func() {
		a.hub.remove(scopeID, conn)
		conn.Close()
	}()

	// Listeners never send application data; reading drains control
	// frames and returns when the peer goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}
