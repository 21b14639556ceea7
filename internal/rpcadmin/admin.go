// Package rpcadmin exposes internal/worker.Plugin's introspection and
// operator surface over HTTP+JSON, grounded on daemon/api/server/server.go's
// DaemonAPIServer: hand-rolled net/http handlers registered on a
// http.ServeMux, the same shape used when protobuf gateway stubs are not
// compiled in.
package rpcadmin

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
	"github.com/quantarax/p2pshuffle/internal/worker"
)

// ShuffleStatus is the wire form of one shuffle.RunStats entry.
type ShuffleStatus struct {
	ShuffleID  string `json:"shuffle_id"`
	RunID      int64  `json:"run_id"`
	State      string `json:"state"`
	TotalSent  uint64 `json:"total_sent"`
	TotalRecvd uint64 `json:"total_recvd"`
}

// ListShufflesResponse is the body of GET /api/v1/shuffles.
type ListShufflesResponse struct {
	Shuffles []ShuffleStatus `json:"shuffles"`
}

// ForceFailRequest is the body of POST /api/v1/shuffles/{id}/fail.
type ForceFailRequest struct {
	RunID   int64  `json:"run_id"`
	Message string `json:"message"`
}

// AdminServer wires a worker.Plugin to the admin HTTP surface.
type AdminServer struct {
	plugin *worker.Plugin
}

// NewAdminServer builds an admin server over plugin.
func NewAdminServer(plugin *worker.Plugin) *AdminServer {
	return &AdminServer{plugin: plugin}
}

// RegisterHTTP registers admin routes on mux.
func (s *AdminServer) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/shuffles", s.handleListShuffles)
	mux.HandleFunc("/api/v1/shuffles/", s.handleShufflePrefix)
}

func (s *AdminServer) handleListShuffles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := s.plugin.Heartbeat()
	resp := ListShufflesResponse{Shuffles: make([]ShuffleStatus, 0, len(stats))}
	for _, st := range stats {
		resp.Shuffles = append(resp.Shuffles, ShuffleStatus{
			ShuffleID:  string(st.ShuffleID),
			RunID:      int64(st.RunID),
			State:      st.State,
			TotalSent:  st.TotalSent,
			TotalRecvd: st.TotalRecvd,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleShufflePrefix routes /api/v1/shuffles/{id}/fail.
func (s *AdminServer) handleShufflePrefix(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/shuffles/"), "/")
	if len(parts) != 2 || parts[1] != "fail" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ForceFailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return
	}
	s.plugin.RouteFail(shuffletypes.ShuffleId(parts[0]), shuffletypes.RunId(req.RunID), req.Message)
	// A request ID lets an operator correlate this force-fail call against
	// worker logs, the same way daemon/main.go tags a transfer by its
	// session UUID.
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "request_id": uuid.NewString()})
}

type jsonError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, jsonError{Code: code, Message: msg})
}
