// Package admin implements the directory server's optional HTTP/JSON admin
// surface: status, metrics, and entry inspection. Grounded on the teacher's
// JSON-response conventions (pkg/api/api0/api.go: respJSON/respFail
// envelopes) with the HTML rendering (web/) the teacher also carries
// deliberately left out.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/itelexsrv/itelexsrv/pkg/store"
)

// PeerState summarizes one configured peer for the /status endpoint.
type PeerState struct {
	Host           string    `json:"host"`
	LastFullQuery  time.Time `json:"last_full_query,omitempty"`
	LastPushResult string    `json:"last_push_result,omitempty"`
}

// StatusProvider supplies the dynamic fields of GET /status. The server
// wires its acceptor and replication engine's live state into an
// implementation of this interface.
type StatusProvider interface {
	ConnectionCount() int
	PeerStates() []PeerState
}

// Handler serves the admin endpoints.
type Handler struct {
	store     store.EntryStore
	status    StatusProvider
	startedAt time.Time
	sets      []*metrics.Set
}

// NewHandler builds a Handler. sets are the process's private metric sets
// (acceptor, replication engine, ...); /metrics writes all of them.
func NewHandler(st store.EntryStore, status StatusProvider, sets ...*metrics.Set) *Handler {
	return &Handler{store: st, status: status, startedAt: time.Now(), sets: sets}
}

// Mux builds the *http.ServeMux routing to this Handler's endpoints.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/metrics", h.handleMetrics)
	mux.HandleFunc("/entries", h.handleEntries)
	return mux
}

type statusResponse struct {
	UptimeSeconds   float64     `json:"uptime_seconds"`
	ConnectionCount int         `json:"connection_count"`
	Peers           []PeerState `json:"peers"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
	}
	if h.status != nil {
		resp.ConnectionCount = h.status.ConnectionCount()
		resp.Peers = h.status.PeerStates()
	}
	respJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	metrics.WriteProcessMetrics(w)
	for _, s := range h.sets {
		s.WritePrometheus(w)
	}
}

type entriesResponse struct {
	Entries []entryJSON `json:"entries"`
}

type entryJSON struct {
	Number     uint32 `json:"number"`
	Name       string `json:"name"`
	ClientType uint8  `json:"client_type"`
	Address    string `json:"address,omitempty"`
	Port       uint16 `json:"port"`
	Extension  uint8  `json:"extension"`
}

func (h *Handler) handleEntries(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	entries, err := h.store.GetEntriesByPattern(pattern)
	if err != nil {
		respFail(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := entriesResponse{Entries: make([]entryJSON, len(entries))}
	for i, e := range entries {
		pub := e.Public()
		resp.Entries[i] = entryJSON{
			Number:     pub.Number,
			Name:       pub.Name,
			ClientType: pub.ClientType,
			Address:    pub.Address(),
			Port:       pub.Port,
			Extension:  pub.Extension,
		}
	}
	respJSON(w, http.StatusOK, resp)
}

func respJSON(w http.ResponseWriter, status int, obj any) {
	buf, err := json.Marshal(obj)
	if err != nil {
		panic(err)
	}
	buf = append(buf, '\n')
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(buf)))
	w.WriteHeader(status)
	w.Write(buf)
}

func respFail(w http.ResponseWriter, status int, msg string) {
	respJSON(w, status, map[string]any{
		"success": false,
		"error":   msg,
	})
}
