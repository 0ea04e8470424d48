package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/piwi3910/rdmalink/internal/hardware"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

// ConnectionInfo is the admin view of one registered connection.
type ConnectionInfo struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	LocalGID   string `json:"local_gid"`
	RemoteGID  string `json:"remote_gid"`
	LocalQPN   uint32 `json:"local_qpn"`
	RemoteQPN  uint32 `json:"remote_qpn"`
	SlotSize   int    `json:"slot_size"`
	SlotCount  int    `json:"slot_count"`
	FreeSlots  int    `json:"free_send_slots"`
	QueueDepth int    `json:"queue_depth"`
}

// ConnectionsResponse lists registered connections and the handshake
// counters of the server.
type ConnectionsResponse struct {
	Connections []ConnectionInfo   `json:"connections"`
	Metrics     rdma.ServerMetrics `json:"metrics"`
	InFlight    int64              `json:"in_flight_transfers"`
}

// DevicesResponse is the device inventory: what sysfs shows and what the
// verbs backend can open.
type DevicesResponse struct {
	Error   string                 `json:"error,omitempty"`
	Backend string                 `json:"backend"`
	Devices []hardware.RDMAInfo    `json:"devices"`
	Verbs   []rdma.VerbsDeviceInfo `json:"verbs"`
}

func connectionInfo(c *rdma.Connection) ConnectionInfo {
	local, remote := c.LocalIdentity(), c.RemoteIdentity()

	return ConnectionInfo{
		Name:       c.Name(),
		State:      c.State().String(),
		LocalGID:   local.GID.String(),
		RemoteGID:  remote.GID.String(),
		LocalQPN:   local.QPN,
		RemoteQPN:  remote.QPN,
		SlotSize:   c.SlotSize(),
		SlotCount:  c.SlotCount(),
		FreeSlots:  c.FreeSlots(),
		QueueDepth: c.QueueDepth(),
	}
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	conns := s.rdma.Connections()

	resp := ConnectionsResponse{
		Connections: make([]ConnectionInfo, 0, len(conns)),
		Metrics:     s.rdma.Metrics(),
		InFlight:    s.receiver.InFlightCount(),
	}

	for _, c := range conns {
		resp.Connections = append(resp.Connections, connectionInfo(c))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	conn, ok := s.rdma.Lookup(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "connection not found: " + name})
		return
	}

	writeJSON(w, http.StatusOK, connectionInfo(conn))
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	resp := DevicesResponse{
		Backend: s.cfg.RDMA.Backend,
		Devices: s.detector.Devices(),
	}

	if err := s.detector.LastError(); err != nil {
		resp.Error = err.Error()
	}

	verbs, err := s.backend.GetDeviceList()
	if err != nil {
		resp.Error = err.Error()
	}

	resp.Verbs = verbs

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
