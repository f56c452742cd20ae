package server

import (
	"net/http"
	"time"
)

// handleClients handles GET /v1/clients.
// Returns the connected dashboards from the presence tracker. With
// active_within_secs set, clients silent for longer are left out.
func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	window := time.Duration(0)
	if secs, err := queryInt(r, "active_within_secs", 0); err != nil {
		writeErr(w, err)
		return
	} else if secs > 0 {
		window = time.Duration(secs) * time.Second
	}

	roster := s.presence.Roster()
	clients := roster[:0]
	for _, e := range roster {
		if window > 0 && time.Since(e.LastSeen) > window {
			continue
		}
		clients = append(clients, e)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(clients),
		"clients": clients,
	})
}
