package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/routerwatch-core/internal/fleet"
)

// fleetDevice is an identity as returned by the API. Passwords never leave
// the server.
type fleetDevice struct {
	ID       string       `json:"id"`
	Name     string       `json:"name,omitempty"`
	Broker   fleet.Broker `json:"broker"`
	Username string       `json:"username,omitempty"`
}

type putFleetRequest struct {
	Devices []fleet.Identity `json:"devices"`
}

type putFleetResponse struct {
	Removed []string `json:"removed"`
	Added   []string `json:"added"`
}

// handleGetFleet returns the active device set.
func (s *Server) handleGetFleet(w http.ResponseWriter, _ *http.Request) {
	ids := s.fleet.Identities()
	out := make([]fleetDevice, 0, len(ids))
	for _, id := range ids {
		out = append(out, fleetDevice{
			ID:       id.ID,
			Name:     id.Name,
			Broker:   id.Broker,
			Username: id.Credentials.Username,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}

// handlePutFleet replaces the desired device set and returns the applied
// delta as device ids.
func (s *Server) handlePutFleet(w http.ResponseWriter, r *http.Request) {
	var req putFleetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	delta, err := s.fleet.Reconcile(r.Context(), req.Devices)
	if err != nil {
		s.logger.Warn("fleet reconcile rejected", "error", err)
		writeFleetError(w, err)
		return
	}

	resp := putFleetResponse{Removed: identityIDs(delta.Remove), Added: identityIDs(delta.Add)}
	s.logger.Info("fleet reconciled", "removed", len(resp.Removed), "added", len(resp.Added))
	writeJSON(w, http.StatusOK, resp)
}

func identityIDs(list []fleet.Identity) []string {
	out := make([]string, len(list))
	for i, id := range list {
		out[i] = id.ID
	}
	return out
}
