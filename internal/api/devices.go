package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/routerwatch-core/internal/fleet"
	"github.com/nerrad567/routerwatch-core/internal/infrastructure/kvstore"
	"github.com/nerrad567/routerwatch-core/internal/telemetry"
)

// deviceView is a device as the dashboard sees it: live state joined with
// the configured identity and persisted metadata.
type deviceView struct {
	fleet.DeviceState
	Name               string          `json:"name"`
	Broker             fleet.Broker    `json:"broker"`
	Connection         fleet.ConnState `json:"connection,omitempty"`
	SchedulesClearedAt *time.Time      `json:"schedules_cleared_at,omitempty"`
}

// handleListDevices returns every device in the active set, ordered by id.
// Metadata is read in one pass; records of devices outside the active set
// are ignored.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	metas := s.listMeta()
	ids := s.fleet.Identities()
	views := make([]deviceView, 0, len(ids))
	for _, id := range ids {
		v := s.buildView(id)
		if meta, ok := metas[id.ID]; ok {
			applyMeta(&v, meta)
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views, "count": len(views)})
}

// handleGetDevice returns one device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.fleet.Identity(chi.URLParam(r, "id"))
	if !ok {
		writeNotFound(w, "device not found")
		return
	}
	v := s.buildView(id)
	if meta, ok := s.getMeta(id.ID); ok {
		applyMeta(&v, meta)
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) buildView(id fleet.Identity) deviceView {
	st, ok := s.fleet.State(id.ID)
	if !ok {
		st = fleet.DeviceState{DeviceID: id.ID, Status: fleet.StatusConnecting}
	}
	v := deviceView{
		DeviceState: st,
		Name:        id.DisplayName(),
		Broker:      id.Broker,
	}
	if cs, ok := s.fleet.ConnState(id.ID); ok {
		v.Connection = cs
	}
	return v
}

func (s *Server) getMeta(deviceID string) (kvstore.DeviceMeta, bool) {
	if s.meta == nil {
		return kvstore.DeviceMeta{}, false
	}
	meta, err := s.meta.Get(deviceID)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			s.logger.Warn("reading device metadata", "device_id", deviceID, "error", err)
		}
		return kvstore.DeviceMeta{}, false
	}
	return meta, true
}

func (s *Server) listMeta() map[string]kvstore.DeviceMeta {
	if s.meta == nil {
		return nil
	}
	all, err := s.meta.List()
	if err != nil {
		s.logger.Warn("listing device metadata", "error", err)
		return nil
	}
	out := make(map[string]kvstore.DeviceMeta, len(all))
	for _, m := range all {
		out[m.DeviceID] = m
	}
	return out
}

// applyMeta fills fields the live state has not learned yet since start
// from the persisted metadata.
func applyMeta(v *deviceView, meta kvstore.DeviceMeta) {
	if v.LastSeen == nil && meta.LastSeen != nil {
		v.LastSeen = meta.LastSeen
	}
	if v.LastAction == "" && meta.LastAction != "" {
		v.LastAction = telemetry.Action(meta.LastAction)
		v.LastActionTime = meta.LastActionTime
	}
	v.SchedulesClearedAt = meta.SchedulesClearedAt
}
