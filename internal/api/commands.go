package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/routerwatch-core/internal/fleet"
)

type setSchedulesRequest struct {
	Entries []fleet.ScheduleEntry `json:"entries"`
}

type startOTARequest struct {
	URL string `json:"url"`
}

// commandHandler resolves the device, runs send and writes 202 on success.
// Commands are fire-and-forget; the outcome shows up in device state.
func (s *Server) commandHandler(name string, send func(r *http.Request, deviceID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "id")
		if _, ok := s.fleet.Identity(deviceID); !ok {
			writeNotFound(w, "device not found")
			return
		}
		if err := send(r, deviceID); err != nil {
			s.logger.Warn("device command failed", "command", name, "device_id", deviceID, "error", err)
			writeFleetError(w, err)
			return
		}
		s.logger.Info("device command sent", "command", name, "device_id", deviceID)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":    "sent",
			"command":   name,
			"device_id": deviceID,
		})
	}
}

// decodeBody decodes a JSON body, wrapping failures as invalid commands.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return invalidBody{err}
	}
	return nil
}

type invalidBody struct{ err error }

func (e invalidBody) Error() string { return "invalid JSON body: " + e.err.Error() }
func (e invalidBody) Unwrap() error { return fleet.ErrInvalidCommand }

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	s.commandHandler("reboot", func(_ *http.Request, id string) error {
		return s.commands.Reboot(id)
	})(w, r)
}

func (s *Server) handleSetSchedules(w http.ResponseWriter, r *http.Request) {
	s.commandHandler("set_schedules", func(r *http.Request, id string) error {
		var req setSchedulesRequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		return s.commands.SetSchedules(id, req.Entries)
	})(w, r)
}

func (s *Server) handleClearSchedules(w http.ResponseWriter, r *http.Request) {
	s.commandHandler("clear_schedules", func(_ *http.Request, id string) error {
		return s.commands.ClearSchedules(id)
	})(w, r)
}

func (s *Server) handleStartOTA(w http.ResponseWriter, r *http.Request) {
	s.commandHandler("start_ota", func(r *http.Request, id string) error {
		var req startOTARequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		return s.commands.StartOTA(id, req.URL)
	})(w, r)
}

func (s *Server) handlePingReboot(w http.ResponseWriter, r *http.Request) {
	s.commandHandler("ping_reboot", func(r *http.Request, id string) error {
		var cfg fleet.PingRebootConfig
		if err := decodeBody(r, &cfg); err != nil {
			return err
		}
		return s.commands.ConfigurePingReboot(id, cfg)
	})(w, r)
}

func (s *Server) handleRequestVersion(w http.ResponseWriter, r *http.Request) {
	s.commandHandler("request_version", func(_ *http.Request, id string) error {
		return s.commands.RequestVersion(id)
	})(w, r)
}
