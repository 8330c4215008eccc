package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/lai/fieldtrack/window"
)

const maxBodyBytes = 1 << 20

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps a tracking error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidSample):
		return http.StatusBadRequest
	case errors.Is(err, ErrStaleEvent):
		return http.StatusGone
	case errors.Is(err, ErrOutsideWindow):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotTracking):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeTrackingError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", r.Header.Get("X-Request-ID"),
		)
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

// Handler serves the tracking HTTP and WebSocket API.
type Handler struct {
	ingest *Ingester
	hub    *Hub
}

func NewHandler(in *Ingester, hub *Hub) *Handler {
	return &Handler{ingest: in, hub: hub}
}

// Routes registers every endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /tracking/position", h.position)
	mux.HandleFunc("POST /tracking/checkin", h.checkIn)
	mux.HandleFunc("POST /tracking/checkout", h.checkOut)
	mux.HandleFunc("DELETE /tracking/agents/{agentId}", h.stopAgent)
	mux.HandleFunc("GET /tracking/events/{eventId}/agents", h.agents)
	mux.HandleFunc("GET /tracking/events/{eventId}/window", h.windowStatus)
	mux.HandleFunc("GET /tracking/history/{agentId}/{eventId}", h.history)
	mux.HandleFunc("GET /ws/events/{eventId}", h.subscribeEvent)
	mux.HandleFunc("GET /ws/admin", h.subscribeAdmin)
}

// ItemError reports one rejected entry of a batch upload.
type ItemError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// position handles POST /tracking/position.
// The body is a single report or an array of reports buffered by the device.
func (h *Handler) position(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if body[0] != '[' {
		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if err := h.ingest.Ingest(r.Context(), req); err != nil {
			writeTrackingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}

	var reqs []Request
	if err := json.Unmarshal(body, &reqs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: expected object or array")
		return
	}
	accepted := 0
	rejected := []ItemError{}
	for i, req := range reqs {
		if err := h.ingest.Ingest(r.Context(), req); err != nil {
			rejected = append(rejected, ItemError{Index: i, Error: err.Error()})
			continue
		}
		accepted++
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": accepted, "rejected": rejected})
}

// checkIn handles POST /tracking/checkin.
func (h *Handler) checkIn(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	err := h.ingest.CheckIn(r.Context(), req)
	switch {
	case errors.Is(err, ErrAlreadyTracking):
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_tracking"})
	case err != nil:
		writeTrackingError(w, r, err)
	default:
		writeJSON(w, http.StatusCreated, map[string]string{"status": "tracking"})
	}
}

type checkOutRequest struct {
	AgentID string `json:"agentId"`
	EventID string `json:"eventId"`
}

// checkOut handles POST /tracking/checkout.
func (h *Handler) checkOut(w http.ResponseWriter, r *http.Request) {
	var req checkOutRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.ingest.CheckOut(r.Context(), req.AgentID, req.EventID); err != nil {
		writeTrackingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// stopAgent handles DELETE /tracking/agents/{agentId}, the administrative stop.
func (h *Handler) stopAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.ingest.StopAgent(r.Context(), r.PathValue("agentId")); err != nil {
		writeTrackingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// agents handles GET /tracking/events/{eventId}/agents.
func (h *Handler) agents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ingest.Snapshot(r.PathValue("eventId")))
}

// windowStatus handles GET /tracking/events/{eventId}/window.
func (h *Handler) windowStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.ingest.WindowStatus(r.Context(), r.PathValue("eventId"))
	if err != nil {
		writeTrackingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// history handles GET /tracking/history/{agentId}/{eventId}?start=&end= (RFC 3339 bounds).
func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	from, err := parseBound(r, "start")
	if err != nil {
		writeError(w, http.StatusBadRequest, "start: expected RFC 3339 time")
		return
	}
	to, err := parseBound(r, "end")
	if err != nil {
		writeError(w, http.StatusBadRequest, "end: expected RFC 3339 time")
		return
	}

	samples, err := h.ingest.History(r.Context(), r.PathValue("agentId"), r.PathValue("eventId"), from, to)
	if err != nil {
		writeTrackingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

// subscribeEvent handles GET /ws/events/{eventId}?agent={agentId}.
// Subscriptions are only accepted while the event's live-tracking window is open.
func (h *Handler) subscribeEvent(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("eventId")
	ev, err := h.ingest.event(r.Context(), eventID)
	if err != nil {
		writeTrackingError(w, r, err)
		return
	}
	now := h.ingest.now()
	if st := window.Evaluate(ev.Schedule(), now); !st.CanTrackGPS {
		writeError(w, http.StatusForbidden, disableReason(ev, st, now))
		return
	}
	h.hub.Serve(w, r, EventChannel(eventID), r.URL.Query().Get("agent"))
}

// subscribeAdmin handles GET /ws/admin.
func (h *Handler) subscribeAdmin(w http.ResponseWriter, r *http.Request) {
	h.hub.Serve(w, r, GlobalChannel, "")
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(http.MaxBytesReader(w, r.Body, maxBodyBytes)); err != nil {
		return nil, errors.New("unreadable body")
	}
	body := bytes.TrimSpace(buf.Bytes())
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	return body, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func parseBound(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}
