// Package api serves the tracker's REST and WebSocket surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/saviobatista/asset-tracker/internal/labels"
	"github.com/saviobatista/asset-tracker/internal/parser"
	"github.com/saviobatista/asset-tracker/internal/session"
	"github.com/saviobatista/asset-tracker/internal/stats"
	"github.com/saviobatista/asset-tracker/internal/trace"
	"github.com/saviobatista/asset-tracker/internal/types"
)

const maxBodySize = 1 << 20

// DefaultHistoryWindow is used when a history request has no since parameter.
const DefaultHistoryWindow = 24 * time.Hour

// HistoryStore returns the recorded positions of a label.
type HistoryStore interface {
	GetPositionHistory(ctx context.Context, labelID string, since, until time.Time) (types.Trace, error)
}

// Server holds the HTTP handlers of the tracker.
type Server struct {
	session *session.Session
	hub     *Hub
	history HistoryStore
	stats   *stats.Stats
	metrics http.Handler
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a server over sess. Every label update applied to the session
// registry is broadcast to WebSocket clients.
func New(sess *session.Session, logger zerolog.Logger) *Server {
	s := &Server{
		session: sess,
		hub:     NewHub(logger),
		logger:  logger.With().Str("component", "api").Logger(),
		now:     time.Now,
	}

	sess.Registry().OnUpdate(func(label types.RealTimeLabel, _ types.PositionUpdate) {
		s.hub.Broadcast(MessageLabelUpdated, label)
	})

	return s
}

// SetHistory enables the position history endpoint.
func (s *Server) SetHistory(h HistoryStore) {
	s.history = h
}

// SetStats counts updates received through the API.
func (s *Server) SetStats(st *stats.Stats) {
	s.stats = st
}

// SetMetricsHandler exposes h at /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	mux.HandleFunc("GET /api/smart-labels", s.handleListAssets)
	mux.HandleFunc("GET /api/smart-labels/{id}", s.handleGetAsset)

	mux.HandleFunc("GET /api/real-time-labels", s.handleListLabels)
	mux.HandleFunc("POST /api/real-time-labels", s.handleCreateLabel)
	mux.HandleFunc("GET /api/real-time-labels/{id}", s.handleGetLabel)
	mux.HandleFunc("GET /api/real-time-labels/mac/{macId}", s.handleGetLabelByMac)
	mux.HandleFunc("PUT /api/real-time-labels/{id}/position", s.handleUpdatePosition)
	mux.HandleFunc("GET /api/history/{id}", s.handleHistory)

	mux.HandleFunc("GET /api/simulation", s.handleSimulation)
	mux.HandleFunc("POST /api/simulation/{action}", s.handleSimulationAction)
	mux.HandleFunc("PUT /api/simulation/rate", s.handleSetRate)
	mux.HandleFunc("PUT /api/simulation/mode", s.handleSetMode)

	mux.HandleFunc("POST /api/webhooks/shiprec", s.handleWebhook)

	mux.HandleFunc("GET /ws", s.handleWS)

	return mux
}

// RunBroadcasts sends a simulation snapshot to WebSocket clients every
// interval until ctx is cancelled.
func (s *Server) RunBroadcasts(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.Count() > 0 {
				s.hub.Broadcast(MessageSimulation, s.session.Snapshot())
			}
		}
	}
}

func (s *Server) received(source string) {
	if s.stats != nil {
		s.stats.IncrementReceived(source)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"virtualTime": s.session.Clock().CurrentTime(),
		"labels":      s.session.Registry().Len(),
		"clients":     s.hub.Count(),
	})
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Snapshot().Assets)
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	detail, ok := s.session.Asset(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Smart label not found")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleListLabels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Labels())
}

func (s *Server) handleGetLabel(w http.ResponseWriter, r *http.Request) {
	label, ok := s.session.Registry().Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Real-time label not found")
		return
	}
	writeJSON(w, http.StatusOK, label)
}

func (s *Server) handleGetLabelByMac(w http.ResponseWriter, r *http.Request) {
	label, ok := s.session.Registry().GetByMac(r.PathValue("macId"))
	if !ok {
		writeError(w, http.StatusNotFound, "Real-time label not found")
		return
	}
	writeJSON(w, http.StatusOK, label)
}

type createLabelRequest struct {
	MacID string `json:"macId"`
	Name  string `json:"name"`
}

func (s *Server) handleCreateLabel(w http.ResponseWriter, r *http.Request) {
	var req createLabelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	label, created, err := s.session.Registry().Add(req.MacID, req.Name)
	if errors.Is(err, labels.ErrMissingMacID) {
		writeError(w, http.StatusBadRequest, "MAC ID is required")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create real-time label")
		writeError(w, http.StatusInternalServerError, "Failed to create real-time label")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, label)
}

func (s *Server) handleUpdatePosition(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body")
		return
	}

	msg, point, err := parser.ParsePosition(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Valid latitude and longitude are required")
		return
	}
	s.received(parser.SourceAPI)

	label, err := s.session.Apply(r.Context(), types.PositionUpdate{
		LabelID:    r.PathValue("id"),
		Position:   point,
		Meta:       msg.Meta,
		Source:     parser.SourceAPI,
		ReceivedAt: s.now(),
	})
	switch {
	case errors.Is(err, session.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, "Tracker is not accepting updates")
	case errors.Is(err, labels.ErrLabelNotFound):
		writeError(w, http.StatusNotFound, "Real-time label not found")
	case errors.Is(err, trace.ErrOutOfRange):
		writeError(w, http.StatusBadRequest, "Valid latitude and longitude are required")
	case err != nil:
		s.logger.Error().Err(err).Msg("Failed to update real-time label position")
		writeError(w, http.StatusInternalServerError, "Failed to update real-time label position")
	default:
		writeJSON(w, http.StatusOK, label)
	}
}

type historyResponse struct {
	LabelID string        `json:"labelId"`
	Since   time.Time     `json:"since"`
	Until   time.Time     `json:"until"`
	Trace   types.Trace   `json:"trace"`
	Summary trace.Summary `json:"summary"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "Position history is not enabled")
		return
	}

	id := r.PathValue("id")
	if _, ok := s.session.Registry().Get(id); !ok {
		writeError(w, http.StatusNotFound, "Real-time label not found")
		return
	}

	until := s.now().UTC()
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be an RFC 3339 timestamp")
			return
		}
		until = t.UTC()
	}
	since := until.Add(-DefaultHistoryWindow)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t.UTC()
	}
	if since.After(until) {
		writeError(w, http.StatusBadRequest, "since must not be after until")
		return
	}

	tr, err := s.history.GetPositionHistory(r.Context(), id, since, until)
	if err != nil {
		s.logger.Error().Err(err).Str("label_id", id).Msg("Failed to load position history")
		writeError(w, http.StatusInternalServerError, "Failed to load position history")
		return
	}

	writeJSON(w, http.StatusOK, historyResponse{
		LabelID: id,
		Since:   since,
		Until:   until,
		Trace:   tr,
		Summary: trace.Summarize(tr),
	})
}

func (s *Server) handleSimulation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleSimulationAction(w http.ResponseWriter, r *http.Request) {
	switch r.PathValue("action") {
	case "start":
		writeJSON(w, http.StatusOK, s.session.Start())
	case "pause":
		writeJSON(w, http.StatusOK, s.session.Pause())
	case "restart":
		writeJSON(w, http.StatusOK, s.session.Restart())
	default:
		writeError(w, http.StatusNotFound, "Unknown simulation action")
	}
}

type rateRequest struct {
	Rate *float64 `json:"rate"`
}

func (s *Server) handleSetRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := decodeBody(r, &req); err != nil || req.Rate == nil {
		writeError(w, http.StatusBadRequest, "rate must be a number")
		return
	}
	writeJSON(w, http.StatusOK, s.session.SetRate(*req.Rate))
}

type modeRequest struct {
	Mode types.Mode `json:"mode"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeBody(r, &req); err != nil || !req.Mode.Valid() {
		writeError(w, http.StatusBadRequest, "mode must be demo or realtime")
		return
	}
	writeJSON(w, http.StatusOK, s.session.SetMode(req.Mode))
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body")
		return
	}

	update, err := parser.ParseWebhook(body, s.now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if update == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "skipped"})
		return
	}
	s.received(parser.SourceWebhook)

	if err := s.session.Submit(r.Context(), *update); err != nil {
		s.logger.Warn().Err(err).Str("mac_id", update.MacID).Msg("Failed to queue webhook update")
		writeError(w, http.StatusServiceUnavailable, "Tracker is not accepting updates")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// clientMessage is a frame sent by a WebSocket client.
type clientMessage struct {
	Type     string                  `json:"type"`
	ID       string                  `json:"id"`
	MacID    string                  `json:"macId"`
	Position *parser.PositionMessage `json:"position"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	s.hub.register(c)
	go c.writePump()

	s.hub.sendTo(c, MessageLabels, s.session.Labels())
	s.readPump(r.Context(), c)
}

// readPump handles client frames until the connection fails.
func (s *Server) readPump(ctx context.Context, c *client) {
	defer s.hub.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read failed")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.hub.sendTo(c, MessageError, "invalid message")
			continue
		}
		if msg.Type != MessageUpdatePosition {
			continue
		}
		if (msg.ID == "" && msg.MacID == "") || msg.Position == nil {
			s.hub.sendTo(c, MessageError, "update-position requires id and position")
			continue
		}

		point, err := msg.Position.Point()
		if err != nil {
			s.hub.sendTo(c, MessageError, err.Error())
			continue
		}
		s.received(parser.SourceWS)

		update := types.PositionUpdate{
			LabelID:    msg.ID,
			MacID:      msg.MacID,
			Position:   point,
			Meta:       msg.Position.Meta,
			Source:     parser.SourceWS,
			ReceivedAt: s.now().UTC(),
		}
		if err := s.session.Submit(ctx, update); err != nil {
			s.hub.sendTo(c, MessageError, err.Error())
		}
	}
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
