package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/vibereading/syncbridge/internal/bridge"
	"github.com/vibereading/syncbridge/internal/kvstore"
)

// writerOrigin tags writes made through this API.
const writerOrigin = "httpapi"

type ServerConfig struct {
	Token        string
	MaxBodyBytes int64
	WriteTimeout time.Duration
	// OriginPatterns lists extra hosts allowed to open the event stream.
	OriginPatterns []string
	Gatherer       prometheus.Gatherer
	Logger         *zap.Logger
}

// Server is the page-side HTTP surface: it reads and writes the page store,
// drives capture slots and streams bridge events over a websocket.
type Server struct {
	bridge  *bridge.Bridge
	page    kvstore.Store
	hub     *EventHub
	cfg     ServerConfig
	logger  *zap.Logger
	metrics http.Handler
}

type captureRequest struct {
	Payload string `json:"payload"`
}

func NewServer(b *bridge.Bridge, page kvstore.Store, hub *EventHub, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if hub == nil {
		hub = NewEventHub()
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	return &Server{
		bridge:  b,
		page:    page,
		hub:     hub,
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "keys" && r.Method == http.MethodGet:
		route = "list_keys"
	case len(parts) == 3 && parts[1] == "keys" && r.Method == http.MethodGet:
		route = "read_key"
	case len(parts) == 3 && parts[1] == "keys" && r.Method == http.MethodPut:
		route = "write_key"
	case len(parts) == 3 && parts[1] == "capture" && r.Method == http.MethodGet:
		route = "capture_status"
	case len(parts) == 3 && parts[1] == "capture" && r.Method == http.MethodPost:
		route = "capture_produce"
	case len(parts) == 3 && parts[1] == "capture" && r.Method == http.MethodDelete:
		route = "capture_consume"
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		route = "events"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if authErr := authorizeToken(r, s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	switch route {
	case "list_keys":
		s.handleListKeys(w, r, correlationID)
	case "read_key":
		s.handleReadKey(w, r, parts[2], correlationID)
	case "write_key":
		s.handleWriteKey(w, r, parts[2], correlationID)
	case "capture_status":
		s.handleCaptureStatus(w, parts[2], correlationID)
	case "capture_produce":
		s.handleCaptureProduce(w, r, parts[2], correlationID)
	case "capture_consume":
		s.handleCaptureConsume(w, r, parts[2], correlationID)
	case "events":
		s.handleEvents(w, r)
	}
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request, correlationID string) {
	keys := bridge.SyncKeys()
	storageKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		storageKeys = append(storageKeys, key.StorageKey())
	}
	values, err := s.page.Get(r.Context(), storageKeys...)
	if err != nil {
		s.logger.Warn("read page store failed", zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "store_unavailable", "failed to read page store", correlationID)
		return
	}
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		out[key.String()] = values[key.StorageKey()]
	}
	writeJSON(w, http.StatusOK, map[string]any{"values": out})
}

func (s *Server) handleReadKey(w http.ResponseWriter, r *http.Request, rawKey, correlationID string) {
	key, err := bridge.ParseSyncKey(rawKey)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return
	}
	values, err := s.page.Get(r.Context(), key.StorageKey())
	if err != nil {
		writeError(w, http.StatusBadGateway, "store_unavailable", "failed to read page store", correlationID)
		return
	}
	value, ok := values[key.StorageKey()]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "key has no value", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key.String(), "value": value})
}

// handleWriteKey stores the JSON request body as the page's value for key,
// the way the page script would. A null body removes the key.
func (s *Server) handleWriteKey(w http.ResponseWriter, r *http.Request, rawKey, correlationID string) {
	key, err := bridge.ParseSyncKey(rawKey)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return
	}
	var value any
	if !s.decodeJSONBody(w, r, correlationID, &value) {
		return
	}
	ctx := kvstore.WithOrigin(r.Context(), writerOrigin)
	if err := s.page.Set(ctx, map[string]any{key.StorageKey(): value}); err != nil {
		s.logger.Warn("write page store failed", zap.String("key", key.String()), zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "store_unavailable", "failed to write page store", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key.String(), "value": value})
}

func (s *Server) handleCaptureStatus(w http.ResponseWriter, rawSlot, correlationID string) {
	slot, err := bridge.ParseCaptureSlot(rawSlot)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return
	}
	snap, err := s.bridge.Snapshot(slot)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCaptureProduce(w http.ResponseWriter, r *http.Request, rawSlot, correlationID string) {
	slot, err := bridge.ParseCaptureSlot(rawSlot)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return
	}
	var req captureRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Payload == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "payload is required", correlationID)
		return
	}
	ctx := kvstore.WithOrigin(r.Context(), writerOrigin)
	if err := s.bridge.Produce(ctx, slot, req.Payload); err != nil {
		writeError(w, http.StatusBadGateway, "store_unavailable", "failed to write capture slot", correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"slot": string(slot), "status": "queued"})
}

func (s *Server) handleCaptureConsume(w http.ResponseWriter, r *http.Request, rawSlot, correlationID string) {
	slot, err := bridge.ParseCaptureSlot(rawSlot)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return
	}
	payload, err := s.bridge.Consume(r.Context(), slot)
	if err != nil {
		if errors.Is(err, bridge.ErrSlotEmpty) {
			writeError(w, http.StatusNotFound, "slot_empty", "capture slot is empty", correlationID)
			return
		}
		writeError(w, http.StatusBadGateway, "store_unavailable", "failed to clear capture slot", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slot": string(slot), "payload": payload})
}

// handleEvents upgrades to a websocket and streams hub events as JSON text
// frames until either side goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := s.hub.subscribe()
	defer unsubscribe()
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				s.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
			ev.ack()
		}
	}
}

// getCorrelationID returns the caller's X-Correlation-Id or a fresh one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
