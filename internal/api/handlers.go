package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/manpreetbhatti/tandem/internal/compaction"
	"github.com/manpreetbhatti/tandem/internal/db"
	"github.com/manpreetbhatti/tandem/internal/ws"
)

type API struct {
	hub       *ws.Hub
	store     db.Store
	compactor *compaction.Service
	logger    zerolog.Logger
}

// New builds the REST API. compactor may be nil, which disables the compact
// endpoint.
func New(hub *ws.Hub, store db.Store, compactor *compaction.Service, logger zerolog.Logger) *API {
	return &API{
		hub:       hub,
		store:     store,
		compactor: compactor,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Router serves the REST endpoints and the relay websocket.
func (a *API) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(a.hub, w, r)
	})
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", a.ListRoomsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", a.CreateRoomHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/rooms/{id}", a.GetRoomHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{id}", a.DeleteRoomHandler).Methods(http.MethodDelete)
	r.HandleFunc("/api/rooms/{id}/snapshot", a.SnapshotHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{id}/compact", a.CompactHandler).Methods(http.MethodPost)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusNotFound, "Not found")
	})
	return corsMiddleware(r)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.store != nil {
		st, err := a.store.GetStats(r.Context())
		if err != nil {
			a.logger.Warn().Err(err).Msg("reading store stats failed")
		} else {
			stats["total_rooms"] = st.RoomCount
			stats["total_updates"] = st.UpdateCount
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

type RoomResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ActiveUsers int       `json:"active_users"`
	UpdateCount int       `json:"update_count,omitempty"`
	Length      int       `json:"length"`
	ContentHash string    `json:"content_hash,omitempty"`
}

type CreateRoomRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type SnapshotResponse struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	Length      int    `json:"length"`
	ContentHash string `json:"content_hash"`
}

func hashContent(content string) string {
	h := blake3.Sum256([]byte(content))
	return hex.EncodeToString(h[:8])
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	rooms, err := a.store.ListRooms(r.Context(), limit, offset)
	if err != nil {
		a.logger.Error().Err(err).Msg("listing rooms failed")
		errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	activeRooms := a.hub.GetActiveRooms()

	response := make([]RoomResponse, len(rooms))
	for i, room := range rooms {
		response[i] = RoomResponse{
			ID:          room.ID,
			Name:        room.Name,
			CreatedAt:   room.CreatedAt,
			UpdatedAt:   room.UpdatedAt,
			ActiveUsers: activeRooms[room.ID],
		}
	}

	jsonResponse(w, http.StatusOK, map[string]any{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.ID == "" {
		errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}

	if err := a.store.CreateRoom(r.Context(), req.ID, req.Name); err != nil {
		a.logger.Error().Err(err).Str("room", req.ID).Msg("creating room failed")
		errorResponse(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	room, err := a.store.GetRoom(r.Context(), req.ID)
	if err != nil || room == nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}

	jsonResponse(w, http.StatusCreated, RoomResponse{
		ID:        room.ID,
		Name:      room.Name,
		CreatedAt: room.CreatedAt,
		UpdatedAt: room.UpdatedAt,
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	room, err := a.store.GetRoom(r.Context(), roomID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}
	if room == nil {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	updateCount, _ := a.store.GetUpdateCount(r.Context(), roomID)
	resp := RoomResponse{
		ID:          room.ID,
		Name:        room.Name,
		CreatedAt:   room.CreatedAt,
		UpdatedAt:   room.UpdatedAt,
		ActiveUsers: a.hub.GetActiveRooms()[roomID],
		UpdateCount: updateCount,
	}
	if doc, err := a.hub.Document(r.Context(), roomID); err == nil {
		text := doc.Text()
		resp.Length = doc.Len()
		resp.ContentHash = hashContent(text)
	} else {
		a.logger.Warn().Err(err).Str("room", roomID).Msg("loading room document failed")
	}

	jsonResponse(w, http.StatusOK, resp)
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	if err := a.store.DeleteRoom(r.Context(), roomID); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}
	a.hub.Forget(roomID)

	jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

// SnapshotHandler returns the current document text of a room.
func (a *API) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	known, err := a.known(r.Context(), roomID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}
	if !known {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	doc, err := a.hub.Document(r.Context(), roomID)
	if err != nil {
		a.logger.Error().Err(err).Str("room", roomID).Msg("loading room document failed")
		errorResponse(w, http.StatusInternalServerError, "Failed to load document")
		return
	}
	text := doc.Text()
	jsonResponse(w, http.StatusOK, SnapshotResponse{
		ID:          roomID,
		Text:        text,
		Length:      doc.Len(),
		ContentHash: hashContent(text),
	})
}

// CompactHandler folds a room's stored updates into its snapshot now.
func (a *API) CompactHandler(w http.ResponseWriter, r *http.Request) {
	if a.compactor == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Compaction is disabled")
		return
	}
	roomID := mux.Vars(r)["id"]

	res, err := a.compactor.CompactNow(r.Context(), roomID)
	if err != nil {
		a.logger.Error().Err(err).Str("room", roomID).Msg("compaction failed")
		errorResponse(w, http.StatusInternalServerError, "Compaction failed")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"id":             roomID,
		"folded":         res.Folded,
		"skipped":        res.Skipped,
		"snapshot_bytes": res.Snapshot,
	})
}

// known reports whether a room is stored or currently has subscribers.
func (a *API) known(ctx context.Context, roomID string) (bool, error) {
	if _, ok := a.hub.GetActiveRooms()[roomID]; ok {
		return true, nil
	}
	room, err := a.store.GetRoom(ctx, roomID)
	return room != nil, err
}
