package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/setlist-stream/pkg/artist"
	"github.com/Sternrassler/setlist-stream/pkg/broadcast"
	"github.com/Sternrassler/setlist-stream/pkg/fetch"
	"github.com/Sternrassler/setlist-stream/pkg/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type artistResolver interface {
	Resolve(ctx context.Context, name string) (artist.Info, error)
}

type fetchService interface {
	Start(ctx context.Context, mbid string) (fetch.Outcome, error)
	Purge(ctx context.Context, mbid string) error
}

type server struct {
	resolver artistResolver
	fetches  fetchService
	registry *broadcast.Registry
	redis    *redis.Client
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// newServer wires the handlers. redisClient may be nil.
func newServer(resolver artistResolver, fetches fetchService, registry *broadcast.Registry, redisClient *redis.Client, logger zerolog.Logger) *server {
	return &server{
		resolver: resolver,
		fetches:  fetches,
		registry: registry,
		redis:    redisClient,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The browser client is served from another origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", s.readyHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/artists/{name...}", s.artistHandler)
	mux.HandleFunc("GET /api/setlists/{mbid}", s.setlistsHandler)
	mux.HandleFunc("DELETE /api/setlists/{mbid}", s.purgeHandler)
	mux.HandleFunc("GET /ws", s.wsHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.redis.Ping(ctx).Err(); err != nil {
			http.Error(w, "Redis unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *server) artistHandler(w http.ResponseWriter, r *http.Request) {
	info, err := s.resolver.Resolve(r.Context(), r.PathValue("name"))
	switch {
	case errors.Is(err, artist.ErrNotFound):
		writeError(w, http.StatusNotFound, "Artist not found")
	case err != nil:
		s.logger.Error().Err(err).Str("query", r.PathValue("name")).Msg("Artist search failed")
		writeError(w, http.StatusInternalServerError, "Error searching for artist. Please try again")
	default:
		writeJSON(w, http.StatusOK, info)
	}
}

type setlistsResponse struct {
	MBID     string `json:"mbid"`
	WSSReady bool   `json:"wssReady"`
}

func (s *server) setlistsHandler(w http.ResponseWriter, r *http.Request) {
	mbid, ok := parseMBID(w, r)
	if !ok {
		return
	}

	out, err := s.fetches.Start(r.Context(), mbid)
	switch {
	case errors.Is(err, fetch.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
		return
	case err != nil:
		s.logger.Error().Err(err).Str("mbid", mbid).Msg("Failed to start fetch")
		writeError(w, http.StatusInternalServerError, "Could not start fetching setlists")
		return
	}

	s.logger.Debug().
		Str("mbid", mbid).
		Str("mode", out.Mode.String()).
		Bool("reclaimed", out.Reclaimed).
		Msg("Setlist request accepted")
	writeJSON(w, http.StatusOK, setlistsResponse{MBID: mbid, WSSReady: true})
}

func (s *server) purgeHandler(w http.ResponseWriter, r *http.Request) {
	mbid, ok := parseMBID(w, r)
	if !ok {
		return
	}

	err := s.fetches.Purge(r.Context(), mbid)
	switch {
	case errors.Is(err, fetch.ErrFetchActive):
		writeError(w, http.StatusConflict, "A fetch for this artist is running")
	case err != nil:
		s.logger.Error().Err(err).Str("mbid", mbid).Msg("Failed to purge artist")
		writeError(w, http.StatusInternalServerError, "Could not delete artist")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// parseMBID validates the {mbid} path value and returns it in canonical
// lower-case form. It writes a 400 on failure.
func parseMBID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := uuid.Parse(r.PathValue("mbid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid artist MBID")
		return "", false
	}
	return id.String(), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
