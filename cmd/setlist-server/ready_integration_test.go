//go:build integration

package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/Sternrassler/setlist-stream/internal/testutil"
	"github.com/rs/zerolog"
)

func TestReadyEndpoint(t *testing.T) {
	redisClient := testutil.SetupRedis(t)
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)

	s := newServer(nil, nil, nil, redisClient, logger)

	w := httptest.NewRecorder()
	s.readyHandler(w, httptest.NewRequest("GET", "/ready", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	redisClient.Close()

	w = httptest.NewRecorder()
	s.readyHandler(w, httptest.NewRequest("GET", "/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 after Redis closed, got %d", w.Code)
	}
}
