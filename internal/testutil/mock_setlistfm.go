// Package testutil provides testing utilities for the setlist.fm client and
// the fetch pipeline.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/setlist-stream/pkg/upstream"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockSetlistFM is a configurable mock setlist.fm server for testing.
type MockSetlistFM struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	// Tracking
	requestCount      int
	pathCounts        map[string]int
	requestTimes      []time.Time
	lastRequestHeader http.Header
}

// NewMockSetlistFM creates a new mock setlist.fm server. Unknown paths answer 404.
func NewMockSetlistFM() *MockSetlistFM {
	mock := &MockSetlistFM{
		handlers:   make(map[string]http.HandlerFunc),
		pathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.pathCounts[r.URL.Path]++
		mock.requestTimes = append(mock.requestTimes, time.Now())
		mock.lastRequestHeader = r.Header.Clone()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		writeJSON(w, http.StatusNotFound, `{"code":404,"status":"Not Found","message":"not found"}`)
	}))

	return mock
}

// URL returns the mock server URL, usable as the client BaseURL.
func (m *MockSetlistFM) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockSetlistFM) Close() {
	m.server.Close()
}

// SetHandler sets a custom handler for a specific path.
func (m *MockSetlistFM) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockSetlistFM) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		serve(w, resp)
	})
}

// SetSequence answers successive requests to path with the given responses in
// order. The last response repeats once the sequence is used up.
func (m *MockSetlistFM) SetSequence(path string, responses ...MockResponse) {
	var (
		mu   sync.Mutex
		next int
	)
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := responses[next]
		if next < len(responses)-1 {
			next++
		}
		mu.Unlock()
		serve(w, resp)
	})
}

// SetArtist registers GET /artist/{mbid}.
func (m *MockSetlistFM) SetArtist(mbid, name string) {
	body, _ := json.Marshal(upstream.Artist{MBID: mbid, Name: name, SortName: name})
	m.SetResponse("/artist/"+mbid, MockResponse{StatusCode: http.StatusOK, Body: string(body)})
}

// SetSearch registers GET /search/artists. Every query gets the same artists;
// an empty list answers 404 like the real API.
func (m *MockSetlistFM) SetSearch(artists ...upstream.Artist) {
	if len(artists) == 0 {
		m.SetResponse("/search/artists", NewNotFoundResponse())
		return
	}
	body, _ := json.Marshal(upstream.SearchResult{
		Type:         "artists",
		ItemsPerPage: 30,
		Page:         1,
		Total:        len(artists),
		Artists:      artists,
	})
	m.SetResponse("/search/artists", MockResponse{StatusCode: http.StatusOK, Body: string(body)})
}

// SetSetlistPages registers GET /artist/{mbid}/setlists. Page p (1-based)
// answers pages[p-1] with the given total; pages past the end answer 404.
func (m *MockSetlistFM) SetSetlistPages(mbid string, total int, pages ...[]upstream.Setlist) {
	m.SetHandler("/artist/"+mbid+"/setlists", func(w http.ResponseWriter, r *http.Request) {
		page, err := strconv.Atoi(r.URL.Query().Get("p"))
		if err != nil || page < 1 {
			page = 1
		}
		if page > len(pages) {
			serve(w, NewNotFoundResponse())
			return
		}
		writeJSON(w, http.StatusOK, SetlistPageBody(page, total, pages[page-1]))
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockSetlistFM) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// GetPathCount returns the number of requests made to one path.
func (m *MockSetlistFM) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// GetRequestTimes returns the arrival time of every request, in order.
func (m *MockSetlistFM) GetRequestTimes() []time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]time.Time, len(m.requestTimes))
	copy(out, m.requestTimes)
	return out
}

// GetLastRequestHeader returns the headers of the most recent request.
func (m *MockSetlistFM) GetLastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequestHeader
}

// SetlistPageBody renders one setlists page as the upstream would.
func SetlistPageBody(page, total int, items []upstream.Setlist) string {
	body, _ := json.Marshal(upstream.SetlistPage{
		Type:         "setlists",
		ItemsPerPage: 20,
		Page:         page,
		Total:        &total,
		Setlists:     items,
	})
	return string(body)
}

// NewSetlist builds a valid raw setlist. date is DD-MM-YYYY.
func NewSetlist(id, date string) upstream.Setlist {
	lat, long := 51.5072, -0.1275
	return upstream.Setlist{
		ID:        id,
		EventDate: date,
		URL:       fmt.Sprintf("https://www.setlist.fm/setlist/test/%s.html", id),
		Artist:    upstream.Artist{MBID: "mock", Name: "Mock Artist"},
		Venue: &upstream.Venue{
			Name: "Venue " + id,
			City: &upstream.City{
				Name:    "London",
				Coords:  &upstream.Coords{Lat: &lat, Long: &long},
				Country: &upstream.Country{Code: "GB", Name: "United Kingdom"},
			},
		},
		Sets: upstream.SetList{Set: []upstream.Set{{Song: []upstream.Song{{Name: "Opener"}, {Name: "Closer"}}}}},
	}
}

// NewInvalidSetlist builds a raw setlist without coordinates.
func NewInvalidSetlist(id, date string) upstream.Setlist {
	s := NewSetlist(id, date)
	s.Venue.City.Coords = nil
	return s
}

// NewNotFoundResponse creates the upstream 404 response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"code":404,"status":"Not Found","message":"not found"}`,
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"code":429,"status":"Too Many Requests","message":"Too Many Requests"}`,
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `<html><body>Internal Server Error</body></html>`,
		Headers:    map[string]string{"Content-Type": "text/html"},
	}
}

// NewOKResponse creates a 200 response with a JSON body.
func NewOKResponse(body string) MockResponse {
	return MockResponse{StatusCode: http.StatusOK, Body: body}
}

func serve(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
