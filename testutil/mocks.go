package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockImgurServer creates a test server that mocks Imgur API responses
type MockImgurServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockImgurServer creates a new mock Imgur API server
func NewMockImgurServer(t *testing.T) *MockImgurServer {
	t.Helper()
	m := &MockImgurServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockUploadResponse adds a handler for the /3/image endpoint
func (m *MockImgurServer) MockUploadResponse(link, deleteHash string) {
	m.Handlers["/3/image"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": map[string]string{
				"id":         "abc123",
				"link":       link,
				"deletehash": deleteHash,
			},
			"success": true,
			"status":  200,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockAlbumResponse adds a handler for the /3/album endpoint
func (m *MockImgurServer) MockAlbumResponse(albumID string) {
	m.Handlers["/3/album"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": map[string]string{
				"id": albumID,
			},
			"success": true,
			"status":  200,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockErrorResponse adds a failing handler for the given path
func (m *MockImgurServer) MockErrorResponse(path string, status int, message string) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": map[string]interface{}{
				"error": message,
			},
			"success": false,
			"status":  status,
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockTelegramServer creates a test server that mocks Bot API responses
type MockTelegramServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockTelegramServer creates a new mock Bot API server. Handler keys are
// method names ("sendMessage", "getUpdates"); the token segment is stripped.
func NewMockTelegramServer(t *testing.T) *MockTelegramServer {
	t.Helper()
	m := &MockTelegramServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if i := lastSlash(key); i >= 0 {
			key = key[i+1:]
		}
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockResult adds a handler returning {"ok":true,"result":<result>} for a method
func (m *MockTelegramServer) MockResult(method string, result interface{}) {
	m.Handlers[method] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"ok":     true,
			"result": result,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}
