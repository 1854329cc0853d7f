package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db  *sql.DB
	ctx context.Context
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, db *sql.DB) *Handlers {
	return &Handlers{db: db, ctx: ctx}
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"circuit_breaker", func() error {
			var state string
			err := h.db.QueryRowContext(r.Context(),
				"SELECT value FROM kv WHERE key='circuit_state'").Scan(&state)
			if err != nil && err != sql.ErrNoRows {
				return err
			}
			if state == "open" {
				return fmt.Errorf("circuit breaker open")
			}
			return nil
		}},
		{"credentials", func() error {
			var count int
			err := h.db.QueryRowContext(r.Context(),
				"SELECT COUNT(*) FROM oauth_tokens WHERE provider='imgur'").Scan(&count)
			if err != nil {
				return err
			}
			// Anonymous uploads only need a client id.
			if count < 1 && os.Getenv("IMGUR_CLIENT_ID") == "" {
				return fmt.Errorf("missing imgur credentials")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus returns a lightweight status summary: queue counts by status,
// authenticated user count, circuit breaker state, and job heartbeats.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{}

	var pending, uploading, done, failed int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM uploads WHERE status='pending'`).Scan(&pending)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM uploads WHERE status='uploading'`).Scan(&uploading)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM uploads WHERE status='done'`).Scan(&done)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM uploads WHERE status='failed'`).Scan(&failed)
	resp["pending"] = pending
	resp["uploading"] = uploading
	resp["done"] = done
	resp["failed"] = failed

	var authenticated int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM auth_sessions WHERE state='authenticated'`).Scan(&authenticated)
	resp["authenticated_users"] = authenticated

	var circuit string
	_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='circuit_state'`).Scan(&circuit)
	if circuit == "" {
		circuit = "closed"
	}
	resp["circuit_state"] = circuit

	heartbeats := map[string]string{}
	rows, err := h.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key LIKE 'job_%'`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var k, v string
			if err := rows.Scan(&k, &v); err == nil {
				heartbeats[k] = v
			}
		}
	}
	if len(heartbeats) > 0 {
		resp["heartbeats"] = heartbeats
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
