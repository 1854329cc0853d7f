package upload

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/codetalk/picrelay/db"
	"github.com/codetalk/picrelay/telemetry"
)

// Host abstracts the image host (for tests/mocks).
type Host interface {
	Upload(ctx context.Context, image []byte, title, description string) (url, deleteHash string, err error)
}

// Worker drains retryable records and attempts delivery. Completed records are
// handed to Completed (the album aggregator); terminal failures to Failed so
// the submitter can be notified. Both callbacks may be nil.
type Worker struct {
	Store     *Store
	Host      Host
	Completed func(ctx context.Context, rec Record)
	Failed    func(ctx context.Context, rec Record, reason string)

	// RemoveLocal deletes the local image copy once the host accepted it.
	RemoveLocal bool
}

// Start launches n worker goroutines, each cycling at the given interval with
// jittered phase. Workers coordinate purely through the record store's
// compare-and-set transitions, so any number of them (including workers of a
// previous process instance) can run concurrently.
func (w *Worker) Start(ctx context.Context, n int, interval time.Duration) {
	if n < 1 {
		n = 1
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	slog.Info("upload workers starting", slog.Int("workers", n), slog.Duration("interval", interval))
	for i := 0; i < n; i++ {
		go w.run(ctx, i, interval)
	}
}

func (w *Worker) run(ctx context.Context, id int, interval time.Duration) {
	// Spread worker phases so a pool doesn't stampede the host in lockstep.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initialJitter):
	}
	if err := w.processOnce(ctx); err != nil {
		slog.Warn("upload cycle", slog.Int("worker", id), slog.Any("err", err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("upload worker stopped", slog.Int("worker", id))
			return
		case <-ticker.C:
			if err := w.processOnce(ctx); err != nil {
				slog.Warn("upload cycle", slog.Int("worker", id), slog.Any("err", err))
			}
		}
	}
}

// processOnce sweeps stale leases, then attempts every retryable record once.
func (w *Worker) processOnce(ctx context.Context) error {
	_ = db.SetKV(ctx, w.Store.DB, "job_upload_last", time.Now().UTC().Format(time.RFC3339))

	if w.circuitOpen(ctx) {
		slog.Debug("circuit open; skipping upload cycle")
		return nil
	}

	if released, err := w.Store.ReleaseStaleLeases(ctx); err != nil {
		slog.Warn("release stale leases", slog.Any("err", err))
	} else if released > 0 {
		slog.Info("released stale upload leases", slog.Int64("count", released))
	}

	recs, err := w.Store.ListRetryable(ctx)
	if err != nil {
		return fmt.Errorf("list retryable: %w", err)
	}
	if depth, err := w.Store.QueueDepth(ctx); err == nil {
		telemetry.SetQueueDepth(depth)
	}
	if len(recs) == 0 {
		slog.Debug("no uploads ready for processing")
		return nil
	}
	telemetry.ProcessingCycles.Inc()

	for i := range recs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		w.attempt(ctx, &recs[i])
	}
	return nil
}

// attempt drives one record through a single delivery try. Retries never
// re-fetch the source from the chat platform: the bytes were captured to
// local_path at submission time.
func (w *Worker) attempt(ctx context.Context, rec *Record) {
	if err := w.Store.Acquire(ctx, rec.ID); err != nil {
		if err == ErrConflict {
			// Lost the race to another worker; nothing to do.
			return
		}
		slog.Warn("acquire record", slog.String("upload_id", rec.ID), slog.Any("err", err))
		return
	}
	logger := slog.Default().With(slog.String("upload_id", rec.ID), slog.String("component", "upload_worker"))

	image, err := os.ReadFile(rec.LocalPath)
	if err != nil {
		// Source bytes are gone; no retry can ever succeed.
		logger.Error("source file unreadable", slog.String("path", rec.LocalPath), slog.Any("err", err))
		w.fail(ctx, rec, fmt.Sprintf("source file unreadable: %v", err), true, logger)
		return
	}

	telemetry.UploadsStarted.Inc()
	start := time.Now()
	url, deleteHash, err := w.Host.Upload(ctx, image, uploadName(rec), uploadTitle(rec))
	dur := time.Since(start)
	if err != nil {
		permanent := IsPermanentError(err)
		logger.Error("upload failed", slog.Any("err", err), slog.String("class", ClassifyUploadError(err).String()),
			slog.Int("attempts", rec.Attempts+1), slog.Duration("upload_duration", dur))
		telemetry.UploadsFailed.Inc()
		w.fail(ctx, rec, err.Error(), permanent, logger)
		w.updateCircuitOnFailure(ctx)
		return
	}

	if err := w.Store.MarkDone(ctx, rec.ID, url, deleteHash); err != nil {
		// Should only happen if the lease was swept mid-flight; the next
		// holder will re-upload, and dedup on the host side is harmless.
		logger.Warn("mark done lost race", slog.Any("err", err))
		return
	}
	telemetry.UploadsSucceeded.Inc()
	telemetry.UploadDuration.Observe(dur.Seconds())
	w.resetCircuit(ctx)
	logger.Info("uploaded image", slog.String("url", url), slog.Duration("upload_duration", dur), slog.Int("attempts", rec.Attempts+1))

	if w.RemoveLocal {
		if err := os.Remove(rec.LocalPath); err != nil {
			logger.Warn("remove local copy failed", slog.String("path", rec.LocalPath), slog.Any("err", err))
		} else if err := w.Store.ClearLocalPath(ctx, rec.ID); err != nil {
			logger.Warn("clear local path failed", slog.Any("err", err))
		} else {
			rec.LocalPath = ""
		}
	}

	rec.Status = StatusDone
	rec.HostURL = url
	rec.DeleteHash = deleteHash
	if w.Completed != nil {
		w.Completed(ctx, *rec)
	}
}

func (w *Worker) fail(ctx context.Context, rec *Record, reason string, permanent bool, logger *slog.Logger) {
	attempts, err := w.Store.MarkFailed(ctx, rec.ID, reason, permanent)
	if err != nil {
		logger.Warn("mark failed", slog.Any("err", err))
		return
	}
	if attempts >= w.Store.maxAttempts() {
		logger.Warn("record terminally failed", slog.Int("attempts", attempts), slog.String("reason", reason))
		if w.Failed != nil {
			rec.Attempts = attempts
			rec.FailureReason = reason
			w.Failed(ctx, *rec, reason)
		}
	}
}

func uploadName(rec *Record) string {
	return fmt.Sprintf("%s_%s", rec.CreatedAt.UTC().Format("2006-01-02T15-04-05"), rec.DisplayName)
}

func uploadTitle(rec *Record) string {
	caption := rec.Caption
	if caption == "" {
		caption = "No caption"
	}
	return fmt.Sprintf("%s (by %s; %s)", caption, rec.DisplayName, rec.CreatedAt.UTC().Format("2006-01-02T15:04:05"))
}

// Circuit breaker over the image host, persisted in kv so all workers and a
// restarted process share it.
func (w *Worker) circuitOpen(ctx context.Context) bool {
	state := db.GetKV(ctx, w.Store.DB, "circuit_state")
	if state != "open" {
		return false
	}
	until := db.GetKV(ctx, w.Store.DB, "circuit_open_until")
	if until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			if time.Now().Before(t) {
				telemetry.UpdateCircuitGauge(true)
				return true
			}
			_ = db.SetKV(ctx, w.Store.DB, "circuit_state", "half-open")
			slog.Info("circuit transitioning to half-open")
		}
	}
	return false
}

func (w *Worker) updateCircuitOnFailure(ctx context.Context) {
	threshold := 0
	if s := os.Getenv("CIRCUIT_FAILURE_THRESHOLD"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			threshold = n
		}
	}
	if threshold <= 0 {
		return
	}
	fails := 0
	if v := db.GetKV(ctx, w.Store.DB, "circuit_failures"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			fails = n
		}
	}
	fails++
	_ = db.SetKV(ctx, w.Store.DB, "circuit_failures", strconv.Itoa(fails))
	if fails >= threshold {
		cool := 5 * time.Minute
		if s := os.Getenv("CIRCUIT_OPEN_COOLDOWN"); s != "" {
			if d, err := time.ParseDuration(s); err == nil {
				cool = d
			}
		}
		until := time.Now().Add(cool).UTC().Format(time.RFC3339)
		_ = db.SetKV(ctx, w.Store.DB, "circuit_state", "open")
		_ = db.SetKV(ctx, w.Store.DB, "circuit_open_until", until)
		telemetry.UpdateCircuitGauge(true)
		slog.Warn("circuit opened", slog.Int("failures", fails), slog.String("until", until))
	}
}

func (w *Worker) resetCircuit(ctx context.Context) {
	state := db.GetKV(ctx, w.Store.DB, "circuit_state")
	if state == "" || (state == "closed" && os.Getenv("CIRCUIT_FAILURE_THRESHOLD") == "") {
		return
	}
	_ = db.SetKV(ctx, w.Store.DB, "circuit_failures", "0")
	_ = db.SetKV(ctx, w.Store.DB, "circuit_state", "closed")
	_, _ = w.Store.DB.ExecContext(ctx, `DELETE FROM kv WHERE key='circuit_open_until'`)
	telemetry.UpdateCircuitGauge(false)
}
