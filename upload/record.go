// Package upload implements the durable image delivery pipeline: a Postgres-backed
// record store with compare-and-set status transitions, a retrying worker pool that
// drives records to the image host, and an album aggregator that batches
// consecutive uploads from one owner into a single announcement.
package upload

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Record status values. A record is created as pending, leased as uploading,
// and ends as done or (after max attempts) terminal failed.
const (
	StatusPending   = "pending"
	StatusUploading = "uploading"
	StatusDone      = "done"
	StatusFailed    = "failed"
)

var (
	// ErrDuplicate is returned by Put when a record with the same content+owner id exists.
	ErrDuplicate = errors.New("upload: duplicate record")
	// ErrConflict is returned by a compare-and-set transition that lost a race.
	// Callers should skip the record, not treat it as a failure.
	ErrConflict = errors.New("upload: status transition conflict")
	// ErrNotFound is returned by Get for an unknown record id.
	ErrNotFound = errors.New("upload: record not found")
)

// Record is one tracked image delivery from submission to announcement.
// DisplayName is frozen at submission time; later re-authentication does not
// rewrite past records.
type Record struct {
	ID            string
	FileID        string
	OwnerID       int64
	ChatID        int64
	MessageID     int64
	DisplayName   string
	Caption       string
	LocalPath     string
	Status        string
	HostURL       string
	DeleteHash    string
	FailureReason string
	Attempts      int
	AlbumID       string
	CreatedAt     time.Time
	LastAttemptAt time.Time
}

// RecordID derives the dedup key from owner identity and image content.
// Content-hash+owner is deliberately stronger than the Telegram file id:
// the same image re-sent under a new file id is still a duplicate.
func RecordID(ownerID int64, content []byte) string {
	h := sha256.New()
	var owner [8]byte
	binary.BigEndian.PutUint64(owner[:], uint64(ownerID))
	h.Write(owner[:])
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// Store provides durable access to upload records. All mutations are single
// SQL statements, so they are atomic and persisted before returning.
type Store struct {
	DB           *sql.DB
	MaxAttempts  int
	BackoffBase  time.Duration
	LeaseTimeout time.Duration
}

func (s *Store) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return 5
}

func (s *Store) backoffBase() time.Duration {
	if s.BackoffBase > 0 {
		return s.BackoffBase
	}
	return 2 * time.Second
}

func (s *Store) leaseTimeout() time.Duration {
	if s.LeaseTimeout > 0 {
		return s.LeaseTimeout
	}
	return 10 * time.Minute
}

// Put inserts a new pending record. Returns ErrDuplicate when the id already
// exists; the existing record is left untouched.
func (s *Store) Put(ctx context.Context, rec *Record) error {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO uploads
		(id, file_id, owner_id, chat_id, message_id, display_name, caption, local_path, status, attempts, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,NOW())
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.FileID, rec.OwnerID, rec.ChatID, rec.MessageID, rec.DisplayName, rec.Caption, rec.LocalPath, StatusPending)
	if err != nil {
		return fmt.Errorf("insert upload record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

const recordColumns = `id, file_id, owner_id, chat_id, message_id, COALESCE(display_name,''), COALESCE(caption,''),
	COALESCE(local_path,''), status, COALESCE(host_url,''), COALESCE(delete_hash,''), COALESCE(failure_reason,''),
	COALESCE(attempts,0), COALESCE(album_id,''), created_at, last_attempt_at`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var rec Record
	var lastAttempt sql.NullTime
	err := row.Scan(&rec.ID, &rec.FileID, &rec.OwnerID, &rec.ChatID, &rec.MessageID, &rec.DisplayName, &rec.Caption,
		&rec.LocalPath, &rec.Status, &rec.HostURL, &rec.DeleteHash, &rec.FailureReason,
		&rec.Attempts, &rec.AlbumID, &rec.CreatedAt, &lastAttempt)
	if err != nil {
		return nil, err
	}
	if lastAttempt.Valid {
		rec.LastAttemptAt = lastAttempt.Time
	}
	return &rec, nil
}

// Get fetches a record by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM uploads WHERE id=$1`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// Backoff returns the retry delay after the given number of attempts
// (exponential, seeded by last_attempt_at, capped at 15 minutes).
func (s *Store) Backoff(attempts int) time.Duration {
	d := s.backoffBase()
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= 15*time.Minute {
			return 15 * time.Minute
		}
	}
	return d
}

// ListRetryable returns, in creation order, records that are pending or failed
// below the attempt ceiling and whose backoff window has elapsed. Terminal
// failures (attempts >= max) are never returned.
func (s *Store) ListRetryable(ctx context.Context) ([]Record, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+recordColumns+` FROM uploads
		WHERE status=$1 OR (status=$2 AND attempts < $3)
		ORDER BY created_at ASC`, StatusPending, StatusFailed, s.maxAttempts())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	now := time.Now()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if !rec.LastAttemptAt.IsZero() && now.Before(rec.LastAttemptAt.Add(s.Backoff(rec.Attempts))) {
			continue
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Acquire performs the compare-and-set transition pending|failed -> uploading.
// Losing the race (another worker already holds the record, or the record is
// terminal) returns ErrConflict. The lease clock starts at last_attempt_at.
func (s *Store) Acquire(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE uploads
		SET status=$1, last_attempt_at=NOW(), updated_at=NOW()
		WHERE id=$2 AND (status=$3 OR (status=$4 AND attempts < $5))`,
		StatusUploading, id, StatusPending, StatusFailed, s.maxAttempts())
	if err != nil {
		return err
	}
	return casResult(res)
}

// MarkDone transitions uploading -> done and records the host URL. Done is immutable.
func (s *Store) MarkDone(ctx context.Context, id, hostURL, deleteHash string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE uploads
		SET status=$1, host_url=$2, delete_hash=$3, failure_reason=NULL, updated_at=NOW()
		WHERE id=$4 AND status=$5`, StatusDone, hostURL, deleteHash, id, StatusUploading)
	if err != nil {
		return err
	}
	return casResult(res)
}

// MarkFailed transitions uploading -> failed, incrementing the attempt count.
// A permanent failure jumps straight to the attempt ceiling so the record is
// terminal and never reconsidered by ListRetryable. Returns the new attempt count.
func (s *Store) MarkFailed(ctx context.Context, id, reason string, permanent bool) (int, error) {
	var attempts int
	var err error
	if permanent {
		err = s.DB.QueryRowContext(ctx, `UPDATE uploads
			SET status=$1, failure_reason=$2, attempts=$3, updated_at=NOW()
			WHERE id=$4 AND status=$5 RETURNING attempts`,
			StatusFailed, reason, s.maxAttempts(), id, StatusUploading).Scan(&attempts)
	} else {
		err = s.DB.QueryRowContext(ctx, `UPDATE uploads
			SET status=$1, failure_reason=$2, attempts=COALESCE(attempts,0)+1, updated_at=NOW()
			WHERE id=$3 AND status=$4 RETURNING attempts`,
			StatusFailed, reason, id, StatusUploading).Scan(&attempts)
	}
	if err == sql.ErrNoRows {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

// ReleaseStaleLeases returns uploading records whose lease has expired to
// pending, so a restarted process can resume them. Returns the count released.
func (s *Store) ReleaseStaleLeases(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE uploads
		SET status=$1, updated_at=NOW()
		WHERE status=$2 AND last_attempt_at < NOW() - make_interval(secs => $3)`,
		StatusPending, StatusUploading, s.leaseTimeout().Seconds())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearLocalPath forgets the on-disk location after the local copy is removed.
func (s *Store) ClearLocalPath(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE uploads SET local_path=NULL, updated_at=NOW() WHERE id=$1`, id)
	return err
}

// SetAlbum stamps a grouping key onto a record.
func (s *Store) SetAlbum(ctx context.Context, id, albumID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE uploads SET album_id=$1, updated_at=NOW() WHERE id=$2`, albumID, id)
	return err
}

// CountByStatus returns the number of records in the given status.
func (s *Store) CountByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM uploads WHERE status=$1`, status).Scan(&n)
	return n, err
}

// QueueDepth counts records still awaiting delivery (pending, uploading, or retryable failed).
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM uploads
		WHERE status IN ($1,$2) OR (status=$3 AND attempts < $4)`,
		StatusPending, StatusUploading, StatusFailed, s.maxAttempts()).Scan(&n)
	return n, err
}

func casResult(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
