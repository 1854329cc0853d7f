package upload

import (
	"context"
	"testing"
	"time"

	"github.com/codetalk/picrelay/testutil"
)

func newTestRecord(owner int64, content string) *Record {
	return &Record{
		ID:          RecordID(owner, []byte(content)),
		FileID:      "file-" + content,
		OwnerID:     owner,
		ChatID:      owner,
		MessageID:   1,
		DisplayName: "bob",
		Caption:     "a caption",
		LocalPath:   "/tmp/" + content + ".jpg",
	}
}

func TestRecordIDDeterministic(t *testing.T) {
	a := RecordID(42, []byte("image-bytes"))
	b := RecordID(42, []byte("image-bytes"))
	if a != b {
		t.Fatalf("same owner+content produced different ids: %s vs %s", a, b)
	}
	if RecordID(43, []byte("image-bytes")) == a {
		t.Error("different owner should produce a different id")
	}
	if RecordID(42, []byte("other-bytes")) == a {
		t.Error("different content should produce a different id")
	}
}

func TestPutDeduplicates(t *testing.T) {
	database := testutil.SetupTestDB(t)
	if _, err := database.Exec(`DELETE FROM uploads`); err != nil {
		t.Fatal(err)
	}
	s := &Store{DB: database}
	ctx := context.Background()

	rec := newTestRecord(1, "p1")
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	if err := s.Put(ctx, rec); err != ErrDuplicate {
		t.Fatalf("second put: got %v, want ErrDuplicate", err)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("new record status = %s, want pending", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("new record attempts = %d, want 0", got.Attempts)
	}
}

func TestAcquireCompareAndSet(t *testing.T) {
	database := testutil.SetupTestDB(t)
	if _, err := database.Exec(`DELETE FROM uploads`); err != nil {
		t.Fatal(err)
	}
	s := &Store{DB: database}
	ctx := context.Background()

	rec := newTestRecord(2, "p1")
	if err := s.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}

	if err := s.Acquire(ctx, rec.ID); err != nil {
		t.Fatalf("acquire pending record: %v", err)
	}
	// A second worker racing for the same record must lose.
	if err := s.Acquire(ctx, rec.ID); err != ErrConflict {
		t.Fatalf("concurrent acquire: got %v, want ErrConflict", err)
	}

	if err := s.MarkDone(ctx, rec.ID, "https://imgur.com/x.jpg", "dh1"); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	// Done is immutable.
	if err := s.Acquire(ctx, rec.ID); err != ErrConflict {
		t.Fatalf("acquire done record: got %v, want ErrConflict", err)
	}
	if err := s.MarkDone(ctx, rec.ID, "https://imgur.com/y.jpg", "dh2"); err != ErrConflict {
		t.Fatalf("second mark done: got %v, want ErrConflict", err)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.HostURL != "https://imgur.com/x.jpg" || got.DeleteHash != "dh1" {
		t.Errorf("done record = %q/%q, first writer should win", got.HostURL, got.DeleteHash)
	}
}

func TestMarkFailedRetryAndCeiling(t *testing.T) {
	database := testutil.SetupTestDB(t)
	if _, err := database.Exec(`DELETE FROM uploads`); err != nil {
		t.Fatal(err)
	}
	s := &Store{DB: database, MaxAttempts: 3, BackoffBase: time.Millisecond}
	ctx := context.Background()

	rec := newTestRecord(3, "p1")
	if err := s.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}

	for want := 1; want <= 3; want++ {
		if err := s.Acquire(ctx, rec.ID); err != nil {
			t.Fatalf("acquire attempt %d: %v", want, err)
		}
		attempts, err := s.MarkFailed(ctx, rec.ID, "boom", false)
		if err != nil {
			t.Fatalf("mark failed attempt %d: %v", want, err)
		}
		if attempts != want {
			t.Fatalf("attempts = %d, want %d", attempts, want)
		}
		// Backoff is short; give ListRetryable a chance to see the record again.
		time.Sleep(20 * time.Millisecond)
		recs, err := s.ListRetryable(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if want < 3 && len(recs) != 1 {
			t.Fatalf("after %d attempts ListRetryable returned %d records, want 1", want, len(recs))
		}
		if want == 3 && len(recs) != 0 {
			t.Fatalf("terminally failed record still retryable after %d attempts", want)
		}
	}

	// Terminal records cannot be re-acquired.
	if err := s.Acquire(ctx, rec.ID); err != ErrConflict {
		t.Fatalf("acquire terminal record: got %v, want ErrConflict", err)
	}
}

func TestMarkFailedPermanentJumpsToCeiling(t *testing.T) {
	database := testutil.SetupTestDB(t)
	if _, err := database.Exec(`DELETE FROM uploads`); err != nil {
		t.Fatal(err)
	}
	s := &Store{DB: database, MaxAttempts: 5}
	ctx := context.Background()

	rec := newTestRecord(4, "p1")
	if err := s.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.Acquire(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	attempts, err := s.MarkFailed(ctx, rec.ID, "file type invalid", true)
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 5 {
		t.Fatalf("permanent failure attempts = %d, want 5", attempts)
	}
	recs, err := s.ListRetryable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Error("permanently failed record should not be retryable")
	}
}

func TestListRetryableBackoffWindow(t *testing.T) {
	database := testutil.SetupTestDB(t)
	if _, err := database.Exec(`DELETE FROM uploads`); err != nil {
		t.Fatal(err)
	}
	s := &Store{DB: database, MaxAttempts: 5, BackoffBase: time.Hour}
	ctx := context.Background()

	rec := newTestRecord(5, "p1")
	if err := s.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.Acquire(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkFailed(ctx, rec.ID, "transient", false); err != nil {
		t.Fatal(err)
	}

	// Backoff base is an hour, so the record is inside its window.
	recs, err := s.ListRetryable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("record inside backoff window should not be retryable, got %d", len(recs))
	}
}

func TestReleaseStaleLeases(t *testing.T) {
	database := testutil.SetupTestDB(t)
	if _, err := database.Exec(`DELETE FROM uploads`); err != nil {
		t.Fatal(err)
	}
	s := &Store{DB: database, LeaseTimeout: time.Minute}
	ctx := context.Background()

	rec := newTestRecord(6, "p1")
	if err := s.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.Acquire(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	// Simulate a crashed worker: lease started well beyond the timeout.
	if _, err := database.Exec(`UPDATE uploads SET last_attempt_at = NOW() - INTERVAL '10 minutes' WHERE id=$1`, rec.ID); err != nil {
		t.Fatal(err)
	}

	released, err := s.ReleaseStaleLeases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}
	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending {
		t.Errorf("released record status = %s, want pending", got.Status)
	}

	// A fresh lease stays put.
	if err := s.Acquire(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	released, err = s.ReleaseStaleLeases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if released != 0 {
		t.Fatalf("fresh lease released, want 0 got %d", released)
	}
}

func TestBackoffCapped(t *testing.T) {
	s := &Store{BackoffBase: 2 * time.Second}
	if got := s.Backoff(0); got != 2*time.Second {
		t.Errorf("backoff(0) = %s, want 2s", got)
	}
	if got := s.Backoff(3); got != 16*time.Second {
		t.Errorf("backoff(3) = %s, want 16s", got)
	}
	if got := s.Backoff(30); got != 15*time.Minute {
		t.Errorf("backoff(30) = %s, want 15m cap", got)
	}
}
