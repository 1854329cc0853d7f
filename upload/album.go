package upload

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AlbumHost abstracts host-side album creation.
type AlbumHost interface {
	CreateAlbum(ctx context.Context, deleteHashes []string, title string) (url string, err error)
}

// Aggregator batches consecutive completed uploads from one owner inside a
// sliding time window into a single host-side album and a single announcement.
// With Window <= 0, grouping is disabled and every completion announces
// immediately. A record that failed terminally never enters a batch, so it
// cannot block its siblings' announcement.
type Aggregator struct {
	Window time.Duration
	Host   AlbumHost
	Store  *Store

	// AnnounceSingle and AnnounceAlbum are supplied by the dispatcher, which
	// owns announcement formatting and delivery.
	AnnounceSingle func(ctx context.Context, rec Record)
	AnnounceAlbum  func(ctx context.Context, recs []Record, albumURL string)

	mu      sync.Mutex
	batches map[int64]*batch
}

type batch struct {
	albumID string
	owner   int64
	records []Record
	timer   *time.Timer
}

// Completed accepts a record that reached done status. Called by the upload worker.
func (a *Aggregator) Completed(ctx context.Context, rec Record) {
	if a.Window <= 0 {
		a.announceSingle(ctx, rec)
		return
	}

	a.mu.Lock()
	if a.batches == nil {
		a.batches = make(map[int64]*batch)
	}
	b, ok := a.batches[rec.OwnerID]
	if !ok {
		b = &batch{albumID: uuid.New().String(), owner: rec.OwnerID}
		// Detach from the caller's context: the worker cycle that delivered
		// the last record may end before the window closes. The closure pins
		// this batch so a fire that lost a race to Reset cannot close a
		// successor batch for the same owner.
		b.timer = time.AfterFunc(a.Window, func() { a.close(context.Background(), rec.OwnerID, b) })
		a.batches[rec.OwnerID] = b
	} else {
		// Sliding window: each new completion extends the deadline. When the
		// timer already fired, its close call is blocked on our lock and will
		// still consume this record; the re-armed fire then hits a batch
		// pointer no longer in the map and is ignored.
		b.timer.Reset(a.Window)
	}
	b.records = append(b.records, rec)
	albumID := b.albumID
	a.mu.Unlock()

	if a.Store != nil {
		if err := a.Store.SetAlbum(ctx, rec.ID, albumID); err != nil {
			slog.Warn("stamp album id", slog.String("upload_id", rec.ID), slog.Any("err", err))
		}
	}
}

// Flush closes all open batches immediately (used on shutdown).
func (a *Aggregator) Flush(ctx context.Context) {
	a.mu.Lock()
	open := make(map[int64]*batch, len(a.batches))
	for owner, b := range a.batches {
		b.timer.Stop()
		open[owner] = b
	}
	a.mu.Unlock()
	for owner, b := range open {
		a.close(ctx, owner, b)
	}
}

// close finishes one batch. It only acts when b is still the owner's current
// batch; a stale timer fire for an already-closed batch is a no-op.
func (a *Aggregator) close(ctx context.Context, owner int64, b *batch) {
	a.mu.Lock()
	if a.batches[owner] != b {
		a.mu.Unlock()
		return
	}
	delete(a.batches, owner)
	a.mu.Unlock()
	if len(b.records) == 0 {
		return
	}

	// Per-owner announcements preserve submission order regardless of which
	// worker finished which record first.
	sort.Slice(b.records, func(i, j int) bool { return b.records[i].CreatedAt.Before(b.records[j].CreatedAt) })

	if len(b.records) == 1 {
		a.announceSingle(ctx, b.records[0])
		return
	}

	deleteHashes := make([]string, 0, len(b.records))
	for _, rec := range b.records {
		deleteHashes = append(deleteHashes, rec.DeleteHash)
	}
	title := b.records[0].DisplayName
	url, err := a.Host.CreateAlbum(ctx, deleteHashes, title)
	if err != nil {
		// The images themselves are delivered; fall back to per-image
		// announcements rather than dropping them.
		slog.Warn("album creation failed, announcing individually", slog.Int64("owner", owner), slog.Any("err", err))
		for _, rec := range b.records {
			a.announceSingle(ctx, rec)
		}
		return
	}
	slog.Info("album created", slog.Int64("owner", owner), slog.Int("images", len(b.records)), slog.String("url", url))
	if a.AnnounceAlbum != nil {
		a.AnnounceAlbum(ctx, b.records, url)
	}
}

func (a *Aggregator) announceSingle(ctx context.Context, rec Record) {
	if a.AnnounceSingle != nil {
		a.AnnounceSingle(ctx, rec)
	}
}
