package telegram

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Documents relayed as images; anything else is rejected with a hint to the sender.
var (
	imageMimeTypes  = map[string]bool{"image/jpeg": true, "image/png": true, "image/gif": true}
	imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true}
)

// PhotoEvent is one inbound photo submission.
type PhotoEvent struct {
	UserID     int64
	ChatID     int64
	MessageID  int64
	Username   string
	FileID     string
	Caption    string
	ReceivedAt time.Time
}

// Poller long-polls getUpdates and routes each update to the configured
// callbacks. It owns offset tracking; updates are acknowledged by advancing
// the offset past the highest seen update id.
type Poller struct {
	Client  *Client
	Timeout time.Duration

	OnPhoto       func(ctx context.Context, ev PhotoEvent)
	OnCommand     func(ctx context.Context, cmd string, args []string, msg Message)
	OnUnsupported func(ctx context.Context, msg Message)

	offset int64
}

// Run polls until the context is canceled. Collaborator errors back off and
// retry; they never abort the loop.
func (p *Poller) Run(ctx context.Context) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	slog.Info("telegram poller starting", slog.Duration("timeout", timeout))
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			slog.Info("telegram poller stopped")
			return
		default:
		}
		updates, err := p.Client.GetUpdates(ctx, p.offset, timeout)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("telegram poller stopped")
				return
			}
			slog.Warn("telegram poll failed", slog.Any("err", err), slog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < time.Minute {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		for _, upd := range updates {
			p.handle(ctx, upd)
			if upd.UpdateID >= p.offset {
				p.offset = upd.UpdateID + 1
			}
		}
	}
}

func (p *Poller) handle(ctx context.Context, upd Update) {
	msg := upd.Message
	if msg == nil || msg.From == nil {
		slog.Debug("ignoring update without message", slog.Int64("update_id", upd.UpdateID))
		return
	}
	logger := slog.Default().With(slog.Int64("user_id", msg.From.ID), slog.String("component", "telegram_poller"))

	switch {
	case len(msg.Photo) > 0:
		// Telegram sends multiple sizes; relay the largest.
		best := msg.Photo[0]
		for _, ps := range msg.Photo[1:] {
			if ps.FileSize > best.FileSize {
				best = ps
			}
		}
		logger.Info("received photo", slog.String("file_id", best.FileID))
		p.emitPhoto(ctx, msg, best.FileID)

	case msg.Document != nil:
		logger.Info("received document", slog.String("mime_type", msg.Document.MimeType), slog.String("file_name", msg.Document.FileName))
		if isImageDocument(msg.Document) {
			p.emitPhoto(ctx, msg, msg.Document.FileID)
		} else if p.OnUnsupported != nil {
			p.OnUnsupported(ctx, *msg)
		}

	case msg.Text != "":
		if strings.HasPrefix(msg.Text, "/") && len(msg.Text) > 1 {
			fields := strings.Fields(msg.Text[1:])
			cmd, _, _ := strings.Cut(fields[0], "@")
			logger.Info("received command", slog.String("command", cmd))
			if p.OnCommand != nil {
				p.OnCommand(ctx, cmd, fields[1:], *msg)
			}
		} else if p.OnUnsupported != nil {
			p.OnUnsupported(ctx, *msg)
		}

	default:
		logger.Debug("unhandled update content")
		if p.OnUnsupported != nil {
			p.OnUnsupported(ctx, *msg)
		}
	}
}

func (p *Poller) emitPhoto(ctx context.Context, msg *Message, fileID string) {
	if p.OnPhoto == nil {
		return
	}
	p.OnPhoto(ctx, PhotoEvent{
		UserID:     msg.From.ID,
		ChatID:     msg.Chat.ID,
		MessageID:  msg.MessageID,
		Username:   msg.From.DisplayName(),
		FileID:     fileID,
		Caption:    msg.Caption,
		ReceivedAt: time.Unix(msg.Date, 0).UTC(),
	})
}

func isImageDocument(doc *Document) bool {
	if imageMimeTypes[strings.ToLower(doc.MimeType)] {
		return true
	}
	if i := strings.LastIndex(doc.FileName, "."); i >= 0 {
		return imageExtensions[strings.ToLower(doc.FileName[i:])]
	}
	return false
}
