// Package bridge is the orchestration point between the chat collaborator,
// the auth state machine, the upload record store, and the channel
// collaborator. It decides whether an inbound photo is admitted to the durable
// pipeline, drives the challenge/proof handshake, and formats announcements
// for completed uploads.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/codetalk/picrelay/auth"
	"github.com/codetalk/picrelay/irc"
	"github.com/codetalk/picrelay/telegram"
	"github.com/codetalk/picrelay/telemetry"
	"github.com/codetalk/picrelay/upload"
)

// ChatClient is the messaging-platform collaborator surface the bridge needs.
type ChatClient interface {
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) error
	FetchFile(ctx context.Context, fileID string) (data []byte, remotePath string, err error)
}

// ChannelClient is the channel collaborator surface the bridge needs.
type ChannelClient interface {
	SendMessage(text string)
	CurrentNick() string
}

// Authenticator is the auth state machine surface the bridge needs.
// Satisfied by *auth.Machine.
type Authenticator interface {
	AuthenticatedName(ctx context.Context, userID int64) (string, bool, error)
	Blacklisted(ctx context.Context, userID int64) (bool, error)
	OutstandingChallenge(ctx context.Context, userID int64) (string, bool, error)
	IssueChallenge(ctx context.Context, userID, chatID int64) (string, error)
	VerifyProof(ctx context.Context, token, nick string) (userID, chatID int64, ok bool, err error)
	ExpireStale(ctx context.Context) ([]auth.Session, error)
	Revoke(ctx context.Context, nick string) (int64, error)
}

// Bridge routes events between collaborators. Held submissions (photos from
// users mid-handshake) are process memory on purpose: no record exists until
// the identity is proven, and an unproven handshake is discarded anyway.
type Bridge struct {
	Store   *upload.Store
	Auth    Authenticator
	Chat    ChatClient
	Channel ChannelClient

	DataDir     string
	IRCServer   string
	IRCChannel  string
	AuthTimeout time.Duration

	mu   sync.Mutex
	held map[int64][]telegram.PhotoEvent
}

// HandlePhoto gates an inbound photo on the blacklist and auth state.
// Blacklisted users are discarded without a reply; authenticated users get a
// durable record immediately; everyone else is held behind a challenge.
func (b *Bridge) HandlePhoto(ctx context.Context, ev telegram.PhotoEvent) {
	blocked, err := b.Auth.Blacklisted(ctx, ev.UserID)
	if err != nil {
		slog.Error("blacklist lookup failed", slog.Int64("user_id", ev.UserID), slog.Any("err", err))
		return
	}
	if blocked {
		slog.Info("discarding image from blacklisted user", slog.Int64("user_id", ev.UserID))
		return
	}

	name, ok, err := b.Auth.AuthenticatedName(ctx, ev.UserID)
	if err != nil {
		slog.Error("auth lookup failed", slog.Int64("user_id", ev.UserID), slog.Any("err", err))
		b.reply(ctx, ev.ChatID, ev.MessageID, "Oops, there was an error. Please try again later.")
		return
	}
	if !ok {
		b.holdAndChallenge(ctx, ev)
		return
	}
	b.admit(ctx, ev, name)
}

// holdAndChallenge parks the submission and makes sure the user has a live
// challenge to prove. A photo sent while a challenge is already outstanding
// joins the held set without re-issuing. Without a challenge row the expiry
// sweeper would never reap the hold, so a failed issue drops it again.
func (b *Bridge) holdAndChallenge(ctx context.Context, ev telegram.PhotoEvent) {
	b.mu.Lock()
	if b.held == nil {
		b.held = make(map[int64][]telegram.PhotoEvent)
	}
	b.held[ev.UserID] = append(b.held[ev.UserID], ev)
	b.mu.Unlock()

	_, outstanding, err := b.Auth.OutstandingChallenge(ctx, ev.UserID)
	if err != nil {
		slog.Error("challenge lookup failed", slog.Int64("user_id", ev.UserID), slog.Any("err", err))
		b.unhold(ctx, ev)
		return
	}
	if outstanding {
		b.reply(ctx, ev.ChatID, ev.MessageID, "Your image is held until you authenticate. Check the instructions I sent you.")
		return
	}
	if err := b.issueChallenge(ctx, ev.UserID, ev.ChatID); err != nil {
		b.unhold(ctx, ev)
	}
}

// unhold drops a user's held submissions after a handshake could not be
// started, telling them to resend.
func (b *Bridge) unhold(ctx context.Context, ev telegram.PhotoEvent) {
	b.mu.Lock()
	delete(b.held, ev.UserID)
	b.mu.Unlock()
	b.reply(ctx, ev.ChatID, ev.MessageID, "Oops, there was an error. Please resend your image later.")
}

func (b *Bridge) issueChallenge(ctx context.Context, userID, chatID int64) error {
	token, err := b.Auth.IssueChallenge(ctx, userID, chatID)
	if err != nil {
		slog.Error("issue challenge failed", slog.Int64("user_id", userID), slog.Any("err", err))
		return err
	}
	telemetry.AuthChallengesIssued.Inc()
	nick := b.Channel.CurrentNick()
	msg := fmt.Sprintf(
		"Your Authcode is: %s\n\n"+
			"Within %s, send \"%s auth %s\" in %s on %s with your usual nickname.\n"+
			"If you want the bot to use a different name than your current IRC name, "+
			"add an additional argument which will be stored instead.\n\n"+
			"Example: \"%s auth %s my_actual_name\"\n\n"+
			"You can re-authenticate any time to overwrite the stored nick.",
		token, b.AuthTimeout, nick, token, b.IRCChannel, b.IRCServer, nick, token)
	// The challenge row exists even if the instructions fail to send; the
	// expiry sweeper reaps it either way.
	if err := b.Chat.SendMessage(ctx, chatID, msg, 0); err != nil {
		slog.Error("send challenge instructions failed", slog.Int64("chat_id", chatID), slog.Any("err", err))
	}
	return nil
}

// admit fetches the image bytes, persists them locally, and creates the
// durable record. The fetch happens exactly once per submission; retries by
// the upload worker read the local copy.
func (b *Bridge) admit(ctx context.Context, ev telegram.PhotoEvent, name string) {
	data, remotePath, err := b.Chat.FetchFile(ctx, ev.FileID)
	if err != nil {
		slog.Error("fetch file failed", slog.String("file_id", ev.FileID), slog.Any("err", err))
		b.reply(ctx, ev.ChatID, ev.MessageID, "Error downloading your image, please resend it.")
		return
	}

	id := upload.RecordID(ev.UserID, data)
	localPath := filepath.Join(b.DataDir, id+pathExtension(remotePath))
	if err := os.MkdirAll(b.DataDir, 0o755); err != nil {
		slog.Error("create data dir failed", slog.String("dir", b.DataDir), slog.Any("err", err))
		return
	}
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		slog.Error("persist image failed", slog.String("path", localPath), slog.Any("err", err))
		return
	}

	rec := upload.Record{
		ID:          id,
		FileID:      ev.FileID,
		OwnerID:     ev.UserID,
		ChatID:      ev.ChatID,
		MessageID:   ev.MessageID,
		DisplayName: name,
		Caption:     ev.Caption,
		LocalPath:   localPath,
		CreatedAt:   ev.ReceivedAt,
	}
	if err := b.Store.Put(ctx, &rec); err != nil {
		if err == upload.ErrDuplicate {
			slog.Info("duplicate submission ignored", slog.String("upload_id", id), slog.Int64("user_id", ev.UserID))
			b.reply(ctx, ev.ChatID, ev.MessageID, "I already received that exact image from you.")
			return
		}
		slog.Error("create upload record failed", slog.String("upload_id", id), slog.Any("err", err))
		b.reply(ctx, ev.ChatID, ev.MessageID, "Oops, there was an error. Please try again later.")
		return
	}
	slog.Info("upload record created", slog.String("upload_id", id), slog.Int64("user_id", ev.UserID), slog.String("name", name))
}

// HandleChannelMessage observes channel traffic for auth proofs. Only lines
// addressed to the bot's current nick are considered.
func (b *Bridge) HandleChannelMessage(ctx context.Context, msg irc.Message) {
	nick := b.Channel.CurrentNick()
	rest, ok := strings.CutPrefix(msg.Text, nick)
	if !ok {
		return
	}
	rest = strings.TrimLeft(rest, ":, ")
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return
	}
	if fields[0] != "auth" {
		b.Channel.SendMessage(msg.Nick + ": Unknown command")
		return
	}
	if len(fields) < 2 {
		b.Channel.SendMessage(msg.Nick + ": Auth code invalid")
		return
	}
	token := fields[1]
	name := msg.Nick
	if len(fields) > 2 {
		name = fields[2]
	}

	userID, chatID, ok, err := b.Auth.VerifyProof(ctx, token, name)
	if err != nil {
		slog.Error("verify proof failed", slog.Any("err", err))
		return
	}
	if !ok {
		slog.Info("rejected auth proof", slog.String("nick", msg.Nick), slog.String("token", token))
		b.Channel.SendMessage(msg.Nick + ": Auth code invalid")
		return
	}
	telemetry.AuthProofsAccepted.Inc()
	b.Channel.SendMessage(name + ": Authentication successful.")
	if err := b.Chat.SendMessage(ctx, chatID, fmt.Sprintf("Authenticated as %s.", name), 0); err != nil {
		slog.Warn("send auth confirmation failed", slog.Int64("chat_id", chatID), slog.Any("err", err))
	}

	// Release anything the user sent while the handshake was in flight.
	b.mu.Lock()
	pending := b.held[userID]
	delete(b.held, userID)
	b.mu.Unlock()
	for _, ev := range pending {
		b.admit(ctx, ev, name)
	}
}

// HandleDeparture revokes sessions when their channel-side identity leaves.
func (b *Bridge) HandleDeparture(ctx context.Context, nick string) {
	if _, err := b.Auth.Revoke(ctx, nick); err != nil {
		slog.Error("revoke sessions failed", slog.String("nick", nick), slog.Any("err", err))
	}
}

// HandleCommand handles /start, /help and /auth from the chat side.
func (b *Bridge) HandleCommand(ctx context.Context, cmd string, args []string, msg telegram.Message) {
	switch cmd {
	case "start", "help":
		text := fmt.Sprintf(
			"Authenticate yourself via /auth and follow the instructions. "+
				"Afterwards you can send me photos or images, which I will upload "+
				"and link to in the IRC channel %s on %s.",
			b.IRCChannel, b.IRCServer)
		b.reply(ctx, msg.Chat.ID, 0, text)
	case "auth":
		if err := b.issueChallenge(ctx, msg.From.ID, msg.Chat.ID); err != nil {
			b.reply(ctx, msg.Chat.ID, 0, "Oops, there was an error. Please try again later.")
		}
	default:
		b.reply(ctx, msg.Chat.ID, 0, "I do not know how to handle that")
	}
}

// HandleUnsupported replies to content the bridge cannot relay.
func (b *Bridge) HandleUnsupported(ctx context.Context, msg telegram.Message) {
	if msg.Text != "" {
		b.reply(ctx, msg.Chat.ID, 0, "Just send me photos or images or type /help for a list of commands")
		return
	}
	b.reply(ctx, msg.Chat.ID, 0, "I do not know how to handle that")
}

// StartExpirySweeper periodically reverts timed-out challenges, dropping their
// held submissions and notifying the users.
func (b *Bridge) StartExpirySweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.sweepExpired(ctx)
			}
		}
	}()
}

func (b *Bridge) sweepExpired(ctx context.Context) {
	expired, err := b.Auth.ExpireStale(ctx)
	if err != nil {
		slog.Error("expire stale challenges failed", slog.Any("err", err))
		return
	}
	for _, s := range expired {
		telemetry.AuthChallengesExpired.Inc()
		b.mu.Lock()
		dropped := len(b.held[s.UserID])
		delete(b.held, s.UserID)
		b.mu.Unlock()
		slog.Info("auth challenge expired", slog.Int64("user_id", s.UserID), slog.Int("dropped", dropped))
		if err := b.Chat.SendMessage(ctx, s.ChatID, "Authentication timed out", 0); err != nil {
			slog.Warn("send timeout notice failed", slog.Int64("chat_id", s.ChatID), slog.Any("err", err))
		}
	}
}

// AnnounceSingle posts one completed upload to the channel and confirms to the
// sender. Wired into the album aggregator.
func (b *Bridge) AnnounceSingle(ctx context.Context, rec upload.Record) {
	line := fmt.Sprintf("<%s> %s", rec.DisplayName, rec.HostURL)
	if rec.Caption != "" {
		line += " " + rec.Caption
	}
	b.Channel.SendMessage(line)
	telemetry.AnnouncementsSent.Inc()
	b.reply(ctx, rec.ChatID, rec.MessageID, "Image delivered. Uploaded to: "+rec.HostURL)
}

// AnnounceAlbum posts one line for a whole album.
func (b *Bridge) AnnounceAlbum(ctx context.Context, recs []upload.Record, albumURL string) {
	if len(recs) == 0 {
		return
	}
	b.Channel.SendMessage(fmt.Sprintf("<%s> %s (%d images)", recs[0].DisplayName, albumURL, len(recs)))
	telemetry.AnnouncementsSent.Inc()
	for _, rec := range recs {
		b.reply(ctx, rec.ChatID, rec.MessageID, "Image delivered. Uploaded to: "+albumURL)
	}
}

// NotifyFailure tells the sender their upload failed terminally.
func (b *Bridge) NotifyFailure(ctx context.Context, rec upload.Record, reason string) {
	b.reply(ctx, rec.ChatID, rec.MessageID, "Oops, there was an error uploading your image.\nError: "+reason)
}

// HeldCount reports how many submissions are parked behind handshakes.
func (b *Bridge) HeldCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, evs := range b.held {
		n += len(evs)
	}
	return n
}

func (b *Bridge) reply(ctx context.Context, chatID, replyTo int64, text string) {
	if err := b.Chat.SendMessage(ctx, chatID, text, replyTo); err != nil {
		slog.Warn("send reply failed", slog.Int64("chat_id", chatID), slog.Any("err", err))
	}
}

func pathExtension(remotePath string) string {
	ext := strings.ToLower(filepath.Ext(remotePath))
	if ext == "" {
		return ".jpg"
	}
	return ext
}
