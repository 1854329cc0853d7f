package telegram

import (
	"context"
	"testing"
)

func baseMessage() *Message {
	return &Message{
		MessageID: 1,
		From:      &User{ID: 42, Username: "bob"},
		Chat:      Chat{ID: 42},
		Date:      1700000000,
	}
}

func TestPollerPicksLargestPhotoSize(t *testing.T) {
	var got PhotoEvent
	p := &Poller{OnPhoto: func(ctx context.Context, ev PhotoEvent) { got = ev }}

	msg := baseMessage()
	msg.Caption = "nice"
	msg.Photo = []PhotoSize{
		{FileID: "mid", FileSize: 500},
		{FileID: "big", FileSize: 900},
		{FileID: "small", FileSize: 100},
	}
	p.handle(context.Background(), Update{UpdateID: 1, Message: msg})

	if got.FileID != "big" {
		t.Errorf("file id = %s, want the largest size", got.FileID)
	}
	if got.Caption != "nice" || got.UserID != 42 || got.Username != "bob" {
		t.Errorf("event = %+v", got)
	}
}

func TestPollerFiltersDocuments(t *testing.T) {
	var photos []string
	var unsupported int
	p := &Poller{
		OnPhoto:       func(ctx context.Context, ev PhotoEvent) { photos = append(photos, ev.FileID) },
		OnUnsupported: func(ctx context.Context, msg Message) { unsupported++ },
	}

	img := baseMessage()
	img.Document = &Document{FileID: "d1", FileName: "pic.png", MimeType: "image/png"}
	p.handle(context.Background(), Update{UpdateID: 1, Message: img})

	pdf := baseMessage()
	pdf.Document = &Document{FileID: "d2", FileName: "doc.pdf", MimeType: "application/pdf"}
	p.handle(context.Background(), Update{UpdateID: 2, Message: pdf})

	if len(photos) != 1 || photos[0] != "d1" {
		t.Errorf("photos = %v, want just the png document", photos)
	}
	if unsupported != 1 {
		t.Errorf("unsupported = %d, want 1 for the pdf", unsupported)
	}
}

func TestPollerParsesCommands(t *testing.T) {
	var gotCmd string
	var gotArgs []string
	var unsupported int
	p := &Poller{
		OnCommand:     func(ctx context.Context, cmd string, args []string, msg Message) { gotCmd, gotArgs = cmd, args },
		OnUnsupported: func(ctx context.Context, msg Message) { unsupported++ },
	}

	cmd := baseMessage()
	cmd.Text = "/auth@picrelay_bot extra"
	p.handle(context.Background(), Update{UpdateID: 1, Message: cmd})
	if gotCmd != "auth" {
		t.Errorf("cmd = %q, want auth with bot suffix stripped", gotCmd)
	}
	if len(gotArgs) != 1 || gotArgs[0] != "extra" {
		t.Errorf("args = %v", gotArgs)
	}

	text := baseMessage()
	text.Text = "hello there"
	p.handle(context.Background(), Update{UpdateID: 2, Message: text})
	if unsupported != 1 {
		t.Errorf("plain text should be unsupported, got %d", unsupported)
	}
}
