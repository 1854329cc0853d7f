// Package irc maintains the channel-side connection. It joins a single
// channel, surfaces channel messages and departures to callbacks, and sends
// announcement lines. Reconnection with backoff is handled internally so the
// rest of the process never sees a dead connection.
package irc

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	irce "github.com/thoj/go-ircevent"
)

// Message is one channel line.
type Message struct {
	Nick    string
	Channel string
	Text    string
}

// Client wraps a single-server, single-channel IRC presence.
type Client struct {
	Server  string
	Nick    string
	Channel string
	TLS     bool

	// OnMessage receives every PRIVMSG seen in the joined channel.
	OnMessage func(ctx context.Context, msg Message)
	// OnDeparture receives the nick of anyone who parts, quits, or renames
	// away. Fired for the old nick on NICK changes.
	OnDeparture func(ctx context.Context, nick string)

	mu   sync.Mutex
	conn *irce.Connection
}

// Run connects and blocks until the context is canceled. Connection drops are
// retried with exponential backoff; callbacks fire on the library's event
// goroutine.
func (c *Client) Run(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn := irce.IRC(c.Nick, c.Nick)
		conn.UseTLS = c.TLS
		if c.TLS {
			conn.TLSConfig = &tls.Config{ServerName: hostOnly(c.Server)}
		}
		conn.AddCallback("001", func(e *irce.Event) {
			slog.Info("irc connected", slog.String("server", c.Server), slog.String("nick", conn.GetNick()))
			conn.Join(c.Channel)
		})
		conn.AddCallback("PRIVMSG", func(e *irce.Event) {
			if len(e.Arguments) == 0 || e.Arguments[0] != c.Channel {
				return
			}
			if c.OnMessage != nil {
				c.OnMessage(ctx, Message{Nick: e.Nick, Channel: e.Arguments[0], Text: e.Message()})
			}
		})
		depart := func(e *irce.Event) {
			if c.OnDeparture != nil {
				c.OnDeparture(ctx, e.Nick)
			}
		}
		conn.AddCallback("PART", depart)
		conn.AddCallback("QUIT", depart)
		conn.AddCallback("NICK", depart)

		if err := conn.Connect(c.Server); err != nil {
			slog.Error("irc connect failed", slog.String("server", c.Server), slog.Any("err", err), slog.Duration("backoff", backoff))
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

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		done := make(chan struct{})
		go func() {
			conn.Loop()
			close(done)
		}()

		select {
		case <-ctx.Done():
			conn.Quit()
			<-done
			return
		case <-done:
			slog.Warn("irc connection lost, reconnecting", slog.String("server", c.Server))
		}

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}
}

// SendMessage sends one line to the joined channel. Lines sent while
// disconnected are dropped with a log; announcements are best effort.
func (c *Client) SendMessage(text string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		slog.Warn("irc send while disconnected, dropping", slog.String("text", text))
		return
	}
	conn.Privmsg(c.Channel, text)
}

// CurrentNick returns the nick the server actually assigned, which can differ
// from the configured one after collision handling.
func (c *Client) CurrentNick() string {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return c.Nick
	}
	return conn.GetNick()
}

func hostOnly(server string) string {
	for i := 0; i < len(server); i++ {
		if server[i] == ':' {
			return server[:i]
		}
	}
	return server
}
