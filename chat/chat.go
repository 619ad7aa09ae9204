// Package chat is the Twitch IRC transport: it joins the configured channels,
// feeds inbound messages onto the event bus, sends outbound replies, and
// appends every line to the append-only chat log. Reconnection is handled by
// the IRC library.
package chat

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/veilstream/hypebot/bus"
	dbpkg "github.com/veilstream/hypebot/db"
)

// Message is one inbound chat line, published on bus.TopicChatMessage.
type Message struct {
	Channel string
	Sender  string
	Text    string
	At      time.Time
}

// Transport wraps the IRC client. Send is fire-and-forget: delivery failures
// are the library's to log, never surfaced to callers.
type Transport struct {
	client      *twitch.Client
	bus         *bus.Bus
	db          *sql.DB
	channels    []string
	botUsername string
}

// NewTransport builds a connected-on-Run transport. db may be nil to disable
// the chat log (tests).
func NewTransport(username, oauthToken string, channels []string, b *bus.Bus, dbx *sql.DB) *Transport {
	t := &Transport{
		client:      twitch.NewClient(username, oauthToken),
		bus:         b,
		db:          dbx,
		channels:    channels,
		botUsername: username,
	}
	t.client.OnPrivateMessage(t.onPrivateMessage)
	return t
}

func (t *Transport) onPrivateMessage(msg twitch.PrivateMessage) {
	now := time.Now().UTC()
	m := Message{Channel: msg.Channel, Sender: msg.User.Name, Text: msg.Message, At: now}
	t.logLine(m.Channel, m.Sender, m.Text, false, now)
	if t.bus != nil {
		t.bus.Publish(bus.TopicChatMessage, m)
	}
}

// Send posts text to a channel and records it in the chat log.
func (t *Transport) Send(channel, text string) {
	if channel == "" || text == "" {
		return
	}
	t.client.Say(channel, text)
	t.logLine(channel, t.botUsername, text, true, time.Now().UTC())
}

func (t *Transport) logLine(channel, username, text string, fromBot bool, at time.Time) {
	if t.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dbpkg.AppendChatMessage(ctx, t.db, channel, username, text, fromBot, at); err != nil {
		slog.Error("failed to insert chat message", slog.Any("err", err))
	}
}

// Run connects and blocks until ctx is canceled or the connection fails
// permanently.
func (t *Transport) Run(ctx context.Context) error {
	for _, ch := range t.channels {
		t.client.Join(ch)
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		if err := t.client.Disconnect(); err != nil {
			slog.Debug("twitch chat disconnect", slog.Any("err", err))
		}
		close(done)
	}()

	slog.Info("chat transport connecting", slog.Any("channels", t.channels))
	if err := t.client.Connect(); err != nil && ctx.Err() == nil {
		slog.Error("twitch chat connect error", slog.Any("err", err))
		return err
	}
	<-done
	return nil
}
