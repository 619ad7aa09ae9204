// Package eventsub receives Twitch EventSub webhooks (follows, subs, cheers),
// verifies their HMAC signatures, and turns them into greeting messages and
// bus notifications. The response engine treats these as platform triggers;
// greetings themselves are plain template substitution, no generation.
package eventsub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/veilstream/hypebot/bus"
	"github.com/veilstream/hypebot/telemetry"
)

// EventSub message headers.
const (
	headerMessageID        = "Twitch-Eventsub-Message-Id"
	headerMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	headerMessageSignature = "Twitch-Eventsub-Message-Signature"
	headerMessageType      = "Twitch-Eventsub-Message-Type"

	messageTypeVerification = "webhook_callback_verification"
	messageTypeNotification = "notification"
	messageTypeRevocation   = "revocation"
)

// Subscription types the bot reacts to.
const (
	TypeFollow    = "channel.follow"
	TypeSubscribe = "channel.subscribe"
	TypeCheer     = "channel.cheer"
)

// Notification is a decoded platform event, published on bus.TopicPlatformEvent.
type Notification struct {
	Type     string
	UserName string
	Channel  string
	Bits     int
	At       time.Time
}

// SendFunc posts an announcement to a chat channel.
type SendFunc func(channel, text string)

// Handler is the webhook endpoint. Signature verification happens before any
// decoding; a bad or missing signature is a 403 with no further processing.
type Handler struct {
	secret    []byte
	channel   string
	bus       *bus.Bus
	send      SendFunc
	templates map[string]string
	now       func() time.Time
}

// defaultTemplates substitute {user} and {bits}.
var defaultTemplates = map[string]string{
	TypeFollow:    "Welcome {user}, thanks for the follow! 🎉",
	TypeSubscribe: "{user} just subscribed! Much appreciated 💪",
	TypeCheer:     "{user} cheered {bits} bits! 🔥",
}

// NewHandler builds the webhook handler. send may be nil (no announcements).
func NewHandler(secret, channel string, b *bus.Bus, send SendFunc) *Handler {
	return &Handler{
		secret:    []byte(secret),
		channel:   channel,
		bus:       b,
		send:      send,
		templates: defaultTemplates,
		now:       time.Now,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if !h.verify(r.Header, body) {
		slog.Warn("eventsub signature verification failed")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	switch r.Header.Get(headerMessageType) {
	case messageTypeVerification:
		var challenge struct {
			Challenge string `json:"challenge"`
		}
		if err := json.Unmarshal(body, &challenge); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge.Challenge))
	case messageTypeNotification:
		h.handleNotification(body)
		w.WriteHeader(http.StatusNoContent)
	case messageTypeRevocation:
		slog.Warn("eventsub subscription revoked")
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// verify checks the HMAC-SHA256 over id + timestamp + body.
func (h *Handler) verify(hdr http.Header, body []byte) bool {
	if len(h.secret) == 0 {
		return false
	}
	sig := hdr.Get(headerMessageSignature)
	if !strings.HasPrefix(sig, "sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(hdr.Get(headerMessageID)))
	mac.Write([]byte(hdr.Get(headerMessageTimestamp)))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

func (h *Handler) handleNotification(body []byte) {
	var payload struct {
		Subscription struct {
			Type string `json:"type"`
		} `json:"subscription"`
		Event struct {
			UserName             string `json:"user_name"`
			BroadcasterUserLogin string `json:"broadcaster_user_login"`
			Bits                 int    `json:"bits"`
		} `json:"event"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Warn("eventsub notification decode failed", slog.Any("err", err))
		return
	}
	n := Notification{
		Type:     payload.Subscription.Type,
		UserName: payload.Event.UserName,
		Channel:  payload.Event.BroadcasterUserLogin,
		Bits:     payload.Event.Bits,
		At:       h.now(),
	}
	if n.Channel == "" {
		n.Channel = h.channel
	}
	telemetry.IncPlatformEvent(n.Type)
	slog.Info("platform event", slog.String("type", n.Type), slog.String("user", n.UserName))

	if tmpl, ok := h.templates[n.Type]; ok && h.send != nil {
		h.send(n.Channel, renderTemplate(tmpl, n))
	}
	if h.bus != nil {
		h.bus.Publish(bus.TopicPlatformEvent, n)
	}
}

func renderTemplate(tmpl string, n Notification) string {
	out := strings.ReplaceAll(tmpl, "{user}", n.UserName)
	out = strings.ReplaceAll(out, "{bits}", strconv.Itoa(n.Bits))
	return out
}
