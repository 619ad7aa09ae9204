package eventsub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/veilstream/hypebot/bus"
)

const testSecret = "s3cret"

func sign(t *testing.T, secret, id, timestamp, body string) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(id))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func request(t *testing.T, h http.Handler, msgType, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/eventsub", strings.NewReader(body))
	req.Header.Set(headerMessageID, "msg-1")
	req.Header.Set(headerMessageTimestamp, "2025-06-01T12:00:00Z")
	req.Header.Set(headerMessageType, msgType)
	req.Header.Set(headerMessageSignature, signature)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChallengeHandshake(t *testing.T) {
	h := NewHandler(testSecret, "somechannel", nil, nil)
	body := `{"challenge":"pong-12345","subscription":{"type":"channel.follow"}}`
	sig := sign(t, testSecret, "msg-1", "2025-06-01T12:00:00Z", body)

	rec := request(t, h, messageTypeVerification, body, sig)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "pong-12345" {
		t.Fatalf("body = %q, want raw challenge", got)
	}
}

func TestBadSignatureRejected(t *testing.T) {
	h := NewHandler(testSecret, "somechannel", nil, nil)
	body := `{"challenge":"x"}`
	sig := sign(t, "wrong-secret", "msg-1", "2025-06-01T12:00:00Z", body)

	rec := request(t, h, messageTypeVerification, body, sig)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestMissingSignatureRejected(t *testing.T) {
	h := NewHandler(testSecret, "somechannel", nil, nil)
	rec := request(t, h, messageTypeNotification, `{}`, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestNotificationAnnouncesAndPublishes(t *testing.T) {
	b := bus.New()
	var published []Notification
	b.Subscribe(bus.TopicPlatformEvent, func(data any) {
		if n, ok := data.(Notification); ok {
			published = append(published, n)
		}
	})
	var sentChannel, sentText string
	send := func(channel, text string) { sentChannel, sentText = channel, text }

	h := NewHandler(testSecret, "somechannel", b, send)
	body := `{
		"subscription": {"type": "channel.cheer"},
		"event": {"user_name": "GenerousViewer", "broadcaster_user_login": "somechannel", "bits": 500}
	}`
	sig := sign(t, testSecret, "msg-1", "2025-06-01T12:00:00Z", body)

	rec := request(t, h, messageTypeNotification, body, sig)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if len(published) != 1 {
		t.Fatalf("published %d notifications, want 1", len(published))
	}
	n := published[0]
	if n.Type != TypeCheer || n.UserName != "GenerousViewer" || n.Bits != 500 {
		t.Fatalf("notification = %+v", n)
	}
	if sentChannel != "somechannel" {
		t.Fatalf("announcement channel = %q", sentChannel)
	}
	if !strings.Contains(sentText, "GenerousViewer") || !strings.Contains(sentText, "500") {
		t.Fatalf("announcement = %q, want user and bits substituted", sentText)
	}
}

func TestFollowTemplate(t *testing.T) {
	var sentText string
	h := NewHandler(testSecret, "somechannel", nil, func(_, text string) { sentText = text })
	body := `{
		"subscription": {"type": "channel.follow"},
		"event": {"user_name": "NewFriend", "broadcaster_user_login": "somechannel"}
	}`
	sig := sign(t, testSecret, "msg-1", "2025-06-01T12:00:00Z", body)

	request(t, h, messageTypeNotification, body, sig)
	if !strings.Contains(sentText, "NewFriend") {
		t.Fatalf("greeting = %q, want follower name substituted", sentText)
	}
}

func TestUnknownTypeIgnoredQuietly(t *testing.T) {
	var sent bool
	h := NewHandler(testSecret, "somechannel", nil, func(_, _ string) { sent = true })
	body := `{"subscription": {"type": "channel.raid"}, "event": {"user_name": "Raider"}}`
	sig := sign(t, testSecret, "msg-1", "2025-06-01T12:00:00Z", body)

	rec := request(t, h, messageTypeNotification, body, sig)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if sent {
		t.Fatal("unknown subscription type should not announce")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := NewHandler(testSecret, "somechannel", nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/webhooks/eventsub", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
