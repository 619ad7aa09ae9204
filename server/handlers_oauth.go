package server

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	dbpkg "github.com/veilstream/hypebot/db"
	"github.com/veilstream/hypebot/twitchapi"
)

// HandleTwitchOAuthStart initiates the Twitch OAuth flow by redirecting to Twitch.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	oc, err := twitchapi.OAuthConfig(h.cfg.TwitchClientID, h.cfg.TwitchClientSecret, h.cfg.TwitchRedirectURI, h.cfg.TwitchScopes)
	if err != nil {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	// generate state
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	if err := h.addOAuthState(st, time.Now().Add(10*time.Minute)); err != nil {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	http.Redirect(w, r, oc.AuthCodeURL(st), http.StatusFound)
}

// HandleTwitchOAuthCallback handles the OAuth callback from Twitch and stores tokens.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	oc, err := twitchapi.OAuthConfig(h.cfg.TwitchClientID, h.cfg.TwitchClientSecret, h.cfg.TwitchRedirectURI, h.cfg.TwitchScopes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ctx := r.Context()
	tok, err := oc.Exchange(ctx, code)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	scope := strings.Join(oc.Scopes, " ")
	if h.db != nil {
		if err := dbpkg.UpsertOAuthToken(ctx, h.db, "twitch", tok.AccessToken, tok.RefreshToken, tok.Expiry, scope); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scopes": oc.Scopes, "expires_at": tok.Expiry})
}
