// Package oauth keeps the stored Twitch user token (chat + clips:edit) fresh.
// A background loop wakes on a jittered interval and refreshes the token when
// its remaining lifetime falls inside the configured window.
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/veilstream/hypebot/db"
)

// RefreshFunc performs the provider-specific refresh and returns
// (access, refresh, expiry, scope).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// StartRefresher launches a goroutine that periodically checks the oauth token
// row for provider and refreshes it inside the expiry window. The loop exits
// with ctx.
func StartRefresher(ctx context.Context, dbx *sql.DB, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	go func() {
		// Spread instances apart on boot.
		//nolint:gosec // G404: scheduling jitter, not security
		initial := time.Duration(rand.Int63n(int64(interval / 2)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(initial):
		}
		for {
			//nolint:gosec // G404: scheduling jitter, not security
			jitter := time.Duration(rand.Int63n(int64(interval/5)*2) - int64(interval/5))
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval + jitter):
			}
			refreshOnce(ctx, dbx, provider, window, fn)
		}
	}()
}

func refreshOnce(ctx context.Context, dbx *sql.DB, provider string, window time.Duration, fn RefreshFunc) {
	_, refresh, expiry, scope, err := db.GetOAuthToken(ctx, dbx, provider)
	if err != nil || refresh == "" {
		return
	}
	if time.Until(expiry) > window {
		return
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	newAT, newRT, newExp, newScope, err := fn(ctx2, refresh)
	if err != nil {
		slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err))
		return
	}
	if newRT == "" {
		newRT = refresh
	}
	if newScope == "" {
		newScope = scope
	}
	if err := db.UpsertOAuthToken(ctx, dbx, provider, newAT, newRT, newExp, strings.TrimSpace(newScope)); err != nil {
		slog.Warn("token persist failed", slog.String("provider", provider), slog.Any("err", err))
		return
	}
	slog.Info("token refreshed", slog.String("provider", provider))
}
