package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// UserTokenFunc returns a user-scoped OAuth token (clips:edit) for Helix
// calls that cannot run on an app token.
type UserTokenFunc func(ctx context.Context) (string, error)

// HelixClient provides the minimal Helix surface the bot needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	UserToken      UserTokenFunc
	ClientID       string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return "", err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.twitch.tv/helix/users", nil)
	q := req.URL.Query()
	q.Set("login", login)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// Stream is the live-status subset the bot consumes.
type Stream struct {
	Title     string
	GameName  string
	StartedAt time.Time
}

// GetStreams returns live streams for a login; empty means offline.
func (hc *HelixClient) GetStreams(ctx context.Context, login string) ([]Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return nil, err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.twitch.tv/helix/streams", nil)
	q := req.URL.Query()
	q.Set("user_login", login)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	var body struct {
		Data []struct {
			Title     string    `json:"title"`
			GameName  string    `json:"game_name"`
			StartedAt time.Time `json:"started_at"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	out := make([]Stream, 0, len(body.Data))
	for _, s := range body.Data {
		out = append(out, Stream{Title: s.Title, GameName: s.GameName, StartedAt: s.StartedAt})
	}
	return out, nil
}

// Clip is the handle returned by clip creation.
type Clip struct {
	ID      string
	EditURL string
	URL     string
}

// CreateClip asks Twitch to capture a clip of the broadcaster's live stream.
// Requires a user token with the clips:edit scope; app tokens are rejected.
func (hc *HelixClient) CreateClip(ctx context.Context, broadcasterID string) (Clip, error) {
	if broadcasterID == "" {
		return Clip{}, fmt.Errorf("broadcasterID empty")
	}
	if hc.UserToken == nil {
		return Clip{}, errors.New("no user token source configured")
	}
	tok, err := hc.UserToken(ctx)
	if err != nil {
		return Clip{}, fmt.Errorf("user token: %w", err)
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.twitch.tv/helix/clips", nil)
	q := req.URL.Query()
	q.Set("broadcaster_id", broadcasterID)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return Clip{}, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return Clip{}, fmt.Errorf("create clip failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []struct {
			ID      string `json:"id"`
			EditURL string `json:"edit_url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Clip{}, err
	}
	if len(body.Data) == 0 {
		return Clip{}, errors.New("empty clip response")
	}
	c := body.Data[0]
	return Clip{ID: c.ID, EditURL: c.EditURL, URL: "https://clips.twitch.tv/" + c.ID}, nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
