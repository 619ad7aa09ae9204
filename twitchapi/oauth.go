package twitchapi

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// OAuthConfig builds the oauth2 code-grant config for the Twitch user flow.
// The resulting user token (clips:edit) is what clip creation runs on.
func OAuthConfig(clientID, clientSecret, redirectURI, scopes string) (*oauth2.Config, error) {
	if clientID == "" || redirectURI == "" {
		return nil, errors.New("missing clientID or redirectURI")
	}
	var scopeList []string
	for _, s := range strings.Fields(strings.ReplaceAll(scopes, ",", " ")) {
		scopeList = append(scopeList, s)
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopeList,
		Endpoint:     endpoints.Twitch,
	}, nil
}

// RefreshUserToken exchanges a refresh token for a fresh user token.
func RefreshUserToken(ctx context.Context, cfg *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, errors.New("missing refresh token")
	}
	return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}
