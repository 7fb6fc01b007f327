package apiclient

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// TokenSource adapts the client's managed credential to oauth2.TokenSource,
// so libraries that speak OAuth2 (or oauth2.NewClient) can ride the same
// refresh coordination. The returned source never refreshes on its own; it
// delegates to EnsureFresh, preserving single-flight semantics.
func (c *Client) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, client: c}
}

type tokenSource struct {
	ctx    context.Context
	client *Client
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	cred, err := ts.client.EnsureFresh(ts.ctx)
	if err != nil {
		return nil, err
	}
	token := &oauth2.Token{
		AccessToken: cred.AccessToken,
		TokenType:   "Bearer",
	}
	if claims, err := DecodeToken(cred.AccessToken); err == nil && claims.ExpiresAt > 0 {
		token.Expiry = time.Unix(claims.ExpiresAt, 0)
	}
	return token, nil
}
