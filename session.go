package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// User is the caller-visible identity resolved from the identity endpoint.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// Session is derived state, never stored: authenticated iff the store holds a
// credential that is currently valid or was just refreshed.
type Session struct {
	Authenticated bool
	User          *User
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

type loginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Login performs the login exchange, stores the returned credential, and
// resolves the identity resource. On any failure the credential store is left
// untouched.
func (c *Client) Login(ctx context.Context, identifier, secret string) (*Session, error) {
	payload, err := json.Marshal(loginRequest{Identifier: identifier, Secret: secret})
	if err != nil {
		return nil, fmt.Errorf("apiclient: encode login request: %w", err)
	}

	status, body, err := c.bare(ctx, http.MethodPost, loginPath, payload, "")
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		rejected := serverRejectedError(status, body)
		return nil, &Error{Kind: KindInvalidCredentials, Message: rejected.Message, StatusCode: status}
	case status < 200 || status >= 300:
		return nil, serverRejectedError(status, body)
	}

	unwrapped, err := unwrapEnvelope(body)
	if err != nil {
		return nil, err
	}
	var issued loginResponse
	if err := json.Unmarshal(unwrapped, &issued); err != nil {
		return nil, wrapError(KindMalformedResponse, "login response is not a token grant", err)
	}
	if issued.AccessToken == "" {
		return nil, newError(KindMalformedResponse, "login response missing access token")
	}

	// Resolve the identity with the granted token before anything is stored,
	// so a failed login never leaves a partial session behind.
	user, err := c.identityWithToken(ctx, issued.AccessToken)
	if err != nil {
		return nil, err
	}

	cred := &Credential{
		AccessToken:  issued.AccessToken,
		RefreshToken: issued.RefreshToken,
		IssuedAt:     time.Now(),
	}
	if err := c.store.Set(cred); err != nil {
		return nil, fmt.Errorf("apiclient: store credential: %w", err)
	}
	c.logger.Info("session established", "subject", userSubject(user))
	return &Session{Authenticated: true, User: user}, nil
}

// Logout best-effort notifies the server, then unconditionally clears the
// credential store and publishes a logout event, even when the notification
// fails.
func (c *Client) Logout(ctx context.Context) error {
	cred, err := c.store.Get()
	if err != nil {
		c.logger.Warn("credential store read failed during logout", "err", err)
	}

	subject := ""
	if cred != nil && cred.AccessToken != "" {
		if claims, decodeErr := DecodeToken(cred.AccessToken); decodeErr == nil {
			subject = claims.Subject
		}
		if status, _, notifyErr := c.bare(ctx, http.MethodPost, logoutPath, nil, "Bearer "+cred.AccessToken); notifyErr != nil {
			c.logger.Warn("logout notification failed", "err", notifyErr)
		} else if status < 200 || status >= 300 {
			c.logger.Warn("logout notification rejected", "status", status)
		}
	}

	if err := c.store.Clear(); err != nil {
		return fmt.Errorf("apiclient: clear credential store: %w", err)
	}
	c.logger.Info("session ended", "subject", subject)
	publishAuthEvent(ctx, c.publisher, c.logger, ReasonLogout, subject)
	return nil
}

// Bootstrap resumes a previous session at process start. An absent or
// unrecoverable credential yields an unauthenticated session without error;
// absence of a session is not a failure.
func (c *Client) Bootstrap(ctx context.Context) (*Session, error) {
	cred, err := c.store.Get()
	if err != nil {
		return nil, fmt.Errorf("apiclient: credential store: %w", err)
	}
	if cred == nil || cred.AccessToken == "" {
		return &Session{}, nil
	}

	if _, err := c.refresher.EnsureFresh(ctx); err != nil {
		if IsKind(err, KindAuthenticationExpired) {
			return &Session{}, nil
		}
		return nil, err
	}

	user, err := c.fetchIdentity(ctx)
	if err != nil {
		if IsKind(err, KindAuthenticationExpired) {
			return &Session{}, nil
		}
		return nil, err
	}
	return &Session{Authenticated: true, User: user}, nil
}

// fetchIdentity resolves /users/me through the full request pipeline.
func (c *Client) fetchIdentity(ctx context.Context) (*User, error) {
	raw, err := c.Request(ctx, http.MethodGet, identityPath, nil)
	if err != nil {
		return nil, err
	}
	return parseIdentityPayload(raw)
}

// identityWithToken resolves /users/me with an explicit token, outside the
// session pipeline. Used during login, before the credential is stored.
func (c *Client) identityWithToken(ctx context.Context, accessToken string) (*User, error) {
	status, body, err := c.bare(ctx, http.MethodGet, identityPath, nil, "Bearer "+accessToken)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, serverRejectedError(status, body)
	}
	raw, err := unwrapEnvelope(body)
	if err != nil {
		return nil, err
	}
	return parseIdentityPayload(raw)
}

// parseIdentityPayload tolerates both {"user": {...}} and a bare user object.
func parseIdentityPayload(raw json.RawMessage) (*User, error) {
	if len(raw) == 0 {
		return nil, newError(KindMalformedResponse, "identity response is empty")
	}
	var wrapped struct {
		User *User `json:"user"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.User != nil {
		return wrapped.User, nil
	}
	var user User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, wrapError(KindMalformedResponse, "identity response is not a user", err)
	}
	if user == (User{}) {
		return nil, newError(KindMalformedResponse, "identity response missing user")
	}
	return &user, nil
}

func userSubject(user *User) string {
	if user == nil {
		return ""
	}
	return user.ID
}
