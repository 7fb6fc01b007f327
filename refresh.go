package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"
)

// refresher owns the refresh protocol: at most one refresh exchange is in
// flight at a time, and every caller that observes an expired token while an
// exchange is running resolves with that exchange's outcome instead of
// issuing its own. It is the only component allowed to write the credential
// store on behalf of the pipeline.
type refresher struct {
	endpoint   string // absolute URL of the refresh-token endpoint
	store      CredentialStore
	httpClient *http.Client
	skew       time.Duration
	logger     *slog.Logger
	publisher  EventPublisher

	group singleflight.Group
}

// EnsureFresh returns the current credential, refreshing it first if its
// access token has expired. A valid credential is returned without any
// network round trip.
func (r *refresher) EnsureFresh(ctx context.Context) (*Credential, error) {
	cred, err := r.store.Get()
	if err != nil {
		return nil, fmt.Errorf("apiclient: credential store: %w", err)
	}
	if cred == nil || cred.AccessToken == "" {
		return nil, newError(KindAuthenticationExpired, "not authenticated")
	}
	if !tokenExpired(cred.AccessToken, time.Now(), r.skew) {
		return cred, nil
	}
	return r.Refresh(ctx)
}

// Refresh forces a refresh exchange, collapsing concurrent callers into one.
// A caller whose context is cancelled stops waiting, but the exchange itself
// runs to completion so the waiters that remain all observe its result.
func (r *refresher) Refresh(ctx context.Context) (*Credential, error) {
	ch := r.group.DoChan("refresh", func() (any, error) {
		return r.exchange()
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Credential), nil
	}
}

// exchange performs one refresh round trip. Runs outside any caller's
// context: its result is shared by every waiter.
func (r *refresher) exchange() (*Credential, error) {
	cred, err := r.store.Get()
	if err != nil {
		return nil, fmt.Errorf("apiclient: credential store: %w", err)
	}
	if cred == nil || !cred.HasRefreshToken() {
		r.expireSession(cred)
		return nil, newError(KindAuthenticationExpired, "no refresh token available")
	}

	req, err := http.NewRequest(http.MethodPost, r.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("apiclient: build refresh request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.RefreshToken)
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		// The session may still be recoverable; keep the store intact.
		return nil, wrapError(KindNetworkUnavailable, "refresh exchange did not reach the server", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, wrapError(KindNetworkUnavailable, "read refresh response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to parse
	case resp.StatusCode >= 500:
		// Server trouble, not a credential verdict.
		return nil, serverRejectedError(resp.StatusCode, body)
	default:
		// The refresh token was rejected. The session is over; never retry
		// the exchange.
		r.expireSession(cred)
		e := serverRejectedError(resp.StatusCode, body)
		return nil, &Error{Kind: KindAuthenticationExpired, Message: e.Message, StatusCode: resp.StatusCode}
	}

	payload, err := unwrapEnvelope(body)
	if err != nil {
		return nil, err
	}
	var issued struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(payload, &issued); err != nil {
		return nil, wrapError(KindMalformedResponse, "refresh response is not a token pair", err)
	}
	if issued.AccessToken == "" {
		return nil, newError(KindMalformedResponse, "refresh response missing access token")
	}

	next := &Credential{
		AccessToken:  issued.AccessToken,
		RefreshToken: issued.RefreshToken,
		IssuedAt:     time.Now(),
	}
	if next.RefreshToken == "" {
		// Server did not rotate; keep the old refresh token.
		next.RefreshToken = cred.RefreshToken
	}
	if err := r.store.Set(next); err != nil {
		return nil, fmt.Errorf("apiclient: store refreshed credential: %w", err)
	}
	r.logger.Debug("credential refreshed", "rotated", issued.RefreshToken != "")
	return next, nil
}

// expireSession tears the session down after an unrecoverable auth failure:
// the store is cleared and an expiry event is published.
func (r *refresher) expireSession(cred *Credential) {
	subject := ""
	if cred != nil {
		if claims, err := DecodeToken(cred.AccessToken); err == nil {
			subject = claims.Subject
		}
	}
	if err := r.store.Clear(); err != nil {
		r.logger.Warn("credential store clear failed", "err", err)
	}
	r.logger.Info("session expired", "subject", subject)
	publishAuthEvent(context.Background(), r.publisher, r.logger, ReasonExpired, subject)
}
