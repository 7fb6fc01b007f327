package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingPublisher captures published auth events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []AuthEvent
}

func (p *recordingPublisher) PublishAuthEvent(ctx context.Context, event AuthEvent) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Events() []AuthEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]AuthEvent(nil), p.events...)
}

func newTestClient(t *testing.T, baseURL string, opts ...Option) *Client {
	t.Helper()
	client, err := New(baseURL, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return client
}

func seedCredential(t *testing.T, store CredentialStore, accessToken, refreshToken string) {
	t.Helper()
	err := store.Set(&Credential{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		IssuedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("seed credential: %v", err)
	}
}

func TestEnsureFresh_ValidTokenNoNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
	}))
	defer srv.Close()

	store := NewMemoryCredentialStore()
	valid := makeToken(t, map[string]any{"exp": time.Now().Add(time.Hour).Unix(), "sub": "u1"})
	seedCredential(t, store, valid, "refresh-1")

	client := newTestClient(t, srv.URL, WithCredentialStore(store))
	cred, err := client.EnsureFresh(context.Background())
	if err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if cred.AccessToken != valid {
		t.Errorf("EnsureFresh() returned a different credential")
	}
}

func TestEnsureFresh_NotAuthenticated(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:1")
	_, err := client.EnsureFresh(context.Background())
	if !IsKind(err, KindAuthenticationExpired) {
		t.Errorf("kind = %v, want %v", KindOf(err), KindAuthenticationExpired)
	}
}

// The single-flight property: N concurrent callers observing an expired
// token produce exactly one refresh exchange, and every caller resolves with
// the identical new credential.
func TestEnsureFresh_SingleFlight(t *testing.T) {
	newAccess := makeToken(t, map[string]any{"exp": time.Now().Add(time.Hour).Unix(), "sub": "u1"})

	var refreshCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/refresh-token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer old-refresh" {
			t.Errorf("refresh presented %q", got)
		}
		atomic.AddInt32(&refreshCalls, 1)
		time.Sleep(50 * time.Millisecond) // hold the flight open so callers pile up
		fmt.Fprintf(w, `{"status":"success","data":{"accessToken":%q,"refreshToken":"new-refresh"}}`, newAccess)
	}))
	defer srv.Close()

	store := NewMemoryCredentialStore()
	expired := makeToken(t, map[string]any{"exp": time.Now().Add(-time.Hour).Unix(), "sub": "u1"})
	seedCredential(t, store, expired, "old-refresh")

	client := newTestClient(t, srv.URL, WithCredentialStore(store))

	const callers = 32
	results := make([]*Credential, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = client.EnsureFresh(context.Background())
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&refreshCalls); got != 1 {
		t.Fatalf("refresh exchanges = %d, want 1", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
		if results[i].AccessToken != newAccess {
			t.Errorf("caller %d got a stale credential", i)
		}
	}

	stored, _ := store.Get()
	if stored.AccessToken != newAccess || stored.RefreshToken != "new-refresh" {
		t.Errorf("store not updated: %+v", stored)
	}
}

// Forced refresh exchanges even when the stored token is still valid.
func TestRefresh_ForcedWithValidToken(t *testing.T) {
	newAccess := makeToken(t, map[string]any{"exp": time.Now().Add(2 * time.Hour).Unix()})
	var refreshCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		fmt.Fprintf(w, `{"accessToken":%q,"refreshToken":"r2"}`, newAccess)
	}))
	defer srv.Close()

	store := NewMemoryCredentialStore()
	valid := makeToken(t, map[string]any{"exp": time.Now().Add(time.Hour).Unix()})
	seedCredential(t, store, valid, "r1")

	client := newTestClient(t, srv.URL, WithCredentialStore(store))
	cred, err := client.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if cred.AccessToken != newAccess {
		t.Error("forced refresh did not rotate the access token")
	}
	if atomic.LoadInt32(&refreshCalls) != 1 {
		t.Errorf("refresh calls = %d, want 1", refreshCalls)
	}
}

func TestRefresh_RejectedClearsStoreAndPublishes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"status":"error","message":"refresh token revoked"}`)
	}))
	defer srv.Close()

	store := NewMemoryCredentialStore()
	expired := makeToken(t, map[string]any{"exp": time.Now().Add(-time.Hour).Unix(), "sub": "u1"})
	seedCredential(t, store, expired, "revoked-refresh")

	pub := &recordingPublisher{}
	client := newTestClient(t, srv.URL, WithCredentialStore(store), WithEventPublisher(pub))

	_, err := client.EnsureFresh(context.Background())
	if !IsKind(err, KindAuthenticationExpired) {
		t.Fatalf("kind = %v, want %v", KindOf(err), KindAuthenticationExpired)
	}

	if cred, _ := store.Get(); cred != nil {
		t.Error("store not cleared after rejected refresh")
	}
	events := pub.Events()
	if len(events) != 1 || events[0].Reason != ReasonExpired || events[0].Subject != "u1" {
		t.Errorf("events = %+v, want one expiry event for u1", events)
	}
}

func TestRefresh_NetworkFailureKeepsStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refresh target is unreachable

	store := NewMemoryCredentialStore()
	expired := makeToken(t, map[string]any{"exp": time.Now().Add(-time.Hour).Unix()})
	seedCredential(t, store, expired, "refresh-1")

	client := newTestClient(t, srv.URL, WithCredentialStore(store))
	_, err := client.EnsureFresh(context.Background())
	if !IsKind(err, KindNetworkUnavailable) {
		t.Fatalf("kind = %v, want %v", KindOf(err), KindNetworkUnavailable)
	}
	if cred, _ := store.Get(); cred == nil {
		t.Error("store cleared on a network failure; session should stay recoverable")
	}
}

func TestRefresh_ServerErrorKeepsStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewMemoryCredentialStore()
	expired := makeToken(t, map[string]any{"exp": time.Now().Add(-time.Hour).Unix()})
	seedCredential(t, store, expired, "refresh-1")

	client := newTestClient(t, srv.URL, WithCredentialStore(store))
	_, err := client.EnsureFresh(context.Background())
	if !IsKind(err, KindServerRejected) {
		t.Fatalf("kind = %v, want %v", KindOf(err), KindServerRejected)
	}
	if cred, _ := store.Get(); cred == nil {
		t.Error("store cleared on a server error")
	}
}

func TestRefresh_KeepsOldRefreshTokenWhenNotRotated(t *testing.T) {
	newAccess := makeToken(t, map[string]any{"exp": time.Now().Add(time.Hour).Unix()})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"accessToken":%q}`, newAccess)
	}))
	defer srv.Close()

	store := NewMemoryCredentialStore()
	expired := makeToken(t, map[string]any{"exp": time.Now().Add(-time.Hour).Unix()})
	seedCredential(t, store, expired, "keep-me")

	client := newTestClient(t, srv.URL, WithCredentialStore(store))
	cred, err := client.EnsureFresh(context.Background())
	if err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if cred.RefreshToken != "keep-me" {
		t.Errorf("RefreshToken = %q, want keep-me", cred.RefreshToken)
	}
}

func TestRefresh_MissingRefreshTokenEndsSession(t *testing.T) {
	store := NewMemoryCredentialStore()
	expired := makeToken(t, map[string]any{"exp": time.Now().Add(-time.Hour).Unix(), "sub": "u9"})
	seedCredential(t, store, expired, "")

	pub := &recordingPublisher{}
	client := newTestClient(t, "http://127.0.0.1:1", WithCredentialStore(store), WithEventPublisher(pub))

	_, err := client.EnsureFresh(context.Background())
	if !IsKind(err, KindAuthenticationExpired) {
		t.Fatalf("kind = %v, want %v", KindOf(err), KindAuthenticationExpired)
	}
	if cred, _ := store.Get(); cred != nil {
		t.Error("store not cleared")
	}
	if events := pub.Events(); len(events) != 1 || events[0].Subject != "u9" {
		t.Errorf("events = %+v", events)
	}
}

// A caller that gives up must not abort the shared exchange: the flight
// completes and later callers see its result.
func TestRefresh_CancelledCallerDoesNotAbortFlight(t *testing.T) {
	newAccess := makeToken(t, map[string]any{"exp": time.Now().Add(time.Hour).Unix()})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		fmt.Fprintf(w, `{"accessToken":%q,"refreshToken":"r2"}`, newAccess)
	}))
	defer srv.Close()

	store := NewMemoryCredentialStore()
	expired := makeToken(t, map[string]any{"exp": time.Now().Add(-time.Hour).Unix()})
	seedCredential(t, store, expired, "r1")

	client := newTestClient(t, srv.URL, WithCredentialStore(store))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.EnsureFresh(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}

	// The abandoned flight still lands.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cred, _ := store.Get(); cred != nil && cred.AccessToken == newAccess {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("abandoned refresh flight never completed")
}

func TestRefresh_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","data":{}}`)
	}))
	defer srv.Close()

	store := NewMemoryCredentialStore()
	expired := makeToken(t, map[string]any{"exp": time.Now().Add(-time.Hour).Unix()})
	seedCredential(t, store, expired, "r1")

	client := newTestClient(t, srv.URL, WithCredentialStore(store))
	_, err := client.EnsureFresh(context.Background())
	if !IsKind(err, KindMalformedResponse) {
		t.Errorf("kind = %v, want %v", KindOf(err), KindMalformedResponse)
	}
}
