package apiclient

import (
	"sync"
	"time"
)

// Credential holds the token pair issued by the admin API for one session.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
}

// HasRefreshToken returns true if a refresh token is available
func (c *Credential) HasRefreshToken() bool {
	return c.RefreshToken != ""
}

// Clone returns a copy so callers can never mutate a stored credential.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	dup := *c
	return &dup
}

// CredentialStore defines the interface for persisting the session credential.
// Implementations must be safe for concurrent use from multiple request flows;
// Get must never return a torn value while a Set is in progress.
type CredentialStore interface {
	// Get retrieves the stored credential.
	// Returns nil, nil if no credential is stored.
	Get() (*Credential, error)

	// Set stores a credential, replacing any previous one.
	Set(cred *Credential) error

	// Clear removes the stored credential. Clearing an empty store is a no-op.
	Clear() error
}

// MemoryCredentialStore is an in-process CredentialStore. It is the default
// store for a new Client and is suitable for tests and short-lived processes;
// use the stores/fs, stores/keyring or stores/gorm packages for credentials
// that must survive restarts.
type MemoryCredentialStore struct {
	mu   sync.RWMutex
	cred *Credential
}

// NewMemoryCredentialStore creates an empty in-memory store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{}
}

// Get retrieves the stored credential
func (s *MemoryCredentialStore) Get() (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred.Clone(), nil
}

// Set stores a credential
func (s *MemoryCredentialStore) Set(cred *Credential) error {
	s.mu.Lock()
	s.cred = cred.Clone()
	s.mu.Unlock()
	return nil
}

// Clear removes the stored credential
func (s *MemoryCredentialStore) Clear() error {
	s.mu.Lock()
	s.cred = nil
	s.mu.Unlock()
	return nil
}
