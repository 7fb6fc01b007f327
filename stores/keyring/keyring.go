// Package keyring stores the credential in the operating system keychain
// (Keychain on macOS, Secret Service on Linux, Credential Manager on
// Windows), keeping token material out of plain files.
package keyring

import (
	"encoding/json"
	"fmt"

	gokeyring "github.com/zalando/go-keyring"

	"github.com/bskmt/apiclient"
)

// DefaultService is the keychain service name used when none is given.
const DefaultService = "bskmt-apiclient"

// Store keeps one keychain entry per (service, server) pair. The keychain
// itself serializes access, so the store needs no locking of its own.
type Store struct {
	service string
	server  string
}

var _ apiclient.CredentialStore = (*Store)(nil)

// New creates a store for serverURL under the given keychain service name.
// An empty service selects DefaultService.
func New(service, serverURL string) *Store {
	if service == "" {
		service = DefaultService
	}
	return &Store{service: service, server: serverURL}
}

// Get retrieves the stored credential
func (s *Store) Get() (*apiclient.Credential, error) {
	secret, err := gokeyring.Get(s.service, s.server)
	if err == gokeyring.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keyring: read credential: %w", err)
	}

	var cred apiclient.Credential
	if err := json.Unmarshal([]byte(secret), &cred); err != nil {
		return nil, fmt.Errorf("keyring: parse credential: %w", err)
	}
	return &cred, nil
}

// Set stores a credential
func (s *Store) Set(cred *apiclient.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("keyring: encode credential: %w", err)
	}
	if err := gokeyring.Set(s.service, s.server, string(data)); err != nil {
		return fmt.Errorf("keyring: write credential: %w", err)
	}
	return nil
}

// Clear removes the stored credential
func (s *Store) Clear() error {
	err := gokeyring.Delete(s.service, s.server)
	if err == gokeyring.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("keyring: delete credential: %w", err)
	}
	return nil
}
