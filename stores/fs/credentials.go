// Package fs provides a file-backed credential store: the Go counterpart of
// the browser console's origin-scoped storage. Credentials survive process
// restarts and are removed on logout.
package fs

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/bskmt/apiclient"
)

// Store persists the credential for one server inside a shared JSON file.
// The file keeps a section per server so one config dir can hold credentials
// for several environments. Reads and writes go to disk on every call, so
// concurrent processes observe each other's logins and logouts; in-process
// calls are serialized by a mutex and files are replaced atomically, so a
// reader never sees a torn credential.
type Store struct {
	mu     sync.Mutex
	path   string
	server string
}

var _ apiclient.CredentialStore = (*Store)(nil)

// credentialFile is the JSON structure stored on disk.
type credentialFile struct {
	Servers map[string]*apiclient.Credential `json:"servers"`
}

// New creates a store for serverURL. If path is empty it defaults to
// ~/.config/bskmt/credentials.json (per os.UserConfigDir).
func New(path, serverURL string) (*Store, error) {
	server, err := normalizeURL(serverURL)
	if err != nil {
		return nil, err
	}
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("fs: could not determine config directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
		path = filepath.Join(configDir, "bskmt", "credentials.json")
	}
	return &Store{path: path, server: server}, nil
}

// Get retrieves the stored credential
func (s *Store) Get() (*apiclient.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return nil, err
	}
	return file.Servers[s.server].Clone(), nil
}

// Set stores a credential
func (s *Store) Set(cred *apiclient.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return err
	}
	file.Servers[s.server] = cred.Clone()
	return s.save(file)
}

// Clear removes the stored credential
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := file.Servers[s.server]; !ok {
		return nil
	}
	delete(file.Servers, s.server)
	return s.save(file)
}

func (s *Store) load() (*credentialFile, error) {
	file := &credentialFile{Servers: make(map[string]*apiclient.Credential)}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return file, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fs: read credentials file: %w", err)
	}
	if err := json.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("fs: parse credentials file: %w", err)
	}
	if file.Servers == nil {
		file.Servers = make(map[string]*apiclient.Credential)
	}
	return file, nil
}

// save writes via a temp file and rename so a concurrent reader never sees a
// partial file.
func (s *Store) save(file *credentialFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("fs: create config directory: %w", err)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("fs: encode credentials: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".credentials-*.json")
	if err != nil {
		return fmt.Errorf("fs: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fs: write credentials: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fs: set credentials file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("fs: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("fs: replace credentials file: %w", err)
	}
	return nil
}

// normalizeURL normalizes a server URL for use as a section key.
func normalizeURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("fs: invalid server URL: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	if u.Host == "" {
		return "", fmt.Errorf("fs: server URL %q has no host", serverURL)
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host), nil
}
