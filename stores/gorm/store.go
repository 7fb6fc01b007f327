// Package gorm provides a database-backed credential store for daemon
// deployments where several workers share one session against the admin API.
// The caller opens the *gorm.DB with whatever driver fits; this package never
// imports one.
package gorm

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bskmt/apiclient"
)

// CredentialModel is the table row holding one server's credential.
type CredentialModel struct {
	ServerURL    string    `gorm:"primaryKey;column:server_url"`
	AccessToken  string    `gorm:"column:access_token"`
	RefreshToken string    `gorm:"column:refresh_token"`
	IssuedAt     time.Time `gorm:"column:issued_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

// TableName sets the table name for CredentialModel.
func (CredentialModel) TableName() string {
	return "api_credentials"
}

// AutoMigrate creates or updates the credential table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&CredentialModel{})
}

// Store implements apiclient.CredentialStore over a gorm connection. Reads
// and writes are single-row statements keyed by server URL, so they are
// atomic at the row level.
type Store struct {
	db     *gorm.DB
	server string
}

var _ apiclient.CredentialStore = (*Store)(nil)

// NewStore creates a store for serverURL on an already-opened connection.
func NewStore(db *gorm.DB, serverURL string) *Store {
	return &Store{db: db, server: serverURL}
}

// Get retrieves the stored credential
func (s *Store) Get() (*apiclient.Credential, error) {
	var model CredentialModel
	err := s.db.First(&model, "server_url = ?", s.server).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gorm: read credential: %w", err)
	}
	return &apiclient.Credential{
		AccessToken:  model.AccessToken,
		RefreshToken: model.RefreshToken,
		IssuedAt:     model.IssuedAt,
	}, nil
}

// Set stores a credential
func (s *Store) Set(cred *apiclient.Credential) error {
	model := CredentialModel{
		ServerURL:    s.server,
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		IssuedAt:     cred.IssuedAt,
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "server_url"}},
		UpdateAll: true,
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("gorm: write credential: %w", err)
	}
	return nil
}

// Clear removes the stored credential
func (s *Store) Clear() error {
	err := s.db.Delete(&CredentialModel{}, "server_url = ?", s.server).Error
	if err != nil {
		return fmt.Errorf("gorm: delete credential: %w", err)
	}
	return nil
}
