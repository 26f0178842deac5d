package session

import (
	"errors"
	"fmt"
	"log"

	"gorm.io/gorm"

	"sublink-admin/internal/crypto"
	"sublink-admin/internal/models"
)

// TokenStore persists session and remember tokens across restarts.
// Abstracted so tests can run without a keychain daemon.
type TokenStore interface {
	StoreSession(token string) error
	LoadSession() (string, error)
	ClearSession() error

	StoreRemember(token string) error
	LoadRemember() (string, error)
	ClearRemember() error
}

// PersistentTokenStore keeps the session token in the system keychain and the
// remember token sealed in the preferences table. The remember token is
// long-lived, so it never touches disk in the clear.
type PersistentTokenStore struct {
	db *gorm.DB
}

// NewPersistentTokenStore creates the production token store.
func NewPersistentTokenStore(db *gorm.DB) *PersistentTokenStore {
	return &PersistentTokenStore{db: db}
}

func (p *PersistentTokenStore) StoreSession(token string) error {
	return crypto.StoreSessionToken(token)
}

func (p *PersistentTokenStore) LoadSession() (string, error) {
	return crypto.LoadSessionToken()
}

func (p *PersistentTokenStore) ClearSession() error {
	return crypto.ClearSessionToken()
}

func (p *PersistentTokenStore) StoreRemember(token string) error {
	sealed, err := crypto.SealToken(token)
	if err != nil {
		return fmt.Errorf("failed to seal remember token: %w", err)
	}

	pref := models.Preference{Key: models.PrefRememberToken, Value: sealed}
	if err := p.db.Save(&pref).Error; err != nil {
		return fmt.Errorf("failed to persist remember token: %w", err)
	}
	return nil
}

func (p *PersistentTokenStore) LoadRemember() (string, error) {
	var pref models.Preference
	err := p.db.First(&pref, "key = ?", models.PrefRememberToken).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load remember token: %w", err)
	}

	token, err := crypto.OpenToken(pref.Value)
	if err != nil {
		// Sealing key rotated or record corrupted: treat as absent and
		// drop the unusable record.
		log.Printf("session: discarding unreadable remember token: %v", err)
		if delErr := p.ClearRemember(); delErr != nil {
			log.Printf("session: failed to drop remember token: %v", delErr)
		}
		return "", nil
	}
	return token, nil
}

func (p *PersistentTokenStore) ClearRemember() error {
	return p.db.Delete(&models.Preference{}, "key = ?", models.PrefRememberToken).Error
}
