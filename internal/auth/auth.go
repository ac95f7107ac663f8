package auth

import (
	"errors"

	"shelfplay/internal/models"
	"shelfplay/internal/store"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Service authenticates local credentials against the user store.
type Service struct {
	store *store.Store
}

func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// Authenticate verifies a username/password pair and returns the user with
// their API token. Unknown users still pay the hash cost so login timing
// does not leak account existence.
func (s *Service) Authenticate(username, password string) (*models.User, error) {
	user, err := s.store.GetUserByUsername(username)
	hash := dummyHash
	if err == nil && user.PasswordHash != "" {
		hash = user.PasswordHash
	}

	ok, verr := VerifyPassword(password, hash)
	if verr != nil || !ok || err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// CreateUser validates and creates a local account.
func (s *Service) CreateUser(username, password string, isAdmin bool) (*models.User, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	return s.store.CreateUser(username, hash, isAdmin)
}
