// Package store persists per-user documents. Every backend saves the whole
// document and rejects writes based on a stale read.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kjstillabower/weather-dashboard-api/internal/models"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
	// ErrConflict means the document changed since it was loaded.
	ErrConflict = errors.New("user document modified concurrently")
)

// UserStore is the document port used by the favorites service.
type UserStore interface {
	// Load returns the current document including its Version.
	Load(ctx context.Context, userID string) (*models.User, error)
	// Save replaces the whole document if its Version still matches the stored
	// one, then increments u.Version and sets u.UpdatedAt.
	Save(ctx context.Context, u *models.User) error
	// Create inserts a new document with Version 1.
	Create(ctx context.Context, u *models.User) error
}

// MemoryStore implements UserStore in process memory. Safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	now   func() time.Time
	users map[string]*models.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, users: make(map[string]*models.User)}
}

func (s *MemoryStore) Load(ctx context.Context, userID string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, u *models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.users[u.ID]
	if !ok {
		return ErrUserNotFound
	}
	if cur.Version != u.Version {
		return ErrConflict
	}
	u.Version++
	u.UpdatedAt = s.now().UTC()
	s.users[u.ID] = u.Clone()
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, u *models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return ErrUserExists
	}
	now := s.now().UTC()
	u.Version = 1
	u.CreatedAt = now
	u.UpdatedAt = now
	if u.Favorites == nil {
		u.Favorites = []models.FavoriteCity{}
	}
	s.users[u.ID] = u.Clone()
	return nil
}
