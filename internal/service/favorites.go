package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-dashboard-api/internal/models"
	"github.com/kjstillabower/weather-dashboard-api/internal/observability"
	"github.com/kjstillabower/weather-dashboard-api/internal/store"
)

const (
	DefaultMaxFavorites    = 20
	DefaultConflictRetries = 3
)

var (
	ErrUserNotFound   = store.ErrUserNotFound
	ErrEntryNotFound  = errors.New("city not found in favorites")
	ErrDuplicateEntry = errors.New("city already in favorites")
	ErrLimitExceeded  = errors.New("favorite cities limit reached")
	ErrInvalidReorder = errors.New("invalid city IDs provided for reordering")
)

// FavoritesOptions configures the collection bound and conflict handling.
type FavoritesOptions struct {
	MaxFavorites    int // default 20
	ConflictRetries int // extra load-mutate-save attempts after a version conflict; default 3, negative disables
}

// FavoritesService maintains each user's ordered, bounded, duplicate-free list
// of saved cities. Every mutation loads the whole user document, changes it in
// memory and saves it back; a save based on a stale read is retried from the load.
type FavoritesService struct {
	store   store.UserStore
	max     int
	retries int
	now     func() time.Time
}

func NewFavoritesService(s store.UserStore, opts FavoritesOptions) *FavoritesService {
	if opts.MaxFavorites <= 0 {
		opts.MaxFavorites = DefaultMaxFavorites
	}
	if opts.ConflictRetries == 0 {
		opts.ConflictRetries = DefaultConflictRetries
	}
	if opts.ConflictRetries < 0 {
		opts.ConflictRetries = 0
	}
	return &FavoritesService{store: s, max: opts.MaxFavorites, retries: opts.ConflictRetries, now: time.Now}
}

// MaxFavorites returns the configured collection bound.
func (s *FavoritesService) MaxFavorites() int { return s.max }

// List returns the user's favorites in stored order. Never nil.
func (s *FavoritesService) List(ctx context.Context, userID string) ([]models.FavoriteCity, error) {
	u, err := s.store.Load(ctx, userID)
	s.record("list", err)
	if err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	out := make([]models.FavoriteCity, len(u.Favorites))
	copy(out, u.Favorites)
	return out, nil
}

// Add appends city with AddedAt set to now. The limit is checked before
// duplicates, so a full collection reports ErrLimitExceeded even for a city it holds.
func (s *FavoritesService) Add(ctx context.Context, userID string, city models.FavoriteInput) (*models.User, error) {
	if city.Lat == nil || city.Lon == nil {
		return nil, fmt.Errorf("add favorite %s: coordinates required", city.ID)
	}
	return s.mutate(ctx, "add", userID, func(u *models.User) error {
		if len(u.Favorites) >= s.max {
			return fmt.Errorf("%w: maximum of %d favorite cities allowed", ErrLimitExceeded, s.max)
		}
		for _, f := range u.Favorites {
			if f.ID == city.ID {
				return fmt.Errorf("%w: %s", ErrDuplicateEntry, city.ID)
			}
		}
		u.Favorites = append(u.Favorites, models.FavoriteCity{
			ID:      city.ID,
			Name:    city.Name,
			Country: city.Country,
			State:   city.State,
			Lat:     *city.Lat,
			Lon:     *city.Lon,
			AddedAt: s.now().UTC(),
		})
		return nil
	})
}

// Remove excises the entry with cityID, keeping the order of the rest.
func (s *FavoritesService) Remove(ctx context.Context, userID, cityID string) (*models.User, error) {
	return s.mutate(ctx, "remove", userID, func(u *models.User) error {
		for i, f := range u.Favorites {
			if f.ID == cityID {
				u.Favorites = append(u.Favorites[:i:i], u.Favorites[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrEntryNotFound, cityID)
	})
}

// Reorder sets the order to cityIDs, which must name every stored id exactly once.
func (s *FavoritesService) Reorder(ctx context.Context, userID string, cityIDs []string) (*models.User, error) {
	return s.mutate(ctx, "reorder", userID, func(u *models.User) error {
		if len(cityIDs) != len(u.Favorites) {
			return fmt.Errorf("%w: got %d ids for %d favorites", ErrInvalidReorder, len(cityIDs), len(u.Favorites))
		}
		byID := make(map[string]models.FavoriteCity, len(u.Favorites))
		for _, f := range u.Favorites {
			byID[f.ID] = f
		}
		reordered := make([]models.FavoriteCity, 0, len(cityIDs))
		for _, id := range cityIDs {
			f, ok := byID[id]
			if !ok {
				return fmt.Errorf("%w: unknown or repeated id %q", ErrInvalidReorder, id)
			}
			delete(byID, id)
			reordered = append(reordered, f)
		}
		u.Favorites = reordered
		return nil
	})
}

// Clear empties the collection.
func (s *FavoritesService) Clear(ctx context.Context, userID string) (*models.User, error) {
	return s.mutate(ctx, "clear", userID, func(u *models.User) error {
		u.Favorites = []models.FavoriteCity{}
		return nil
	})
}

// mutate runs load, apply, save. A version conflict restarts the cycle from a
// fresh load up to s.retries times; errors from apply are returned unchanged.
func (s *FavoritesService) mutate(ctx context.Context, op, userID string, apply func(*models.User) error) (*models.User, error) {
	logger := observability.LoggerFromContext(ctx)
	for attempt := 0; ; attempt++ {
		u, err := s.store.Load(ctx, userID)
		if err != nil {
			s.record(op, err)
			return nil, fmt.Errorf("%s favorite: %w", op, err)
		}
		if err := apply(u); err != nil {
			s.record(op, err)
			return nil, err
		}
		err = s.store.Save(ctx, u)
		if err == nil {
			s.record(op, nil)
			return u, nil
		}
		if errors.Is(err, store.ErrConflict) && attempt < s.retries {
			observability.FavoritesConflictRetriesTotal.Inc()
			logger.Debug("favorites save conflict, retrying", zap.String("op", op), zap.Int("attempt", attempt+1))
			continue
		}
		s.record(op, err)
		return nil, fmt.Errorf("%s favorite: %w", op, err)
	}
}

func (s *FavoritesService) record(op string, err error) {
	observability.FavoritesOperationsTotal.WithLabelValues(op, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrEntryNotFound):
		return "entry_not_found"
	case errors.Is(err, ErrDuplicateEntry):
		return "duplicate"
	case errors.Is(err, ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ErrInvalidReorder):
		return "invalid_reorder"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
