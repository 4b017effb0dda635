package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver for goose
	"github.com/pressly/goose/v3"

	"github.com/kjstillabower/weather-dashboard-api/internal/models"
)

// PostgresOptions configures the connection pool. Zero values keep pgx defaults.
type PostgresOptions struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// PostgresStore implements UserStore with one row per user and favorites in a
// JSONB column. Save is a compare-and-swap on the version column.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and applies pending migrations.
func NewPostgresStore(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		poolCfg.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	db, err := goose.OpenDBWithDriver("pgx", opts.DSN)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open db for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := runMigrations(ctx, db, "postgres", "migrations/postgres"); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Load(ctx context.Context, userID string) (*models.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, email, favorites, version, created_at, updated_at
		FROM users WHERE id = $1`, userID)

	var (
		u         models.User
		favorites []byte
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &favorites, &u.Version, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("load user %s: %w", userID, ErrUserNotFound)
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	if err := json.Unmarshal(favorites, &u.Favorites); err != nil {
		return nil, fmt.Errorf("decode favorites for user %s: %w", userID, err)
	}
	return &u, nil
}

func (s *PostgresStore) Save(ctx context.Context, u *models.User) error {
	favorites, err := marshalFavorites(u.Favorites)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET name = $2, email = $3, favorites = $4, version = version + 1, updated_at = $5
		WHERE id = $1 AND version = $6`,
		u.ID, u.Name, u.Email, favorites, now, u.Version)
	if err != nil {
		return fmt.Errorf("save user %s: %w", u.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, u.ID).Scan(&exists); err != nil {
			return fmt.Errorf("save user %s: %w", u.ID, err)
		}
		if !exists {
			return fmt.Errorf("save user %s: %w", u.ID, ErrUserNotFound)
		}
		return fmt.Errorf("save user %s: %w", u.ID, ErrConflict)
	}
	u.Version++
	u.UpdatedAt = now
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, u *models.User) error {
	favorites, err := marshalFavorites(u.Favorites)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, name, email, favorites, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $5)
		ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Name, u.Email, favorites, now)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create user %s: %w", u.ID, ErrUserExists)
	}
	u.Version = 1
	u.CreatedAt = now
	u.UpdatedAt = now
	return nil
}

// Ping checks database connectivity. Used for health checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func marshalFavorites(favs []models.FavoriteCity) ([]byte, error) {
	if favs == nil {
		favs = []models.FavoriteCity{}
	}
	b, err := json.Marshal(favs)
	if err != nil {
		return nil, fmt.Errorf("marshal favorites: %w", err)
	}
	return b, nil
}
