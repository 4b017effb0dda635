package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/kjstillabower/weather-dashboard-api/internal/models"
)

// SQLiteStore implements UserStore on a single SQLite file. Timestamps are
// stored as RFC 3339 text and favorites as a JSON text column.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// pending migrations. Use ":memory:" for a throwaway database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; also keeps a ":memory:" database alive on a single connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := runMigrations(ctx, db, "sqlite3", "migrations/sqlite"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, userID string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, favorites, version, created_at, updated_at
		FROM users WHERE id = ?`, userID)

	var (
		u                    models.User
		favorites            string
		createdAt, updatedAt string
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &favorites, &u.Version, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("load user %s: %w", userID, ErrUserNotFound)
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	if err := json.Unmarshal([]byte(favorites), &u.Favorites); err != nil {
		return nil, fmt.Errorf("decode favorites for user %s: %w", userID, err)
	}
	var err error
	if u.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if u.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &u, nil
}

func (s *SQLiteStore) Save(ctx context.Context, u *models.User) error {
	favorites, err := marshalFavorites(u.Favorites)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET name = ?, email = ?, favorites = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		u.Name, u.Email, string(favorites), now.Format(time.RFC3339Nano), u.ID, u.Version)
	if err != nil {
		return fmt.Errorf("save user %s: %w", u.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save user %s: %w", u.ID, err)
	}
	if n == 0 {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, u.ID).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("save user %s: %w", u.ID, ErrUserNotFound)
		case err != nil:
			return fmt.Errorf("save user %s: %w", u.ID, err)
		}
		return fmt.Errorf("save user %s: %w", u.ID, ErrConflict)
	}
	u.Version++
	u.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, u *models.User) error {
	favorites, err := marshalFavorites(u.Favorites)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	ts := now.Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, favorites, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Name, u.Email, string(favorites), ts, ts)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("create user: %w", err)
	} else if n == 0 {
		return fmt.Errorf("create user %s: %w", u.ID, ErrUserExists)
	}
	u.Version = 1
	u.CreatedAt = now
	u.UpdatedAt = now
	return nil
}

// Ping checks database connectivity. Used for health checks.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
