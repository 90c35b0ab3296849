package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

var (
	// ErrUserNotFound indicates no user with the given name exists.
	ErrUserNotFound = errors.New("user not found")
)

// HashCost is the bcrypt cost used for new password hashes
var HashCost = bcrypt.DefaultCost

// DB is the SQLite-backed credential store
type DB struct {
	conn *sql.DB
}

// User is a stored account
type User struct {
	Name        string
	CreatedAt   time.Time
	LastLoginAt *time.Time
	LoginCount  int
}

// Credential is a plaintext name/password pair used for seeding
type Credential struct {
	Name     string `toml:"name"`
	Password string `toml:"password"`
}

// Open opens the SQLite database at path (":memory:" for a private
// in-memory database) and applies pending migrations.
func Open(path string) (*DB, error) {
	inMemory := path == ":memory:"

	dsn := path
	if !inMemory {
		// Pragmas go in the DSN so every pooled connection gets them
		q := url.Values{}
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "busy_timeout(5000)")
		q.Add("_pragma", "synchronous(NORMAL)")
		dsn = "file:" + path + "?" + q.Encode()
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if inMemory {
		// Each connection to :memory: is a separate database
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(8)
		conn.SetMaxIdleConns(2)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	backupPath := path
	if inMemory {
		backupPath = ""
	}
	if err := runMigrations(conn, backupPath); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// SetPassword creates the user or replaces their password
func (db *DB) SetPassword(ctx context.Context, name, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), HashCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO users (name, password_hash, created_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET password_hash = excluded.password_hash
	`, name, string(hash), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store user %s: %w", name, err)
	}
	return nil
}

// SeedUsers makes sure every credential exists with the given password.
// Users whose stored hash already matches are left alone.
func (db *DB) SeedUsers(ctx context.Context, creds []Credential) (int, error) {
	updated := 0
	for _, c := range creds {
		if c.Name == "" {
			continue
		}

		hash, err := db.passwordHash(ctx, c.Name)
		if err == nil && bcrypt.CompareHashAndPassword([]byte(hash), []byte(c.Password)) == nil {
			continue
		}
		if err != nil && !errors.Is(err, ErrUserNotFound) {
			return updated, err
		}

		if err := db.SetPassword(ctx, c.Name, c.Password); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// Authenticate checks a name/password pair. Unknown users and wrong
// passwords both yield (false, nil); err is only set for storage failures.
func (db *DB) Authenticate(ctx context.Context, name, password string) (bool, error) {
	hash, err := db.passwordHash(ctx, name)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, fmt.Errorf("failed to verify password: %w", err)
	}

	_, err = db.conn.ExecContext(ctx,
		"UPDATE users SET last_login_at = ?, login_count = login_count + 1 WHERE name = ?",
		time.Now().UnixMilli(), name)
	if err != nil {
		return false, fmt.Errorf("failed to record login: %w", err)
	}

	return true, nil
}

func (db *DB) passwordHash(ctx context.Context, name string) (string, error) {
	var hash string
	err := db.conn.QueryRowContext(ctx, "SELECT password_hash FROM users WHERE name = ?", name).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load user %s: %w", name, err)
	}
	return hash, nil
}

// GetUser returns a stored account without its password hash
func (db *DB) GetUser(ctx context.Context, name string) (*User, error) {
	var (
		u         User
		createdAt int64
		lastLogin sql.NullInt64
	)
	err := db.conn.QueryRowContext(ctx,
		"SELECT name, created_at, last_login_at, login_count FROM users WHERE name = ?", name,
	).Scan(&u.Name, &createdAt, &lastLogin, &u.LoginCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", name, err)
	}

	u.CreatedAt = time.UnixMilli(createdAt)
	if lastLogin.Valid {
		t := time.UnixMilli(lastLogin.Int64)
		u.LastLoginAt = &t
	}
	return &u, nil
}

// CountUsers returns the number of stored accounts
func (db *DB) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}
