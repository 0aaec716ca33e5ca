// Package accounts is the credential collaborator: it registers users and
// checks logins, producing the {id, name, email} triple the chat core consumes.
package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

var (
	// ErrEmailTaken indicates a signup for an email that already exists.
	ErrEmailTaken = errors.New("accounts: email already registered")
	// ErrInvalidCredentials indicates an unknown email or wrong password.
	ErrInvalidCredentials = errors.New("accounts: invalid email or password")
	// ErrUnsupportedDriver indicates a driver with no known schema.
	ErrUnsupportedDriver = errors.New("accounts: unsupported database driver")
)

var schemas = map[string]string{
	DriverSQLite: `
CREATE TABLE IF NOT EXISTS users (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  name          TEXT NOT NULL,
  email         TEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`,
	DriverPostgres: `
CREATE TABLE IF NOT EXISTS users (
  id            BIGSERIAL PRIMARY KEY,
  name          TEXT NOT NULL,
  email         TEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
}

// User is a registered account without its password hash.
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Store persists users in SQLite or PostgreSQL.
type Store struct {
	db         *sql.DB
	driver     string
	bcryptCost int
}

// Open connects with the given driver and ensures the users table exists.
func Open(driver, dsn string) (*Store, error) {
	schema, ok := schemas[driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	if driver == DriverSQLite && !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=1&_journal_mode=WAL"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate users table: %w", err)
	}

	return &Store{db: db, driver: driver, bcryptCost: bcrypt.DefaultCost}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateUser stores a new account with a bcrypt password hash.
func (s *Store) CreateUser(ctx context.Context, name, email, password string) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	user := User{Name: name, Email: normalizeEmail(email)}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO users (name, email, password_hash) VALUES ($1, $2, $3) RETURNING id`,
		user.Name, user.Email, string(hash),
	).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("insert user %q: %w", user.Email, err)
	}

	return user, nil
}

// Authenticate returns the user when email and password match.
func (s *Store) Authenticate(ctx context.Context, email, password string) (User, error) {
	var (
		user User
		hash string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, password_hash FROM users WHERE email = $1`,
		normalizeEmail(email),
	).Scan(&user.ID, &user.Name, &user.Email, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
