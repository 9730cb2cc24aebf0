package directory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/bcrypt"

	"downbeat/pkg/event"
)

var registeredUsers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "downbeat_directory_users",
	Help: "Number of user accounts in the directory",
})

// Identity is what a successful authentication yields: the fields the bus
// trusts. Connection handlers derive school, user, and role from here and
// never from client-supplied values.
type Identity struct {
	UserID   int64
	SchoolID int64
	Username string
	Role     string
}

// Store is the sqlite-backed directory of schools, users, and session
// tokens shared with the REST API. It backs the WebSocket handshake; the
// bus itself stores no events here.
type Store struct {
	db       *sql.DB
	tokenTTL time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS schools (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	school_id     INTEGER NOT NULL REFERENCES schools(id),
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS session_tokens (
	token      TEXT PRIMARY KEY,
	user_id    INTEGER NOT NULL REFERENCES users(id),
	expires_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_users_school ON users(school_id);
CREATE INDEX IF NOT EXISTS idx_tokens_user ON session_tokens(user_id);
`

// Open opens (creating if needed) the directory database and applies the
// schema.
func Open(path string, tokenTTL time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open directory database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach directory database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply directory schema: %w", err)
	}

	s := &Store{db: db, tokenTTL: tokenTTL}
	s.refreshUserGauge(context.Background())
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSchool registers a tenant and returns its ID.
func (s *Store) CreateSchool(ctx context.Context, name string) (int64, error) {
	if name == "" {
		return 0, ErrInvalidSchoolName
	}

	result, err := s.db.ExecContext(ctx, `INSERT INTO schools (name) VALUES (?)`, name)
	if err != nil {
		return 0, fmt.Errorf("failed to create school: %w", err)
	}
	return result.LastInsertId()
}

// CreateUser registers an account in a school. The password is stored as a
// bcrypt hash.
func (s *Store) CreateUser(ctx context.Context, schoolID int64, username, password, role string) (int64, error) {
	if username == "" {
		return 0, ErrInvalidUsername
	}
	if password == "" {
		return 0, ErrInvalidPassword
	}
	if !event.IsValidRole(role) {
		return 0, ErrInvalidRole
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("failed to hash password: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO users (school_id, username, password_hash, role) VALUES (?, ?, ?, ?)`,
		schoolID, username, string(hash), role)
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}

	s.refreshUserGauge(ctx)
	return result.LastInsertId()
}

// Authenticate verifies a username/password pair and returns the account's
// identity. The same ErrInvalidCredentials covers unknown users and wrong
// passwords.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*Identity, error) {
	var ident Identity
	var hash string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, school_id, username, password_hash, role FROM users WHERE username = ?`,
		username).Scan(&ident.UserID, &ident.SchoolID, &ident.Username, &hash, &ident.Role)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return &ident, nil
}

// IssueToken mints an opaque session token for a user.
func (s *Store) IssueToken(ctx context.Context, userID int64) (string, error) {
	token := uuid.New().String()
	expiresAt := time.Now().Add(s.tokenTTL).UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_tokens (token, user_id, expires_at) VALUES (?, ?, ?)`,
		token, userID, expiresAt)
	if err != nil {
		return "", fmt.Errorf("failed to issue token: %w", err)
	}
	return token, nil
}

// ResolveToken maps a session token to its identity. Expired tokens are
// deleted on sight.
func (s *Store) ResolveToken(ctx context.Context, token string) (*Identity, error) {
	var ident Identity
	var expiresAt time.Time

	err := s.db.QueryRowContext(ctx,
		`SELECT u.id, u.school_id, u.username, u.role, t.expires_at
		 FROM session_tokens t JOIN users u ON u.id = t.user_id
		 WHERE t.token = ?`,
		token).Scan(&ident.UserID, &ident.SchoolID, &ident.Username, &ident.Role, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token: %w", err)
	}

	if time.Now().After(expiresAt) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE token = ?`, token)
		return nil, ErrExpiredToken
	}
	return &ident, nil
}

// RevokeToken deletes a session token. Revoking an unknown token is a
// no-op.
func (s *Store) RevokeToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

func (s *Store) refreshUserGauge(ctx context.Context) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err == nil {
		registeredUsers.Set(float64(count))
	}
}
