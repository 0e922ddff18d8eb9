package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/sockauth/jwt"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidStatus       = errors.New("invalid status")
	ErrUsernameAlreadyUsed = errors.New("username already exists")
)

// Status is a user's account status.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

func validStatus(s Status) bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended:
		return true
	default:
		return false
	}
}

// User is one directory entry.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Identity returns the token identity for u.
func (u *User) Identity() jwt.Identity {
	return jwt.Identity{
		SubjectID: u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Role:      u.Role,
	}
}

// Directory stores users in SQLite.
type Directory struct {
	db *sql.DB
}

// Open opens (or creates) the directory at dsn and migrates the schema.
// ":memory:" gives a private in-memory directory.
func Open(dsn string) (*Directory, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open users db: %w", err)
	}
	if dsn == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		username   TEXT NOT NULL UNIQUE,
		email      TEXT NOT NULL DEFAULT '',
		role       TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL CHECK (status IN ('active', 'inactive', 'suspended')),
		created_at TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create users table: %w", err)
	}

	return &Directory{db: db}, nil
}

// Close closes the database.
func (d *Directory) Close() error {
	return d.db.Close()
}

// Create inserts an active user. An empty ID is generated.
func (d *Directory) Create(ctx context.Context, u User) (*User, error) {
	u.Username = strings.TrimSpace(u.Username)
	if u.Username == "" {
		return nil, fmt.Errorf("username required")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Status == "" {
		u.Status = StatusActive
	}
	if !validStatus(u.Status) {
		return nil, ErrInvalidStatus
	}
	u.CreatedAt = time.Now().UTC()

	_, err := d.db.ExecContext(ctx, `INSERT INTO users (id, username, email, role, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.Role, string(u.Status), u.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: users.username") {
			return nil, ErrUsernameAlreadyUsed
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &u, nil
}

// Get fetches a user by ID.
func (d *Directory) Get(ctx context.Context, id string) (*User, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, username, email, role, status, created_at FROM users WHERE id = ?`, id)

	var (
		u         User
		status    string
		createdAt string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Role, &status, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Status = Status(status)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		u.CreatedAt = t
	}
	return &u, nil
}

// SetStatus changes a user's status. A non-active user is refused at the
// next admission; open connections are not affected.
func (d *Directory) SetStatus(ctx context.Context, id string, status Status) error {
	if !validStatus(status) {
		return ErrInvalidStatus
	}
	res, err := d.db.ExecContext(ctx, `UPDATE users SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Count returns the number of users.
func (d *Directory) Count(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// ValidateSubject reports whether subjectID names an active user. Unknown
// subjects return false with a nil error.
func (d *Directory) ValidateSubject(ctx context.Context, subjectID string) (bool, error) {
	u, err := d.Get(ctx, subjectID)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.Status == StatusActive, nil
}
