package serverdb

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// KeyPrefix starts every issued API key.
const KeyPrefix = "crm_"

var (
	// ErrUserNotFound is returned for lookups of unknown users.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidKey is returned when a presented key is unknown or expired.
	ErrInvalidKey = errors.New("invalid api key")
)

// User is a registered account.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// Principal is the owner of an authenticated request.
type Principal struct {
	User
	KeyID string
}

// APIKey is a stored key. The secret itself is never stored.
type APIKey struct {
	ID         string
	UserID     string
	Name       string
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func hashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// CreateUser registers an account. Emails are stored lowercased and must be
// unique.
func (s *Store) CreateUser(email string) (*User, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}
	u := &User{ID: "u_" + uuid.NewString(), Email: email, CreatedAt: time.Now().UTC()}
	if _, err := s.conn.Exec(`INSERT INTO users (id, email, created_at) VALUES (?, ?, ?)`,
		u.ID, u.Email, u.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert user %s: %w", email, err)
	}
	return u, nil
}

// GetUserByEmail finds an account by email, ignoring case.
func (s *Store) GetUserByEmail(email string) (*User, error) {
	u := &User{}
	err := s.conn.QueryRow(`SELECT id, email, created_at FROM users WHERE email = ?`, normalizeEmail(email)).
		Scan(&u.ID, &u.Email, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", email, err)
	}
	return u, nil
}

// ListUsers returns every account, oldest first.
func (s *Store) ListUsers() ([]User, error) {
	rows, err := s.conn.Query(`SELECT id, email, created_at FROM users ORDER BY created_at, email`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// IssueKey creates an API key for userID and returns its plaintext, which
// is not recoverable afterwards.
func (s *Store) IssueKey(userID, name string, expiresAt *time.Time) (string, *APIKey, error) {
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	plaintext := KeyPrefix + hex.EncodeToString(secret)

	ak := &APIKey{
		ID:        "ak_" + uuid.NewString(),
		UserID:    userID,
		Name:      name,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.conn.Exec(`INSERT INTO api_keys (id, user_id, key_hash, name, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ak.ID, ak.UserID, hashKey(plaintext), ak.Name, ak.ExpiresAt, ak.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return "", nil, ErrUserNotFound
		}
		return "", nil, fmt.Errorf("insert api key: %w", err)
	}
	return plaintext, ak, nil
}

// Authenticate resolves a presented key to its owner. Unknown and expired
// keys both yield ErrInvalidKey.
func (s *Store) Authenticate(plaintext string) (*Principal, error) {
	if !strings.HasPrefix(plaintext, KeyPrefix) {
		return nil, ErrInvalidKey
	}

	var (
		p         Principal
		expiresAt *time.Time
	)
	err := s.conn.QueryRow(`
		SELECT k.id, k.expires_at, u.id, u.email, u.created_at
		FROM api_keys k JOIN users u ON u.id = k.user_id
		WHERE k.key_hash = ?`, hashKey(plaintext)).
		Scan(&p.KeyID, &expiresAt, &p.ID, &p.Email, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	now := time.Now().UTC()
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, ErrInvalidKey
	}
	if _, err := s.conn.Exec(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, now, p.KeyID); err != nil {
		return nil, fmt.Errorf("touch api key: %w", err)
	}
	return &p, nil
}

// ListKeys returns the keys issued to userID, oldest first.
func (s *Store) ListKeys(userID string) ([]APIKey, error) {
	rows, err := s.conn.Query(`SELECT id, user_id, name, expires_at, last_used_at, created_at
		FROM api_keys WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeKey deletes a key by id.
func (s *Store) RevokeKey(keyID string) error {
	res, err := s.conn.Exec(`DELETE FROM api_keys WHERE id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("key %s not found", keyID)
	}
	return nil
}
