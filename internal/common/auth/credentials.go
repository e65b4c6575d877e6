package auth

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"
)

// ErrCredentialNotFound is returned by a CredentialStore for unknown users.
var ErrCredentialNotFound = stderrors.New("credential not found")

// Credential is one row of the credential store.
type Credential struct {
	Username     string
	PasswordHash string
	Role         Role
}

// CredentialStore resolves a username to its stored credential.
type CredentialStore interface {
	Lookup(ctx context.Context, username string) (Credential, error)
}

// ==========================
// Postgres
// ==========================

// PostgresCredentialStore reads the users table.
type PostgresCredentialStore struct {
	db *sql.DB
}

func NewPostgresCredentialStore(db *sql.DB) *PostgresCredentialStore {
	return &PostgresCredentialStore{db: db}
}

const lookupUserQuery = `SELECT password_hash, is_admin FROM users WHERE username = $1`

func (s *PostgresCredentialStore) Lookup(ctx context.Context, username string) (Credential, error) {
	var (
		hash    string
		isAdmin bool
	)
	err := s.db.QueryRowContext(ctx, lookupUserQuery, username).Scan(&hash, &isAdmin)
	if stderrors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrCredentialNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("lookup user: %w", err)
	}
	return Credential{
		Username:     username,
		PasswordHash: hash,
		Role:         RoleFromAdminFlag(isAdmin),
	}, nil
}

// ==========================
// In-memory
// ==========================

// MemoryCredentialStore serves credentials from configuration. Remove takes
// effect on the next protected call.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	users map[string]Credential
}

func NewMemoryCredentialStore(creds ...Credential) *MemoryCredentialStore {
	s := &MemoryCredentialStore{users: make(map[string]Credential, len(creds))}
	for _, c := range creds {
		s.users[c.Username] = c
	}
	return s
}

func (s *MemoryCredentialStore) Lookup(_ context.Context, username string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.users[username]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	return c, nil
}

// Put adds or replaces a credential.
func (s *MemoryCredentialStore) Put(c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[c.Username] = c
}

// Remove deletes a credential.
func (s *MemoryCredentialStore) Remove(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, username)
}
