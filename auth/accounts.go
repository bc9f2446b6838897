package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrAccountNotFound signals that the account does not exist.
	ErrAccountNotFound = errors.New("auth: account not found")
	// ErrDuplicateAccount signals that the username is already registered.
	ErrDuplicateAccount = errors.New("auth: account already exists")
)

// Accounts looks up admin logins.
type Accounts interface {
	GetAccount(ctx context.Context, username string) (Account, error)
}

// StaticAccounts is an in-memory account list loaded from configuration.
type StaticAccounts struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewStaticAccounts(accounts ...Account) (*StaticAccounts, error) {
	s := &StaticAccounts{accounts: make(map[string]Account, len(accounts))}
	for _, a := range accounts {
		if err := s.Add(a); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers an account whose password is already bcrypt-hashed.
func (s *StaticAccounts) Add(a Account) error {
	key := strings.ToLower(strings.TrimSpace(a.Username))
	if key == "" || a.PasswordHash == "" {
		return fmt.Errorf("auth: username and password hash are required")
	}
	if a.Role == "" {
		a.Role = RoleOperator
	}
	if !isValidRole(a.Role) {
		return fmt.Errorf("auth: invalid role %q", a.Role)
	}
	if _, err := bcrypt.Cost([]byte(a.PasswordHash)); err != nil {
		return fmt.Errorf("auth: account %s: password hash is not bcrypt: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[key]; exists {
		return ErrDuplicateAccount
	}
	s.accounts[key] = a
	return nil
}

func (s *StaticAccounts) GetAccount(_ context.Context, username string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}
