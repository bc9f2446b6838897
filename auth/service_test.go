package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func newTestAccounts(t *testing.T) *StaticAccounts {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse battery"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	accounts, err := NewStaticAccounts(
		Account{Username: "Ops@Example.com", PasswordHash: string(hash)},
		Account{Username: "auditor", PasswordHash: string(hash), Role: RoleViewer},
	)
	if err != nil {
		t.Fatalf("accounts: %v", err)
	}
	return accounts
}

func TestService_LoginAndVerify(t *testing.T) {
	now := time.Date(2024, 1, 15, 18, 3, 0, 0, time.UTC)
	svc := NewService(newTestAccounts(t), "test-secret").WithClock(func() time.Time { return now })

	resp, err := svc.Login(context.Background(), LoginRequest{Username: "ops@example.com", Password: "correct horse battery"})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" || resp.Role != RoleOperator {
		t.Fatalf("login: unexpected result %+v", resp)
	}
	if !resp.ExpiresAt.Equal(now.Add(defaultTokenTTL)) {
		t.Fatalf("login: expected expiry %v got %v", now.Add(defaultTokenTTL), resp.ExpiresAt)
	}

	claims, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if claims.Subject != "Ops@Example.com" || claims.Role != RoleOperator || !claims.Role.CanWrite() {
		t.Fatalf("verify token: unexpected claims %+v", claims)
	}
}

func TestService_ViewerCannotWrite(t *testing.T) {
	svc := NewService(newTestAccounts(t), "test-secret")
	resp, err := svc.Login(context.Background(), LoginRequest{Username: "auditor", Password: "correct horse battery"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	claims, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Role.CanWrite() {
		t.Fatalf("viewer must not write")
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	svc := NewService(newTestAccounts(t), "test-secret")

	for _, req := range []LoginRequest{
		{Username: "unknown", Password: "correct horse battery"},
		{Username: "auditor", Password: "wrong password here"},
	} {
		if _, err := svc.Login(context.Background(), req); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: expected ErrInvalidCredentials, got %v", req.Username, err)
		}
	}
}

func TestService_VerifyRejectsBadTokens(t *testing.T) {
	now := time.Date(2024, 1, 15, 18, 3, 0, 0, time.UTC)
	accounts := newTestAccounts(t)
	svc := NewService(accounts, "test-secret").WithClock(func() time.Time { return now }).WithTTL(time.Hour)

	resp, err := svc.Login(context.Background(), LoginRequest{Username: "auditor", Password: "correct horse battery"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	other := NewService(accounts, "other-secret").WithClock(func() time.Time { return now })
	if _, err := other.VerifyToken(resp.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}

	later := NewService(accounts, "test-secret").WithClock(func() time.Time { return now.Add(2 * time.Hour) })
	if _, err := later.VerifyToken(resp.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}

	if _, err := svc.VerifyToken("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestStaticAccounts_Validation(t *testing.T) {
	if _, err := NewStaticAccounts(Account{Username: "ops", PasswordHash: "plaintext"}); err == nil {
		t.Fatal("expected error for non-bcrypt hash")
	}
	hash, _ := bcrypt.GenerateFromPassword([]byte("correct horse battery"), bcrypt.MinCost)
	if _, err := NewStaticAccounts(Account{Username: "ops", PasswordHash: string(hash), Role: "root"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
	_, err := NewStaticAccounts(
		Account{Username: "ops", PasswordHash: string(hash)},
		Account{Username: "OPS", PasswordHash: string(hash)},
	)
	if !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("expected ErrDuplicateAccount, got %v", err)
	}
}

func TestHashPassword(t *testing.T) {
	if _, err := HashPassword("short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	hash, err := HashPassword("correct horse battery")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("correct horse battery")); err != nil {
		t.Fatalf("hash does not verify: %v", err)
	}
}
