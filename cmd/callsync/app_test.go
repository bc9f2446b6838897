package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"callsync/auth"
	"callsync/config"
	"callsync/telephony"
)

func dryRunConfig(t *testing.T) config.Config {
	t.Helper()
	for k, v := range map[string]string{
		"DRY_RUN":                   "true",
		"RINGCENTRAL_CLIENT_ID":     "rc-client",
		"RINGCENTRAL_CLIENT_SECRET": "rc-secret",
		"RINGCENTRAL_JWT":           "rc-jwt",
		"SPACES_BUCKET":             "recordings",
		"SPACES_ACCESS_KEY":         "ak",
		"SPACES_SECRET_KEY":         "sk",
	} {
		t.Setenv(k, v)
	}
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestNewApp_DryRunRegistersEveryWorkflow(t *testing.T) {
	cfg := dryRunConfig(t)

	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	if a.pool != nil || a.runs != nil {
		t.Fatalf("expected no database in dry run")
	}
	defs := a.dispatcher.Definitions()
	if len(defs) != len(telephony.Kinds()) {
		t.Fatalf("expected %d workflows, got %d", len(telephony.Kinds()), len(defs))
	}
	if err := a.Migrate(context.Background()); err == nil {
		t.Fatalf("expected migrate to fail without a database")
	}
}

func TestAdminAuth(t *testing.T) {
	cfg := dryRunConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a := &app{cfg: cfg, logger: logger}
	svc, err := a.adminAuth()
	if err != nil || svc != nil {
		t.Fatalf("expected admin auth disabled, got %v, %v", svc, err)
	}

	hash := func(pw string) string {
		h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		return string(h)
	}
	a.cfg.Admin.PasswordHash = hash("operator-password")
	a.cfg.Admin.ViewerUsername = "auditor"
	a.cfg.Admin.ViewerPasswordHash = hash("viewer-password")
	a.cfg.Admin.JWTSecret = strings.Repeat("s", 32)

	svc, err = a.adminAuth()
	if err != nil || svc == nil {
		t.Fatalf("expected admin auth, got %v", err)
	}
	res, err := svc.Login(context.Background(), auth.LoginRequest{Username: "auditor", Password: "viewer-password"})
	if err != nil {
		t.Fatalf("viewer login: %v", err)
	}
	if res.Role != auth.RoleViewer {
		t.Fatalf("expected viewer role, got %s", res.Role)
	}
	if _, err := svc.Login(context.Background(), auth.LoginRequest{Username: "admin", Password: "operator-password"}); err != nil {
		t.Fatalf("operator login: %v", err)
	}
}
