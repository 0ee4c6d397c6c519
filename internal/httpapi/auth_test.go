package httpapi

import (
	"testing"
	"time"

	"atelierloyalty/backend/internal/domain"
	"atelierloyalty/backend/internal/store/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestAuth(t *testing.T) *AuthManager {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "test-admin-secret")
	t.Setenv("SEED_INTEGRATION_PASSWORD", "test-sync-secret")
	return NewAuthManager(testSecret, time.Hour, memory.NewSeeded())
}

func TestLoginAndParseTokenRoundtrip(t *testing.T) {
	auth := newTestAuth(t)

	resp, err := auth.Login(domain.LoginRequest{Username: "Admin", Password: "test-admin-secret"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != "admin" || resp.AccessToken == "" {
		t.Fatalf("unexpected login response: %+v", resp)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "admin" || actor.Role != "admin" {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	auth := newTestAuth(t)

	if _, err := auth.Login(domain.LoginRequest{Username: "admin", Password: "nope"}); err == nil {
		t.Fatalf("expected login with wrong password to fail")
	}
	if _, err := auth.Login(domain.LoginRequest{Username: "ghost", Password: "test-admin-secret"}); err == nil {
		t.Fatalf("expected login for unknown user to fail")
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	auth := newTestAuth(t)

	if _, err := auth.ParseToken("not-a-token"); err == nil {
		t.Fatalf("expected garbage token to be rejected")
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	t.Setenv("SEED_ADMIN_PASSWORD", "test-admin-secret")
	t.Setenv("SEED_INTEGRATION_PASSWORD", "test-sync-secret")
	repo := memory.NewSeeded()
	issuer := NewAuthManager(testSecret, time.Hour, repo)
	verifier := NewAuthManager("ffffffffffffffffffffffffffffffff", time.Hour, repo)

	resp, err := issuer.Login(domain.LoginRequest{Username: "admin", Password: "test-admin-secret"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := verifier.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with a different secret to be rejected")
	}
}

func TestCreateAPIUserValidation(t *testing.T) {
	auth := newTestAuth(t)

	if _, err := auth.CreateAPIUser(domain.APIUserCreateRequest{Username: "ab", Password: "secret1"}); err == nil {
		t.Fatalf("expected short username to be rejected")
	}
	if _, err := auth.CreateAPIUser(domain.APIUserCreateRequest{Username: "erp-sync", Password: "short"}); err == nil {
		t.Fatalf("expected short password to be rejected")
	}
	if _, err := auth.CreateAPIUser(domain.APIUserCreateRequest{Username: "erp-sync", Password: "secret1", Role: "superuser"}); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}

	user, err := auth.CreateAPIUser(domain.APIUserCreateRequest{Username: "ERP-Sync", Password: "secret1"})
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if user.Username != "erp-sync" || user.Role != "integration" {
		t.Fatalf("unexpected user: %+v", user)
	}

	if _, err := auth.CreateAPIUser(domain.APIUserCreateRequest{Username: "erp-sync", Password: "secret1"}); err == nil {
		t.Fatalf("expected duplicate username to be rejected")
	}

	resp, err := auth.Login(domain.LoginRequest{Username: "erp-sync", Password: "secret1"})
	if err != nil {
		t.Fatalf("login as created user failed: %v", err)
	}
	if resp.Role != "integration" {
		t.Fatalf("expected integration role, got %s", resp.Role)
	}
}
