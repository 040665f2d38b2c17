package account

import (
	"context"
	"database/sql"
	"testing"

	"chatgrid/internal/apperr"
	"chatgrid/internal/config"
	"chatgrid/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRegisterAndLogin(t *testing.T) {
	svc := NewService(openTestDB(t))
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "alice@example.com", "secret")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.ID == 0 || user.PasswordHash == "secret" {
		t.Fatalf("unexpected user %+v", user)
	}

	got, err := svc.Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("expected user %d, got %d", user.ID, got.ID)
	}

	if _, err := svc.Login(ctx, "alice", "wrong"); !apperr.Is(err, apperr.Unauthorized) {
		t.Fatalf("expected unauthorized for bad password, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "secret"); !apperr.Is(err, apperr.Unauthorized) {
		t.Fatalf("expected unauthorized for unknown user, got %v", err)
	}
	if _, err := svc.Register(ctx, "alice", "", "other"); err == nil {
		t.Fatalf("expected duplicate username rejection")
	}
}

func TestGetUser(t *testing.T) {
	svc := NewService(openTestDB(t))
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "", "secret")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := svc.GetUser(ctx, user.ID)
	if err != nil || got.Username != "alice" {
		t.Fatalf("GetUser: %+v err=%v", got, err)
	}
	if _, err := svc.GetUser(ctx, 9999); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestEnsureAdminIdempotent(t *testing.T) {
	svc := NewService(openTestDB(t))
	ctx := context.Background()

	id1, err := svc.EnsureAdmin(ctx, "root", "root@example.com", "adminpw")
	if err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	id2, err := svc.EnsureAdmin(ctx, "root", "root@example.com", "adminpw")
	if err != nil || id2 != id1 {
		t.Fatalf("EnsureAdmin should reuse the account: id1=%d id2=%d err=%v", id1, id2, err)
	}
	admin, err := svc.GetUser(ctx, id1)
	if err != nil || !admin.IsAdmin {
		t.Fatalf("expected admin flag set: %+v err=%v", admin, err)
	}
}
