package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/jmoiron/sqlx"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/storage/database"
)

// NewConfig returns a config for tests: in-memory sqlite & a local relay.
func NewConfig() *core.Config {
	return &core.Config{
		Env:       "TEST",
		TestMode:  true,
		AppName:   "Masomo Proctor",
		SecretKey: "test-secret",
		Server: core.ServerConfig{
			Host:               "localhost",
			ShutdownTimeout:    time.Second,
			DisableReqLogs:     true,
			JWTExpirationDelta: time.Hour,
		},
		Database: core.DatabaseConfig{Engine: database.SQLite, Path: ":memory:"},
		Relay:    core.RelayConfig{Secret: "relay-secret", QueueSize: 16},
	}
}

// PrepareDB opens a migrated in-memory sqlite database, closed when the test ends.
func PrepareDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := database.Open(NewConfig())
	if err != nil {
		t.Fatalf("database.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err = database.Migrate(context.Background(), db, "up"); err != nil {
		t.Fatalf("database.Migrate() failed: %v", err)
	}
	return db
}

// Token signs a JWT for a user holding role ("student", "teacher" or "admin") the way the API does.
func Token(t *testing.T, secret, userID, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":        userID,
		"username":   userID,
		"is_student": role == "student",
		"is_teacher": role == "teacher",
		"is_admin":   role == "admin",
		"iat":        time.Now().Unix(),
		"exp":        time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Token() failed: %v", err)
	}
	return token
}
