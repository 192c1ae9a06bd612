package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"net"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/target/quotaflow/internal/migrate"
)

// Tables truncated between tests, children first.
var resetTables = []string{"quota_adjustments", "tenant_quotas", "processed_messages", "requests"}

// DBSettings locates the test Postgres. Defaults match the docker-compose test profile;
// CI overrides them through TEST_DB_* variables.
type DBSettings struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// LoadDBSettings reads TEST_DB_* variables with local defaults.
func LoadDBSettings() DBSettings {
	return DBSettings{
		Host:     envOr("TEST_DB_HOST", "localhost"),
		Port:     envOr("TEST_DB_PORT", "55432"),
		User:     envOr("TEST_DB_USER", "quotaflow"),
		Password: envOr("TEST_DB_PASSWORD", "quotaflow"),
		Name:     envOr("TEST_DB_NAME", "quotaflow"),
		SSLMode:  envOr("DB_SSL_MODE", "disable"),
	}
}

// DSN renders the connection URL, optionally pinning search_path to schema.
func (s DBSettings) DSN(schema string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(s.User, s.Password),
		Host:   net.JoinHostPort(s.Host, s.Port),
		Path:   "/" + s.Name,
	}
	q := url.Values{}
	q.Set("sslmode", s.SSLMode)
	if schema != "" {
		q.Set("search_path", schema+",public")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// SkipIfNoTestDB skips t when Postgres is unreachable, or fails it when TEST_REQUIRE_DB is set.
func SkipIfNoTestDB(t testing.TB) {
	t.Helper()
	db, err := sql.Open("pgx", LoadDBSettings().DSN(""))
	if err == nil {
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = db.PingContext(ctx)
	}
	if err == nil {
		return
	}
	if envFlag("TEST_REQUIRE_DB") || envFlag("TEST_REQUIRE_INFRA") {
		t.Fatalf("test database not available: %v", err)
	}
	t.Skipf("test database not available: %v", err)
}

// WithAutoDB runs fn against a migrated database. With TEST_DB_EPHEMERAL set each test gets
// its own schema, dropped afterwards; otherwise the shared database is wiped before and after.
func WithAutoDB(t testing.TB, fn func(*sql.DB)) {
	t.Helper()
	SkipIfNoTestDB(t)
	if envFlag("TEST_DB_EPHEMERAL") {
		fn(ephemeralSchemaDB(t))
		return
	}
	db := openMigrated(t, "")
	resetDB(t, db)
	t.Cleanup(func() {
		resetDB(t, db)
		_ = db.Close()
	})
	fn(db)
}

func openMigrated(t testing.TB, schema string) *sql.DB {
	t.Helper()
	db, err := sql.Open("pgx", LoadDBSettings().DSN(schema))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	db.SetMaxOpenConns(10)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("ping test database: %v", err)
	}
	if err := migrate.Run(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

func ephemeralSchemaDB(t testing.TB) *sql.DB {
	t.Helper()
	admin, err := sql.Open("pgx", LoadDBSettings().DSN(""))
	if err != nil {
		t.Fatalf("open admin connection: %v", err)
	}
	schema := schemaName()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		_ = admin.Close()
		t.Fatalf("create schema %s: %v", schema, err)
	}
	t.Logf("using ephemeral schema %s", schema)

	var db *sql.DB
	t.Cleanup(func() {
		if db != nil {
			_ = db.Close()
		}
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dropCancel()
		if _, err := admin.ExecContext(dropCtx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
		_ = admin.Close()
	})
	db = openMigrated(t, schema)
	return db
}

func resetDB(t testing.TB, db *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, table := range resetTables {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("reset table %s: %v", table, err)
		}
	}
}

func schemaName() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "t_" + time.Now().Format("150405000000")
	}
	return "t_" + hex.EncodeToString(b)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFlag(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

// TestTime is the fixed clock reading used across fixtures.
func TestTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}
