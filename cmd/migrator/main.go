package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/DisCard-Technologies/discard-sub016/migrations"
	"github.com/DisCard-Technologies/discard-sub016/pkg/logging"
	"github.com/DisCard-Technologies/discard-sub016/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		cfg := store.PostgresConfigFromEnv()
		cfg.ApplicationName = "soul-migrator"
		cfg.StatementTimeout = 0
		return store.NewPostgresPoolWithConfig(ctx, cfg)
	}
)

var ErrChecksumMismatch = errors.New("applied migration was modified")

func main() {
	_ = godotenv.Load()
	logging.Setup("migrator", os.Getenv("ENVIRONMENT"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool, migrationSource(), log.Printf); err != nil {
		logFatalf("migration: %v", err)
	}
}

// migrationSource is the embedded schema unless MIGRATIONS_DIR points
// elsewhere.
func migrationSource() fs.FS {
	if dir := strings.TrimSpace(os.Getenv("MIGRATIONS_DIR")); dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// runMigrations applies every *.sql file in src in lexical order, each in its
// own transaction. Applied files are recorded with their checksum; editing
// one afterwards is an error rather than a silent skip.
func runMigrations(ctx context.Context, db migrationDB, src fs.FS, logf func(format string, args ...any)) error {
	if db == nil {
		return fmt.Errorf("db required")
	}
	if src == nil {
		return fmt.Errorf("migration source required")
	}
	if logf == nil {
		logf = log.Printf
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := fs.Glob(src, "*.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, file := range files {
		name := path.Base(file)
		sqlBytes, err := fs.ReadFile(src, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := checksum(sqlBytes)

		var recorded string
		err = db.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, name).Scan(&recorded)
		switch {
		case err == nil:
			if recorded != "" && recorded != sum {
				return fmt.Errorf("%w: %s", ErrChecksumMismatch, name)
			}
			continue
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("migration lookup: %w", err)
		}

		tx, err := db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, name, sum); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("mark migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		applied++
		logf("applied migration %s", name)
	}

	logf("migrations up to date: %d applied, %d total", applied, len(files))
	return nil
}
