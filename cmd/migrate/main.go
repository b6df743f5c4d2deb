package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"iotportal/internal/logging"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	var (
		dbURL  = flag.String("db", os.Getenv("IOTP_DATABASE_URL"), "Postgres connection string")
		dir    = flag.String("dir", "migrations", "Migrations directory")
		status = flag.Bool("status", false, "List migrations and whether each is applied, then exit")
	)
	flag.Parse()
	logger := logging.New(os.Getenv("IOTP_LOG_LEVEL")).Named("migrate")
	defer func() { _ = logger.Sync() }()

	if *dbURL == "" {
		logger.Fatal("missing -db or IOTP_DATABASE_URL")
	}

	db, err := sql.Open("pgx", *dbURL)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	if err := ensureMigrationsTable(db); err != nil {
		logger.Fatal("migrations table", zap.Error(err))
	}

	files, err := listSQLFiles(*dir)
	if err != nil {
		logger.Fatal("list migrations", zap.Error(err))
	}

	if *status {
		for _, p := range files {
			applied, err := isApplied(db, filepath.Base(p))
			if err != nil {
				logger.Fatal("migration status", zap.String("file", p), zap.Error(err))
			}
			fmt.Printf("%-8v %s\n", applied, filepath.Base(p))
		}
		return
	}

	applied := 0
	for _, p := range files {
		ok, err := applyMigrationFile(db, p)
		if err != nil {
			logger.Fatal("apply migration", zap.String("file", p), zap.Error(err))
		}
		if ok {
			applied++
			logger.Info("applied", zap.String("file", filepath.Base(p)))
		}
	}

	logger.Info("migrations applied", zap.String("dir", *dir), zap.Int("new", applied), zap.Int("total", len(files)))
}

func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		create table if not exists schema_migrations (
			filename text primary key,
			applied_at timestamptz not null default now()
		)
	`)
	return err
}

func listSQLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(strings.ToLower(name), ".sql") {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

func isApplied(db *sql.DB, base string) (bool, error) {
	var exists bool
	err := db.QueryRow(`select exists(select 1 from schema_migrations where filename=$1)`, base).Scan(&exists)
	return exists, err
}

// applyMigrationFile runs one file in its own transaction. It reports false
// when the file was already applied.
func applyMigrationFile(db *sql.DB, path string) (bool, error) {
	base := filepath.Base(path)

	exists, err := isApplied(db, base)
	if err != nil || exists {
		return false, err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	sqlText := strings.TrimSpace(string(b))
	if sqlText == "" {
		return false, fmt.Errorf("empty migration")
	}

	tx, err := db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sqlText); err != nil {
		return false, err
	}
	if _, err := tx.Exec(`insert into schema_migrations (filename) values ($1)`, base); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
