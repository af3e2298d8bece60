// Package migrations предоставляет обертку над goose для управления миграциями схемы базы данных.
// SQL миграции встроены в бинарник.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var embedded embed.FS

// Dir каталог миграций внутри встроенной FS
const Dir = "sql"

// MigrationStatus представляет статус миграции
type MigrationStatus struct {
	Version   int64
	Name      string
	AppliedAt *time.Time
	Status    string // "pending", "applied"
}

var setupOnce sync.Once
var setupErr error

// setup настраивает глобальное состояние goose один раз на процесс
func setup() error {
	setupOnce.Do(func() {
		goose.SetBaseFS(embedded)
		goose.SetLogger(goose.NopLogger())
		setupErr = goose.SetDialect("postgres")
	})
	return setupErr
}

// Open открывает *sql.DB через драйвер pgx
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Files возвращает имена встроенных файлов миграций по порядку
func Files() ([]string, error) {
	entries, err := fs.ReadDir(embedded, Dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// RunMigrations применяет все pending миграции
func RunMigrations(ctx context.Context, db *sql.DB) error {
	if err := setup(); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, Dir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RunMigrationsLimited применяет ограниченное количество pending миграций
func RunMigrationsLimited(ctx context.Context, db *sql.DB, steps int64) error {
	if steps <= 0 {
		return RunMigrations(ctx, db)
	}
	if err := setup(); err != nil {
		return err
	}

	currentVersion, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		// таблицы версий еще нет
		currentVersion = 0
	}

	migrations, err := goose.CollectMigrations(Dir, 0, goose.MaxVersion)
	if err != nil {
		return fmt.Errorf("failed to collect migrations: %w", err)
	}

	var pending []*goose.Migration
	for _, m := range migrations {
		if m.Version > currentVersion {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	target := pending[len(pending)-1].Version
	if int64(len(pending)) > steps {
		target = pending[steps-1].Version
	}

	if err := goose.UpToContext(ctx, db, Dir, target); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RollbackMigrations откатывает N миграций
func RollbackMigrations(ctx context.Context, db *sql.DB, steps int64) error {
	if err := setup(); err != nil {
		return err
	}
	if steps <= 1 {
		if err := goose.DownContext(ctx, db, Dir); err != nil {
			return fmt.Errorf("failed to rollback migration: %w", err)
		}
		return nil
	}

	currentVersion, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	migrations, err := goose.CollectMigrations(Dir, 0, currentVersion)
	if err != nil {
		return fmt.Errorf("failed to collect migrations: %w", err)
	}

	// целевая версия: та, что останется после отката steps миграций
	var target int64
	if idx := len(migrations) - int(steps) - 1; idx >= 0 {
		target = migrations[idx].Version
	}

	if err := goose.DownToContext(ctx, db, Dir, target); err != nil {
		return fmt.Errorf("failed to rollback migrations: %w", err)
	}
	return nil
}

// GetMigrationStatus возвращает статус всех миграций
func GetMigrationStatus(ctx context.Context, db *sql.DB) ([]MigrationStatus, error) {
	if err := setup(); err != nil {
		return nil, err
	}

	migrations, err := goose.CollectMigrations(Dir, 0, goose.MaxVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to collect migrations: %w", err)
	}

	currentVersion, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		currentVersion = 0
	}

	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		status := MigrationStatus{
			Version: m.Version,
			Name:    filepath.Base(m.Source),
			Status:  "pending",
		}

		if m.Version <= currentVersion {
			var appliedAt time.Time
			err := db.QueryRowContext(ctx,
				"SELECT tstamp FROM goose_db_version WHERE version_id = $1 AND is_applied = true ORDER BY tstamp DESC LIMIT 1",
				m.Version,
			).Scan(&appliedAt)
			if err == nil {
				status.AppliedAt = &appliedAt
				status.Status = "applied"
			}
		}

		statuses = append(statuses, status)
	}
	return statuses, nil
}

// GetCurrentVersion возвращает текущую версию БД
func GetCurrentVersion(ctx context.Context, db *sql.DB) (int64, error) {
	if err := setup(); err != nil {
		return 0, err
	}
	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// CreateMigration создает файл миграции на диске в формате goose.
// Новый файл нужно положить в framework/migrations/sql, чтобы он попал в бинарник.
func CreateMigration(dir, name string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create migrations directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.sql", now.Format("20060102150405"), name)
	path := filepath.Join(dir, filename)

	content := fmt.Sprintf(`-- +goose Up
-- Migration: %s

-- +goose Down
`, name)

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to create migration file: %w", err)
	}
	return path, nil
}
