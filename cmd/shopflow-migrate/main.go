package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/akriventsev/shopflow/framework/migrations"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	dbURL := fs.String("database-url", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string (default $POSTGRES_DSN)")
	migrationsDir := fs.String("migrations-dir", "./framework/migrations/sql", "Directory for new migration files")
	timeout := fs.Duration("timeout", 5*time.Minute, "Timeout for the whole command")
	_ = fs.Parse(os.Args[2:])

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var err error
	switch command {
	case "up":
		err = withDB(*dbURL, func(db *sql.DB) error { return runUp(ctx, db, fs.Args()) })
	case "down":
		err = withDB(*dbURL, func(db *sql.DB) error { return runDown(ctx, db, fs.Args()) })
	case "status":
		err = withDB(*dbURL, func(db *sql.DB) error { return runStatus(ctx, db) })
	case "version":
		err = withDB(*dbURL, func(db *sql.DB) error { return runVersion(ctx, db) })
	case "create":
		err = runCreate(*migrationsDir, fs.Args())
	case "list":
		err = runList()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Shopflow Migration Tool")
	fmt.Println()
	fmt.Println("Usage: shopflow-migrate <command> [flags] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up [N]        - Apply all pending migrations (or N migrations)")
	fmt.Println("  down [N]      - Rollback N migrations (default: 1)")
	fmt.Println("  status        - Show status of all migrations")
	fmt.Println("  version       - Show current migration version")
	fmt.Println("  create <name> - Create a new migration file")
	fmt.Println("  list          - List embedded migration files")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --database-url    - PostgreSQL connection string (default: $POSTGRES_DSN)")
	fmt.Println("  --migrations-dir  - Directory for new migrations (default: ./framework/migrations/sql)")
	fmt.Println("  --timeout         - Command timeout (default: 5m)")
}

func withDB(dbURL string, fn func(db *sql.DB) error) error {
	if dbURL == "" {
		return fmt.Errorf("--database-url or POSTGRES_DSN is required")
	}
	db, err := migrations.Open(dbURL)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func parseSteps(args []string, def int64) (int64, error) {
	if len(args) == 0 {
		return def, nil
	}
	n, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid number of steps: %s", args[0])
	}
	return n, nil
}

func runUp(ctx context.Context, db *sql.DB, args []string) error {
	steps, err := parseSteps(args, 0)
	if err != nil {
		return err
	}
	if steps > 0 {
		err = migrations.RunMigrationsLimited(ctx, db, steps)
	} else {
		err = migrations.RunMigrations(ctx, db)
	}
	if err != nil {
		return err
	}
	fmt.Println("Migrations applied successfully")
	return nil
}

func runDown(ctx context.Context, db *sql.DB, args []string) error {
	steps, err := parseSteps(args, 1)
	if err != nil {
		return err
	}
	if err := migrations.RollbackMigrations(ctx, db, steps); err != nil {
		return err
	}
	fmt.Printf("Rolled back %d migration(s)\n", steps)
	return nil
}

func runStatus(ctx context.Context, db *sql.DB) error {
	statuses, err := migrations.GetMigrationStatus(ctx, db)
	if err != nil {
		return err
	}

	fmt.Println("Migration Status:")
	fmt.Println("================")
	for _, status := range statuses {
		fmt.Printf("[%-7s] %d - %s", status.Status, status.Version, status.Name)
		if status.AppliedAt != nil {
			fmt.Printf(" (applied at %s)", status.AppliedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Println()
	}
	return nil
}

func runVersion(ctx context.Context, db *sql.DB) error {
	version, err := migrations.GetCurrentVersion(ctx, db)
	if err != nil {
		return err
	}
	if version == 0 {
		fmt.Println("No migrations applied")
		return nil
	}
	fmt.Println(version)
	return nil
}

func runCreate(dir string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("migration name is required")
	}
	path, err := migrations.CreateMigration(dir, args[0], time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Printf("Created migration: %s\n", path)
	return nil
}

func runList() error {
	files, err := migrations.Files()
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Println(f)
	}
	return nil
}
