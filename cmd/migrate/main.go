// Command migrate applies or rolls back the security core's schema
// against MASTER_DB_URL, using golang-migrate with the SQL files
// embedded in internal/storage.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/ironvault/securitycore/internal/config"
	"github.com/ironvault/securitycore/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	direction := "up"
	if len(os.Args) > 1 {
		direction = os.Args[1]
	}

	source, err := iofs.New(storage.Migrations, "migrations")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load migrations: %v\n", err)
		os.Exit(1)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, cfg.MasterDBURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize migrator: %v\n", err)
		os.Exit(1)
	}

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	default:
		fmt.Fprintf(os.Stderr, "unknown direction %q (expected up|down)\n", direction)
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("migrations applied")
}
