// Command migrate applies or rolls back the ledger schema outside of service startup.
//
//	migrate up | down | version | to <n>
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"

	"ms-booking/internal/config"
	"ms-booking/internal/database/migrations"
	"ms-booking/internal/logger"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func main() {
	log := logger.NewLogger()
	defer log.Close()

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	}
	cfg := config.Load()
	if cfg.Database.DSN == "" {
		log.Fatal("CONFIG", "POSTGRES_DSN not set")
	}

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	sqldb, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
	}
	bunDB := bun.NewDB(sqldb, pgdialect.New())
	defer bunDB.Close()

	runner := migrations.NewRunner(bunDB, migrations.MigrateOptions{MigrationsDir: cfg.Migrations.Dir}, log)
	defer runner.Close()

	switch cmd {
	case "up":
		err = runner.RunMigrations()
	case "down":
		err = runner.MigrateDown()
	case "to":
		if len(os.Args) < 3 {
			log.Fatal("MIGRATE", "usage: migrate to <version>")
		}
		var version uint64
		version, err = strconv.ParseUint(os.Args[2], 10, 32)
		if err == nil {
			err = runner.MigrateTo(uint(version))
		}
	case "version":
		var (
			version uint
			dirty   bool
		)
		version, dirty, err = runner.Version()
		if err == nil {
			log.Info("MIGRATE", fmt.Sprintf("Schema version %d (dirty: %t)", version, dirty))
		}
	default:
		log.Fatal("MIGRATE", fmt.Sprintf("unknown command %q, want up, down, version or to <n>", cmd))
	}

	if err != nil {
		log.Fatal("MIGRATE", err.Error())
	}
	log.Info("MIGRATE", fmt.Sprintf("%s finished", cmd))
}
