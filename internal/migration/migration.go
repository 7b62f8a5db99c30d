package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "migrations"

// Models lists every persisted model, in dependency order.
func Models() []any {
	return []any{
		&ledgerdomain.CreditAccount{},
		&usagedomain.UsageEvent{},
		&ledgerdomain.Transaction{},
		&pricingdomain.PricingRule{},
	}
}

// Migrate brings the schema up to date. Postgres uses the versioned SQL files,
// sqlite an additive schema sync, and other dialects gorm AutoMigrate.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	switch conn.Dialector.Name() {
	case "postgres":
	case "sqlite":
		if err := migrateSQLite(conn); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
		return nil
	default:
		if err := conn.AutoMigrate(Models()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}

// migrateSQLite is additive only. gorm's sqlite migrator rebuilds a table to
// alter a column and fails to re-parse numeric(p,s) types in the stored DDL,
// so existing columns are never altered; missing tables, columns and indexes
// are created.
func migrateSQLite(conn *gorm.DB) error {
	m := conn.Migrator()
	for _, model := range Models() {
		if !m.HasTable(model) {
			if err := m.CreateTable(model); err != nil {
				return err
			}
			continue
		}

		stmt := &gorm.Statement{DB: conn}
		if err := stmt.Parse(model); err != nil {
			return err
		}
		for _, field := range stmt.Schema.Fields {
			if field.DBName == "" || m.HasColumn(model, field.DBName) {
				continue
			}
			if err := m.AddColumn(model, field.Name); err != nil {
				return fmt.Errorf("add column %s.%s: %w", stmt.Schema.Table, field.DBName, err)
			}
		}
		for _, idx := range stmt.Schema.ParseIndexes() {
			if m.HasIndex(model, idx.Name) {
				continue
			}
			if err := m.CreateIndex(model, idx.Name); err != nil {
				return fmt.Errorf("create index %s: %w", idx.Name, err)
			}
		}
	}
	return nil
}

// RunMigrations applies the embedded SQL migrations against postgres.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}
