package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	accountdomain "github.com/smallbiznis/creditflow/internal/account/domain"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	purchasedomain "github.com/smallbiznis/creditflow/internal/purchase/domain"
	referraldomain "github.com/smallbiznis/creditflow/internal/referral/domain"
	subscriptiondomain "github.com/smallbiznis/creditflow/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/creditflow/internal/webhook/domain"
	"gorm.io/gorm"
)

// RunMigrations applies the embedded SQL migrations to a postgres database.
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

// Models lists every table owned by the service, in dependency order.
func Models() []any {
	return []any{
		&accountdomain.Account{},
		&ledgerdomain.LedgerEntry{},
		&subscriptiondomain.Subscription{},
		&referraldomain.Referral{},
		&purchasedomain.CreditPurchase{},
		&webhookdomain.EventRecord{},
	}
}

// AutoMigrate creates the schema from the gorm models. It backs the sqlite
// and mysql dialects, which the embedded SQL does not target.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
