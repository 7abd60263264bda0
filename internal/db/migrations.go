// internal/db/migrations.go
package db

import (
	"fmt"

	"ipamd/internal/models"

	"gorm.io/gorm"
)

// Migrate creates/updates every table and the indexes gorm tags cannot express.
func Migrate(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	// 1) legacy DCMS column names, before AutoMigrate adds the new ones
	if err := MigrateLegacyColumns(db); err != nil {
		return fmt.Errorf("legacy columns: %w", err)
	}
	// 2) AutoMigrate all domain models
	if err := db.AutoMigrate(
		&models.Network{},
		&models.VLAN{},
		&models.Range{},
		&models.Pool{},
		&models.Address{},
		&models.History{},
	); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	// 3) soft-delete aware unique indexes
	return MigrateUniqueIndexes(db)
}

type uniqueIndex struct {
	table, column, name string
}

var softDeleteUniques = []uniqueIndex{
	{"networks", "cidr", "ux_networks_cidr"},
	{"vlans", "vlan_number", "ux_vlans_number"},
	{"ip_pools", "name", "ux_ip_pools_name"},
}

// MigrateUniqueIndexes creates unique indexes that ignore soft-deleted rows.
func MigrateUniqueIndexes(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	dialect := db.Dialector.Name()

	for _, ux := range softDeleteUniques {
		var err error
		switch dialect {
		case "mysql":
			if db.Migrator().HasIndex(ux.table, ux.name) {
				continue
			}
			err = db.Exec(fmt.Sprintf("CREATE UNIQUE INDEX `%s` ON `%s` (`%s`, `deleted_at`)", ux.name, ux.table, ux.column)).Error

		case "postgres":
			// partial unique index (куда лучше для soft-delete)
			err = db.Exec(fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON "%s" ("%s") WHERE "deleted_at" IS NULL`, ux.name, ux.table, ux.column)).Error

		case "sqlite":
			err = db.Exec(fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s) WHERE deleted_at IS NULL`, ux.name, ux.table, ux.column)).Error

		default:
			return fmt.Errorf("unsupported dialect: %s", dialect)
		}
		if err != nil {
			return fmt.Errorf("create %s: %w", ux.name, err)
		}
	}
	return nil
}
