package db

import (
	"fmt"

	"gorm.io/gorm"
)

type columnRename struct {
	table, from, to, ddlType string
}

// Schemas imported from the old DCMS flask app use different column names.
var legacyRenames = []columnRename{
	{"ip_addresses", "ip_range_id", "range_id", "bigint"},
	{"ip_addresses", "ip_pool_id", "pool_id", "bigint"},
	{"ip_addresses", "vps_hostname", "hostname", "varchar(255)"},
	{"ip_history", "ip_address_id", "address_id", "bigint"},
}

// MigrateLegacyColumns переименовывает старые колонки, если они ещё есть.
func MigrateLegacyColumns(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	dialect := db.Dialector.Name()

	for _, rn := range legacyRenames {
		if !db.Migrator().HasTable(rn.table) {
			continue
		}
		hasOld := db.Migrator().HasColumn(rn.table, rn.from)
		hasNew := db.Migrator().HasColumn(rn.table, rn.to)
		if !hasOld || hasNew {
			continue
		}
		if err := db.Migrator().RenameColumn(rn.table, rn.from, rn.to); err != nil {
			var e error
			switch dialect {
			case "mysql":
				e = db.Exec(fmt.Sprintf("ALTER TABLE `%s` CHANGE COLUMN `%s` `%s` %s", rn.table, rn.from, rn.to, rn.ddlType)).Error
			case "postgres":
				e = db.Exec(fmt.Sprintf(`ALTER TABLE "%s" RENAME COLUMN "%s" TO "%s"`, rn.table, rn.from, rn.to)).Error
			case "sqlite":
				e = db.Exec(fmt.Sprintf(`ALTER TABLE %s RENAME COLUMN %s TO %s`, rn.table, rn.from, rn.to)).Error
			default:
				e = err
			}
			if e != nil {
				return fmt.Errorf("rename %s.%s -> %s: %w", rn.table, rn.from, rn.to, e)
			}
		}
	}
	return nil
}
