package migration

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"gorm.io/gorm"
)

// The embedded files are written for postgres. SQLite takes the same DDL once
// the column types it does not know are mapped; DATETIME keeps the drivers
// scanning time columns into time.Time.
var sqliteTypes = strings.NewReplacer(
	"TIMESTAMPTZ", "DATETIME",
	"JSONB", "TEXT",
	"DEFAULT NOW()", "DEFAULT CURRENT_TIMESTAMP",
)

// SQLiteStatements returns the up migrations, in version order, as SQLite
// statements.
func SQLiteStatements() ([]string, error) {
	names, err := fs.Glob(embeddedMigrations, migrationsDir+"/*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	var stmts []string
	for _, name := range names {
		raw, err := fs.ReadFile(embeddedMigrations, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		for _, stmt := range strings.Split(sqliteTypes.Replace(string(raw)), ";") {
			if stmt = strings.TrimSpace(stmt); stmt != "" {
				stmts = append(stmts, stmt)
			}
		}
	}
	return stmts, nil
}

// ApplySQLiteSchema creates every table on a SQLite handle. The DDL uses
// IF NOT EXISTS, so reapplying it on boot is a no-op.
func ApplySQLiteSchema(db *gorm.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}
	stmts, err := SQLiteStatements()
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return nil
}
