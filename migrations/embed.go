// Package migrations embeds SQL migration files into the binary.
//
// cfud runs migrations at startup without the SQL files being present on
// the filesystem.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-cfu/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
