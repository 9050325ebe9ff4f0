// Package migrations embeds the tenant schema so every binary can migrate
// tenant databases without the SQL files on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.Migrations = migrationsFS
}
