package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxoffice/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn, dialect))
	require.NoError(t, Migrate(conn, dialect))

	var version int
	require.NoError(t, conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)

	for _, table := range []string{"transactions", "actions", "tasks", "orders", "invoices", "events"} {
		var n int
		require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n), table)
	}
}

func TestBothDialectsShipSameVersions(t *testing.T) {
	lite, err := loadMigrations(db.SQLite)
	require.NoError(t, err)
	my, err := loadMigrations(db.MySQL)
	require.NoError(t, err)
	require.Equal(t, len(lite), len(my))
	for i := range lite {
		assert.Equal(t, lite[i].Version, my[i].Version)
		assert.NotEmpty(t, statements(my[i].UpSQL))
	}
}

func TestStatements(t *testing.T) {
	got := statements("CREATE TABLE a (x INT);\n\nCREATE INDEX i ON a(x);\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a(x)"}, got)
}
