package db

import (
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDuplicateKeySQLite(t *testing.T) {
	conn, dialect, err := Open(Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, SQLite, dialect)

	_, err = conn.Exec(`CREATE TABLE t (id TEXT PRIMARY KEY, k TEXT UNIQUE)`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO t(id,k) VALUES ('a','x')`)
	require.NoError(t, err)

	_, err = conn.Exec(`INSERT INTO t(id,k) VALUES ('a','y')`)
	assert.True(t, dialect.IsDuplicateKey(err), "primary key: %v", err)
	_, err = conn.Exec(`INSERT INTO t(id,k) VALUES ('b','x')`)
	assert.True(t, dialect.IsDuplicateKey(err), "unique: %v", err)

	assert.False(t, dialect.IsDuplicateKey(nil))
	assert.False(t, dialect.IsDuplicateKey(errors.New("boom")))
}

func TestIsDuplicateKeyMySQL(t *testing.T) {
	assert.True(t, MySQL.IsDuplicateKey(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	assert.False(t, MySQL.IsDuplicateKey(&mysql.MySQLError{Number: 1213}))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, _, err := Open(Config{Driver: "postgres"})
	assert.Error(t, err)
}
