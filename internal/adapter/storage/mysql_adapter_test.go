package storage

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-movement/internal/port"
)

func getMySQLAdapter(t *testing.T) *MySQLAdapter {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/stock?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	adapter := NewMySQLAdapter(db)
	require.NoError(t, adapter.EnsureSchema(context.Background()))
	return adapter
}

func TestMySQLAdapter_DocumentStore(t *testing.T) {
	adapter := getMySQLAdapter(t)
	runDocumentStoreSuite(t, adapter)
}

func TestMySQLAdapter_Transactions(t *testing.T) {
	adapter := getMySQLAdapter(t)
	runTransactorSuite(t, adapter, adapter)
}

func TestMySQLAdapter_RejectsInvalidFilterField(t *testing.T) {
	adapter := getMySQLAdapter(t)

	_, err := adapter.Find(context.Background(), "items", port.Eq(`name') OR 1=1 -- `, "x"))
	assert.Error(t, err)
}

func TestDecodeFields_UsesNumbers(t *testing.T) {
	fields, err := decodeFields([]byte(`{"quantity": 9007199254740993, "name": "Cable"}`))
	require.NoError(t, err)
	assert.Equal(t, "9007199254740993", port.FilterValue(fields["quantity"]))
	assert.Equal(t, "Cable", fields["name"])
}
