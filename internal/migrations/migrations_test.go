package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDriverURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@db:5432/billing", driverURL("postgres://u:p@db:5432/billing"))
	require.Equal(t, "pgx5://u@db/billing", driverURL("postgresql://u@db/billing"))
	require.Equal(t, "pgx5://already", driverURL("pgx5://already"))
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(files, "sql")
	require.NoError(t, err)
	ups, downs := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	require.Equal(t, ups, downs)

	schema, err := fs.ReadFile(files, "sql/0001_billing.up.sql")
	require.NoError(t, err)
	for _, table := range []string{"invoices", "invoice_lines", "purchases", "user_token_balances", "catalog_items"} {
		require.Contains(t, string(schema), "CREATE TABLE IF NOT EXISTS "+table+" ")
	}
}
