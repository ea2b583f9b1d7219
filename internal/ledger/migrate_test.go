package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMigrations_FreshAndIdempotent(t *testing.T) {
	s := openTestStore(t)

	v, err := SchemaVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)

	require.NoError(t, runMigrations(s.db, s.logger), "second run must be a no-op")
	v, err = SchemaVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&n))
	assert.Equal(t, len(migrations), n)
}

func TestRunMigrations_CreatesIndexes(t *testing.T) {
	s := openTestStore(t)

	for _, name := range []string{"idx_exchanges_started", "idx_exchanges_outcome"} {
		var got string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name=?", name).Scan(&got)
		require.NoError(t, err, name)
		assert.Equal(t, name, got)
	}
}
