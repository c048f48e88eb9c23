package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(Files(), "sql")
	require.NoError(t, err)

	ups, downs := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Errorf("unexpected file %s", name)
		}
	}
	require.NotEmpty(t, ups)
	assert.Equal(t, ups, downs)
}

func TestSchemaEnforcesUniqueness(t *testing.T) {
	data, err := fs.ReadFile(Files(), "sql/0001_escrow.up.sql")
	require.NoError(t, err)
	schema := string(data)

	assert.Contains(t, schema, "client      TEXT        NOT NULL UNIQUE")
	assert.Contains(t, schema, "UNIQUE (project, milestone_id)")
	assert.Contains(t, schema, "projects_freelancer_iff_accepted")
	assert.Contains(t, schema, "event_id        TEXT        NOT NULL UNIQUE")
}

func TestPgxURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@h:5432/db", pgxURL("postgres://u:p@h:5432/db"))
	assert.Equal(t, "pgx5://u@h/db", pgxURL("postgresql://u@h/db"))
	assert.Equal(t, "pgx5://already", pgxURL("pgx5://already"))
}
