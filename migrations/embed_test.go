package migrations

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListFiltersInvalidFilenames(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fsys := fstest.MapFS{
		"001_initial.up.sql":   {Data: []byte("CREATE TABLE t (id INT);")},
		"001_initial.down.sql": {Data: []byte("DROP TABLE t;")},
		"notes.txt":            {Data: []byte("not a migration")},
		"002-bad-name.up.sql":  {Data: []byte("SELECT 1;")},
	}

	em := NewEmbeddedMigration(fsys)

	files, err := em.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"001_initial.down.sql", "001_initial.up.sql"}, files)
}

func TestValidateDetectsUnpairedMigrations(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		fsys    fstest.MapFS
		wantErr string
	}{
		{
			name: "missing down migration",
			fsys: fstest.MapFS{
				"001_initial.up.sql": {Data: []byte("CREATE TABLE t (id INT);")},
			},
			wantErr: "missing down migration",
		},
		{
			name: "missing up migration",
			fsys: fstest.MapFS{
				"001_initial.up.sql":   {Data: []byte("CREATE TABLE t (id INT);")},
				"001_initial.down.sql": {Data: []byte("DROP TABLE t;")},
				"002_extra.down.sql":   {Data: []byte("DROP TABLE u;")},
			},
			wantErr: "missing up migration",
		},
		{
			name:    "empty migration set",
			fsys:    fstest.MapFS{},
			wantErr: "no embedded migration files",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			em := NewEmbeddedMigration(tt.fsys)

			err := em.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateDetectsSequenceGaps(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fsys := fstest.MapFS{
		"001_initial.up.sql":   {Data: []byte("CREATE TABLE t (id INT);")},
		"001_initial.down.sql": {Data: []byte("DROP TABLE t;")},
		"003_later.up.sql":     {Data: []byte("CREATE TABLE u (id INT);")},
		"003_later.down.sql":   {Data: []byte("DROP TABLE u;")},
	}

	em := NewEmbeddedMigration(fsys)

	err := em.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gap in migration sequence")
}

func TestValidateRequiresSequenceStartAtOne(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fsys := fstest.MapFS{
		"002_second.up.sql":   {Data: []byte("SELECT 1;")},
		"002_second.down.sql": {Data: []byte("SELECT 1;")},
	}

	em := NewEmbeddedMigration(fsys)

	err := em.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "should start with 001")
}

func TestEmbeddedSetIsValid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	em := NewEmbeddedMigration(nil)

	require.NoError(t, em.Validate())
	assert.Positive(t, em.MaxVersion())
}
