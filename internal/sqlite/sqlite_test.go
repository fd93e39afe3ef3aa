package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cheap/internal/backend/backendtest"
	"github.com/mesh-intelligence/cheap/pkg/digest"
	"github.com/mesh-intelligence/cheap/pkg/types"
)

func config(dir string) types.Config {
	return types.Config{Backend: types.BackendSQLite, DataDir: dir}
}

func TestConformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) types.Store {
		s := NewBackend()
		require.NoError(t, s.Attach(context.Background(), config(t.TempDir())))
		return s
	})
}

func TestDSN(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	dsn, err := Dialect{}.DSN(config(dir))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName)+"?"+pragmas, dsn)
	_, err = os.Stat(dir)
	assert.NoError(t, err, "data dir is created")

	dsn, err = Dialect{}.DSN(types.Config{Backend: types.BackendSQLite, DSN: "file:x.db?mode=rwc"})
	require.NoError(t, err)
	assert.Equal(t, "file:x.db?mode=rwc&"+pragmas, dsn)

	custom := "y.db?_pragma=busy_timeout(10)"
	dsn, err = Dialect{}.DSN(types.Config{Backend: types.BackendSQLite, DSN: custom})
	require.NoError(t, err)
	assert.Equal(t, custom, dsn, "caller pragmas are kept as given")
}

func TestReattachKeepsCatalogs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := NewBackend()
	require.NoError(t, s.Attach(ctx, config(dir)))
	require.NoError(t, s.CreateSchema(ctx, types.SchemaOptions{IncludeAudit: true}))
	c := backendtest.FullCatalog(t, types.SpeciesFork)
	require.NoError(t, s.SaveCatalog(ctx, c))
	require.NoError(t, s.Detach())

	_, err := os.Stat(filepath.Join(dir, FileName))
	require.NoError(t, err)

	s = NewBackend()
	require.NoError(t, s.Attach(ctx, config(dir)))
	defer s.Detach()
	got, err := s.LoadCatalog(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, digest.MustCatalog(c), digest.MustCatalog(got))

	list, err := s.ListCatalogs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.NotNil(t, list[0].UpdatedAt, "audit flag is read back on attach")
}

func TestAttachRejectsOtherSchemaVersion(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := NewBackend()
	require.NoError(t, s.Attach(ctx, config(dir)))
	require.NoError(t, s.CreateSchema(ctx, types.SchemaOptions{}))
	require.NoError(t, s.Detach())

	db, err := sql.Open("sqlite", filepath.Join(dir, FileName))
	require.NoError(t, err)
	_, err = db.Exec("UPDATE cheap_schema SET schema_version = ?", types.SchemaVersion+1)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s = NewBackend()
	err = s.Attach(ctx, config(dir))
	assert.ErrorIs(t, err, types.ErrSchemaVersionMismatch)
	_, err = s.ListCatalogs(ctx)
	assert.ErrorIs(t, err, types.ErrDetached, "a failed attach leaves the store detached")
}

func TestFailedSaveRollsBack(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := NewBackend()
	require.NoError(t, s.Attach(ctx, config(dir)))
	t.Cleanup(func() { _ = s.Detach() })
	require.NoError(t, s.CreateSchema(ctx, types.SchemaOptions{IncludeForeignKeys: true}))

	c := backendtest.SmallCatalog(t, 3)
	require.NoError(t, s.SaveCatalog(ctx, c))
	before := digest.MustCatalog(c)

	// The fourth entity row fails after the old rows are deleted and the
	// first three are written again.
	db, err := sql.Open("sqlite", filepath.Join(dir, FileName))
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE TRIGGER reject_fourth BEFORE INSERT ON entity
WHEN NEW.local_id = 4 BEGIN SELECT RAISE(ABORT, 'rejected'); END`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	next, err := s.LoadCatalog(ctx, c.ID)
	require.NoError(t, err)
	next.Version = "2"
	added := next.NewEntity()
	_, err = next.SetProperties(added.ID, "person", map[string]types.Value{"name": types.String("fourth")})
	require.NoError(t, err)

	err = s.SaveCatalog(ctx, next)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
	assert.Equal(t, int64(1), next.Revision)
	assert.Nil(t, added.LocalID)

	got, err := s.LoadCatalog(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Revision)
	assert.Equal(t, before, digest.MustCatalog(got), "the rewrite is undone as a whole")
	assert.Equal(t, 3, got.EntityCount())
}

func TestLoadRejectsChangedDefinition(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := NewBackend()
	require.NoError(t, s.Attach(ctx, config(dir)))
	t.Cleanup(func() { _ = s.Detach() })
	require.NoError(t, s.CreateSchema(ctx, types.SchemaOptions{}))
	c := backendtest.SmallCatalog(t, 1)
	require.NoError(t, s.SaveCatalog(ctx, c))

	db, err := sql.Open("sqlite", filepath.Join(dir, FileName))
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "UPDATE property_def SET type = 'TXT' WHERE name = 'name'")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = s.LoadCatalog(ctx, c.ID)
	assert.ErrorIs(t, err, types.ErrSchemaVersionMismatch, "definition no longer matches its stored hash")
}

func TestErrorClassification(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ExecContext(ctx, "SELECT * FROM missing")
	require.Error(t, err)
	assert.True(t, Dialect{}.IsMissingTable(err))
	assert.False(t, Dialect{}.IsTransient(err))

	_, err = db.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT UNIQUE)")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "INSERT INTO t (id, name) VALUES (1, 'a')")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "INSERT INTO t (id, name) VALUES (1, 'b')")
	assert.True(t, Dialect{}.IsUniqueViolation(err), "primary key")
	_, err = db.ExecContext(ctx, "INSERT INTO t (id, name) VALUES (2, 'a')")
	assert.True(t, Dialect{}.IsUniqueViolation(err), "unique column")

	assert.False(t, Dialect{}.IsUniqueViolation(errors.New("UNIQUE constraint failed")), "only driver errors count")
}
