package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cheap/internal/backend/backendtest"
	"github.com/mesh-intelligence/cheap/internal/paths"
	"github.com/mesh-intelligence/cheap/pkg/codec"
	"github.com/mesh-intelligence/cheap/pkg/digest"
	"github.com/mesh-intelligence/cheap/pkg/types"
)

// testEnv runs the CLI in process against a private config and data directory.
type testEnv struct {
	configDir string
	dataDir   string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	for _, k := range []string{paths.EnvConfigDir, paths.EnvDataDir, "CHEAP_BACKEND", "CHEAP_DSN", "CHEAP_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
	return testEnv{configDir: t.TempDir(), dataDir: t.TempDir()}
}

func (e testEnv) run(t *testing.T, args ...string) (stdout, stderr string, code int) {
	t.Helper()
	var out, errb bytes.Buffer
	full := append([]string{"--config-dir", e.configDir, "--data-dir", e.dataDir}, args...)
	code = run(context.Background(), full, &out, &errb)
	return out.String(), errb.String(), code
}

// ok runs args and fails the test on a non-zero exit.
func (e testEnv) ok(t *testing.T, args ...string) string {
	t.Helper()
	out, errOut, code := e.run(t, args...)
	require.Equal(t, exitSuccess, code, "cheap %s: %s", strings.Join(args, " "), errOut)
	return out
}

func (e testEnv) jsonOut(t *testing.T, v any, args ...string) {
	t.Helper()
	out := e.ok(t, append([]string{"--json"}, args...)...)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestVersion(t *testing.T) {
	e := newTestEnv(t)
	out := e.ok(t, "version")
	assert.Contains(t, out, "cheap v"+Version)
	assert.Contains(t, out, modulePath)

	var v map[string]any
	e.jsonOut(t, &v, "version")
	assert.Equal(t, Version, v["version"])
	assert.EqualValues(t, types.SchemaVersion, v["schema_version"])
}

func TestInit(t *testing.T) {
	e := newTestEnv(t)

	var res map[string]any
	e.jsonOut(t, &res, "init")
	assert.Equal(t, true, res["config_written"])
	assert.Equal(t, types.BackendSQLite, res["backend"])

	data, err := os.ReadFile(filepath.Join(e.configDir, configFileExt))
	require.NoError(t, err)
	assert.Contains(t, string(data), "backend: sqlite")
	assert.Contains(t, string(data), "log_level: warn")
	assert.FileExists(t, filepath.Join(e.dataDir, "cheap.db"))

	e.jsonOut(t, &res, "init")
	assert.Equal(t, false, res["config_written"], "existing config is kept")

	e.ok(t, "catalog", "create")
	out := e.ok(t, "init")
	assert.Contains(t, out, "already initialized")
}

const personDef = `{"name": "person", "properties": [
  {"name": "name", "type": "STRING", "required": true},
  {"name": "age", "type": "INTEGER"}
]}`

const personDefV2 = `{"name": "person", "version": 2, "properties": [
  {"name": "name", "type": "STRING", "required": true},
  {"name": "age", "type": "INTEGER"},
  {"name": "email", "type": "URI", "default": "mailto:nobody@example.com"},
  {"name": "badge", "type": "UUID", "read_only": true}
]}`

const personDefDropsAge = `{"name": "person", "version": 3, "properties": [
  {"name": "name", "type": "STRING", "required": true}
]}`

func TestCatalogAndAspectDefCommands(t *testing.T) {
	e := newTestEnv(t)
	e.ok(t, "init")

	defPath := writeFile(t, "person.json", personDef)
	out := e.ok(t, "catalog", "create", "--species", "source", "--version", "2024.1",
		"--aspectdef", defPath, "--hierarchy", "people:set", "--hierarchy", "org:ET")
	id, err := uuid.Parse(strings.TrimSpace(out))
	require.NoError(t, err)

	var sums []types.CatalogSummary
	e.jsonOut(t, &sums, "catalog", "list")
	require.Len(t, sums, 1)
	assert.Equal(t, id, sums[0].ID)
	assert.Equal(t, types.SpeciesSource, sums[0].Species)
	assert.Equal(t, "2024.1", sums[0].Version)
	assert.EqualValues(t, 1, sums[0].AspectDefs)
	assert.EqualValues(t, 2, sums[0].Hierarchies)

	out = e.ok(t, "catalog", "list")
	assert.Contains(t, out, "SPECIES")
	assert.Contains(t, out, id.String())

	out = e.ok(t, "aspectdef", "list", id.String())
	assert.Contains(t, out, "name:STRING!")

	e.ok(t, "aspectdef", "add", id.String(), writeFile(t, "v2.json", personDefV2))
	var def struct {
		Name    string `json:"name"`
		Version int    `json:"version"`
	}
	e.jsonOut(t, &def, "aspectdef", "get", id.String(), "person")
	assert.Equal(t, "person", def.Name)
	assert.Equal(t, 2, def.Version)
	out = e.ok(t, "aspectdef", "list", id.String())
	assert.Contains(t, out, "email:URI=mailto:nobody@example.com")
	assert.Contains(t, out, "badge:UUID*")

	_, errOut, code := e.run(t, "aspectdef", "add", id.String(), writeFile(t, "v3.json", personDefDropsAge))
	assert.Equal(t, exitUserError, code, "definitions only grow")
	assert.Contains(t, errOut, "cheap:")

	_, _, code = e.run(t, "aspectdef", "get", id.String(), "robot")
	assert.Equal(t, exitUserError, code)

	out = e.ok(t, "catalog", "get", id.String())
	c, err := codec.UnmarshalCatalog([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Revision, "adding a def bumps the revision")
	person, ok := c.Def().AspectDef("person")
	require.True(t, ok)
	assert.Equal(t, 2, person.Version)

	out = e.ok(t, "catalog", "delete", id.String())
	assert.Contains(t, out, "deleted "+id.String())
	_, _, code = e.run(t, "catalog", "delete", id.String())
	assert.Equal(t, exitUserError, code)
}

func TestImportExportMirror(t *testing.T) {
	e := newTestEnv(t)
	e.ok(t, "init")

	src := backendtest.FullCatalog(t, types.SpeciesSource)
	want, err := digest.Content(src)
	require.NoError(t, err)
	in := filepath.Join(t.TempDir(), "in.jsonl")
	require.NoError(t, codec.WriteCatalogsFile(in, []*types.Catalog{src}))

	var imported struct {
		Imported []uuid.UUID `json:"imported"`
	}
	e.jsonOut(t, &imported, "catalog", "import", in)
	assert.Equal(t, []uuid.UUID{src.ID}, imported.Imported)

	_, _, code := e.run(t, "catalog", "import", in)
	assert.Equal(t, exitUserError, code, "stored ids conflict without --replace")
	e.ok(t, "catalog", "import", "--replace", in)

	var h catalogHashes
	e.jsonOut(t, &h, "catalog", "hash", src.ID.String())
	assert.Equal(t, want.String(), h.Content)
	assert.Equal(t, digest.MustCatalog(src).String(), h.Catalog)

	out := filepath.Join(t.TempDir(), "out.json")
	e.ok(t, "catalog", "export", src.ID.String(), "-o", out)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	got, err := codec.UnmarshalCatalog(data)
	require.NoError(t, err)
	d, err := digest.Content(got)
	require.NoError(t, err)
	assert.Equal(t, want, d)

	all, err := codec.ReadCatalogs(strings.NewReader(e.ok(t, "catalog", "export", "--all")))
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, src.ID, all[0].ID)

	target := t.TempDir()
	var m struct {
		ID       uuid.UUID `json:"id"`
		Upstream uuid.UUID `json:"upstream"`
		Content  string    `json:"content"`
		Stores   int       `json:"stores"`
	}
	e.jsonOut(t, &m, "catalog", "mirror", src.ID.String(), "--to", "sqlite="+target)
	assert.Equal(t, src.ID, m.Upstream)
	assert.Equal(t, want.String(), m.Content)
	assert.Equal(t, 2, m.Stores)

	replica := testEnv{configDir: e.configDir, dataDir: target}
	var sums []types.CatalogSummary
	replica.jsonOut(t, &sums, "catalog", "list")
	require.Len(t, sums, 1)
	assert.Equal(t, m.ID, sums[0].ID)
	assert.Equal(t, types.SpeciesMirror, sums[0].Species)
	require.NotNil(t, sums[0].Upstream)
	assert.Equal(t, src.ID, *sums[0].Upstream)

	e.jsonOut(t, &sums, "catalog", "list")
	assert.Len(t, sums, 2, "the mirror is saved locally too")
}

func TestSchemaCommands(t *testing.T) {
	e := newTestEnv(t)
	e.ok(t, "init", "--audit")

	var st schemaStatus
	e.jsonOut(t, &st, "schema", "status")
	assert.Equal(t, schemaStatus{Backend: types.BackendSQLite, Exists: true, Version: types.SchemaVersion}, st)

	e.ok(t, "catalog", "create")
	_, _, code := e.run(t, "schema", "create")
	assert.Equal(t, exitUserError, code, "populated schema")

	_, _, code = e.run(t, "schema", "truncate")
	assert.Equal(t, exitUserError, code, "truncate needs --yes")
	e.jsonOut(t, &st, "schema", "truncate", "--yes")
	assert.Zero(t, st.Catalogs)

	e.ok(t, "catalog", "create")
	e.jsonOut(t, &st, "schema", "create", "--overwrite", "--foreign-keys")
	assert.True(t, st.Exists)
	assert.Zero(t, st.Catalogs)

	e.jsonOut(t, &st, "schema", "drop", "--yes")
	assert.False(t, st.Exists)
	assert.Zero(t, st.Version)
}

func TestUserErrorsExitOne(t *testing.T) {
	e := newTestEnv(t)
	e.ok(t, "init")

	tests := []struct {
		name string
		args []string
	}{
		{"unknown command", []string{"frobnicate"}},
		{"unknown flag", []string{"catalog", "list", "--bogus"}},
		{"missing argument", []string{"catalog", "get"}},
		{"bad id", []string{"catalog", "get", "not-a-uuid"}},
		{"missing catalog", []string{"catalog", "get", uuid.NewString()}},
		{"export without ids", []string{"catalog", "export"}},
		{"bad hierarchy", []string{"catalog", "create", "--hierarchy", "people"}},
		{"bad hierarchy type", []string{"catalog", "create", "--hierarchy", "people:GRAPH"}},
		{"bad species", []string{"catalog", "create", "--species", "PRIMARY"}},
		{"missing file", []string{"catalog", "import", filepath.Join(t.TempDir(), "none.json")}},
		{"dsn required", []string{"--backend", "postgres", "catalog", "list"}},
		{"unknown backend", []string{"--backend", "oracle", "catalog", "list"}},
		{"bad mirror target", []string{"catalog", "mirror", uuid.NewString(), "--to", "sqlite"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errOut, code := e.run(t, tt.args...)
			assert.Equal(t, exitUserError, code, errOut)
		})
	}

	t.Run("malformed input", func(t *testing.T) {
		_, _, code := e.run(t, "catalog", "import", writeFile(t, "bad.json", "{not json"))
		assert.Equal(t, exitUserError, code)
	})
}

func TestConfigFromEnvironment(t *testing.T) {
	e := newTestEnv(t)

	t.Setenv("CHEAP_LOG_LEVEL", "chatty")
	_, errOut, code := e.run(t, "schema", "status")
	assert.Equal(t, exitUserError, code)
	assert.Contains(t, errOut, "log_level")

	t.Setenv("CHEAP_LOG_LEVEL", "debug")
	_, errOut, code = e.run(t, "init")
	require.Equal(t, exitSuccess, code, errOut)
	assert.Contains(t, errOut, "level=INFO", "debug level logs to stderr")

	t.Setenv("CHEAP_LOG_LEVEL", "")
	t.Setenv("CHEAP_BACKEND", "oracle")
	_, _, code = e.run(t, "schema", "status")
	assert.Equal(t, exitUserError, code)
}

func TestExitCode(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &types.ValidationError{Reason: "x"}, exitUserError},
		{"wrapped not found", fmt.Errorf("load: %w", &types.CatalogNotFoundError{ID: id}), exitUserError},
		{"conflict", &types.ConflictError{CatalogID: id}, exitUserError},
		{"schema mismatch", &types.SchemaVersionMismatchError{Found: 2, Expected: 1}, exitUserError},
		{"definition hash mismatch", fmt.Errorf("catalog %s: stored definition hash a does not match b: %w", id, types.ErrSchemaVersionMismatch), exitUserError},
		{"explicit", &exitError{code: exitSysError, err: types.ErrValidation}, exitSysError},
		{"unavailable", &types.StorageUnavailableError{Backend: "mysql", Attempts: 3, Err: os.ErrDeadlineExceeded}, exitSysError},
		{"pool timeout", &types.PoolTimeoutError{Backend: "postgres"}, exitSysError},
		{"detached", types.ErrDetached, exitSysError},
		{"other", os.ErrPermission, exitSysError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
