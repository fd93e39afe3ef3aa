package codec

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cheap/pkg/digest"
	"github.com/mesh-intelligence/cheap/pkg/types"
)

func TestCatalogsFileRoundTrip(t *testing.T) {
	empty, err := types.NewCatalog(types.SpeciesSink, "0", nil)
	require.NoError(t, err)
	cats := []*types.Catalog{fullCatalog(t), empty}

	path := filepath.Join(t.TempDir(), "catalogs.jsonl")
	require.NoError(t, WriteCatalogsFile(path, cats))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"), "one line per catalog")

	got, err := ReadCatalogsFile(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range cats {
		assert.Equal(t, digest.MustCatalog(cats[i]), digest.MustCatalog(got[i]))
	}

	require.NoError(t, WriteCatalogsFile(path, cats[1:]))
	got, err = ReadCatalogsFile(path)
	require.NoError(t, err)
	assert.Len(t, got, 1, "file is replaced, not appended")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestReadCatalogs(t *testing.T) {
	c, err := types.NewCatalog(types.SpeciesSource, "1", nil)
	require.NoError(t, err)
	var b strings.Builder
	require.NoError(t, WriteCatalogs(&b, []*types.Catalog{c}))
	line := strings.TrimSpace(b.String())

	tests := []struct {
		name    string
		input   string
		want    int
		wantErr string
	}{
		{"empty", "", 0, ""},
		{"blank lines", "\n\n" + line + "\n\n", 1, ""},
		{"no trailing newline", line, 1, ""},
		{"malformed", line + "\n{not json\n", 0, "line 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadCatalogs(strings.NewReader(tt.input))
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}

	_, err = ReadCatalogsFile(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
