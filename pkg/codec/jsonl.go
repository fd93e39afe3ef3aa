package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mesh-intelligence/cheap/pkg/types"
)

// WriteCatalogs writes one compact catalog document per line.
func WriteCatalogs(w io.Writer, cats []*types.Catalog) error {
	bw := bufio.NewWriter(w)
	for _, c := range cats {
		doc, err := catalogToJSON(c)
		if err != nil {
			return err
		}
		line, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encoding catalog %s: %w", c.ID, err)
		}
		if _, err := bw.Write(line); err != nil {
			return fmt.Errorf("writing catalog %s: %w", c.ID, err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("writing newline: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flushing catalogs: %w", err)
	}
	return nil
}

// ReadCatalogs reads a JSONL stream written by WriteCatalogs. Blank lines
// are skipped; a malformed line fails the read with its line number.
func ReadCatalogs(r io.Reader) ([]*types.Catalog, error) {
	br := bufio.NewReader(r)
	var cats []*types.Catalog
	for n := 1; ; n++ {
		line, err := br.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading line %d: %w", n, err)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			c, uerr := UnmarshalCatalog(trimmed)
			if uerr != nil {
				return nil, fmt.Errorf("line %d: %w", n, uerr)
			}
			cats = append(cats, c)
		}
		if errors.Is(err, io.EOF) {
			return cats, nil
		}
	}
}

// WriteCatalogsFile atomically replaces path with a JSONL file holding cats,
// using the temp-file, fsync, rename pattern.
func WriteCatalogsFile(path string, cats []*types.Catalog) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".jsonl-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	if err := WriteCatalogs(tmp, cats); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("syncing temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// ReadCatalogsFile reads a file written by WriteCatalogsFile.
func ReadCatalogsFile(path string) ([]*types.Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return ReadCatalogs(f)
}
