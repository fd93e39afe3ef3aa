package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cheap/pkg/codec"
	"github.com/mesh-intelligence/cheap/pkg/digest"
	"github.com/mesh-intelligence/cheap/pkg/store"
	"github.com/mesh-intelligence/cheap/pkg/types"
)

func (a *app) catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "catalog",
		Aliases: []string{"cat"},
		Short:   "Create, inspect and move catalogs",
	}
	cmd.AddCommand(
		a.catalogCreateCmd(),
		a.catalogListCmd(),
		a.catalogGetCmd(),
		a.catalogDeleteCmd(),
		a.catalogHashCmd(),
		a.catalogExportCmd(),
		a.catalogImportCmd(),
		a.catalogMirrorCmd(),
	)
	return cmd
}

// parseHierarchyFlag parses name:TYPE, where TYPE is a hierarchy type name
// or its two-letter code in any case.
func parseHierarchyFlag(v string) (types.HierarchyDef, error) {
	name, typ, ok := strings.Cut(v, ":")
	if !ok {
		return types.HierarchyDef{}, usageErrorf("hierarchy %q: expected name:TYPE", v)
	}
	t, err := types.ParseHierarchyType(strings.ToUpper(typ))
	if err != nil {
		return types.HierarchyDef{}, err
	}
	return types.HierarchyDef{Name: name, Type: t}, nil
}

func (a *app) catalogCreateCmd() *cobra.Command {
	var (
		species     string
		version     string
		defFiles    []string
		hierarchies []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an empty catalog",
		Long: `Create an empty catalog and print its id.

Aspect defs are read from JSON files; hierarchies are given as name:TYPE
where TYPE is LIST, SET, DIRECTORY, TREE or ASPECT_MAP.

Example:
  cheap catalog create --species source --aspectdef person.json \
      --hierarchy people:SET --hierarchy org:TREE`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sp, err := types.ParseSpecies(species)
			if err != nil {
				return err
			}
			var defs []*types.AspectDef
			for _, f := range defFiles {
				data, err := readInput(cmd, f)
				if err != nil {
					return err
				}
				d, err := codec.UnmarshalAspectDef(data)
				if err != nil {
					return badInput(fmt.Errorf("%s: %w", f, err))
				}
				defs = append(defs, d)
			}
			var hdefs []types.HierarchyDef
			for _, h := range hierarchies {
				hd, err := parseHierarchyFlag(h)
				if err != nil {
					return err
				}
				hdefs = append(hdefs, hd)
			}
			def, err := types.NewCatalogDef(defs, hdefs)
			if err != nil {
				return err
			}
			c, err := types.NewCatalog(sp, version, def)
			if err != nil {
				return err
			}

			return a.withStore(cmd, func(ctx context.Context, s types.Store) error {
				if err := s.SaveCatalog(ctx, c); err != nil {
					return err
				}
				if a.flags.jsonMode {
					return a.printJSON(map[string]any{
						"id":       c.ID,
						"species":  c.Species,
						"revision": c.Revision,
						"def":      digest.CatalogDef(c.Def()).String(),
					})
				}
				fmt.Fprintln(a.stdout, c.ID)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&species, "species", string(types.SpeciesSource), "catalog species")
	f.StringVar(&version, "version", "1", "catalog version label")
	f.StringArrayVar(&defFiles, "aspectdef", nil, "aspect def JSON file, - for stdin (repeatable)")
	f.StringArrayVar(&hierarchies, "hierarchy", nil, "hierarchy as name:TYPE (repeatable)")
	return cmd
}

func (a *app) catalogListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored catalogs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, s types.Store) error {
				cats, err := s.ListCatalogs(ctx)
				if err != nil {
					return err
				}
				if a.flags.jsonMode {
					if cats == nil {
						cats = []types.CatalogSummary{}
					}
					return a.printJSON(cats)
				}
				rows := make([][]string, 0, len(cats))
				for _, c := range cats {
					up := "-"
					if c.Upstream != nil {
						up = c.Upstream.String()
					}
					rows = append(rows, []string{
						c.ID.String(),
						string(c.Species),
						c.Version,
						strconv.FormatInt(c.Revision, 10),
						strconv.FormatInt(c.Entities, 10),
						strconv.FormatInt(c.AspectDefs, 10),
						strconv.FormatInt(c.Hierarchies, 10),
						up,
					})
				}
				return a.printTable(
					[]string{"ID", "SPECIES", "VERSION", "REVISION", "ENTITIES", "ASPECTS", "HIERARCHIES", "UPSTREAM"},
					rows,
				)
			})
		},
	}
}

func (a *app) catalogGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print a catalog as a JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCatalogID(args[0])
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(ctx context.Context, s types.Store) error {
				c, err := s.LoadCatalog(ctx, id)
				if err != nil {
					return err
				}
				return codec.EncodeCatalog(a.stdout, c)
			})
		},
	}
}

func (a *app) catalogDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a catalog and everything it owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCatalogID(args[0])
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(ctx context.Context, s types.Store) error {
				n, err := s.DeleteCatalog(ctx, id)
				if err != nil {
					return err
				}
				if n == 0 {
					return &types.CatalogNotFoundError{ID: id}
				}
				if a.flags.jsonMode {
					return a.printJSON(map[string]any{"id": id, "rows": n})
				}
				fmt.Fprintf(a.stdout, "deleted %s (%d rows)\n", id, n)
				return nil
			})
		},
	}
}

type catalogHashes struct {
	ID      uuid.UUID `json:"id"`
	Catalog string    `json:"catalog"`
	Content string    `json:"content"`
	Def     string    `json:"def"`
}

func (a *app) catalogHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <id>",
		Short: "Print the digests of a stored catalog",
		Long: "Print the catalog digest (species, version and content), the content\n" +
			"digest shared with faithful replicas, and the definition digest.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCatalogID(args[0])
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(ctx context.Context, s types.Store) error {
				c, err := s.LoadCatalog(ctx, id)
				if err != nil {
					return err
				}
				cd, err := digest.Catalog(c)
				if err != nil {
					return err
				}
				content, err := digest.Content(c)
				if err != nil {
					return err
				}
				h := catalogHashes{
					ID:      c.ID,
					Catalog: cd.String(),
					Content: content.String(),
					Def:     digest.CatalogDef(c.Def()).String(),
				}
				if a.flags.jsonMode {
					return a.printJSON(h)
				}
				return a.printTable([]string{"DIGEST", "SHA-256"}, [][]string{
					{"catalog", h.Catalog},
					{"content", h.Content},
					{"def", h.Def},
				})
			})
		},
	}
}

func (a *app) catalogExportCmd() *cobra.Command {
	var (
		all    bool
		output string
	)
	cmd := &cobra.Command{
		Use:   "export [id...]",
		Short: "Export catalogs as JSON",
		Long: `Export one catalog as a JSON document, or several (or --all) as JSON
Lines with one catalog per line. An output path ending in .jsonl always
gets JSON Lines. Files are replaced atomically.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return usageErrorf("give catalog ids or --all, not both or neither")
			}
			ids := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				id, err := parseCatalogID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}

			return a.withStore(cmd, func(ctx context.Context, s types.Store) error {
				if all {
					sums, err := s.ListCatalogs(ctx)
					if err != nil {
						return err
					}
					for _, sum := range sums {
						ids = append(ids, sum.ID)
					}
				}
				cats := make([]*types.Catalog, 0, len(ids))
				for _, id := range ids {
					c, err := s.LoadCatalog(ctx, id)
					if err != nil {
						return err
					}
					cats = append(cats, c)
				}
				a.log.Debug("exporting catalogs", "count", len(cats), "output", output)

				lines := all || len(cats) != 1 || strings.HasSuffix(output, ".jsonl")
				switch {
				case output == "" && lines:
					return codec.WriteCatalogs(a.stdout, cats)
				case output == "":
					return codec.EncodeCatalog(a.stdout, cats[0])
				case lines:
					return codec.WriteCatalogsFile(output, cats)
				}
				data, err := codec.MarshalCatalog(cats[0])
				if err != nil {
					return err
				}
				if err := os.WriteFile(output, append(data, '\n'), 0o644); err != nil {
					return fmt.Errorf("write %s: %w", output, err)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "export every stored catalog")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	return cmd
}

// decodeCatalogs reads a JSON document, or JSON Lines when lines is set.
func decodeCatalogs(data []byte, lines bool) ([]*types.Catalog, error) {
	if lines {
		return codec.ReadCatalogs(bytes.NewReader(data))
	}
	c, err := codec.UnmarshalCatalog(data)
	if err != nil {
		return nil, err
	}
	return []*types.Catalog{c}, nil
}

func (a *app) catalogImportCmd() *cobra.Command {
	var replace, jsonl bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import catalogs from JSON",
		Long: `Import a catalog JSON document, or JSON Lines when the file ends in
.jsonl or --jsonl is given. Use - to read stdin. A catalog whose id is
already stored is a conflict unless --replace is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			cats, err := decodeCatalogs(data, jsonl || strings.HasSuffix(args[0], ".jsonl"))
			if err != nil {
				return badInput(err)
			}

			return a.withStore(cmd, func(ctx context.Context, s types.Store) error {
				sums, err := s.ListCatalogs(ctx)
				if err != nil {
					return err
				}
				stored := make(map[uuid.UUID]int64, len(sums))
				for _, sum := range sums {
					stored[sum.ID] = sum.Revision
				}

				imported := make([]uuid.UUID, 0, len(cats))
				for _, c := range cats {
					rev, ok := stored[c.ID]
					if ok && !replace {
						return &types.ConflictError{CatalogID: c.ID, Revision: 0, Reason: "catalog already stored; use --replace"}
					}
					c.Revision = rev
					if err := s.SaveCatalog(ctx, c); err != nil {
						return err
					}
					imported = append(imported, c.ID)
					a.log.Debug("imported catalog", "id", c.ID, "revision", c.Revision)
				}
				if a.flags.jsonMode {
					return a.printJSON(map[string]any{"imported": imported})
				}
				for _, id := range imported {
					fmt.Fprintln(a.stdout, id)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "overwrite catalogs that are already stored")
	cmd.Flags().BoolVar(&jsonl, "jsonl", false, "read JSON Lines")
	return cmd
}

// parseTarget parses backend=location. The location is a data directory for
// sqlite and a DSN otherwise.
func parseTarget(base types.Config, v string) (types.Config, error) {
	name, loc, ok := strings.Cut(v, "=")
	if !ok || loc == "" {
		return types.Config{}, usageErrorf("target %q: expected backend=location", v)
	}
	cfg := types.Config{Backend: name, Pool: base.Pool, Retry: base.Retry}
	if name == types.BackendSQLite {
		cfg.DataDir = loc
	} else {
		cfg.DSN = loc
	}
	if err := cfg.Validate(); err != nil {
		return types.Config{}, fmt.Errorf("target %q: %w", v, err)
	}
	return cfg, nil
}

func (a *app) catalogMirrorCmd() *cobra.Command {
	var (
		species string
		targets []string
	)
	cmd := &cobra.Command{
		Use:   "mirror <id>",
		Short: "Derive a replica of a catalog and save it to several stores",
		Long: `Derive a new catalog from a stored one (species MIRROR by default,
upstream set to the source) and save it concurrently to the configured
store and to every --to target.

Targets are backend=location: a data directory for sqlite, a DSN for
postgres and mysql. A target's schema is created when missing.

Example:
  cheap catalog mirror 0190... --to sqlite=/tmp/replica \
      --to postgres=postgres://cheap@db/cheap`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCatalogID(args[0])
			if err != nil {
				return err
			}
			sp, err := types.ParseSpecies(species)
			if err != nil {
				return err
			}
			base, err := a.storeConfig()
			if err != nil {
				return err
			}
			cfgs := make([]types.Config, 0, len(targets))
			for _, t := range targets {
				cfg, err := parseTarget(base, t)
				if err != nil {
					return err
				}
				cfgs = append(cfgs, cfg)
			}

			ctx := cmd.Context()
			s, err := a.openConfig(ctx, base)
			if err != nil {
				return err
			}
			defer s.Detach()

			src, err := s.LoadCatalog(ctx, id)
			if err != nil {
				return err
			}
			replica, err := src.Derive(sp)
			if err != nil {
				return err
			}

			daos := []types.DAO{s}
			for _, cfg := range cfgs {
				t, err := a.openConfig(ctx, cfg)
				if err != nil {
					return err
				}
				defer t.Detach()
				if err := t.CreateSchema(ctx, types.SchemaOptions{}); err != nil && !errors.Is(err, types.ErrSchemaExists) {
					return err
				}
				daos = append(daos, t)
			}
			if err := store.Replicate(ctx, replica, daos...); err != nil {
				return err
			}

			content, err := digest.Content(replica)
			if err != nil {
				return err
			}
			a.log.Info("mirrored catalog", "source", src.ID, "replica", replica.ID, "stores", len(daos))
			if a.flags.jsonMode {
				return a.printJSON(map[string]any{
					"id":       replica.ID,
					"upstream": src.ID,
					"species":  replica.Species,
					"content":  content.String(),
					"stores":   len(daos),
				})
			}
			fmt.Fprintln(a.stdout, replica.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&species, "species", string(types.SpeciesMirror), "replica species")
	cmd.Flags().StringArrayVar(&targets, "to", nil, "additional target as backend=location (repeatable)")
	return cmd
}
