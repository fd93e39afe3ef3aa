package cli

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cheap/pkg/types"
)

func (a *app) schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage the persisted schema",
	}
	cmd.AddCommand(
		a.schemaCreateCmd(),
		a.schemaDropCmd(),
		a.schemaTruncateCmd(),
		a.schemaStatusCmd(),
	)
	return cmd
}

func (a *app) schemaCreateCmd() *cobra.Command {
	var opts types.SchemaOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create every table",
		Long: "Create the schema. An existing empty schema is left as is; one that\n" +
			"holds catalogs is an error unless --overwrite is given.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, s types.Store) error {
				if err := s.CreateSchema(ctx, opts); err != nil {
					return err
				}
				a.printf("schema created (%s, version %d)\n", s.Backend(), types.SchemaVersion)
				return a.schemaStatus(ctx, s, true)
			})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.IncludeAudit, "audit", false, "add created_at and updated_at columns to catalog rows")
	f.BoolVar(&opts.IncludeForeignKeys, "foreign-keys", false, "declare foreign keys from owned rows")
	f.BoolVar(&opts.Overwrite, "overwrite", false, "drop a populated schema first")
	return cmd
}

func (a *app) schemaDropCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop every table and all catalogs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return usageErrorf("schema drop removes every catalog; pass --yes to confirm")
			}
			return a.withStore(cmd, func(ctx context.Context, s types.Store) error {
				if err := s.DropSchema(ctx); err != nil {
					return err
				}
				a.printf("schema dropped (%s)\n", s.Backend())
				return a.schemaStatus(ctx, s, true)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the drop")
	return cmd
}

func (a *app) schemaTruncateCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "truncate",
		Short: "Delete all catalogs and keep the tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return usageErrorf("schema truncate removes every catalog; pass --yes to confirm")
			}
			return a.withStore(cmd, func(ctx context.Context, s types.Store) error {
				if err := s.TruncateSchema(ctx); err != nil {
					return err
				}
				a.printf("schema truncated (%s)\n", s.Backend())
				return a.schemaStatus(ctx, s, true)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the truncate")
	return cmd
}

func (a *app) schemaStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the schema exists and its version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, s types.Store) error {
				return a.schemaStatus(ctx, s, false)
			})
		},
	}
}

type schemaStatus struct {
	Backend  string `json:"backend"`
	Exists   bool   `json:"exists"`
	Version  int    `json:"version"`
	Catalogs int    `json:"catalogs"`
}

// schemaStatus prints the schema state. With jsonOnly it prints nothing in
// human mode, so mutating commands report JSON without repeating themselves.
func (a *app) schemaStatus(ctx context.Context, s types.Store, jsonOnly bool) error {
	if jsonOnly && !a.flags.jsonMode {
		return nil
	}
	st := schemaStatus{Backend: s.Backend()}
	var err error
	if st.Exists, err = s.SchemaExists(ctx); err != nil {
		return err
	}
	if st.Exists {
		if st.Version, err = s.SchemaVersion(ctx); err != nil {
			return err
		}
		cats, err := s.ListCatalogs(ctx)
		if err != nil {
			return err
		}
		st.Catalogs = len(cats)
	}

	if a.flags.jsonMode {
		return a.printJSON(st)
	}
	return a.printTable(
		[]string{"BACKEND", "EXISTS", "VERSION", "CATALOGS"},
		[][]string{{st.Backend, strconv.FormatBool(st.Exists), strconv.Itoa(st.Version), strconv.Itoa(st.Catalogs)}},
	)
}
