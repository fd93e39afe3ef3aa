package cli

import (
	"errors"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cheap/pkg/types"
)

func (a *app) initCmd() *cobra.Command {
	var opts types.SchemaOptions
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize cheap storage",
		Long: "Create the configuration directory and config.yaml if missing, then\n" +
			"attach the configured backend and create its schema. Running init on a\n" +
			"store that already holds catalogs leaves them in place.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			configDir, err := a.resolveConfigDir()
			if err != nil {
				return err
			}
			cfg, err := a.storeConfig()
			if err != nil {
				return err
			}

			cf := configFile{
				Backend:  cfg.Backend,
				DSN:      cfg.DSN,
				LogLevel: a.v.GetString(cfgKeyLogLevel),
			}
			if a.flags.dataDir != "" {
				cf.DataDir = cfg.DataDir
			}
			written, err := writeConfigIfMissing(configDir, cf)
			if err != nil {
				return err
			}
			if written {
				a.log.Info("wrote config", "path", filepath.Join(configDir, configFileExt))
			}

			s, err := a.openConfig(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Detach()

			existing := false
			if err := s.CreateSchema(ctx, opts); err != nil {
				if !errors.Is(err, types.ErrSchemaExists) {
					return err
				}
				existing = true
			}

			if a.flags.jsonMode {
				return a.printJSON(map[string]any{
					"config_dir":     configDir,
					"config_written": written,
					"backend":        cfg.Backend,
					"data_dir":       cfg.DataDir,
					"schema_version": types.SchemaVersion,
					"existing":       existing,
				})
			}
			if existing {
				a.printf("cheap already initialized (%s)\n", cfg.Backend)
				return nil
			}
			a.printf("cheap initialized (%s)\n", cfg.Backend)
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.IncludeAudit, "audit", false, "add created_at and updated_at columns to catalog rows")
	cmd.Flags().BoolVar(&opts.IncludeForeignKeys, "foreign-keys", false, "declare foreign keys from owned rows")
	return cmd
}
