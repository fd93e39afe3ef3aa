// Package cli implements the cheap command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mesh-intelligence/cheap/internal/paths"
	"github.com/mesh-intelligence/cheap/pkg/store"
	"github.com/mesh-intelligence/cheap/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	backend   string
	dsn       string
	jsonMode  bool
	verbose   bool
}

// app is the state shared by one command tree: flags, loaded configuration
// and the output streams.
type app struct {
	flags  rootFlags
	v      *viper.Viper
	log    *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

// NewRootCmd creates the top-level "cheap" command with global flags
// and all subcommands registered.
func NewRootCmd() *cobra.Command {
	return newApp(os.Stdout, os.Stderr).rootCmd()
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout: stdout,
		stderr: stderr,
		log:    slog.New(slog.DiscardHandler),
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cheap",
		Short: "Catalog, hierarchy, entity, aspect and property storage",
		Long: "cheap stores typed entity catalogs in SQLite, PostgreSQL or MySQL\n" +
			"and moves them between backends as content-addressed documents.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig()
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &exitError{code: exitUserError, err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configDir, "config-dir", "", "configuration directory (default: platform config dir)")
	pf.StringVar(&a.flags.dataDir, "data-dir", "", "SQLite data directory (default: platform data dir)")
	pf.StringVar(&a.flags.backend, "backend", "", "storage backend: sqlite, postgres or mysql")
	pf.StringVar(&a.flags.dsn, "dsn", "", "driver connection string")
	pf.BoolVar(&a.flags.jsonMode, "json", false, "output in JSON format")
	pf.BoolVarP(&a.flags.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(
		a.versionCmd(),
		a.initCmd(),
		a.schemaCmd(),
		a.catalogCmd(),
		a.aspectDefCmd(),
	)
	return root
}

// Execute runs the root command against the process arguments and returns
// the exit code.
func Execute(ctx context.Context) int {
	return run(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newApp(stdout, stderr).rootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitSuccess
	}
	fmt.Fprintln(stderr, "cheap:", err)
	return exitCode(err)
}

// exitError carries an explicit exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return &exitError{code: exitUserError, err: fmt.Errorf(format, args...)}
}

// userErrors are caused by the request rather than the environment.
var userErrors = []error{
	types.ErrValidation,
	types.ErrNotFound,
	types.ErrConflict,
	types.ErrCycle,
	types.ErrSchemaExists,
	types.ErrSchemaVersionMismatch,
	types.ErrUnsupportedType,
	types.ErrBackendEmpty,
	types.ErrBackendUnknown,
	types.ErrDSNRequired,
	types.ErrPoolInvalid,
	types.ErrRetryInvalid,
}

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	for _, target := range userErrors {
		if errors.Is(err, target) {
			return exitUserError
		}
	}
	// cobra reports unknown commands and bad arguments as plain errors.
	msg := err.Error()
	if strings.HasPrefix(msg, "unknown command") || strings.HasPrefix(msg, "accepts ") || strings.HasPrefix(msg, "requires ") {
		return exitUserError
	}
	return exitSysError
}

// open attaches the configured store. The caller must Detach it.
func (a *app) open(ctx context.Context) (types.Store, error) {
	cfg, err := a.storeConfig()
	if err != nil {
		return nil, err
	}
	return a.openConfig(ctx, cfg)
}

func (a *app) openConfig(ctx context.Context, cfg types.Config) (types.Store, error) {
	s, err := store.Open(ctx, cfg, store.WithLogger(a.log))
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", cfg.Backend, err)
	}
	return s, nil
}

// withStore opens the store, runs fn and detaches.
func (a *app) withStore(cmd *cobra.Command, fn func(ctx context.Context, s types.Store) error) error {
	ctx := cmd.Context()
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Detach()
	return fn(ctx, s)
}

func (a *app) resolveDataDir() (string, error) {
	return paths.ResolveDataDir(a.flags.dataDir, a.v.GetString(cfgKeyDataDir))
}

func (a *app) resolveConfigDir() (string, error) {
	return paths.ResolveConfigDir(a.flags.configDir)
}
