package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cheap/pkg/types"
)

const modulePath = "github.com/mesh-intelligence/cheap"

// Version is the release version, set at build time with
// -ldflags "-X github.com/mesh-intelligence/cheap/internal/cli.Version=...".
var Version = "0.1.0"

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cheap version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.flags.jsonMode {
				return a.printJSON(map[string]any{
					"version":        Version,
					"module":         modulePath,
					"schema_version": types.SchemaVersion,
					"go":             runtime.Version(),
				})
			}
			fmt.Fprintf(a.stdout, "cheap v%s\nmodule: %s\nschema: %d\n", Version, modulePath, types.SchemaVersion)
			return nil
		},
	}
}
