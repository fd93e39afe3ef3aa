package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cheap/pkg/codec"
	"github.com/mesh-intelligence/cheap/pkg/types"
)

func (a *app) aspectDefCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "aspectdef",
		Aliases: []string{"def"},
		Short:   "Inspect and evolve the aspect defs of a stored catalog",
	}
	cmd.AddCommand(
		a.aspectDefListCmd(),
		a.aspectDefGetCmd(),
		a.aspectDefAddCmd(),
	)
	return cmd
}

func (a *app) aspectDefListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <catalog>",
		Short: "List aspect defs",
		Long: `List the aspect defs of a stored catalog. Each property prints as
name:TYPE. Required properties end in ! and read-only ones in *. A default
follows as =value.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCatalogID(args[0])
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(ctx context.Context, s types.Store) error {
				defs, err := s.ListAspectDefs(ctx, id)
				if err != nil {
					return err
				}
				if a.flags.jsonMode {
					out := make([]json.RawMessage, 0, len(defs))
					for _, d := range defs {
						raw, err := codec.MarshalAspectDef(d)
						if err != nil {
							return err
						}
						out = append(out, raw)
					}
					return a.printJSON(out)
				}
				rows := make([][]string, 0, len(defs))
				for _, d := range defs {
					props := make([]string, 0, len(d.Properties))
					for _, p := range d.Properties {
						col := p.Name + ":" + string(p.Type)
						if p.Required {
							col += "!"
						}
						if p.ReadOnly || d.ReadOnly {
							col += "*"
						}
						if p.HasDefault() {
							col += "=" + p.Default.String()
						}
						props = append(props, col)
					}
					rows = append(rows, []string{d.Name, strconv.Itoa(d.Version), strings.Join(props, " ")})
				}
				return a.printTable([]string{"NAME", "VERSION", "PROPERTIES"}, rows)
			})
		},
	}
}

func (a *app) aspectDefGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <catalog> <name>",
		Short: "Print an aspect def as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCatalogID(args[0])
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(ctx context.Context, s types.Store) error {
				d, err := s.GetAspectDef(ctx, id, args[1])
				if err != nil {
					return err
				}
				raw, err := codec.MarshalAspectDef(d)
				if err != nil {
					return err
				}
				return a.printJSON(json.RawMessage(raw))
			})
		},
	}
}

func (a *app) aspectDefAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <catalog> <file>",
		Short: "Declare an aspect def or extend an existing one",
		Long: `Read an aspect def from a JSON file (- for stdin) and add it to a
stored catalog. Replacing an existing def requires a higher version that
only adds optional properties.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCatalogID(args[0])
			if err != nil {
				return err
			}
			data, err := readInput(cmd, args[1])
			if err != nil {
				return err
			}
			d, err := codec.UnmarshalAspectDef(data)
			if err != nil {
				return badInput(err)
			}
			return a.withStore(cmd, func(ctx context.Context, s types.Store) error {
				if err := s.AddAspectDef(ctx, id, d); err != nil {
					return err
				}
				if a.flags.jsonMode {
					return a.printJSON(map[string]any{"catalog": id, "name": d.Name, "version": d.Version})
				}
				fmt.Fprintf(a.stdout, "%s v%d added to %s\n", d.Name, d.Version, id)
				return nil
			})
		},
	}
}
