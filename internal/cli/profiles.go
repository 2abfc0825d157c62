package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/volley/internal/config"
	"github.com/wesleyorama2/volley/internal/engine"
	"github.com/wesleyorama2/volley/internal/output"
)

func newProfilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List the built-in profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTAGES\tSPAN\tDESCRIPTION")
			for _, name := range config.PresetNames() {
				p, err := config.Preset(name)
				if err != nil {
					return &ExitError{Code: engine.ExitInvalid, Err: err}
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", name, len(p.Stages), p.Span(), p.Description)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Print a built-in profile as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := config.Preset(args[0])
			if err != nil {
				return &ExitError{Code: engine.ExitInvalid, Err: err}
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(p); err != nil {
				return err
			}
			return enc.Close()
		},
	})
	return cmd
}

func schemeFor(cmd *cobra.Command, g *globalFlags) *output.ColorScheme {
	return output.SchemeFor(cmd.OutOrStdout(), g.noColor)
}
