package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/volley/internal/config"
	"github.com/wesleyorama2/volley/internal/engine"
	"github.com/wesleyorama2/volley/internal/fixture"
)

func newValidateCmd(g *globalFlags) *cobra.Command {
	var checkFixtures bool
	cmd := &cobra.Command{
		Use:   "validate <profile>",
		Short: "Check a profile without running it",
		Long: `Load a profile, apply the environment and flag overrides and report
every configuration problem at once. With --fixtures the fixture files are
loaded too.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			colors := schemeFor(cmd, g)

			p, err := loadProfile(cmd, args[0])
			if err == nil {
				err = p.Validate()
			}
			if err != nil {
				fmt.Fprintf(out, "%s %s\n", colors.FailIcon(), args[0])
				var verrs *config.ValidationErrors
				if errors.As(err, &verrs) {
					for _, e := range verrs.Errors {
						fmt.Fprintf(out, "  - %s\n", e)
					}
					return &ExitError{Code: engine.ExitInvalid}
				}
				return &ExitError{Code: engine.ExitCode(nil, err), Err: err}
			}

			if checkFixtures {
				store, err := fixture.Load(fixture.DirSource(p.Settings.FixturesDir))
				if err != nil {
					fmt.Fprintf(out, "%s %s\n", colors.FailIcon(), args[0])
					return &ExitError{Code: engine.ExitInvalid, Err: err}
				}
				fmt.Fprintf(out, "  fixtures: %d records, %d challenges\n", store.Len(), len(store.Challenges()))
			}

			fmt.Fprintf(out, "%s %s: %d stage(s), %d threshold subject(s), scheduled %s\n",
				colors.PassIcon(), p.Name, len(p.Stages), len(p.Thresholds), p.Span())
			return nil
		},
	}
	addEnvFlags(cmd)
	cmd.Flags().BoolVar(&checkFixtures, "fixtures", false, "also load the fixture files")
	return cmd
}
