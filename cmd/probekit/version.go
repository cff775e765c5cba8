// version.go implements the 'probekit version' and hidden 'probekit schema'
// commands.
package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kolkov/probekit/analysis"
	"github.com/kolkov/probekit/internal/config"
)

func newVersionCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			info := analysis.GetInfo()
			fmt.Fprintf(c.stdout, "probekit version %s\n", info.Version)
			fmt.Fprintf(c.stdout, "modes: %s\n", strings.Join(info.Modes, ", "))
			fmt.Fprintf(c.stdout, "race algorithms: %s\n", strings.Join(info.RaceAlgorithms, ", "))
		},
	}
}

// newSchemaCmd prints the JSON schema of the configuration file, for
// editor completion of .probekit/config.yaml.
func newSchemaCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:    "schema",
		Short:  "Print the configuration JSON schema",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			data, err := config.Schema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.stdout, string(data))
			return err
		},
	}
}
