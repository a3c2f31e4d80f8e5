package cmd

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/registry"
)

// sourceRegistry is swapped in tests.
var sourceRegistry = registry.Default

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "Lists the known document sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printSources(cmd.OutOrStdout(), sourceRegistry())
		},
	}
}

func printSources(w io.Writer, reg *registry.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tLABEL\tSTRATEGY\tYEARS")
	for _, src := range reg.All() {
		last := "current"
		if src.LastYear > 0 {
			last = strconv.Itoa(src.LastYear)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d-%s\n", src.ID, src.Label, src.Strategy, src.FirstYear, last)
	}
	return tw.Flush()
}
