package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/config"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/ledger"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/pipeline"
)

// openLedger is swapped in tests.
var openLedger = func(ctx context.Context, cfg config.Config) (ledger.Store, error) {
	return pipeline.OpenLedger(ctx, cfg)
}

func newFailuresCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "failures",
		Short: "Lists failure records kept in the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(f.cfgFile, f.output)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			store, err := openLedger(cmd.Context(), cfg)
			if err != nil {
				return classify(err)
			}
			defer func() {
				if cerr := store.Close(); cerr != nil {
					logger.Warn("close ledger", zap.Error(cerr))
				}
			}()
			records, err := store.ListFailures(cmd.Context())
			if err != nil {
				return classify(fmt.Errorf("list failures: %w", err))
			}
			return printFailures(cmd.OutOrStdout(), records)
		},
	}
}

func printFailures(w io.Writer, records []acquire.FailureRecord) error {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Year != records[j].Year {
			return records[i].Year < records[j].Year
		}
		return records[i].URL < records[j].URL
	})
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "YEAR\tSOURCE\tKIND\tURL\tERROR")
	for _, r := range records {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.Year, r.Source, r.ErrorKind, r.URL, r.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d failure(s)\n", len(records))
	return err
}
