package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/artpromedia/evidence-ledger/internal/auditchain"
	"github.com/spf13/cobra"
)

func newStatsCmd(c *cli) *cobra.Command {
	var (
		subject string
		full    bool
		format  string
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show ledger statistics and chain integrity",
		Long: `Stats counts entries by action type and signature status. Without
--subject it also verifies a sample of subjects (ledger.stats_sample_size);
--full verifies every subject instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.Ledger.Statistics(ctx, subject)
			if err != nil {
				return err
			}
			if full && subject == "" {
				if stats.Integrity, err = a.Ledger.Integrity(ctx, 0); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if format == "json" {
				return writeJSON(out, stats)
			}
			printStats(cmd, stats)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "limit statistics to one subject")
	cmd.Flags().BoolVar(&full, "full", false, "verify every subject rather than a sample")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or json")
	return cmd
}

func printStats(cmd *cobra.Command, s *auditchain.Stats) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	if s.SubjectID != "" {
		fmt.Fprintf(w, "subject\t%s\n", s.SubjectID)
	}
	fmt.Fprintf(w, "entries\t%d\n", s.TotalEntries)
	fmt.Fprintf(w, "subjects\t%d\n", s.Subjects)
	fmt.Fprintf(w, "signed\t%d (%.1f%%)\n", s.SignedEntries, s.SignedFraction*100)

	actions := make([]string, 0, len(s.ActionTypes))
	for a := range s.ActionTypes {
		actions = append(actions, string(a))
	}
	sort.Strings(actions)
	for _, a := range actions {
		fmt.Fprintf(w, "  %s\t%d\n", a, s.ActionTypes[auditchain.ActionType(a)])
	}

	if in := s.Integrity; in != nil {
		fmt.Fprintf(w, "integrity\t%d/%d subjects valid (%.1f%%)\n", in.ValidSubjects, in.SampledSubjects, in.Rate*100)
		for _, bad := range in.InvalidSubjects {
			fmt.Fprintf(w, "  broken\t%s\n", bad)
		}
	}
	w.Flush()
}
