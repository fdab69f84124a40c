package cmd

import (
	"fmt"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shopcap/internal/control/circuit"
)

// openBreaker builds a breaker over the persisted state directory. Commands
// that only inspect or reset circuits share it with no dispatch wiring.
func openBreaker(stateDir string, softMode bool, logger *zap.Logger) (*circuit.Breaker, error) {
	store, err := circuit.NewFileStore(filepath.Join(stateDir, "circuit"))
	if err != nil {
		return nil, err
	}
	return circuit.New(circuit.Config{SoftMode: softMode}, store, logger)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-profile circuit state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadEnv()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			breaker, err := openBreaker(cfg.StateDir, cfg.Circuit.SoftMode, logger)
			if err != nil {
				return err
			}

			states := breaker.States()
			sort.Slice(states, func(i, j int) bool {
				return states[i].Profile < states[j].Profile
			})

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROFILE\tSTATUS\tREASON\tTRIPPED AT")
			seen := map[string]bool{}
			for _, st := range states {
				seen[st.Profile] = true
				trippedAt := "-"
				if !st.TrippedAt.IsZero() {
					trippedAt = st.TrippedAt.Format("2006-01-02 15:04:05")
				}
				reason := string(st.Reason)
				if reason == "" {
					reason = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", st.Profile, st.Status, reason, trippedAt)
			}
			for _, profile := range cfg.Profiles {
				if !seen[profile.Name] {
					fmt.Fprintf(tw, "%s\t%s\t-\t-\n", profile.Name, circuit.StatusHealthy)
				}
			}
			return tw.Flush()
		},
	}
}
