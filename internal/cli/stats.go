package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kubilitics/handoff/internal/session"
)

func newStatsCmd(a *app) *cobra.Command {
	var (
		watch  bool
		output string
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show support inbox statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			client, err := a.newClient()
			if err != nil {
				return err
			}
			if !watch {
				s, err := client.GetSupportStats(cmd.Context())
				if err != nil {
					return err
				}
				if output != outputTable {
					return writeStructured(a.stdout, output, s)
				}
				fmt.Fprintln(a.stdout, formatStats(*s))
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			out := newPrinter(a.stdout)
			return session.NewStatsPoller(client, a.cfg.Session.StatsInterval, out.statsUpdate, a.logger).Run(ctx)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep polling every session.stats_interval")
	addOutputFlag(cmd, &output)
	return cmd
}
