package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kubilitics/handoff/internal/api"
	"github.com/kubilitics/handoff/internal/protocol"
)

func newConversationsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Browse the support inbox",
	}
	cmd.AddCommand(newConversationsListCmd(a))
	return cmd
}

func newConversationsListCmd(a *app) *cobra.Command {
	var (
		state  string
		sortBy string
		limit  int
		offset int
		local  bool
		output string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations by hand-off state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if state != "" && !protocol.HandoffState(state).Valid() {
				return fmt.Errorf("invalid state %q (ai, pending, human)", state)
			}
			if sortBy != api.SortByHeat && sortBy != api.SortByTime {
				return fmt.Errorf("invalid sort %q (%s, %s)", sortBy, api.SortByHeat, api.SortByTime)
			}
			if err := checkOutput(output); err != nil {
				return err
			}
			if local {
				return a.listLocal(cmd, limit, offset, output)
			}

			client, err := a.newClient()
			if err != nil {
				return err
			}
			list, err := client.ListSupportConversations(cmd.Context(), api.ListOptions{
				State:  protocol.HandoffState(state),
				SortBy: sortBy,
				Limit:  limit,
				Offset: offset,
			})
			if err != nil {
				return err
			}
			if output != outputTable {
				return writeStructured(a.stdout, output, list)
			}

			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tOPERATOR\tUSER ONLINE\tHEAT\tUNREAD\tUPDATED")
			for _, c := range list.Items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%d\t%s\n",
					c.ID, c.HandoffState, dash(c.HandoffOperator), c.UserOnline, c.HeatScore, c.UnreadCount, c.UpdatedAt)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%d of %d\n", len(list.Items), list.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by hand-off state (ai, pending, human)")
	cmd.Flags().StringVar(&sortBy, "sort", api.SortByHeat, "sort order (heat, time)")
	cmd.Flags().IntVar(&limit, "limit", api.DefaultListLimit, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	cmd.Flags().BoolVar(&local, "local", false, "list conversations recorded in the local transcript store")
	addOutputFlag(cmd, &output)
	return cmd
}

func (a *app) listLocal(cmd *cobra.Command, limit, offset int, output string) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := st.ListConversations(cmd.Context(), limit, offset)
	if err != nil {
		return err
	}
	if output != outputTable {
		return writeStructured(a.stdout, output, recs)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tOPERATOR\tUNREAD\tRECORDED")
	for _, c := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			c.ID, c.HandoffState, dash(c.Operator), c.UnreadCount, c.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
