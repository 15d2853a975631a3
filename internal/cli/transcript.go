package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kubilitics/handoff/internal/reconciler"
)

func newTranscriptCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "transcript <conversation-id>",
		Short: "Print a conversation recorded in the local transcript store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			conv, err := st.GetConversation(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("conversation %s: %w", args[0], err)
			}
			msgs, err := st.GetMessages(cmd.Context(), conv.ID, limit)
			if err != nil {
				return err
			}

			fmt.Fprintf(a.stdout, "conversation %s: %s", conv.ID, conv.HandoffState)
			if conv.Operator != "" {
				fmt.Fprintf(a.stdout, " (%s)", conv.Operator)
			}
			fmt.Fprintln(a.stdout)
			for _, m := range msgs {
				fmt.Fprintln(a.stdout, formatMessage(reconciler.Message{
					ID:          m.ID,
					Role:        m.Role,
					Content:     m.Content,
					Operator:    m.Operator,
					Images:      m.Images,
					IsWithdrawn: m.Withdrawn,
					IsEdited:    m.Edited,
				}))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of messages (0 = store default)")
	return cmd
}
