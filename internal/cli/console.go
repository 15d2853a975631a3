package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/handoff/internal/session"
)

const consoleHelp = `commands:
  /start [reason]          take over the conversation
  /end [summary]           hand the conversation back to the AI
  /withdraw <id> [reason]  withdraw a sent message
  /edit <id> <content>     edit a sent message
  /transfer <agent> [why]  transfer to another operator
  /read                    mark peer messages read
  /state                   show hand-off and connection state
  /quit                    leave
anything else is sent as a message`

func newConsoleCmd(a *app) *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   "console <conversation-id>",
		Short: "Handle a conversation as a support operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runConsole(cmd.Context(), operator, args[0])
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator id shown to the user")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func (a *app) runConsole(ctx context.Context, operator, conversationID string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := a.newClient()
	if err != nil {
		return err
	}
	out := newPrinter(a.stdout)
	sess, err := session.NewSupportSession(a.cfg.SessionConfig(), client, operator,
		session.WithLogger(a.logger),
		session.WithErrorHandler(out.error),
	)
	if err != nil {
		return err
	}
	defer sess.Close()
	defer sess.Subscribe(out.snapshot)()

	sess.SetConversation(conversationID)
	if err := sess.Load(ctx); err != nil {
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	out.info("conversation %s, operator %s (/help for commands)", conversationID, operator)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	cleanup, err := a.startBackground(gctx, g, sess.Reconciler(), sess.ConnectionStats)
	if err != nil {
		return err
	}
	defer cleanup()

	poller := session.NewStatsPoller(client, a.cfg.Session.StatsInterval, out.statsUpdate, a.logger)
	g.Go(func() error { return poller.Run(gctx) })

	g.Go(func() error {
		defer cancel()
		return repl(gctx, a.stdin, a.promptFor(out), func(line string) bool {
			return a.consoleLine(gctx, sess, out, line)
		})
	})
	return g.Wait()
}

func (a *app) consoleLine(ctx context.Context, sess *session.SupportSession, out *printer, line string) bool {
	name, rest, ok := splitCommand(line)
	if !ok {
		if _, err := sess.SendMessage(ctx, line); err != nil {
			out.error(err)
		}
		return true
	}

	var err error
	switch name {
	case "quit", "exit":
		return false
	case "help":
		out.info(consoleHelp)
	case "start":
		_, err = sess.StartHandoff(ctx, rest)
	case "end":
		_, err = sess.EndHandoff(ctx, rest)
	case "withdraw":
		id, reason := cutArg(rest)
		err = requireArg(id, "message id")
		if err == nil {
			err = sess.Withdraw(id, reason)
		}
	case "edit":
		id, content := cutArg(rest)
		err = requireArg(id, "message id")
		if err == nil {
			err = sess.Edit(id, content, false)
		}
	case "transfer":
		target, reason := cutArg(rest)
		err = sess.Transfer(target, reason)
	case "read":
		ids := sess.MarkRead()
		out.info("* marked %d message(s) read", len(ids))
	case "state":
		st := sess.Snapshot().State
		out.info("* %s, operator %q, connection %s, unread %d", st.HandoffState, st.Operator, sess.ConnectionState(), st.UnreadCount)
	default:
		err = fmt.Errorf("unknown command /%s", name)
	}
	if err != nil {
		out.error(err)
	}
	return true
}

func cutArg(s string) (string, string) {
	first, rest, _ := strings.Cut(s, " ")
	return first, strings.TrimSpace(rest)
}

func requireArg(v, what string) error {
	if v == "" {
		return errors.New(what + " is required")
	}
	return nil
}
