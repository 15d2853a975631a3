package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/handoff/internal/api"
	"github.com/kubilitics/handoff/internal/session"
)

const chatHelp = `commands:
  /human [reason]  ask for a human operator
  /state           show hand-off and connection state
  /quit            leave
anything else is sent as a message`

func newChatCmd(a *app) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "chat [conversation-id]",
		Short: "Chat as an end user; a new user and conversation are created when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationID := ""
			if len(args) == 1 {
				conversationID = args[0]
			}
			return a.runChat(cmd.Context(), userID, conversationID)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (created when empty)")
	return cmd
}

func (a *app) runChat(ctx context.Context, userID, conversationID string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := a.newClient()
	if err != nil {
		return err
	}
	userID, conversationID, err = ensureConversation(ctx, client, userID, conversationID)
	if err != nil {
		return err
	}

	out := newPrinter(a.stdout)
	sess, err := session.NewUserSession(a.cfg.SessionConfig(), client, userID,
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
	out.info("conversation %s, user %s (/help for commands)", conversationID, userID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	cleanup, err := a.startBackground(gctx, g, sess.Reconciler(), sess.ConnectionStats)
	if err != nil {
		return err
	}
	defer cleanup()

	g.Go(func() error {
		defer cancel()
		return repl(gctx, a.stdin, a.promptFor(out), func(line string) bool {
			return a.chatLine(gctx, sess, out, line)
		})
	})
	return g.Wait()
}

func ensureConversation(ctx context.Context, client *api.Client, userID, conversationID string) (string, string, error) {
	if userID == "" {
		u, err := client.CreateUser(ctx)
		if err != nil {
			return "", "", fmt.Errorf("create user: %w", err)
		}
		userID = u.UserID
	}
	if conversationID == "" {
		c, err := client.CreateConversation(ctx, userID)
		if err != nil {
			return "", "", fmt.Errorf("create conversation: %w", err)
		}
		conversationID = c.ID
	}
	return userID, conversationID, nil
}

func (a *app) chatLine(ctx context.Context, sess *session.UserSession, out *printer, line string) bool {
	name, rest, ok := splitCommand(line)
	if !ok {
		if err := sess.SendMessage(ctx, line); err != nil {
			out.error(err)
		}
		return true
	}

	var err error
	switch name {
	case "quit", "exit":
		return false
	case "help":
		out.info(chatHelp)
	case "human":
		err = sess.RequestHandoff(rest)
	case "state":
		st := sess.Snapshot().State
		out.info("* %s, operator %q, connection %s", st.HandoffState, st.Operator, sess.ConnectionState())
	default:
		err = fmt.Errorf("unknown command /%s", name)
	}
	if err != nil {
		out.error(err)
	}
	return true
}
