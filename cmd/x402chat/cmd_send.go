package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"x402chat/internal/app"
	"x402chat/internal/bridge"
	"x402chat/internal/session"
	"x402chat/internal/types"
)

var (
	sendConversation string
	sendNew          bool
	showReasoning    bool
)

// sendCmd sends one message and streams the reply to stdout
var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send one message and stream the reply",
	Long: `Sends a message to the active conversation (or --conversation) and
prints the assistant's reply as it streams. Ctrl+C stops the reply and keeps
what arrived so far.

Example:
  x402chat send "What is the price of ETH?"
  x402chat send --new "Summarize x402 in one sentence"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

// regenerateCmd re-asks the last user message
var regenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Regenerate the last assistant reply",
	Args:  cobra.NoArgs,
	RunE:  runRegenerate,
}

func init() {
	for _, c := range []*cobra.Command{sendCmd, regenerateCmd} {
		c.Flags().StringVarP(&sendConversation, "conversation", "C", "", "Conversation id (default: active)")
		c.Flags().BoolVar(&showReasoning, "reasoning", false, "Print reasoning as it streams")
	}
	sendCmd.Flags().BoolVar(&sendNew, "new", false, "Start a new conversation")
	rootCmd.AddCommand(regenerateCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	return runTurn(cmd, func(ctx context.Context, a *app.App) error {
		return a.Session.Send(ctx, text)
	})
}

func runRegenerate(cmd *cobra.Command, args []string) error {
	return runTurn(cmd, func(ctx context.Context, a *app.App) error {
		return a.Session.Regenerate(ctx)
	})
}

// runTurn boots the core, binds the target conversation, starts a turn with
// start and prints it until the session is idle again.
func runTurn(cmd *cobra.Command, start func(context.Context, *app.App) error) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := bootApp(ctx, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()
	a.SetScreen("cli")

	id, err := selectConversation(ctx, a)
	if err != nil {
		return err
	}
	if err := waitReady(ctx, a, id); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	warn := color.New(color.FgYellow).SprintFunc()
	unsub := a.Bridge.OnState(func(sc bridge.StateChange) {
		if sc.ConversationID == id && sc.Notice != "" {
			fmt.Fprintln(out, warn(sc.Notice))
		}
	})
	defer unsub()

	before := make(map[string]bool)
	for _, m := range a.Session.Messages() {
		before[m.ID] = true
	}

	if err := start(ctx, a); err != nil {
		if errors.Is(err, session.ErrDeferred) {
			a.Guard.Wait()
			if a.Wallet.Valid() {
				fmt.Fprintln(out, warn("Wallet session renewed. Run the command again to send."))
			}
		}
		return err
	}
	logger.Debug("Turn started", zap.String("conversation", id))

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			a.Session.Stop()
		case <-done:
		}
		return nil
	})
	g.Go(func() error {
		defer close(done)
		return printTurn(gctx, a, out, before)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := a.Session.LastError(); err != nil {
		return fmt.Errorf("reply failed: %w", err)
	}
	return nil
}

// selectConversation binds --conversation, a new conversation or the active one.
func selectConversation(ctx context.Context, a *app.App) (string, error) {
	switch {
	case sendNew:
		c, err := a.NewConversation(ctx)
		if err != nil {
			return "", err
		}
		return c.ID, nil
	case sendConversation != "":
		if err := a.SwitchTo(ctx, sendConversation); err != nil {
			return "", err
		}
		return sendConversation, nil
	default:
		return a.EnsureConversation(ctx)
	}
}

// waitReady waits until id is bound and its history has been applied.
func waitReady(ctx context.Context, a *app.App, id string) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if a.Session.Ready(ctx, id) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("conversation %s did not load: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// printTurn prints the streaming assistant message as it grows. Messages in
// before are skipped.
func printTurn(ctx context.Context, a *app.App, out io.Writer, before map[string]bool) error {
	faint := color.New(color.Faint).SprintFunc()
	label := color.New(color.FgCyan, color.Bold).SprintFunc()

	var printedReasoning, printedText int
	labelled := false
	flush := func() {
		msgs := a.Session.Messages()
		idx := types.LastOfRole(msgs, types.RoleAssistant)
		if idx < 0 || before[msgs[idx].ID] {
			return
		}
		msg := msgs[idx]
		if !labelled {
			fmt.Fprintln(out, label("Assistant:"))
			labelled = true
		}
		if r := msg.Reasoning(); showReasoning && len(r) > printedReasoning {
			fmt.Fprint(out, faint(r[printedReasoning:]))
			printedReasoning = len(r)
		}
		if t := msg.Text(); len(t) > printedText {
			if printedText == 0 && printedReasoning > 0 {
				fmt.Fprintln(out)
			}
			fmt.Fprint(out, t[printedText:])
			printedText = len(t)
		}
	}

	ticker := time.NewTicker(40 * time.Millisecond)
	defer ticker.Stop()
	for {
		a.Session.Sync()
		busy := a.Session.State().Busy()
		flush()
		if !busy {
			fmt.Fprintln(out)
			return nil
		}
		select {
		case <-ctx.Done():
			// Stop is issued by the caller; keep printing until idle
			ctx = context.Background()
		case <-ticker.C:
		}
	}
}
