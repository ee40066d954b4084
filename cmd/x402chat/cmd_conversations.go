package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"x402chat/internal/app"
	"x402chat/internal/history"
	"x402chat/internal/types"
)

// conversationsCmd manages stored conversations
var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "List and manage conversations",
	RunE:    listConversations,
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE:  listConversations,
}

var conversationsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a new conversation and make it active",
	Args:  cobra.NoArgs,
	RunE:  newConversation,
}

var conversationsUseCmd = &cobra.Command{
	Use:   "use [conversation-id]",
	Short: "Make a conversation active",
	Args:  cobra.ExactArgs(1),
	RunE:  useConversation,
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete [conversation-id]",
	Short: "Delete a conversation with its messages and draft",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteConversation,
}

// historyCmd prints a conversation
var historyCmd = &cobra.Command{
	Use:   "history [conversation-id]",
	Short: "Print the messages of a conversation (default: active)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showHistory,
}

func init() {
	conversationsCmd.AddCommand(
		conversationsListCmd,
		conversationsNewCmd,
		conversationsUseCmd,
		conversationsDeleteCmd,
	)
}

func listConversations(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := bootApp(ctx, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.Conversations(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No conversations yet.")
		return nil
	}

	<-a.Identity.Ready()
	active := a.Identity.Active()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\tID\tTITLE\tUPDATED")
	for _, c := range list {
		marker := ""
		if c.ID == active {
			marker = "*"
		}
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", marker, c.ID, title, c.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func newConversation(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := bootApp(ctx, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.NewConversation(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), c.ID)
	return nil
}

func useConversation(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := bootApp(ctx, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.SwitchTo(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Active conversation: %s\n", args[0])
	return nil
}

func deleteConversation(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := bootApp(ctx, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	<-a.Identity.Ready()
	if err := a.DeleteConversation(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}

func showHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := bootApp(ctx, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	var id string
	if len(args) == 1 {
		id = args[0]
	} else {
		<-a.Identity.Ready()
		id = a.Identity.Active()
	}
	if id == "" {
		return fmt.Errorf("no active conversation")
	}

	msgs, err := a.Store.Messages(ctx, id)
	if err != nil {
		return err
	}
	printMessages(cmd, msgs)
	return nil
}

func printMessages(cmd *cobra.Command, msgs []types.Message) {
	out := cmd.OutOrStdout()
	user := color.New(color.FgGreen, color.Bold).SprintFunc()
	assistant := color.New(color.FgCyan, color.Bold).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()
	tool := color.New(color.FgBlue).SprintFunc()

	for _, m := range msgs {
		switch m.Role {
		case types.RoleUser:
			fmt.Fprintln(out, user("You:"))
		default:
			fmt.Fprintln(out, assistant("Assistant:"))
		}
		for _, p := range m.Parts {
			switch p.Kind {
			case types.PartText:
				fmt.Fprintln(out, p.Text)
			case types.PartReasoning:
				fmt.Fprintln(out, faint(p.Text))
			case types.PartToolInvocation:
				fmt.Fprintln(out, tool(fmt.Sprintf("[tool] %s %s", p.ToolName, string(p.Input))))
			case types.PartToolResult:
				fmt.Fprintln(out, tool(fmt.Sprintf("[result] %s", strings.TrimSpace(string(p.Output)))))
			}
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out, faint(fmt.Sprintf("%d messages, ~%d tokens", len(msgs), history.EstimateTokens(msgs))))
}
