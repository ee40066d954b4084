package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"x402chat/internal/app"
)

// draftsCmd shows or clears the unsent draft of a conversation
var draftsCmd = &cobra.Command{
	Use:     "drafts [conversation-id]",
	Aliases: []string{"draft"},
	Short:   "Show the unsent draft of a conversation (default: active)",
	Args:    cobra.MaximumNArgs(1),
	RunE:    showDraft,
}

var draftsClearCmd = &cobra.Command{
	Use:   "clear [conversation-id]",
	Short: "Discard the unsent draft of a conversation (default: active)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  clearDraft,
}

// loginCmd opens a wallet session
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Open a wallet session for paid requests",
	Args:  cobra.NoArgs,
	RunE:  runLogin,
}

// signOutCmd forgets local session state
var signOutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Forget the wallet session, active conversation, cache and drafts",
	Long: `Signs out: the wallet session, the active conversation and every
unsent draft are forgotten. Stored conversations are kept.`,
	Args: cobra.NoArgs,
	RunE: runSignOut,
}

// configCmd manages the config file
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or create the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to --config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(configPath); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
		}
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPath)
		return nil
	},
}

func init() {
	draftsCmd.AddCommand(draftsClearCmd)
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configShowCmd, configInitCmd)
}

func draftTarget(a *app.App, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	<-a.Identity.Ready()
	if id := a.Identity.Active(); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("no active conversation")
}

func showDraft(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := bootApp(ctx, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := draftTarget(a, args)
	if err != nil {
		return err
	}
	text, ok := a.Draft(ctx, id)
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), color.New(color.Faint).Sprint("No draft."))
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), text)
	return nil
}

func clearDraft(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := bootApp(ctx, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := draftTarget(a, args)
	if err != nil {
		return err
	}
	return a.Drafts.Clear(ctx, id)
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := bootApp(ctx, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Wallet.Reauthenticate(ctx); err != nil {
		return fmt.Errorf("wallet login failed: %w", err)
	}
	s, _ := a.Wallet.Session()
	ok := color.New(color.FgGreen, color.Bold).SprintFunc()
	fmt.Fprintf(cmd.OutOrStdout(), "%s wallet %s, session valid until %s\n",
		ok("Signed in:"), s.Address, s.ExpiresAt.Local().Format("2006-01-02 15:04"))
	return nil
}

func runSignOut(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := bootApp(ctx, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	<-a.Identity.Ready()
	if err := a.SignOut(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
	return nil
}
