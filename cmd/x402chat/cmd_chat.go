package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"x402chat/cmd/x402chat/ui"
	"x402chat/internal/app"
	"x402chat/internal/session"
	"x402chat/internal/types"
)

// chatCore exposes the session snapshot next to the app's conversation and
// draft operations.
type chatCore struct {
	*app.App
}

func (c chatCore) BoundID() string           { return c.Session.BoundID() }
func (c chatCore) Messages() []types.Message { return c.Session.Messages() }
func (c chatCore) State() session.State      { return c.Session.State() }

// runInteractiveChat boots the chat core and runs the TUI until the user quits.
func runInteractiveChat(cmd *cobra.Command) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := bootApp(ctx, app.Options{ConfigPath: configPath, Watch: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Shutdown error", zap.Error(err))
		}
	}()

	if _, err := a.EnsureConversation(ctx); err != nil {
		return fmt.Errorf("failed to open a conversation: %w", err)
	}
	a.SetScreen("chat")

	model := ui.New(chatCore{a}, a.Bridge)
	defer model.Close()

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("chat UI failed: %w", err)
	}
	return nil
}
