package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"x402chat/internal/bridge"
	"x402chat/internal/history"
	"x402chat/internal/logging"
	"x402chat/internal/session"
	"x402chat/internal/types"
)

// Chat is the part of the chat core the screen reads from.
type Chat interface {
	BoundID() string
	Messages() []types.Message
	State() session.State
	Draft(ctx context.Context, conversationID string) (string, bool)
	UpdateDraft(conversationID, text string)
	NewConversation(ctx context.Context) (types.Conversation, error)
}

// stateMsg carries a bridge state change into the update loop.
type stateMsg bridge.StateChange

// Model is the chat screen.
type Model struct {
	chat   Chat
	bridge *bridge.Bridge
	states chan bridge.StateChange
	unsub  func()

	input    textarea.Model
	viewport viewport.Model
	spinner  spinner.Model
	styles   Styles
	renderer *glamour.TermRenderer

	boundID     string
	state       session.State
	messages    []types.Message
	pendingSend string
	notice      string
	err         error
	width       int
	height      int
	ready       bool
	now         func() time.Time
}

// New creates the chat screen and subscribes it to bridge state changes.
// Call Close when the program exits.
func New(chat Chat, b *bridge.Bridge) *Model {
	styles := DefaultStyles()

	ta := textarea.New()
	ta.Placeholder = "Ask about tokens, wallets, prices... (Enter to send)"
	ta.ShowLineNumbers = false
	ta.CharLimit = 8192
	ta.SetHeight(3)
	ta.KeyMap.InsertNewline.SetEnabled(false)
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Spinner

	m := &Model{
		chat:     chat,
		bridge:   b,
		states:   make(chan bridge.StateChange, 256),
		input:    ta,
		viewport: viewport.New(80, 20),
		spinner:  sp,
		styles:   styles,
		state:    session.Idle,
		now:      time.Now,
	}
	m.renderer = newRenderer(styles, 80)
	m.unsub = b.OnState(func(sc bridge.StateChange) {
		select {
		case m.states <- sc:
		default:
			// the screen re-reads the snapshot on the next change or tick
			logging.Get(logging.CategoryUI).Warn("State change dropped, UI behind")
		}
	})
	return m
}

func newRenderer(styles Styles, width int) *glamour.TermRenderer {
	style := glamour.WithStylePath("light")
	if styles.Theme.IsDark {
		style = glamour.WithStylePath("dark")
	}
	r, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(width))
	if err != nil {
		logging.Get(logging.CategoryUI).Warn("Markdown renderer unavailable: %v", err)
		return nil
	}
	return r
}

// Close unsubscribes from the bridge.
func (m *Model) Close() {
	if m.unsub != nil {
		m.unsub()
	}
}

func (m *Model) waitForState() tea.Cmd {
	ch := m.states
	return func() tea.Msg {
		sc, ok := <-ch
		if !ok {
			return nil
		}
		return stateMsg(sc)
	}
}

// Init starts the spinner, the input cursor and the state subscription.
func (m *Model) Init() tea.Cmd {
	m.sync()
	return tea.Batch(textarea.Blink, m.spinner.Tick, m.waitForState())
}

// Update handles keys, window resizes, spinner ticks and state changes.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)

	case stateMsg:
		m.applyState(bridge.StateChange(msg))
		cmds = append(cmds, m.waitForState())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
		if m.state.Busy() {
			// deltas do not produce state changes; poll the snapshot while streaming
			m.sync()
		}

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEsc:
			if m.state.Busy() {
				m.bridge.Stop(m.boundID)
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyCtrlR:
			m.regenerate()
			return m, nil
		case tea.KeyCtrlN:
			m.newConversation()
			return m, nil
		case tea.KeyEnter:
			m.submit()
			return m, nil
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
		before := m.input.Value()
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
		if after := m.input.Value(); after != before {
			m.chat.UpdateDraft(m.boundID, after)
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) submit() {
	text := strings.TrimSpace(m.input.Value())
	switch {
	case text == "":
		return
	case m.boundID == "":
		m.notice = "No conversation. Press Ctrl+N to start one."
		return
	case m.state.Busy():
		m.notice = "Still answering. Press Esc to stop."
		return
	}
	m.pendingSend = text
	m.notice = ""
	m.err = nil
	m.bridge.Send(m.boundID, text)
}

func (m *Model) regenerate() {
	if m.boundID == "" || m.state.Busy() {
		return
	}
	m.notice = ""
	m.err = nil
	m.bridge.Regenerate(m.boundID)
}

func (m *Model) newConversation() {
	if _, err := m.chat.NewConversation(context.Background()); err != nil {
		m.err = err
	}
	m.sync()
}

// applyState folds a state change into the screen.
func (m *Model) applyState(sc bridge.StateChange) {
	if sc.ConversationID != m.boundID {
		m.sync()
		return
	}
	if sc.Notice != "" {
		m.notice = sc.Notice
		m.pendingSend = ""
	}
	if sc.Err != nil {
		m.err = sc.Err
		m.pendingSend = ""
	}
	if session.Phase(sc.Phase) == session.PhaseWaiting && m.pendingSend != "" {
		// accepted: the input was sent
		m.input.Reset()
		m.pendingSend = ""
	}
	m.sync()
}

// sync re-reads the session snapshot.
func (m *Model) sync() {
	if id := m.chat.BoundID(); id != m.boundID {
		m.boundID = id
		m.notice = ""
		m.err = nil
		m.pendingSend = ""
		m.input.Reset()
		if draft, ok := m.chat.Draft(context.Background(), id); ok && id != "" {
			m.input.SetValue(draft)
		}
	}
	m.state = m.chat.State()
	m.messages = m.chat.Messages()
	m.refreshViewport()
}

func (m *Model) resize(width, height int) {
	m.width, m.height = width, height
	m.input.SetWidth(width - 2)
	vpHeight := height - m.input.Height() - 6
	if vpHeight < 3 {
		vpHeight = 3
	}
	m.viewport.Width = width
	m.viewport.Height = vpHeight
	m.renderer = newRenderer(m.styles, width-4)
	m.ready = true
	m.refreshViewport()
}

func (m *Model) refreshViewport() {
	m.viewport.SetContent(m.renderMessages())
	m.viewport.GotoBottom()
}

func (m *Model) renderMessages() string {
	if len(m.messages) == 0 {
		return m.styles.Muted.Render("  No messages yet.")
	}
	var sb strings.Builder
	for _, msg := range m.messages {
		switch msg.Role {
		case types.RoleUser:
			sb.WriteString(m.styles.UserLabel.Render("You"))
			sb.WriteString("\n")
			sb.WriteString(m.styles.UserText.Render(msg.Text()))
		default:
			sb.WriteString(m.styles.AssistantLabel.Render("Assistant"))
			sb.WriteString("\n")
			sb.WriteString(m.renderParts(msg))
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func (m *Model) renderParts(msg types.Message) string {
	var out []string
	var text strings.Builder
	flush := func() {
		if text.Len() == 0 {
			return
		}
		out = append(out, m.markdown(text.String()))
		text.Reset()
	}
	for _, p := range msg.Parts {
		switch p.Kind {
		case types.PartText:
			text.WriteString(p.Text)
		case types.PartReasoning:
			flush()
			out = append(out, m.styles.Reasoning.Render(p.Text))
		case types.PartToolInvocation:
			flush()
			out = append(out, m.styles.Tool.Render(fmt.Sprintf("⚙ %s %s", p.ToolName, string(p.Input))))
		case types.PartToolResult:
			flush()
			style := m.styles.Tool
			if p.IsError {
				style = m.styles.ToolError
			}
			out = append(out, style.Render(fmt.Sprintf("↳ %s", truncate(string(p.Output), 200))))
		}
	}
	flush()
	return strings.Join(out, "\n")
}

func (m *Model) markdown(s string) string {
	if m.renderer == nil {
		return s
	}
	r, err := m.renderer.Render(s)
	if err != nil {
		return s
	}
	return strings.TrimRight(r, "\n")
}

// View renders the screen.
func (m *Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	title := "x402chat"
	if m.boundID != "" {
		title += " · " + shortID(m.boundID)
	}
	header := m.styles.Header.Width(m.width).Render(title)

	var status string
	switch m.state.Phase {
	case session.PhaseWaiting:
		status = m.spinner.View() + " waiting"
	case session.PhaseReasoning:
		status = m.spinner.View() + " thinking"
	case session.PhaseResponding:
		status = m.spinner.View() + " responding"
	}
	if m.state.Busy() {
		status += m.styles.Muted.Render(fmt.Sprintf(" %ds", int(m.now().Sub(m.state.StartedAt).Seconds())))
	}

	var line string
	switch {
	case m.err != nil:
		line = m.styles.Error.Render(m.err.Error())
	case m.notice != "":
		line = m.styles.Notice.Render(m.notice)
	}

	footer := m.styles.Footer.Render(fmt.Sprintf(
		"enter send · esc stop · ctrl+r regenerate · ctrl+n new · ~%d tokens",
		history.EstimateTokens(m.messages)))

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		m.styles.Status.Render(status),
		line,
		m.styles.Input.Render(m.input.View()),
		footer,
	)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
