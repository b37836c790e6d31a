package tui

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vinayprograms/deepresearch/internal/chat"
	"github.com/vinayprograms/deepresearch/internal/events"
)

// Turner runs one conversation turn.
type Turner interface {
	Turn(ctx context.Context, threadID, message string) (*chat.Reply, error)
}

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	progressStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
)

// Feed forwards run events to a running chat view. It is an events.Publisher.
type Feed struct {
	mu   sync.Mutex
	prog *tea.Program
}

// Publish hands ev to the attached program, if any.
func (f *Feed) Publish(_ context.Context, ev events.Event) error {
	f.mu.Lock()
	prog := f.prog
	f.mu.Unlock()
	if prog != nil {
		go prog.Send(progressMsg{ev})
	}
	return nil
}

func (f *Feed) attach(p *tea.Program) {
	f.mu.Lock()
	f.prog = p
	f.mu.Unlock()
}

type progressMsg struct{ ev events.Event }

type replyMsg struct {
	reply *chat.Reply
	err   error
}

// chatModel is the conversation view: transcript, progress line and input.
type chatModel struct {
	ctx      context.Context
	turner   Turner
	thread   string
	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	ready    bool
	width    int
	height   int

	entries  []string
	busy     bool
	progress string
	report   string
	pager    *reportPager
}

func newChatModel(ctx context.Context, t Turner, threadID string) *chatModel {
	in := textinput.New()
	in.Placeholder = "Ask a research question..."
	in.CharLimit = 4000
	in.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return &chatModel{ctx: ctx, turner: t, thread: threadID, input: in, spinner: sp}
}

// RunChat starts the interactive chat view. feed may be nil.
func RunChat(ctx context.Context, t Turner, threadID string, feed *Feed) error {
	prog := tea.NewProgram(newChatModel(ctx, t, threadID), tea.WithAltScreen(), tea.WithContext(ctx))
	if feed != nil {
		feed.attach(prog)
		defer feed.attach(nil)
	}
	_, err := prog.Run()
	return err
}

func (m *chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

func (m *chatModel) send(message string) tea.Cmd {
	thread := m.thread
	return func() tea.Msg {
		reply, err := m.turner.Turn(m.ctx, thread, message)
		return replyMsg{reply: reply, err: err}
	}
}

func (m *chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.pager != nil {
		if size, ok := msg.(tea.WindowSizeMsg); ok {
			m.layout(size.Width, size.Height)
		}
		done, cmd := m.pager.update(msg)
		if done {
			m.pager = nil
		}
		return m, cmd
	}

	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout(msg.Width, msg.Height)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "ctrl+r":
			if m.report != "" {
				m.pager = newReportPager("Report", m.report)
				m.pager.resize(m.width, m.height)
			}
			return m, nil
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if text == "" || m.busy {
				return m, nil
			}
			m.input.Reset()
			m.busy = true
			m.progress = "starting"
			m.append(userStyle.Render("you") + "\n" + text)
			return m, tea.Batch(m.send(text), m.spinner.Tick)
		}

	case progressMsg:
		if msg.ev.ThreadID == "" || msg.ev.ThreadID == m.thread || m.thread == "" {
			if line := describe(msg.ev); line != "" {
				m.progress = line
			}
		}
		return m, nil

	case replyMsg:
		m.busy = false
		m.progress = ""
		if msg.err != nil {
			m.append(errStyle.Render("error: " + msg.err.Error()))
			return m, nil
		}
		m.thread = msg.reply.ThreadID
		m.append(assistantStyle.Render("assistant") + "\n" + msg.reply.Response)
		if msg.reply.Report != "" {
			m.report = msg.reply.Report
			m.append(dimStyle.Render("ctrl+r opens the report · new thread " + m.thread))
		}
		return m, nil

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *chatModel) layout(width, height int) {
	m.width, m.height = width, height
	vh := height - 3 // input line, progress line, separator
	if !m.ready {
		m.viewport = viewport.New(width, vh)
		m.ready = true
	} else {
		m.viewport.Width = width
		m.viewport.Height = vh
	}
	m.input.Width = width - 4
	m.refresh()
	if m.pager != nil {
		m.pager.resize(width, height)
	}
}

func (m *chatModel) append(entry string) {
	m.entries = append(m.entries, entry)
	m.refresh()
}

func (m *chatModel) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(wrap(strings.Join(m.entries, "\n\n"), m.viewport.Width))
	m.viewport.GotoBottom()
}

func (m *chatModel) View() string {
	if m.pager != nil {
		return m.pager.view()
	}
	if !m.ready {
		return "\n  Loading..."
	}
	status := ""
	if m.busy {
		status = m.spinner.View() + progressStyle.Render(m.progress)
	}
	sep := dimStyle.Render(strings.Repeat("─", max(0, m.width)))
	return m.viewport.View() + "\n" + status + "\n" + sep + "\n" + m.input.View()
}

// describe renders an event as a one-line progress note. Events with nothing
// to show yield "".
func describe(ev events.Event) string {
	switch ev.Kind {
	case events.NodeStarted:
		return fmt.Sprintf(" %v", ev.Data["node"])
	case events.SupervisorRound:
		return fmt.Sprintf(" round %v: %v research tasks", ev.Data["iteration"], ev.Data["delegations"])
	case events.SubAgentStarted:
		return fmt.Sprintf(" researching %v", ev.Data["topic"])
	case events.SubAgentCompleted:
		if failed, _ := ev.Data["failed"].(bool); failed {
			return fmt.Sprintf(" research task %v failed", ev.Data["index"])
		}
		return fmt.Sprintf(" research task %v done", ev.Data["index"])
	case events.SupervisorFinished:
		return fmt.Sprintf(" research finished (%v)", ev.Data["reason"])
	case events.ReportReady:
		return " report ready"
	}
	return ""
}
