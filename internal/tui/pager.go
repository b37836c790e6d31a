// Package tui provides the terminal chat view and the report pager.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	matchStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// reportPager scrolls a report with less-style search.
type reportPager struct {
	viewport viewport.Model
	title    string
	content  string
	wrapped  string
	ready    bool

	searching bool
	input     textinput.Model
	query     string
	matches   []int // line numbers in wrapped
	current   int
}

func newReportPager(title, content string) *reportPager {
	return &reportPager{title: title, content: content}
}

// RunPager shows content full screen until the user quits.
func RunPager(title, content string) error {
	prog := tea.NewProgram(&pagerProgram{newReportPager(title, content)},
		tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err := prog.Run()
	return err
}

// pagerProgram adapts reportPager to a standalone tea.Model.
type pagerProgram struct{ p *reportPager }

func (m *pagerProgram) Init() tea.Cmd { return nil }

func (m *pagerProgram) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	done, cmd := m.p.update(msg)
	if done {
		return m, tea.Quit
	}
	return m, cmd
}

func (m *pagerProgram) View() string { return m.p.view() }

// resize lays the pager out over width x height, keeping one line each for header and footer.
func (p *reportPager) resize(width, height int) {
	if !p.ready {
		p.viewport = viewport.New(width, height-2)
		p.viewport.YPosition = 1
		p.ready = true
	} else {
		p.viewport.Width = width
		p.viewport.Height = height - 2
	}
	p.wrapped = wrap(p.content, width)
	p.viewport.SetContent(p.wrapped)
	if p.query != "" {
		p.search()
	}
}

// update handles msg and reports whether the pager should close.
func (p *reportPager) update(msg tea.Msg) (bool, tea.Cmd) {
	if p.searching {
		if key, ok := msg.(tea.KeyMsg); ok {
			switch key.String() {
			case "enter":
				p.searching = false
				p.query = p.input.Value()
				p.search()
				p.jump(0)
				return false, nil
			case "esc", "ctrl+c":
				p.searching = false
				p.clearSearch()
				return false, nil
			}
		}
		var cmd tea.Cmd
		p.input, cmd = p.input.Update(msg)
		return false, cmd
	}

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		p.resize(msg.Width, msg.Height)
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return true, nil
		case "esc":
			if p.query == "" {
				return true, nil
			}
			p.clearSearch()
		case "g":
			p.viewport.GotoTop()
		case "G":
			p.viewport.GotoBottom()
		case "/":
			p.searching = true
			p.input = textinput.New()
			p.input.Placeholder = "Search..."
			p.input.CharLimit = 100
			p.input.Width = 40
			p.input.SetValue(p.query)
			p.input.Focus()
			return false, textinput.Blink
		case "n":
			if len(p.matches) > 0 {
				p.jump((p.current + 1) % len(p.matches))
			}
		case "N":
			if len(p.matches) > 0 {
				p.jump((p.current - 1 + len(p.matches)) % len(p.matches))
			}
		}
	}

	var cmd tea.Cmd
	p.viewport, cmd = p.viewport.Update(msg)
	return false, cmd
}

func (p *reportPager) clearSearch() {
	p.query = ""
	p.matches = nil
	p.current = 0
}

// search collects the wrapped lines containing the query, case-insensitively.
func (p *reportPager) search() {
	p.matches = nil
	p.current = 0
	if p.query == "" {
		return
	}
	q := strings.ToLower(p.query)
	for i, line := range strings.Split(p.wrapped, "\n") {
		if strings.Contains(strings.ToLower(line), q) {
			p.matches = append(p.matches, i)
		}
	}
}

// jump centres match i in the viewport.
func (p *reportPager) jump(i int) {
	if i < 0 || i >= len(p.matches) {
		return
	}
	p.current = i
	offset := p.matches[i] - p.viewport.Height/2
	if limit := p.viewport.TotalLineCount() - p.viewport.Height; offset > limit {
		offset = limit
	}
	if offset < 0 {
		offset = 0
	}
	p.viewport.SetYOffset(offset)
}

func (p *reportPager) view() string {
	if !p.ready {
		return "\n  Loading..."
	}
	title := titleStyle.Render(p.title)
	header := title + dimStyle.Render(strings.Repeat("─", max(0, p.viewport.Width-lipgloss.Width(title))))

	var footer string
	switch {
	case p.searching:
		footer = matchStyle.Render("/") + p.input.View()
	case p.query != "" && len(p.matches) == 0:
		footer = " " + errStyle.Render("Pattern not found") + dimStyle.Render(" │ /: search │ esc: clear")
	case len(p.matches) > 0:
		footer = " " + matchStyle.Render(fmt.Sprintf("[%d/%d]", p.current+1, len(p.matches))) +
			dimStyle.Render(" │ n/N: next/prev │ esc: clear")
	default:
		footer = dimStyle.Render(fmt.Sprintf(" q: close │ /: search │ g/G: top/bottom │ %3.0f%%", p.viewport.ScrollPercent()*100))
	}
	return header + "\n" + p.viewport.View() + "\n" + footer
}

// wrap word-wraps each line of content to width.
func wrap(content string, width int) string {
	if width <= 0 {
		return content
	}
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if lipgloss.Width(line) <= width {
			out = append(out, line)
			continue
		}
		out = append(out, strings.Split(wordwrap.String(line, width), "\n")...)
	}
	return strings.Join(out, "\n")
}
