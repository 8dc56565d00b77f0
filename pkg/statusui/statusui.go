// Package statusui is a read-only terminal view of the board and the queue.
// It polls the state files, so it can run beside (or without) the daemon.
package statusui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/heysquid/heysquid/pkg/kanban"
	"github.com/heysquid/heysquid/pkg/ledger"
	"github.com/heysquid/heysquid/pkg/worklock"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	cardStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	busyStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	columnBox   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1).
			Width(28)
)

type snapshot struct {
	working *worklock.Info
	pending int
	board   kanban.Document
}

type tickMsg time.Time

type Model struct {
	led   *ledger.Ledger
	board *kanban.Board
	lock  *worklock.Lock

	snap snapshot
	err  error
}

func NewModel(led *ledger.Ledger, board *kanban.Board, lock *worklock.Lock) Model {
	return Model{led: led, board: board, lock: lock}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh, tick())
}

func tick() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) refresh() tea.Msg {
	return snapshot{
		working: m.lock.Read(),
		pending: len(m.led.Pending()),
		board:   m.board.Snapshot(),
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.refresh
		}
	case tickMsg:
		return m, tea.Batch(m.refresh, tick())
	case snapshot:
		m.snap = msg
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("heysquid"))
	b.WriteString("  ")
	b.WriteString(dimStyle.Render(fmt.Sprintf("queue: %d", m.snap.pending)))
	b.WriteString("\n\n")

	if w := m.snap.working; w != nil {
		b.WriteString(busyStyle.Render("● working"))
		b.WriteString(cardStyle.Render(fmt.Sprintf("  %s", w.InstructionSummary)))
		b.WriteString(dimStyle.Render(fmt.Sprintf("  (since %s, last activity %s)", w.StartedAt, w.LastActivity)))
	} else {
		b.WriteString(dimStyle.Render("○ idle"))
	}
	b.WriteString("\n\n")

	columns := []string{kanban.ColTodo, kanban.ColInProgress, kanban.ColWaiting, kanban.ColDone}
	rendered := make([]string, 0, len(columns))
	for _, col := range columns {
		rendered = append(rendered, m.renderColumn(col))
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, rendered...))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("q quit · r refresh"))
	return b.String()
}

func (m Model) renderColumn(col string) string {
	var cards []kanban.Card
	for _, t := range m.snap.board.Tasks {
		if t.Column == col {
			cards = append(cards, t)
		}
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%s (%d)", col, len(cards))))
	max := 6
	for i, c := range cards {
		if i >= max {
			b.WriteString("\n" + dimStyle.Render(fmt.Sprintf("… %d more", len(cards)-max)))
			break
		}
		title := c.Title
		if len([]rune(title)) > 22 {
			title = string([]rune(title)[:22]) + "…"
		}
		b.WriteString("\n" + cardStyle.Render(fmt.Sprintf("%s %s", c.ShortID, title)))
	}
	return columnBox.Render(b.String())
}

// Run starts the viewer and blocks until the user quits.
func Run(led *ledger.Ledger, board *kanban.Board, lock *worklock.Lock) error {
	_, err := tea.NewProgram(NewModel(led, board, lock), tea.WithAltScreen()).Run()
	return err
}
