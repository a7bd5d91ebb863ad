// Package tui renders the live migration status dashboard. It is a read-only
// view over the state store: the service keeps writing while the dashboard
// polls, so a watch session never interferes with coordination.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/resetready/migrationd/internal/store"
)

const pollInterval = 2 * time.Second

// TickMsg triggers a store refresh.
type TickMsg time.Time

type refreshMsg struct {
	summaries []*store.MigrationSummary
	readiness *store.Readiness
	err       error
}

// Model is the dashboard model.
type Model struct {
	st        *store.Store
	spin      spinner.Model
	summaries []*store.MigrationSummary
	readiness *store.Readiness
	loaded    bool
	err       error
	width     int
}

// NewModel builds a dashboard over an open store.
func NewModel(st *store.Store) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return Model{st: st, spin: sp, width: 80}
}

// Run opens the store read path and blocks until the user quits.
func Run(dataDir string) error {
	st, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	program := tea.NewProgram(NewModel(st))
	_, err = program.Run()
	return err
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.refresh, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) refresh() tea.Msg {
	summaries, err := m.st.GetMigrationSummaries()
	if err != nil {
		return refreshMsg{err: err}
	}
	readiness, err := m.st.GetMigrationReadiness()
	if err != nil {
		return refreshMsg{err: err}
	}
	return refreshMsg{summaries: summaries, readiness: readiness}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refresh
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case TickMsg:
		return m, tea.Batch(m.refresh, tickCmd())

	case refreshMsg:
		m.err = msg.err
		if msg.err == nil {
			m.summaries = msg.summaries
			m.readiness = msg.readiness
			m.loaded = true
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(styleTitle.Render("Migration Status"))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(styleError.Render(fmt.Sprintf("error: %v", m.err)))
		b.WriteString("\n")
	}

	if !m.loaded {
		b.WriteString(m.spin.View())
		b.WriteString(" loading state...\n")
		return b.String()
	}

	b.WriteString(m.renderBanner())
	b.WriteString("\n\n")
	b.WriteString(m.renderTable())
	b.WriteString(styleFooter.Render("q quit · r refresh"))
	b.WriteString("\n")
	return b.String()
}

func (m Model) renderBanner() string {
	r := m.readiness
	if r == nil {
		return ""
	}
	if r.CanReset {
		return styleReady.Render("READY FOR RESET") +
			fmt.Sprintf("  %d/%d users complete", r.CompletedUsers, r.ActiveUsers)
	}
	return styleBlocked.Render(fmt.Sprintf("BLOCKED (%d users)", len(r.BlockingUsers))) +
		fmt.Sprintf("  %d/%d users complete", r.CompletedUsers, r.ActiveUsers)
}

func (m Model) renderTable() string {
	if len(m.summaries) == 0 {
		return "No user profiles detected yet.\n\n"
	}

	var b strings.Builder
	b.WriteString(styleHeader.Render(fmt.Sprintf("%-18s %-20s %5s  %-20s %6s",
		"USER", "STATE", "PROG", "DEADLINE", "DELAYS")))
	b.WriteString("\n")

	for _, s := range m.summaries {
		deadline := "-"
		if s.Deadline != nil {
			deadline = s.Deadline.Local().Format("2006-01-02 15:04")
		}
		line := fmt.Sprintf("%-18s %-20s %4d%%  %-20s %3d",
			truncate(s.UserID, 18), s.State, s.Progress, deadline, s.DelayCount)
		b.WriteString(stateStyle(s.State)(line))
		if s.Attention != "" {
			b.WriteString(styleStateWarn.Render("  ! " + s.Attention))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

func stateStyle(state store.StateType) func(...string) string {
	switch state {
	case store.StateReadyForReset:
		return styleStateDone.Render
	case store.StateEscalated, store.StateFailed:
		return styleStateBad.Render
	case store.StateWaitingForUser, store.StateBackupInProgress:
		return styleStateWarn.Render
	default:
		return styleStateNeutral.Render
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
