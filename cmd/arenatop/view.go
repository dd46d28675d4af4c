package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	overlay "github.com/rmhubbert/bubbletea-overlay"
)

// View renders the entire UI
func (m Model) View() string {
	if m.err != nil {
		return errorStyle.Render(m.print.Sprintf("Error: %v\n\nPress r to reset or q to quit.", m.err)) + "\n"
	}
	if m.showHelp {
		help := overlay.New(
			NewHelpViewModel(&m),
			NewMainViewModel(&m),
			overlay.Center,
			overlay.Center,
			0,
			0,
		)
		return help.View()
	}
	return m.renderMain()
}

func (m Model) renderMain() string {
	return lipgloss.JoinVertical(
		lipgloss.Left,
		m.renderHeader(),
		m.renderUsage(),
		lipgloss.JoinHorizontal(lipgloss.Top, m.renderCategories(), m.renderEvents()),
		m.renderStatus(),
	)
}

// renderHeader renders the title, budget and frame counter
func (m Model) renderHeader() string {
	b := m.sys.Budget()
	info := m.print.Sprintf("budget %s  policy %s  frame %d  speed %dx",
		b.Total(), b.General.Policy, m.engine.Frame(), m.speed)
	parts := []string{headerStyle.Render("Arena Monitor"), "  ", infoStyle.Render(info)}
	if m.paused {
		parts = append(parts, "  ", pausedStyle.Render("PAUSED"))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

// renderUsage renders one usage bar per allocator
func (m Model) renderUsage() string {
	var sb strings.Builder
	for i, a := range m.sys.Allocators() {
		st := a.Stats()
		ratio := st.UsageRatio()

		name := nameStyle.Render(a.Name())
		if i == m.selected {
			name = selectedNameStyle.Render(a.Name())
		}
		bar := m.bar
		bar.FullColor = string(usageColor(ratio))

		sb.WriteString(name)
		sb.WriteString(bar.ViewAs(ratio))
		sb.WriteString(numberStyle.Render(m.print.Sprintf(" %12d / %-12d", st.CurrentUsage, st.Capacity)))
		sb.WriteString(mutedStyle.Render(m.print.Sprintf(" frag %5.1f%%  free %d", st.FragmentationPercent, st.FreeBlocks)))
		if i < len(m.sys.Allocators())-1 {
			sb.WriteString("\n")
		}
	}
	return paneStyle.Render(sb.String())
}

// renderCategories renders the tag table of the selected allocator
func (m Model) renderCategories() string {
	title := paneTitleStyle.Render("Categories: " + m.Selected().Name())
	body := m.cats.View()
	if len(m.cats.Rows()) == 0 {
		body = mutedStyle.Render("no tagged allocations")
	}
	return paneStyle.Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
}

// renderEvents renders the latest pressure events
func (m Model) renderEvents() string {
	title := paneTitleStyle.Render(m.print.Sprintf("Pressure events (%d)", m.log.total))
	lines := []string{title}
	if len(m.log.events) == 0 {
		lines = append(lines, mutedStyle.Render("none"))
	}
	for i := len(m.log.events) - 1; i >= 0; i-- {
		ev := m.log.events[i]
		lines = append(lines, eventStyle.Render(m.print.Sprintf("%-10s %5.1f%% of %d", ev.Allocator, 100*ev.Ratio, ev.Capacity)))
	}
	return paneStyle.Render(strings.Join(lines, "\n"))
}

// renderStatus renders the status message and key hints
func (m Model) renderStatus() string {
	line := m.help.View(m.keys)
	if m.status != "" {
		line = statusMessageStyle.Render(m.status) + "  " + line
	}
	return statusStyle.Render(line)
}

// renderHelp renders the full key reference
func (m Model) renderHelp() string {
	h := m.help
	h.ShowAll = true
	return modalStyle.Render(lipgloss.JoinVertical(
		lipgloss.Left,
		helpTitleStyle.Render("Keyboard Shortcuts"),
		h.View(m.keys),
	))
}
