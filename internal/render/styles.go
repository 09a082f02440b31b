package render

import "github.com/charmbracelet/lipgloss"

type styles struct {
	title     lipgloss.Style
	header    lipgloss.Style
	user      lipgloss.Style
	assistant lipgloss.Style
	open      lipgloss.Style
	tool      lipgloss.Style
	partial   lipgloss.Style
	empty     lipgloss.Style
	badgeOn   lipgloss.Style
	badgeOff  lipgloss.Style
	errBanner lipgloss.Style
	toolErr   lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:     lipgloss.NewStyle().Bold(true),
		header:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		user:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		assistant: lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		open:      lipgloss.NewStyle().Foreground(lipgloss.Color("159")),
		tool:      lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true),
		partial:   lipgloss.NewStyle().Faint(true).Italic(true),
		empty:     lipgloss.NewStyle().Faint(true),
		badgeOn:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		badgeOff:  lipgloss.NewStyle().Foreground(lipgloss.Color("238")),
		errBanner: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		toolErr:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	}
}
