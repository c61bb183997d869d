// Package interview is the terminal stand-in for the embedding page: it
// requests a verification URL, waits for the interview to complete, and
// shows the collected response.
package interview

import "github.com/charmbracelet/lipgloss"

// Theme keeps the client's colors in one place.
type Theme struct {
	Title     lipgloss.Style
	Border    lipgloss.Style
	URL       lipgloss.Style
	OK        lipgloss.Style
	Failed    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(purple).
			Padding(0, 1),
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple).
			Padding(0, 1),
		URL:       lipgloss.NewStyle().Underline(true).Foreground(lipgloss.Color("#61AFEF")),
		OK:        lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Failed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	}
}
