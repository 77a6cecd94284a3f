package logger

import (
	charmlog "github.com/charmbracelet/log"
	"github.com/charmbracelet/lipgloss"
)

// getDefaultStyles returns the text-formatter styles used for non-JSON output.
func getDefaultStyles() *charmlog.Styles {
	styles := charmlog.DefaultStyles()
	styles.Levels[charmlog.DebugLevel] = styles.Levels[charmlog.DebugLevel].
		SetString("DEBUG").
		Foreground(lipgloss.Color("63"))
	styles.Levels[charmlog.InfoLevel] = styles.Levels[charmlog.InfoLevel].
		SetString("INFO").
		Foreground(lipgloss.Color("86"))
	styles.Levels[charmlog.WarnLevel] = styles.Levels[charmlog.WarnLevel].
		SetString("WARN").
		Foreground(lipgloss.Color("192"))
	styles.Levels[charmlog.ErrorLevel] = styles.Levels[charmlog.ErrorLevel].
		SetString("ERROR").
		Foreground(lipgloss.Color("204"))
	return styles
}
