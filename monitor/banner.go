package monitor

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#1F2937")).
			Background(lipgloss.Color("#F59E0B")).
			Padding(0, 1)

	criticalStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#DC2626")).
			Padding(0, 1)

	expiredStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#6B7280")).
			Padding(0, 1)
)

// FormatRemaining renders d as M:SS, rounding partial seconds up so the countdown
// only shows 0:00 once the time is really gone.
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0:00"
	}
	secs := int64((d + time.Second - 1) / time.Second)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

// RenderBanner returns the banner for a warning, critical or expired status and ""
// otherwise. A width of zero leaves the banner unpadded.
func RenderBanner(status Status, width int) string {
	var (
		style lipgloss.Style
		text  string
	)
	switch status.Level {
	case LevelWarning:
		style = warningStyle
		text = fmt.Sprintf("Your session expires in %s. Press r to stay signed in.", FormatRemaining(status.Remaining))
	case LevelCritical:
		style = criticalStyle
		text = fmt.Sprintf("Session expiring in %s! Press r now to stay signed in.", FormatRemaining(status.Remaining))
	case LevelExpired:
		style = expiredStyle
		text = "Your session has expired. Please sign in again."
	default:
		return ""
	}
	if width > 0 {
		style = style.Width(width)
	}
	return style.Render(text)
}
