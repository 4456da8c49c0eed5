package output

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

var byteUnits = []string{"B", "KB", "MB", "GB", "TB", "PB"}

// FormatBytes renders a byte count with a binary-scaled unit suffix.
func FormatBytes(bytes uint64) string {
	value := float64(bytes)
	unit := 0
	for value >= 1024 && unit < len(byteUnits)-1 {
		value /= 1024
		unit++
	}
	if unit == 0 {
		return fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%.2f %s", value, byteUnits[unit])
}

// FormatSpeed renders a bytes-per-second rate.
func FormatSpeed(bps float64) string {
	if bps <= 0 {
		return "0 B/s"
	}
	return FormatBytes(uint64(bps)) + "/s"
}

// FormatETA renders a remaining-time estimate, "--" when unknown.
func FormatETA(eta time.Duration) string {
	if eta <= 0 {
		return "--"
	}
	eta = eta.Round(time.Second)
	if eta >= time.Hour {
		return fmt.Sprintf("%dh%02dm", int(eta.Hours()), int(eta.Minutes())%60)
	}
	if eta >= time.Minute {
		return fmt.Sprintf("%dm%02ds", int(eta.Minutes()), int(eta.Seconds())%60)
	}
	return fmt.Sprintf("%ds", int(eta.Seconds()))
}

// ProgressBar renders a fixed-width bar with the completed fraction
// filled in. Out-of-range inputs clamp to an empty or full bar.
func ProgressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	var fraction float64
	if total > 0 {
		fraction = float64(current) / float64(total)
	}
	fraction = min(max(fraction, 0), 1)
	filled := int(fraction * float64(width))
	var bar strings.Builder
	bar.WriteString(StyleSymbols["bullet"])
	for cell := 0; cell < width; cell++ {
		if cell < filled {
			bar.WriteString(StyleSymbols["hline"])
		} else {
			bar.WriteByte(' ')
		}
	}
	bar.WriteString(StyleSymbols["bullet"])
	return debugStyle.Render(fmt.Sprintf("%s %5.1f%% ", bar.String(), fraction*100))
}

// ProgressLine renders a full single-line status: bar, counts, speed,
// and ETA. Unknown totals render the byte count and speed only.
func ProgressLine(downloaded, total int64, speed float64, eta time.Duration) string {
	if total < 0 {
		return fmt.Sprintf("%s %s", FormatBytes(uint64(downloaded)), FormatSpeed(speed))
	}
	return fmt.Sprintf("%s%s / %s %s ETA %s",
		ProgressBar(downloaded, total, 30),
		FormatBytes(uint64(max(downloaded, 0))),
		FormatBytes(uint64(total)),
		FormatSpeed(speed),
		FormatETA(eta))
}

func TerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80 // Default fallback width
	}
	return width
}
