package output

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

func PrintSuccess(text string) {
	fmt.Println(successStyle.Render(text))
}
func PrintError(text string) {
	fmt.Println(errorStyle.Render(text))
}
func PrintWarning(text string) {
	fmt.Println(warningStyle.Render(text))
}
func PrintInfo(text string) {
	fmt.Println(infoStyle.Render(text))
}
func PrintHeader(text string) {
	fmt.Println(headerStyle.Render(text))
}

// progressBar renders a fixed width bar. A non-positive total renders an empty bar.
func progressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	filled := 0
	if total > 0 {
		current = max(0, min(current, total))
		filled = int(float64(current) / float64(total) * float64(width))
	}
	filled = max(0, min(filled, width))
	return StyleSymbols["bullet"] + strings.Repeat(StyleSymbols["hline"], filled) +
		strings.Repeat(" ", width-filled) + StyleSymbols["bullet"]
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func terminalSize(f *os.File) (int, int) {
	width, height, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 80, 24
	}
	return width, max(height, 5)
}

// shortenName keeps the start and the extension of long names: "a-very-long…ame.iso".
func shortenName(name string, limit int) string {
	runes := []rune(name)
	if limit <= 0 || len(runes) <= limit {
		return name
	}
	if limit < 8 {
		return string(runes[:limit])
	}
	tail := limit / 3
	head := limit - tail - 1
	return string(runes[:head]) + "…" + string(runes[len(runes)-tail:])
}
