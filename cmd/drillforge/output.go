package main

import (
	"fmt"
	"os"
)

// ANSI escape sequences for terminal output. All human-facing output goes to
// stderr so stdout stays clean for JSON piping.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printGlyph(color, glyph, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, glyph+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) {
	printGlyph(colorGreen, "✓", format, args...)
}

func printError(format string, args ...any) {
	printGlyph(colorRed, "✗", format, args...)
}

func printWarning(format string, args ...any) {
	printGlyph(colorYellow, "⚠", format, args...)
}

func printStep(format string, args ...any) {
	printGlyph(colorCyan, "→", format, args...)
}

// printStatus renders one "label: value" line of the status report.
func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n",
		colorize(colorBold, label+":"),
		fmt.Sprintf(format, args...))
}
