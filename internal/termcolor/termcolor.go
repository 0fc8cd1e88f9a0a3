// Package termcolor provides simple ANSI terminal color output for the
// drift client and server consoles. Colors are suppressed when stdout is
// not a terminal or NO_COLOR is set.
package termcolor

import (
	"fmt"
	"os"
	"sync"
)

const (
	reset  = "\033[0m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	cyan   = "\033[36m"
	faint  = "\033[2m"
)

var (
	ttyOnce   sync.Once
	ttyResult bool
)

func isColorEnabled() bool {
	ttyOnce.Do(func() {
		if os.Getenv("NO_COLOR") != "" {
			return
		}
		fi, err := os.Stdout.Stat()
		if err != nil {
			return
		}
		ttyResult = fi.Mode()&os.ModeCharDevice != 0
	})
	return ttyResult
}

func printColored(code, format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if isColorEnabled() {
		fmt.Printf("%s%s%s\n", code, msg, reset)
	} else {
		fmt.Println(msg)
	}
}

// Green prints a green line; used for server notices like joins.
func Green(format string, a ...any) { printColored(green, format, a...) }

// Red prints a red line; used for disconnects and errors.
func Red(format string, a ...any) { printColored(red, format, a...) }

// Yellow prints a yellow line; used for migration and pause notices.
func Yellow(format string, a ...any) { printColored(yellow, format, a...) }

// Cyan prints a cyan line; used for chat messages from other users.
func Cyan(format string, a ...any) { printColored(cyan, format, a...) }

// Faint prints a dimmed line; used for history replay.
func Faint(format string, a ...any) { printColored(faint, format, a...) }
