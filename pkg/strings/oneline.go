// Package strings holds small text helpers for terminal output.
package strings

import (
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
)

// DefaultColumnWidth is the width table cells are cut to.
const DefaultColumnWidth = 60

const (
	ellipsis      = "…"
	ellipsisWidth = 1

	// minWidth leaves room for one character and the ellipsis.
	minWidth = 2
)

// OneLine collapses all whitespace in s into single spaces and cuts the result
// to width display columns, ending it with an ellipsis when cut. Wide runes
// count as two columns.
func OneLine(s string, width int) string {
	if width < minWidth {
		width = minWidth
	}
	s = strings.Join(strings.Fields(s), " ")
	if text.RuneWidthWithoutEscSequences(s) <= width {
		return s
	}

	runes := []rune(s)
	for len(runes) > 0 && text.RuneWidthWithoutEscSequences(string(runes))+ellipsisWidth > width {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + ellipsis
}
