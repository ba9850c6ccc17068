package relay

import "strings"

// DefaultMaxChunk is the delivery size limit used when none is configured.
const DefaultMaxChunk = 2000

// SplitMessage cuts text into pieces of at most max runes. Cuts prefer the
// last newline within the limit, then the last space, and fall back to a
// hard cut.
func SplitMessage(text string, max int) []string {
	if max <= 0 {
		max = DefaultMaxChunk
	}
	if text == "" {
		return nil
	}

	var parts []string
	runes := []rune(text)
	for len(runes) > max {
		window := string(runes[:max])
		cut := strings.LastIndex(window, "\n")
		if cut <= 0 {
			cut = strings.LastIndex(window, " ")
		}

		var head string
		var skip int
		if cut > 0 {
			head = window[:cut]
			skip = len([]rune(head)) + 1
		} else {
			head = window
			skip = max
		}
		parts = append(parts, head)
		runes = runes[skip:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
