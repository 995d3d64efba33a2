package discord

import (
	"fmt"
	"strings"
)

const (
	// messageLimit is Discord's hard cap per message.
	messageLimit = 2000
	// partBudget leaves headroom for the "[Part i/n] " prefix.
	partBudget = 1900
)

// SplitMessage breaks the text into chunks that respect Discord's message
// size limit. It prefers to split on newline boundaries so formatted blocks
// stay intact. Multi-part output gets "[Part i/n]" prefixes so readers can
// reassemble the order.
func SplitMessage(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	runes := []rune(trimmed)
	if len(runes) <= messageLimit {
		return []string{trimmed}
	}

	var parts []string
	for start := 0; start < len(runes); {
		end := start + partBudget
		if end >= len(runes) {
			chunk := strings.Trim(string(runes[start:]), "\n")
			if chunk != "" {
				parts = append(parts, chunk)
			}
			break
		}

		split := -1
		for i := end; i > start; i-- {
			if runes[i-1] == '\n' {
				split = i
				break
			}
		}
		if split == -1 {
			split = end
		}

		chunk := strings.Trim(string(runes[start:split]), "\n")
		if chunk != "" {
			parts = append(parts, chunk)
		}

		start = split
		for start < len(runes) && runes[start] == '\n' {
			start++
		}
	}

	if len(parts) == 0 {
		return []string{trimmed}
	}
	if len(parts) == 1 {
		return parts
	}

	for i, part := range parts {
		parts[i] = fmt.Sprintf("[Part %d/%d] %s", i+1, len(parts), part)
	}
	return parts
}
