package channels

import "strings"

// SplitMessage chunks text to a backend's message-size limit,
// preferring newline then space boundaries near the cut point.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		cut := limit
		window := text[:limit]
		if i := strings.LastIndexByte(window, '\n'); i > limit/2 {
			cut = i
		} else if i := strings.LastIndexByte(window, ' '); i > limit/2 {
			cut = i
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], " \n"))
		text = strings.TrimLeft(text[cut:], " \n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
