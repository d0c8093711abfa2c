package telegram

import "strings"

// messageLimit: максимальная длина сообщения Bot API в символах.
const messageLimit = 4096

// SplitMessage режет текст на части не длиннее limit символов.
// Разрез делается по последнему переводу строки внутри части, чтобы абзацы письма не рвались.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = messageLimit
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	runes := []rune(trimmed)
	if len(runes) <= limit {
		return []string{trimmed}
	}

	var parts []string
	for pos := 0; pos < len(runes); {
		end := min(pos+limit, len(runes))
		cut := end
		if end < len(runes) {
			if nl := lastNewline(runes[pos:end]); nl > 0 {
				cut = pos + nl
			}
		}
		if chunk := strings.Trim(string(runes[pos:cut]), "\n"); chunk != "" {
			parts = append(parts, chunk)
		}
		pos = cut
		for pos < len(runes) && runes[pos] == '\n' {
			pos++
		}
	}
	return parts
}

// lastNewline возвращает позицию сразу после последнего '\n' или 0.
func lastNewline(runes []rune) int {
	for i := len(runes); i > 0; i-- {
		if runes[i-1] == '\n' {
			return i
		}
	}
	return 0
}
