// Package mention extracts @handle mentions from user messages and
// [sendMessageTo@@name] routing directives from agent messages.
package mention

import (
	"strings"
	"unicode"
)

// reservedHandle is always ignored in agent-originated mentions.
const reservedHandle = "you"

// ParseMentions extracts @handle mentions in first-seen order, de-duplicated.
// A '@' preceded by a letter, digit, '_', '-', or '.' does not start a mention.
func ParseMentions(text string) []string {
	runes := []rune(text)
	seen := make(map[string]bool)
	var out []string

	for i := 0; i < len(runes); i++ {
		if runes[i] != '@' {
			continue
		}
		if i > 0 && isHandleBoundaryRune(runes[i-1]) {
			continue
		}
		j := i + 1
		for j < len(runes) && isHandleRune(runes[j]) {
			j++
		}
		handle := string(runes[i+1 : j])
		if handle == "" {
			continue
		}
		if !seen[handle] {
			seen[handle] = true
			out = append(out, handle)
		}
		i = j - 1
	}
	return out
}

// isHandleBoundaryRune reports whether r is part of the character class that
// suppresses a following '@' from starting a mention: alphanumeric, '_', '-', '.'.
func isHandleBoundaryRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.'
}

// isHandleRune reports whether r may appear inside a handle body: alphanumeric, '_', '-'.
func isHandleRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-'
}

// ParseSendMessageDirectives extracts [sendMessageTo@@name] and
// [sendMessageTo@@{name}] directives from agent-originated text, in
// first-seen order, de-duplicated, ignoring the reserved handle "you".
func ParseSendMessageDirectives(text string) []string {
	const prefix = "[sendMessageTo@@"
	seen := make(map[string]bool)
	var out []string

	rest := text
	for {
		idx := strings.Index(rest, prefix)
		if idx < 0 {
			break
		}
		rest = rest[idx+len(prefix):]

		end := strings.IndexByte(rest, ']')
		if end < 0 {
			break
		}
		body := rest[:end]
		rest = rest[end+1:]

		name := strings.TrimSpace(body)
		name = strings.TrimPrefix(name, "{")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimSpace(name)

		if name == "" || !isValidDirectiveName(name) {
			continue
		}
		if strings.EqualFold(name, reservedHandle) {
			continue
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// isValidDirectiveName applies the same character class as handle bodies,
// extended to allow any Unicode letter or digit.
func isValidDirectiveName(name string) bool {
	for _, r := range name {
		if !isHandleRune(r) {
			return false
		}
	}
	return true
}
