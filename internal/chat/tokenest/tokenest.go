// Package tokenest implements the Chat Runner's deterministic token
// estimator, built to a stable vocabulary so the same text always yields the
// same count. No third-party byte-pair-encoding library was found anywhere
// in the retrieved pack (see DESIGN.md for the survey), so this is a small,
// documented, stdlib-only approximation: it
// greedily merges the most common cl100k-style subword fragments found in
// English prose and code, which keeps estimates stable and close enough for
// budget comparisons without vendoring a tokenizer vocabulary file.
package tokenest

import (
	"strings"
	"unicode"
)

// commonFragments are merged first, in list order, mirroring how BPE merges
// favor frequent multi-character tokens before falling back to single runes.
var commonFragments = []string{
	"ing", "tion", "the", "and", "ed", "er", "ly", "es", "re", "un", "in",
}

// EstimateTokens approximates the token count of s using a deterministic
// greedy fragment-merge over words and punctuation, never a function of
// anything but s.
func EstimateTokens(s string) int64 {
	if s == "" {
		return 0
	}
	var total int64
	for _, word := range splitWords(s) {
		total += estimateWord(word)
	}
	return total
}

// splitWords splits on whitespace while keeping runs of punctuation as
// their own words, similar to a simple BPE pre-tokenizer pass.
func splitWords(s string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	var lastClass int // 0=none, 1=alnum, 2=punct
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			flush()
			lastClass = 0
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if lastClass == 2 {
				flush()
			}
			cur.WriteRune(r)
			lastClass = 1
		default:
			if lastClass == 1 {
				flush()
			}
			cur.WriteRune(r)
			lastClass = 2
		}
	}
	flush()
	return words
}

// estimateWord counts tokens within a single word by stripping known
// fragments first (each fragment counts as one token) then charging one
// token per 4 remaining bytes (the common cl100k rule of thumb), with a
// floor of one token for any non-empty word.
func estimateWord(word string) int64 {
	if word == "" {
		return 0
	}
	remaining := word
	var tokens int64
	for _, frag := range commonFragments {
		for strings.Contains(remaining, frag) {
			remaining = strings.Replace(remaining, frag, "", 1)
			tokens++
		}
	}
	if n := len(remaining); n > 0 {
		tokens += int64((n + 3) / 4)
	}
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// EstimateMessages sums the token estimate across each "sender: content"
// rendering, matching how the prompt/context files are actually measured.
func EstimateMessages(renderedLines []string) int64 {
	var total int64
	for _, line := range renderedLines {
		total += EstimateTokens(line)
	}
	return total
}
