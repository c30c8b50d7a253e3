// Package tokenutil approximates model token counts without a tokenizer.
package tokenutil

import "unicode"

const ellipsis = " …"

// EstimateTokens approximates the token count of content. English prose
// averages about 1.33 tokens per word; code and CJK text are better served
// by one token per four bytes, so the larger of the two is returned.
func EstimateTokens(content string) int {
	words, inWord := 0, false
	for _, r := range content {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			words++
			inWord = true
		}
	}
	return max(words*133/100, len(content)/4)
}

// Truncate cuts content to the longest rune prefix whose estimate, ellipsis
// included, is within maxTokens. maxTokens <= 0 disables truncation.
func Truncate(content string, maxTokens int) string {
	if maxTokens <= 0 || EstimateTokens(content) <= maxTokens {
		return content
	}
	runes := []rune(content)
	keep := 0
	for lo, hi := 0, len(runes); lo < hi; {
		mid := lo + (hi-lo+1)/2
		if EstimateTokens(string(runes[:mid])+ellipsis) <= maxTokens {
			lo, keep = mid, mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:keep]) + ellipsis
}
