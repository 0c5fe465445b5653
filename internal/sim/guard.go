package sim

import (
	"strings"
)

const (
	minChatLen = 2
	maxChatLen = 280

	// Below this share of unique tokens a message is considered
	// degenerate repetition.
	minUniqueTokenRatio = 0.4
)

var bannedFragments = []string{
	"as an ai",
	"as a language model",
	"i cannot",
	"i'm sorry, but",
	"lorem ipsum",
	"[insert",
	"```",
}

var fallbackLines = []string{
	"Let's talk later, I lost my train of thought.",
	"Hm, give me a moment to collect myself.",
	"I keep going in circles today. Anyway, how are you?",
}

// GuardMessage validates a generated chat line against length bounds,
// banned fragments, token diversity and recent duplicates. On rejection
// it returns a safe fallback line and false.
func GuardMessage(text string, recent []string) (string, bool) {
	cleaned := strings.TrimSpace(text)
	if ok := checkMessage(cleaned, recent); ok {
		return cleaned, true
	}
	return fallbackLines[len(cleaned)%len(fallbackLines)], false
}

func checkMessage(text string, recent []string) bool {
	runes := []rune(text)
	if len(runes) < minChatLen || len(runes) > maxChatLen {
		return false
	}

	lower := strings.ToLower(text)
	for _, frag := range bannedFragments {
		if strings.Contains(lower, frag) {
			return false
		}
	}

	tokens := strings.Fields(lower)
	if len(tokens) >= 5 {
		unique := make(map[string]struct{}, len(tokens))
		for _, tok := range tokens {
			unique[tok] = struct{}{}
		}
		if float64(len(unique))/float64(len(tokens)) < minUniqueTokenRatio {
			return false
		}
	}

	for _, prev := range recent {
		if strings.EqualFold(strings.TrimSpace(prev), text) {
			return false
		}
	}
	return true
}
