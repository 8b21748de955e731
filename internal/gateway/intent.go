package gateway

import "strings"

// IntentConfig holds the tunable thresholds for the plain-text task/chat
// classifier (§4.10, §9 Open Question: "thresholds are tunable parameters,
// not invariants").
type IntentConfig struct {
	MinRunes        int
	ImperativeVerbs []string
}

// DefaultIntentConfig returns the conservative defaults: a message of at
// least 12 runes that either doesn't end in "?"/"." or opens with a known
// imperative verb is classified as a task.
func DefaultIntentConfig() IntentConfig {
	return IntentConfig{
		MinRunes: 12,
		ImperativeVerbs: []string{
			"open", "tap", "launch", "close", "go", "navigate", "send",
			"type", "search", "install", "uninstall", "enable", "disable",
			"turn", "set", "check", "find", "reply", "book", "order", "buy",
			"call", "message", "start", "stop", "play", "pause", "scroll",
			"swipe", "click", "add", "delete", "remove", "update", "create",
		},
	}
}

// classifyTask reports whether text should be dispatched as a phone-use
// task (true) or treated as conversational chat (false).
func classifyTask(cfg IntentConfig, text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if len([]rune(trimmed)) < cfg.MinRunes {
		return false
	}

	lower := strings.ToLower(trimmed)
	firstWord := lower
	if idx := strings.IndexAny(lower, " \t\n"); idx >= 0 {
		firstWord = lower[:idx]
	}
	for _, verb := range cfg.ImperativeVerbs {
		if firstWord == verb {
			return true
		}
	}

	if strings.HasSuffix(trimmed, "?") || strings.HasSuffix(trimmed, ".") {
		return false
	}
	return true
}
