package gateway

import (
	"regexp"
	"strings"
)

const maxOutboundRunes = 3500

var absolutePathRe = regexp.MustCompile(`\S*/(workspace|state)/\S*`)

var whitespaceRunRe = regexp.MustCompile(`[ \t]+`)

// sanitizeOutbound strips internal bookkeeping lines, redacts absolute
// local filesystem paths, collapses whitespace, and truncates to the
// provider message limit (§4.10).
func sanitizeOutbound(text string) string {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "Session:") ||
			strings.HasPrefix(trimmed, "Auto skill:") ||
			strings.HasPrefix(trimmed, "Auto script:") {
			continue
		}
		line = absolutePathRe.ReplaceAllString(line, "[redacted path]")
		line = whitespaceRunRe.ReplaceAllString(line, " ")
		kept = append(kept, strings.TrimRight(line, " \t"))
	}
	out := strings.Join(kept, "\n")
	out = strings.TrimSpace(out)

	r := []rune(out)
	if len(r) > maxOutboundRunes {
		out = string(r[:maxOutboundRunes]) + "…"
	}
	return out
}
