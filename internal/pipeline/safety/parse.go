package safety

import (
	"strings"
)

const (
	prefixSafe    = "SAFE:"
	prefixBlocked = "BLOCKED:"
)

// Parsed is the structured form of a SAFE:/BLOCKED: model answer.
type Parsed struct {
	Safe         bool
	Text         string
	LawReference string
	Symbol       string
	Explanation  string
}

// ParseVerdict reads a "SAFE: <text>" or "BLOCKED: <law> - <symbol> - <why>"
// answer. Code fences, wrapping quotes, leading whitespace and prefix case
// are tolerated; anything else reports ok=false.
func ParseVerdict(raw string) (Parsed, bool) {
	s := cleanAnswer(raw)
	upper := strings.ToUpper(s)
	switch {
	case strings.HasPrefix(upper, prefixSafe):
		return Parsed{Safe: true, Text: strings.TrimSpace(s[len(prefixSafe):])}, true
	case strings.HasPrefix(upper, prefixBlocked):
		return parseBlocked(strings.TrimSpace(s[len(prefixBlocked):])), true
	}
	return Parsed{}, false
}

// ParseClassification accepts a bare "SAFE" in addition to ParseVerdict's forms.
func ParseClassification(raw string) (Parsed, bool) {
	if p, ok := ParseVerdict(raw); ok {
		return p, true
	}
	s := strings.ToUpper(strings.TrimRight(cleanAnswer(raw), ".! "))
	switch s {
	case "SAFE":
		return Parsed{Safe: true}, true
	case "BLOCKED", "UNSAFE":
		return Parsed{Safe: false}, true
	}
	return Parsed{}, false
}

func parseBlocked(body string) Parsed {
	p := Parsed{Safe: false}
	parts := strings.SplitN(body, " - ", 3)
	switch len(parts) {
	case 3:
		p.LawReference = strings.TrimSpace(parts[0])
		p.Symbol = strings.TrimSpace(parts[1])
		p.Explanation = strings.TrimSpace(parts[2])
	case 2:
		p.LawReference = strings.TrimSpace(parts[0])
		p.Explanation = strings.TrimSpace(parts[1])
	default:
		p.Explanation = strings.TrimSpace(body)
	}
	return p
}

func cleanAnswer(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.Contains(strings.ToUpper(s[:nl]), ":") {
			s = s[nl+1:]
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
	}
	for len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') || (first == '`' && last == '`') {
			s = strings.TrimSpace(s[1 : len(s)-1])
			continue
		}
		break
	}
	s = strings.TrimLeft(s, "*_ \t")
	if i := strings.Index(s, "**"); i >= 0 && i < 10 {
		s = strings.Replace(s, "**", "", 2)
	}
	return strings.TrimSpace(s)
}
