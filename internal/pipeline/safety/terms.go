package safety

import (
	"strings"
	"unicode"
)

type Level string

const (
	LevelOff   Level = "off"
	LevelYouth Level = "youth"
	LevelKids  Level = "kids"
)

// ParseLevel defaults unknown or empty values to kids.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelOff:
		return LevelOff
	case LevelYouth:
		return LevelYouth
	default:
		return LevelKids
	}
}

// Symbols covered by §86a StGB. Checked at every level except off.
var unconstitutionalSymbols = []termEntry{
	{"hakenkreuz", "swastika"},
	{"swastika", "swastika"},
	{"sieg heil", "nazi salute"},
	{"heil hitler", "nazi salute"},
	{"hitlergruß", "nazi salute"},
	{"hitlergruss", "nazi salute"},
	{"hitler salute", "nazi salute"},
	{"ss-rune", "ss runes"},
	{"ss rune", "ss runes"},
	{"sigrune", "ss runes"},
	{"sig rune", "ss runes"},
	{"wolfsangel", "wolfsangel"},
	{"odalrune", "odal rune"},
	{"odal rune", "odal rune"},
	{"totenkopfverbände", "ss death's head"},
	{"horst-wessel-lied", "nazi anthem"},
}

var youthTerms = []string{
	"pornografie", "pornography", "porno", "porn",
	"enthauptung", "beheading", "folter", "torture",
	"selbstmordanleitung", "suicide instructions",
}

// kidsTerms extends youthTerms.
var kidsTerms = []string{
	"gore", "splatter", "nackt", "naked", "nude",
	"leiche", "corpse", "massaker", "massacre",
	"zerstückelt", "dismembered", "blutbad", "bloodbath",
}

type termEntry struct {
	term   string
	symbol string
}

// Hit is a deterministic pre-filter match.
type Hit struct {
	Term         string
	Symbol       string
	LawReference string
}

// PreFilter matches the level's term lists against text, case-insensitively
// and on word starts, before any model is asked.
func PreFilter(text string, level Level) (Hit, bool) {
	if level == LevelOff {
		return Hit{}, false
	}
	norm := normalize(text)
	for _, e := range unconstitutionalSymbols {
		if containsTerm(norm, e.term) {
			return Hit{Term: e.term, Symbol: e.symbol, LawReference: "§86a StGB"}, true
		}
	}
	terms := youthTerms
	if level == LevelKids {
		terms = append(append([]string{}, youthTerms...), kidsTerms...)
	}
	for _, t := range terms {
		if containsTerm(norm, t) {
			return Hit{Term: t, Symbol: t, LawReference: "JuSchG"}, true
		}
	}
	return Hit{}, false
}

func normalize(s string) string {
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

// containsTerm only accepts matches that start a word.
func containsTerm(text, term string) bool {
	for i := 0; ; {
		j := strings.Index(text[i:], term)
		if j < 0 {
			return false
		}
		at := i + j
		if at == 0 || !isWordRune(lastRune(text[:at])) {
			return true
		}
		i = at + 1
		if i >= len(text) {
			return false
		}
	}
}

func lastRune(s string) rune {
	r := []rune(s)
	if len(r) == 0 {
		return ' '
	}
	return r[len(r)-1]
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
